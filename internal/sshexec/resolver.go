package sshexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// fileTarget is the on-disk form of one host entry.
type fileTarget struct {
	Host           string `json:"host"`
	Port           int    `json:"port,omitempty"`
	User           string `json:"user"`
	PrivateKeyFile string `json:"private_key_file,omitempty"`
	Password       string `json:"password,omitempty"`
}

// FileResolver resolves SSH targets from a JSON file mapping server ids to
// connection details:
//
//	{
//	  "0198c2f3-…": {"host": "10.0.0.5", "user": "root", "private_key_file": "/keys/node1"}
//	}
//
// The file is read once at startup; editing it requires a restart.
type FileResolver struct {
	targets map[uuid.UUID]*Target
}

// NewFileResolver loads and validates the hosts file.
func NewFileResolver(path string) (*FileResolver, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sshexec: read hosts file: %w", err)
	}

	var entries map[string]fileTarget
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("sshexec: parse hosts file: %w", err)
	}

	targets := make(map[uuid.UUID]*Target, len(entries))
	for key, entry := range entries {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("sshexec: hosts file: invalid server id %q", key)
		}

		target := &Target{
			Host:     entry.Host,
			Port:     entry.Port,
			User:     entry.User,
			Password: entry.Password,
		}
		if target.Port == 0 {
			target.Port = 22
		}
		if entry.PrivateKeyFile != "" {
			key, err := os.ReadFile(entry.PrivateKeyFile)
			if err != nil {
				return nil, fmt.Errorf("sshexec: read key for %s: %w", id, err)
			}
			target.PrivateKey = key
		}
		targets[id] = target
	}

	return &FileResolver{targets: targets}, nil
}

// ResolveSSHTarget implements TargetResolver.
func (r *FileResolver) ResolveSSHTarget(_ context.Context, serverID uuid.UUID) (*Target, error) {
	target, ok := r.targets[serverID]
	if !ok {
		return nil, fmt.Errorf("sshexec: no SSH target for server %s", serverID)
	}
	return target, nil
}
