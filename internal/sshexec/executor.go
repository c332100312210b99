// Package sshexec runs shell commands on managed hosts over SSH. It is the
// command router's fallback path for hosts whose agent is unreachable.
// Connection details come from a TargetResolver so this package stays
// ignorant of how hosts are stored.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// dialTimeout bounds the TCP+SSH handshake, separately from the command's
// own timeout.
const dialTimeout = 10 * time.Second

// Target is the resolved SSH endpoint for a managed host. PrivateKey takes
// precedence over Password when both are set.
type Target struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte
	Password   string
}

// TargetResolver maps a server id to its SSH endpoint.
type TargetResolver interface {
	ResolveSSHTarget(ctx context.Context, serverID uuid.UUID) (*Target, error)
}

// Executor implements command.FallbackExecutor over SSH.
type Executor struct {
	logger   *zap.Logger
	resolver TargetResolver
}

// New creates an SSH executor.
func New(logger *zap.Logger, resolver TargetResolver) *Executor {
	return &Executor{
		logger:   logger.Named("sshexec"),
		resolver: resolver,
	}
}

// Run executes one command on the host behind serverID and returns its
// combined output and exit status. A non-zero exit is not an error; err is
// reserved for resolution, connection, and interruption failures.
func (e *Executor) Run(ctx context.Context, serverID uuid.UUID, command string, timeout time.Duration) (string, int, error) {
	target, err := e.resolver.ResolveSSHTarget(ctx, serverID)
	if err != nil {
		return "", -1, fmt.Errorf("sshexec: resolve target: %w", err)
	}

	cfg, err := clientConfig(target)
	if err != nil {
		return "", -1, err
	}

	addr := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return "", -1, fmt.Errorf("sshexec: dial %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("sshexec: open session: %w", err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		return output.String(), -1, fmt.Errorf("sshexec: command timed out after %s", timeout)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return output.String(), -1, ctx.Err()
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return output.String(), exitErr.ExitStatus(), nil
		}
		return output.String(), -1, fmt.Errorf("sshexec: run command: %w", err)
	}
	return output.String(), 0, nil
}

func clientConfig(target *Target) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(target.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(target.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("sshexec: parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		auth = append(auth, ssh.Password(target.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("sshexec: target has no credentials")
	}

	return &ssh.ClientConfig{
		User: target.User,
		Auth: auth,
		// Homelab hosts reinstall often and host keys are not centrally
		// managed; token-authenticated agents are the primary channel and
		// SSH is the recovery path.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}, nil
}
