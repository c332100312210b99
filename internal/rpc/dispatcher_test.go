package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(zap.NewNop())
}

func req(method string, params string, id string) *Request {
	r := &Request{JSONRPC: Version, Method: method}
	if params != "" {
		r.Params = json.RawMessage(params)
	}
	if id != "" {
		r.ID = json.RawMessage(id)
	}
	return r
}

func TestDispatcher(t *testing.T) {
	t.Run("routes to the registered handler", func(t *testing.T) {
		d := newTestDispatcher()
		d.Register("echo", PermissionRead, func(_ context.Context, p Params) (any, error) {
			var in map[string]string
			if err := p.Bind(&in); err != nil {
				return nil, err
			}
			return in, nil
		})

		resp := d.Dispatch(context.Background(), req("echo", `{"k":"v"}`, "1"))
		if resp == nil || resp.Error != nil {
			t.Fatalf("unexpected error response: %+v", resp)
		}
		if string(resp.Result) != `{"k":"v"}` {
			t.Errorf("result = %s, want {\"k\":\"v\"}", resp.Result)
		}
		if string(resp.ID) != "1" {
			t.Errorf("id = %s, want 1", resp.ID)
		}
	})

	t.Run("unknown method returns -32601", func(t *testing.T) {
		d := newTestDispatcher()
		resp := d.Dispatch(context.Background(), req("nope", "", "2"))
		if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
			t.Fatalf("expected method-not-found, got %+v", resp)
		}
	})

	t.Run("missing method returns -32600", func(t *testing.T) {
		d := newTestDispatcher()
		resp := d.Dispatch(context.Background(), req("", "", "3"))
		if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
			t.Fatalf("expected invalid-request, got %+v", resp)
		}
	})

	t.Run("admin methods are denied by default", func(t *testing.T) {
		d := newTestDispatcher()
		d.Register("danger", PermissionAdmin, func(_ context.Context, _ Params) (any, error) {
			t.Fatal("handler must not run")
			return nil, nil
		})

		resp := d.Dispatch(context.Background(), req("danger", "", "4"))
		if resp.Error == nil || resp.Error.Code != CodePermissionDenied {
			t.Fatalf("expected permission-denied, got %+v", resp)
		}
	})

	t.Run("SetAllowed opens and closes levels at runtime", func(t *testing.T) {
		d := newTestDispatcher()
		d.Register("danger", PermissionAdmin, func(_ context.Context, _ Params) (any, error) {
			return "done", nil
		})

		d.SetAllowed(PermissionRead, PermissionWrite, PermissionAdmin)
		if resp := d.Dispatch(context.Background(), req("danger", "", "5")); resp.Error != nil {
			t.Fatalf("expected success with admin allowed, got %+v", resp.Error)
		}

		d.SetAllowed(PermissionRead)
		resp := d.Dispatch(context.Background(), req("danger", "", "6"))
		if resp.Error == nil || resp.Error.Code != CodePermissionDenied {
			t.Fatalf("expected permission-denied after closing admin, got %+v", resp)
		}
	})

	t.Run("registering without a level fails closed", func(t *testing.T) {
		d := newTestDispatcher()
		d.Register("implicit", "", func(_ context.Context, _ Params) (any, error) {
			return nil, nil
		})
		resp := d.Dispatch(context.Background(), req("implicit", "", "7"))
		if resp.Error == nil || resp.Error.Code != CodePermissionDenied {
			t.Fatalf("expected permission-denied for implicit level, got %+v", resp)
		}
	})

	t.Run("notifications never get a response", func(t *testing.T) {
		d := newTestDispatcher()
		if resp := d.Dispatch(context.Background(), req("nope", "", "")); resp != nil {
			t.Errorf("notification to unknown method produced response %+v", resp)
		}
		if resp := d.Dispatch(context.Background(), req("", "", "")); resp != nil {
			t.Errorf("invalid notification produced response %+v", resp)
		}
	})

	t.Run("handler error is masked as internal", func(t *testing.T) {
		d := newTestDispatcher()
		d.Register("boom", PermissionRead, func(_ context.Context, _ Params) (any, error) {
			return nil, errors.New("secret database path /var/lib/x")
		})

		resp := d.Dispatch(context.Background(), req("boom", "", "8"))
		if resp.Error == nil || resp.Error.Code != CodeInternalError {
			t.Fatalf("expected internal error, got %+v", resp)
		}
		if resp.Error.Message != "internal server error" {
			t.Errorf("internal detail leaked to the wire: %q", resp.Error.Message)
		}
	})

	t.Run("typed rpc errors pass through verbatim", func(t *testing.T) {
		d := newTestDispatcher()
		d.Register("refuse", PermissionRead, func(_ context.Context, _ Params) (any, error) {
			return nil, NewError(CodeInvalidRequest, "bad params")
		})

		resp := d.Dispatch(context.Background(), req("refuse", "", "9"))
		if resp.Error == nil || resp.Error.Code != CodeInvalidRequest || resp.Error.Message != "bad params" {
			t.Fatalf("expected typed error passthrough, got %+v", resp)
		}
	})

	t.Run("handler panic is contained", func(t *testing.T) {
		d := newTestDispatcher()
		d.Register("panic", PermissionRead, func(_ context.Context, _ Params) (any, error) {
			panic("kaboom")
		})

		resp := d.Dispatch(context.Background(), req("panic", "", "10"))
		if resp.Error == nil || resp.Error.Code != CodeInternalError {
			t.Fatalf("expected internal error after panic, got %+v", resp)
		}
	})

	t.Run("DispatchRaw answers unparseable bytes with -32700 and null id", func(t *testing.T) {
		d := newTestDispatcher()
		resp := d.DispatchRaw(context.Background(), []byte("{not json"))
		if resp.Error == nil || resp.Error.Code != CodeParseError {
			t.Fatalf("expected parse error, got %+v", resp)
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			t.Fatal(err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatal(err)
		}
		if id, present := decoded["id"]; !present || id != nil {
			t.Errorf("expected id:null on parse error response, got %v", decoded)
		}
	})
}

func TestParseNumericID(t *testing.T) {
	cases := []struct {
		raw  string
		want uint64
		ok   bool
	}{
		{"7", 7, true},
		{`"42"`, 42, true},
		{`"abc"`, 0, false},
		{"-1", 0, false},
		{"", 0, false},
		{"null", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseNumericID(json.RawMessage(tc.raw))
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseNumericID(%q) = (%d, %v), want (%d, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFrameKind(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want FrameKind
	}{
		{"request", `{"jsonrpc":"2.0","method":"x","id":1}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"x"}`, KindRequest},
		{"result", `{"jsonrpc":"2.0","result":{},"id":1}`, KindResponse},
		{"error", `{"jsonrpc":"2.0","error":{"code":1,"message":"m"},"id":1}`, KindResponse},
		{"neither", `{"jsonrpc":"2.0","id":1}`, KindInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var f Frame
			if err := json.Unmarshal([]byte(tc.raw), &f); err != nil {
				t.Fatal(err)
			}
			if got := f.Kind(); got != tc.want {
				t.Errorf("Kind() = %v, want %v", got, tc.want)
			}
		})
	}
}
