package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BV-BRC/edge-runtime/internal/streams"
)

func newTestSandbox(t *testing.T) (*Sandbox, *State) {
	t.Helper()
	in := make(chan streams.Chunk, 4)
	out := make(chan streams.Chunk, 4)
	state := NewState("req-1", nil, streams.NewBodyReader(in), streams.NewBodyWriter(context.Background(), out))
	sb, err := New(state, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sb, state
}

func TestExecuteEcho(t *testing.T) {
	sb, state := newTestSandbox(t)
	defer sb.Close()

	in := make(chan streams.Chunk, 1)
	in <- streams.Chunk{Data: []byte("hello")}
	close(in)
	state.IncomingBody = streams.NewBodyReader(in)

	outCh := make(chan streams.Chunk, 8)
	state.OutgoingBody = streams.NewBodyWriter(context.Background(), outCh)

	userCode := `module.exports.default = function(req) {
		var body = req.text();
		return new Response(body, {status: 200, headers: {"content-type": "text/plain"}});
	};`

	req := &Request{Method: "POST", URL: "https://example.com/", Headers: map[string][]string{}}

	head, err := sb.Execute("user.js", userCode, req, 5*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if head.Status != 200 {
		t.Fatalf("got status %d, want 200", head.Status)
	}
	if _, ok := head.Headers["X-Edge-Request-Id"]; !ok {
		t.Fatal("expected X-Edge-Request-Id header")
	}
}

func TestExecuteAsyncHandlerEcho(t *testing.T) {
	sb, state := newTestSandbox(t)
	defer sb.Close()

	in := make(chan streams.Chunk, 1)
	in <- streams.Chunk{Data: []byte("hello async")}
	close(in)
	state.IncomingBody = streams.NewBodyReader(in)

	outCh := make(chan streams.Chunk, 8)
	state.OutgoingBody = streams.NewBodyWriter(context.Background(), outCh)

	userCode := `module.exports.default = async function(req) {
		var body = await req.text();
		return new Response(body, {status: 200});
	};`

	req := &Request{Method: "POST", URL: "https://example.com/", Headers: map[string][]string{}}

	head, err := sb.Execute("user.js", userCode, req, 5*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if head.Status != 200 {
		t.Fatalf("got status %d, want 200", head.Status)
	}
}

func TestExecuteNilResultDefaultsTo200(t *testing.T) {
	sb, _ := newTestSandbox(t)
	defer sb.Close()

	userCode := `module.exports.default = function(req) { return null; };`
	req := &Request{Method: "GET", URL: "https://example.com/"}

	head, err := sb.Execute("user.js", userCode, req, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head.Status != 200 {
		t.Fatalf("got status %d, want the entry module's default 200", head.Status)
	}
}

func TestExecuteRejectedPromiseReturnsHandlerError(t *testing.T) {
	sb, _ := newTestSandbox(t)
	defer sb.Close()

	userCode := `module.exports.default = async function(req) {
		throw new Error("boom");
	};`
	req := &Request{Method: "GET", URL: "https://example.com/"}

	_, err := sb.Execute("user.js", userCode, req, 5*time.Second)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("got %v, want the handler's rejection error", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	sb, _ := newTestSandbox(t)
	defer sb.Close()

	userCode := `module.exports.default = function(req) {
		var i = 0;
		while (true) { i++; }
	};`
	req := &Request{Method: "GET", URL: "https://example.com/"}

	_, err := sb.Execute("user.js", userCode, req, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestDefaultAndValidateStatus(t *testing.T) {
	head := &ResponseHead{}
	if err := DefaultAndValidate(head); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head.Status != 200 {
		t.Fatalf("got %d, want 200", head.Status)
	}

	bad := &ResponseHead{Status: 1000}
	if err := DefaultAndValidate(bad); err == nil {
		t.Fatal("expected error for invalid status 1000")
	}
}

func TestApplyRuntimeHeadersIdempotent(t *testing.T) {
	head := &ResponseHead{}
	ApplyRuntimeHeaders(head, "req-123")
	first := head.Headers["X-Edge-Request-Id"][0]
	ApplyRuntimeHeaders(head, "req-123")
	second := head.Headers["X-Edge-Request-Id"][0]
	if first != second {
		t.Fatalf("expected idempotent header value, got %q then %q", first, second)
	}
}
