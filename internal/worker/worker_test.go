package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/BV-BRC/edge-runtime/internal/sandbox"
	"github.com/BV-BRC/edge-runtime/internal/streams"
)

func TestWorkerProcessEmitsBalancedLifecycle(t *testing.T) {
	inbox := make(chan Request, 1)
	notify := make(chan StateChange, 16)
	w := &Worker{ID: 0, Inbox: inbox, Notify: notify}

	in := make(chan streams.Chunk)
	close(in)
	out := make(chan streams.Chunk, 8)
	state := sandbox.NewState("req-1", &sandbox.Request{Method: "GET", URL: "https://example.com/"},
		streams.NewBodyReader(in), streams.NewBodyWriter(context.Background(), out))

	req := Request{
		ID:        "req-1",
		UserCode:  `module.exports.default = function(req) { return new Response("ok", {status: 200}); };`,
		Specifier: "user.js",
		HTTP:      state.Req,
		State:     state,
		Timeout:   2 * time.Second,
	}

	go func() {
		w.process(req, slog.Default())
		close(notify)
	}()

	var kinds []StateChangeKind
	for sc := range notify {
		kinds = append(kinds, sc.Kind)
	}

	want := []StateChangeKind{Received, Initialized, Started, Finished}
	if len(kinds) != len(want) {
		t.Fatalf("got %v state changes, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("state change %d: got %v, want %v", i, kinds[i], want[i])
		}
	}
}
