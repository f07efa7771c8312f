// Package worker implements one pool slot: a goroutine pinned to a
// dedicated OS thread, owning successive Sandboxes one request at a time.
package worker

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/BV-BRC/edge-runtime/internal/permissions"
	"github.com/BV-BRC/edge-runtime/internal/sandbox"
)

// Request is one unit of work handed from the pool to a worker's inbox.
type Request struct {
	ID        string
	UserCode  string
	Specifier string
	HTTP      *sandbox.Request
	State     *sandbox.State
	Timeout   time.Duration
}

// StateChangeKind identifies which lifecycle transition a StateChange
// reports to the supervisor.
type StateChangeKind int

const (
	Received StateChangeKind = iota
	Initialized
	Started
	Finished
)

// StateChange is the message a worker emits to the supervisor at each
// lifecycle transition.
type StateChange struct {
	Kind      StateChangeKind
	WorkerID  int
	RequestID string
	Timeout   time.Duration
	Isolate   Interrupter
	Err       error
}

// Interrupter is the thread-safe termination handle the supervisor stores
// and invokes on deadline expiry. *sandbox.Sandbox satisfies this.
type Interrupter interface {
	Interrupt(reason interface{})
}

// Worker owns one pool slot.
type Worker struct {
	ID       int
	Inbox    <-chan Request
	Notify   chan<- StateChange
	Policy   *permissions.Policy
	Logger   *slog.Logger
	HeapSize int64
}

// Run pins the calling goroutine to its OS thread and processes requests
// from Inbox until it is closed. One goroutine, one OS thread, one
// goja.Runtime at a time: goja's Runtime is not safe for concurrent use, so
// this pinning plus never sharing the Runtime across goroutines reproduces
// the "one isolate per OS thread" guarantee without a second runtime
// abstraction.
func (w *Worker) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	applyResourceLimits()

	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker", "worker_id", w.ID)
	logger.Info("worker starting")

	for req := range w.Inbox {
		w.process(req, logger)
	}

	logger.Info("worker shutting down")
}

func (w *Worker) process(req Request, logger *slog.Logger) {
	w.emit(StateChange{Kind: Received, WorkerID: w.ID, RequestID: req.ID, Timeout: req.Timeout})
	logger.Info("worker accepted request", "request_id", req.ID)

	sb, err := sandbox.New(req.State, sandbox.Options{
		HeapLimitBytes: w.HeapSize,
		Policy:         w.Policy,
	})
	if err != nil {
		logger.Error("failed to construct sandbox", "request_id", req.ID, "error", err)
		w.emit(StateChange{Kind: Finished, WorkerID: w.ID, RequestID: req.ID, Err: fmt.Errorf("unable to create sandbox: %w", err)})
		return
	}
	sb.SetConsoleSink(func(args []interface{}) {
		logger.Info("handler console output", "request_id", req.ID, "args", args)
	})
	w.emit(StateChange{Kind: Initialized, WorkerID: w.ID, RequestID: req.ID})

	w.emit(StateChange{Kind: Started, WorkerID: w.ID, RequestID: req.ID, Isolate: sb})

	_, err = sb.Execute(req.Specifier, req.UserCode, req.HTTP, req.Timeout)
	if err != nil {
		logger.Warn("handler invocation failed", "request_id", req.ID, "error", err)
	}

	w.emit(StateChange{Kind: Finished, WorkerID: w.ID, RequestID: req.ID, Err: err})
}

func (w *Worker) emit(sc StateChange) {
	w.Notify <- sc
}
