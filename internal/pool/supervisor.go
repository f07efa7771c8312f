package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BV-BRC/edge-runtime/internal/telemetry"
	"github.com/BV-BRC/edge-runtime/internal/worker"
)

// checkpoint is one named timing breadcrumb recorded against a request's
// WorkerState. The checkpoint names (recv, init, start, finish) mirror the
// ones the mature reference implementation's supervisor records.
type checkpoint struct {
	Name string
	At   time.Time
}

// workerState is the supervisor's bookkeeping for one in-flight request on
// one worker slot.
type workerState struct {
	deadline    time.Time
	isolate     worker.Interrupter
	checkpoints []checkpoint
}

func (ws *workerState) mark(name string) {
	ws.checkpoints = append(ws.checkpoints, checkpoint{Name: name, At: time.Now()})
}

// supervisor is the single task multiplexed over the workers' lifecycle
// notifications and a periodic deadline sweep, matching the mature
// reference design (funcgg-worker/src/pool.rs's spawn_supervisor): on
// Received it opens a deadline window, on Started it records the
// termination handle, on Finished it clears bookkeeping, and every tick it
// terminates any isolate whose deadline has passed.
type supervisor struct {
	poolSize int
	tick     time.Duration
	inbox    <-chan worker.StateChange
	logger   *slog.Logger

	mu      sync.Mutex
	current map[int]*workerState

	// telemetry is optional; a nil Sink's Publish is a safe no-op.
	telemetry *telemetry.Sink
}

func newSupervisor(poolSize int, tick time.Duration, inbox <-chan worker.StateChange, logger *slog.Logger) *supervisor {
	return &supervisor{
		poolSize: poolSize,
		tick:     tick,
		inbox:    inbox,
		logger:   logger.With("component", "supervisor"),
		current:  make(map[int]*workerState),
	}
}

func (s *supervisor) run() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case sc, ok := <-s.inbox:
			if !ok {
				return
			}
			s.handle(sc)
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *supervisor) handle(sc worker.StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch sc.Kind {
	case worker.Received:
		ws := &workerState{deadline: time.Now().Add(sc.Timeout)}
		ws.mark("recv")
		s.current[sc.WorkerID] = ws
		s.telemetry.Publish(sc.WorkerID, sc.RequestID, "received", "")
	case worker.Initialized:
		if ws, ok := s.current[sc.WorkerID]; ok {
			ws.mark("init")
		}
	case worker.Started:
		if ws, ok := s.current[sc.WorkerID]; ok {
			ws.isolate = sc.Isolate
			ws.mark("start")
		}
	case worker.Finished:
		// Missing key is fine: a supervisor-triggered termination causes
		// the worker's own Finished notification to arrive after the
		// sweep has already removed the entry. Idempotent by design.
		if ws, ok := s.current[sc.WorkerID]; ok {
			ws.mark("finish")
			s.logTimings(sc.RequestID, ws)
			delete(s.current, sc.WorkerID)
			s.telemetry.Publish(sc.WorkerID, sc.RequestID, "finished", "")
		}
	}
}

func (s *supervisor) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ws := range s.current {
		if ws.isolate == nil || !now.After(ws.deadline) {
			continue
		}
		s.logger.Warn("deadline exceeded, terminating isolate", "worker_id", id)
		ws.isolate.Interrupt(deadlineExceeded{})
		delete(s.current, id)
		s.telemetry.Publish(id, "", "deadline_exceeded", "")
	}
}

// deadlineSnapshot returns, for nextWorkerIdx's selection policy, which
// worker indices currently have an open deadline and what that deadline is.
func (s *supervisor) deadlineSnapshot() map[int]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]time.Time, len(s.current))
	for id, ws := range s.current {
		out[id] = ws.deadline
	}
	return out
}

func (s *supervisor) logTimings(requestID string, ws *workerState) {
	attrs := make([]any, 0, 2*len(ws.checkpoints)+2)
	attrs = append(attrs, "request_id", requestID)
	for _, cp := range ws.checkpoints {
		attrs = append(attrs, cp.Name, cp.At.Format(time.RFC3339Nano))
	}
	s.logger.Info("request finished", attrs...)
}

// deadlineExceeded is the reason value passed to Interrupt() on a
// supervisor-driven termination, distinguishing it in logs/tests from a
// user-triggered or heap-limit interrupt.
type deadlineExceeded struct{}

func (deadlineExceeded) Error() string { return "pool: worker deadline exceeded" }
