package pool

import (
	"log/slog"
	"testing"
	"time"

	"github.com/BV-BRC/edge-runtime/internal/worker"
)

func TestSupervisorBalancedReceivedFinished(t *testing.T) {
	inbox := make(chan worker.StateChange, 8)
	sup := newSupervisor(2, 20*time.Millisecond, inbox, slog.Default())

	sup.handle(worker.StateChange{Kind: worker.Received, WorkerID: 0, RequestID: "r1", Timeout: time.Second})
	if len(sup.deadlineSnapshot()) != 1 {
		t.Fatalf("expected 1 in-flight worker after Received")
	}

	sup.handle(worker.StateChange{Kind: worker.Finished, WorkerID: 0, RequestID: "r1"})
	if len(sup.deadlineSnapshot()) != 0 {
		t.Fatalf("expected 0 in-flight workers after Finished")
	}
}

func TestSupervisorFinishedOnUnknownWorkerIsNoop(t *testing.T) {
	inbox := make(chan worker.StateChange, 8)
	sup := newSupervisor(2, 20*time.Millisecond, inbox, slog.Default())

	sup.handle(worker.StateChange{Kind: worker.Finished, WorkerID: 5, RequestID: "unknown"})
	if len(sup.deadlineSnapshot()) != 0 {
		t.Fatalf("expected no panic/no entries for unknown worker id")
	}
}

type fakeIsolate struct {
	interrupted chan interface{}
}

func (f *fakeIsolate) Interrupt(reason interface{}) {
	f.interrupted <- reason
}

func TestSupervisorSweepTerminatesExpired(t *testing.T) {
	inbox := make(chan worker.StateChange, 8)
	sup := newSupervisor(1, 5*time.Millisecond, inbox, slog.Default())

	iso := &fakeIsolate{interrupted: make(chan interface{}, 1)}
	sup.handle(worker.StateChange{Kind: worker.Received, WorkerID: 0, RequestID: "r1", Timeout: time.Nanosecond})
	sup.handle(worker.StateChange{Kind: worker.Started, WorkerID: 0, RequestID: "r1", Isolate: iso})

	sup.sweep()

	select {
	case <-iso.interrupted:
	case <-time.After(time.Second):
		t.Fatal("expected Interrupt to be called on expired worker")
	}

	if len(sup.deadlineSnapshot()) != 0 {
		t.Fatal("expected entry removed after termination")
	}
}

func TestNextWorkerIdxPrefersFree(t *testing.T) {
	p := &Pool{
		inboxes: make([]chan worker.Request, 3),
		sup:     newSupervisor(3, time.Second, make(chan worker.StateChange), slog.Default()),
	}
	p.sup.handle(worker.StateChange{Kind: worker.Received, WorkerID: 0, RequestID: "r1", Timeout: time.Second})
	p.sup.handle(worker.StateChange{Kind: worker.Received, WorkerID: 1, RequestID: "r2", Timeout: time.Second})

	idx := p.nextWorkerIdx()
	if idx != 2 {
		t.Fatalf("got worker %d, want the only free worker 2", idx)
	}
}

func TestNextWorkerIdxEarliestDeadlineWhenAllBusy(t *testing.T) {
	p := &Pool{
		inboxes: make([]chan worker.Request, 2),
		sup:     newSupervisor(2, time.Second, make(chan worker.StateChange), slog.Default()),
	}
	p.sup.handle(worker.StateChange{Kind: worker.Received, WorkerID: 0, RequestID: "r1", Timeout: 10 * time.Second})
	p.sup.handle(worker.StateChange{Kind: worker.Received, WorkerID: 1, RequestID: "r2", Timeout: time.Millisecond})

	idx := p.nextWorkerIdx()
	if idx != 1 {
		t.Fatalf("got worker %d, want worker 1 (earliest deadline)", idx)
	}
}
