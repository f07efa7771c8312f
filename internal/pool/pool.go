// Package pool owns the worker inboxes, selects a worker for each incoming
// request, and runs the supervisor task that tracks deadlines and
// terminates expired isolates.
package pool

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/BV-BRC/edge-runtime/internal/permissions"
	"github.com/BV-BRC/edge-runtime/internal/sandbox"
	"github.com/BV-BRC/edge-runtime/internal/telemetry"
	"github.com/BV-BRC/edge-runtime/internal/worker"
)

// ErrPoolClosed is returned by Handle after Close.
var ErrPoolClosed = errors.New("pool: closed")

// DefaultTick is the supervisor's deadline-sweep interval.
const DefaultTick = 200 * time.Millisecond

// Config configures a Pool.
type Config struct {
	Size           int
	DefaultTimeout time.Duration
	HeapLimitBytes int64
	Tick           time.Duration
	Policy         *permissions.Policy
	Logger         *slog.Logger
	Telemetry      *telemetry.Sink
}

// DefaultSize follows the original's 2*cores+1 sizing heuristic.
func DefaultSize() int {
	return 2*runtime.NumCPU() + 1
}

// Pool owns N worker inboxes and one supervisor goroutine.
type Pool struct {
	cfg     Config
	inboxes []chan worker.Request
	notify  chan worker.StateChange
	sup     *supervisor
	closed  chan struct{}
	logger  *slog.Logger
}

// PendingRequest is what the dispatcher hands the pool for one request.
type PendingRequest struct {
	UserCode  string
	Specifier string
	HTTP      *sandbox.Request
	State     *sandbox.State
	Timeout   time.Duration
}

// New starts the pool: one goroutine per worker slot, plus the supervisor
// goroutine. Workers are long-lived for the pool's entire lifetime.
func New(cfg Config) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.HeapLimitBytes <= 0 {
		cfg.HeapLimitBytes = sandbox.HeapLimitBytes
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Policy == nil {
		cfg.Policy = permissions.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{
		cfg:     cfg,
		inboxes: make([]chan worker.Request, cfg.Size),
		notify:  make(chan worker.StateChange, 1024),
		closed:  make(chan struct{}),
		logger:  cfg.Logger.With("component", "pool"),
	}

	for i := 0; i < cfg.Size; i++ {
		inbox := make(chan worker.Request, 64)
		p.inboxes[i] = inbox
		w := &worker.Worker{
			ID:       i,
			Inbox:    inbox,
			Notify:   p.notify,
			Policy:   cfg.Policy,
			Logger:   cfg.Logger,
			HeapSize: cfg.HeapLimitBytes,
		}
		go w.Run()
	}

	p.sup = newSupervisor(cfg.Size, cfg.Tick, p.notify, p.logger)
	p.sup.telemetry = cfg.Telemetry
	go p.sup.run()

	return p
}

// Handle selects a worker and enqueues req, generating a time-ordered
// request id. It does not wait for completion: the caller (the dispatcher)
// correlates completion via the Channels it handed in with req.State, not
// via this call's return, matching the streaming design's explicit choice
// not to hold a pool-level pending-request map.
func (p *Pool) Handle(req PendingRequest) (string, error) {
	select {
	case <-p.closed:
		return "", ErrPoolClosed
	default:
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	requestID := id.String()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	idx := p.nextWorkerIdx()

	req.State.RequestID = requestID
	wr := worker.Request{
		ID:        requestID,
		UserCode:  req.UserCode,
		Specifier: req.Specifier,
		HTTP:      req.HTTP,
		State:     req.State,
		Timeout:   timeout,
	}

	p.inboxes[idx] <- wr
	return requestID, nil
}

// nextWorkerIdx implements "shuffle worker indices, first index with no
// supervisor-tracked deadline wins; else earliest deadline; else uniform
// random," matching the original's worker-selection policy.
func (p *Pool) nextWorkerIdx() int {
	n := len(p.inboxes)
	order := rand.Perm(n)

	deadlines := p.sup.deadlineSnapshot()

	for _, idx := range order {
		if _, busy := deadlines[idx]; !busy {
			return idx
		}
	}
	if len(deadlines) > 0 {
		return earliestDeadlineIdx(deadlines)
	}
	return order[rand.IntN(n)]
}

func earliestDeadlineIdx(deadlines map[int]time.Time) int {
	best := -1
	var bestAt time.Time
	for idx, at := range deadlines {
		if best == -1 || at.Before(bestAt) {
			best = idx
			bestAt = at
		}
	}
	return best
}

// Close stops accepting new requests. In-flight requests are left to
// complete; worker inboxes are not closed here since workers are long-lived
// for the process's entire lifetime in normal operation.
func (p *Pool) Close() {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
}

// Status is a point-in-time snapshot for the admin status route.
type Status struct {
	Size            int
	WorkersOccupied int
}

// Snapshot reports current pool occupancy.
func (p *Pool) Snapshot() Status {
	return Status{
		Size:            len(p.inboxes),
		WorkersOccupied: len(p.sup.deadlineSnapshot()),
	}
}
