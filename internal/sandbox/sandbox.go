// Package sandbox implements the per-request script-evaluation engine: a
// fresh goja.Runtime wired to host operations, a heap ceiling watchdog, and
// an execute driver that loads the user module and the worker entry module
// and runs them to completion or to a terminal failure.
package sandbox

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/BV-BRC/edge-runtime/internal/loader"
	"github.com/BV-BRC/edge-runtime/internal/permissions"
	"github.com/BV-BRC/edge-runtime/internal/streams"
)

//go:embed js/globals.js
var globalsSource string

//go:embed js/entrypoint.js
var entrypointSource string

// HeapLimitBytes is the default per-isolate heap ceiling.
const HeapLimitBytes = 64 * 1024 * 1024

var (
	// ErrTimeout is returned when the request deadline elapses before the
	// handler settles.
	ErrTimeout = errors.New("sandbox: execution deadline exceeded")
	// ErrHeapLimit is returned when the allocation watchdog terminates the
	// isolate for exceeding its heap ceiling.
	ErrHeapLimit = errors.New("sandbox: heap limit exceeded")
	// ErrResponseAlreadySent is returned by set_response on a second call.
	ErrResponseAlreadySent = errors.New("sandbox: response already sent")
	// ErrResponseNotSent is returned when the handler finishes without
	// ever calling set_response.
	ErrResponseNotSent = errors.New("sandbox: response not sent")
)

// Request is the per-request value exposed to user code via get_request.
type Request struct {
	Method  string
	URL     string
	Headers map[string][]string
}

// ResponseHead is the (status, headers) pair sent exactly once via
// set_response, consumed by the dispatcher before any body bytes.
type ResponseHead struct {
	Status  int
	Headers map[string][]string
}

// State is the per-request slot shared between host-op bindings and the
// execute driver. It is only ever touched from the worker's single
// goroutine, except for the mutex-guarded response fields and responseCh,
// which the dispatcher reads on a separate goroutine.
type State struct {
	RequestID    string
	Req          *Request
	IncomingBody *streams.BodyReader
	OutgoingBody *streams.BodyWriter

	mu           sync.Mutex
	responseSent bool
	responseHead *ResponseHead
	responseCh   chan *ResponseHead
}

// NewState constructs sandbox-local state for one request.
func NewState(requestID string, req *Request, in *streams.BodyReader, out *streams.BodyWriter) *State {
	return &State{
		RequestID:    requestID,
		Req:          req,
		IncomingBody: in,
		OutgoingBody: out,
		responseCh:   make(chan *ResponseHead, 1),
	}
}

// ResponseHeadChan returns the channel the dispatcher should await; it fires
// at most once, and is closed empty when Execute returns without a head
// having been sent.
func (s *State) ResponseHeadChan() <-chan *ResponseHead {
	return s.responseCh
}

// setResponse records the response head and sends it once into responseCh.
// A second call returns ErrResponseAlreadySent. responseCh has exactly one
// consumer in production, the dispatcher, which blocks on it to obtain the
// head for writing the HTTP response; the head is also kept on State itself
// so Execute can observe success without competing for that receive.
func (s *State) setResponse(head *ResponseHead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responseSent {
		return ErrResponseAlreadySent
	}
	s.responseSent = true
	s.responseHead = head
	s.responseCh <- head
	close(s.responseCh)
	return nil
}

// ResponseSent reports whether set_response has already been called, and if
// so returns the head it recorded. This is the success signal Execute uses:
// responseCh itself must be left for its sole intended consumer, the
// dispatcher, to receive from — a second receiver racing it there is exactly
// the bug this accessor exists to avoid.
func (s *State) ResponseSent() (*ResponseHead, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseHead, s.responseSent
}

// Sandbox wraps one goja.Runtime, torn down after exactly one request.
type Sandbox struct {
	vm         *goja.Runtime
	state      *State
	policy     *permissions.Policy
	heapLimit  int64
	allocated  int64
	allocMu    sync.Mutex
	stopWatch  chan struct{}
	httpClient *http.Client

	// onConsoleLog, if set, receives console.log/warn/error arguments from
	// user code. Wired by the worker that owns this Sandbox to its
	// request-scoped telemetry logger; nil by default (silent).
	onConsoleLog func(args []interface{})
}

// SetConsoleSink wires console.log/warn/error output from user code to fn.
func (sb *Sandbox) SetConsoleSink(fn func(args []interface{})) {
	sb.onConsoleLog = fn
}

// Options configures a new Sandbox.
type Options struct {
	HeapLimitBytes int64
	Policy         *permissions.Policy
}

// New constructs a fresh isolate for one request. Construction failure
// (extremely rare for goja, which has no native init step that can fail)
// is still surfaced as an error to match the original SandboxInit error
// category.
func New(state *State, opts Options) (*Sandbox, error) {
	if opts.HeapLimitBytes == 0 {
		opts.HeapLimitBytes = HeapLimitBytes
	}
	if opts.Policy == nil {
		opts.Policy = permissions.New()
	}

	vm := goja.New()
	sb := &Sandbox{
		vm:         vm,
		state:      state,
		policy:     opts.Policy,
		heapLimit:  opts.HeapLimitBytes,
		stopWatch:  make(chan struct{}),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	sb.installHostOps()

	if _, err := vm.RunString(globalsSource); err != nil {
		return nil, fmt.Errorf("construct sandbox: install globals: %w", err)
	}

	return sb, nil
}

// Interrupt forcibly terminates the isolate's execution. Safe to call from
// any goroutine; this is the handle the supervisor stores to enforce
// deadlines out-of-band.
func (sb *Sandbox) Interrupt(reason interface{}) {
	sb.vm.Interrupt(reason)
}

// Close stops the heap watchdog. The goja.Runtime itself needs no explicit
// teardown; it is garbage collected once dropped, matching "all terminal
// states cause Sandbox drop and isolate destruction."
func (sb *Sandbox) Close() {
	select {
	case <-sb.stopWatch:
	default:
		close(sb.stopWatch)
	}
}

// addAllocated accounts for bytes moved through the host-op surface
// (body chunks in and out). This approximates true VM heap usage: goja
// exposes no byte-accurate heap accounting the way V8's near-heap-limit
// callback does, so the ceiling here tracks bytes we know were allocated
// on the isolate's behalf rather than true live heap size.
func (sb *Sandbox) addAllocated(n int) {
	sb.allocMu.Lock()
	sb.allocated += int64(n)
	over := sb.allocated > sb.heapLimit
	sb.allocMu.Unlock()
	if over {
		sb.vm.Interrupt(ErrHeapLimit)
	}
}

// runEntry evaluates the transpiled user module followed by the worker
// entry module, invokes __run(), awaits its result if it is a promise, and
// forwards the settled value to __finish(). Must only be called from the
// goroutine that owns sb.vm.
func (sb *Sandbox) runEntry(userCode, userSpecifier string, deadline time.Time) error {
	wrapped := wrapAsCommonJS(userCode)
	moduleVal, err := sb.vm.RunString(wrapped)
	if err != nil {
		return fmt.Errorf("evaluate user module %q: %w", userSpecifier, err)
	}
	moduleObj := moduleVal.ToObject(sb.vm)
	exportsVal := moduleObj.Get("exports")
	if exportsVal == nil || goja.IsUndefined(exportsVal) {
		return fmt.Errorf("user module %q produced no exports", userSpecifier)
	}
	exportsObj := exportsVal.ToObject(sb.vm)
	handler := exportsObj.Get("default")
	if handler == nil || goja.IsUndefined(handler) {
		handler = exportsVal // allow module.exports = fn
	}
	sb.vm.Set("__user_handler", handler)

	if _, err := sb.vm.RunString(entrypointSource); err != nil {
		return fmt.Errorf("evaluate worker entry module: %w", err)
	}

	runFn, ok := goja.AssertFunction(sb.vm.Get("__run"))
	if !ok {
		return errors.New("worker entry module did not define __run")
	}
	if _, err := runFn(goja.Undefined()); err != nil {
		return fmt.Errorf("handler invocation failed: %w", err)
	}

	settled, err := sb.awaitValue(sb.vm.Get("__run_result"), deadline)
	if err != nil {
		return fmt.Errorf("handler invocation failed: %w", err)
	}

	finishFn, ok := goja.AssertFunction(sb.vm.Get("__finish"))
	if !ok {
		return errors.New("worker entry module did not define __finish")
	}
	if _, err := finishFn(goja.Undefined(), settled); err != nil {
		return fmt.Errorf("finishing response: %w", err)
	}
	return nil
}

// awaitValue drives a handler's return value to completion. A plain value
// passes through unchanged. A thenable is awaited by the pattern cryguy's
// worker engine uses for QuickJS (awaitValueWithLoop/executePendingJobs),
// generalized to goja: a Promise.resolve().then() records the settlement on
// globals, and the runtime's job queue is pumped by re-entering it via
// RunString, since goja only drains pending jobs on that kind of top-level
// call, not on the AssertFunction path __run/__finish are invoked through.
func (sb *Sandbox) awaitValue(val goja.Value, deadline time.Time) (goja.Value, error) {
	if !isThenable(val) {
		return val, nil
	}

	sb.vm.Set("__await_target", val)
	if _, err := sb.vm.RunString(`(function(){
		globalThis.__awaited_state = undefined;
		globalThis.__awaited_result = undefined;
		Promise.resolve(globalThis.__await_target).then(
			function(r) { globalThis.__awaited_result = r; globalThis.__awaited_state = "fulfilled"; },
			function(e) { globalThis.__awaited_result = e; globalThis.__awaited_state = "rejected"; }
		);
	})();`); err != nil {
		return nil, fmt.Errorf("setting up promise await: %w", err)
	}

	for {
		if _, err := sb.vm.RunString("void 0;"); err != nil {
			return nil, err
		}
		if state := sb.vm.Get("__awaited_state"); state != nil && !goja.IsUndefined(state) {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
		runtime.Gosched()
	}

	state := sb.vm.Get("__awaited_state").String()
	result := sb.vm.Get("__awaited_result")
	sb.vm.RunString(`delete globalThis.__awaited_state; delete globalThis.__awaited_result; delete globalThis.__await_target;`)

	if state == "rejected" {
		return nil, fmt.Errorf("promise rejected: %s", result)
	}
	return result, nil
}

// isThenable reports whether val looks like a Promise: an object exposing a
// callable then. Duck-typed rather than an instanceof check so thenables
// returned by non-native Promise implementations still get awaited.
func isThenable(val goja.Value) bool {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return false
	}
	obj, ok := val.(*goja.Object)
	if !ok {
		return false
	}
	_, callable := goja.AssertFunction(obj.Get("then"))
	return callable
}

// wrapAsCommonJS gives the transpiled (already-CommonJS-format) user source
// a module/exports slot to write into, matching the shape esbuild's
// FormatCommonJS output expects from its host environment.
func wrapAsCommonJS(code string) string {
	var b strings.Builder
	b.WriteString("(function(module, exports) {\n")
	b.WriteString(code)
	b.WriteString("\nreturn module;\n})({exports: {}}, {});\n")
	return b.String()
}

// Execute loads the user module under userSpecifier, transpiling it first
// if it is not plain JavaScript, then drives the worker entry module to
// completion, timeout, or isolate termination.
func (sb *Sandbox) Execute(userSpecifier, userSource string, req *Request, timeout time.Duration) (*ResponseHead, error) {
	// No user code runs once Execute returns, so both streams toward the
	// dispatcher end here: a head that was never sent is dropped (responseCh
	// closes empty) and the outgoing body reaches EOF.
	defer func() {
		sb.state.mu.Lock()
		if !sb.state.responseSent {
			close(sb.state.responseCh)
		}
		sb.state.mu.Unlock()
		if sb.state.OutgoingBody != nil {
			sb.state.OutgoingBody.Close()
		}
	}()

	sb.state.Req = req

	userJS := userSource
	if needsTranspile(userSpecifier) {
		transpiled, err := loader.Transpile(userSpecifier, userSource)
		if err != nil {
			return nil, err
		}
		userJS = transpiled
	}

	go sb.runHeapWatchdog()
	defer sb.Close()

	deadline := time.Now().Add(timeout)
	done := make(chan error, 1)
	go func() {
		done <- sb.runEntry(userJS, userSpecifier, deadline)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			if isInterrupted(err, ErrHeapLimit) {
				return nil, ErrHeapLimit
			}
			if isInterrupted(err, ErrTimeout) || errors.Is(err, ErrTimeout) {
				return nil, ErrTimeout
			}
			return nil, err
		}
	case <-timer.C:
		sb.vm.Interrupt(ErrTimeout)
		<-done // wait for the VM goroutine to actually unwind before reuse
		return nil, ErrTimeout
	}

	head, sent := sb.state.ResponseSent()
	if !sent || head == nil {
		return nil, ErrResponseNotSent
	}
	return head, nil
}

func isInterrupted(err error, target error) bool {
	var iu *goja.InterruptedError
	if errors.As(err, &iu) {
		if v, ok := iu.Value().(error); ok {
			return errors.Is(v, target)
		}
	}
	return false
}

func (sb *Sandbox) runHeapWatchdog() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sb.stopWatch:
			return
		case <-ticker.C:
			sb.allocMu.Lock()
			over := sb.allocated > sb.heapLimit
			sb.allocMu.Unlock()
			if over {
				sb.vm.Interrupt(ErrHeapLimit)
				return
			}
		}
	}
}

func needsTranspile(specifier string) bool {
	switch {
	case strings.HasSuffix(specifier, ".ts"), strings.HasSuffix(specifier, ".tsx"), strings.HasSuffix(specifier, ".jsx"):
		return true
	default:
		return false
	}
}

// DefaultAndValidate applies the status/header defaulting and validation
// rule: status 0 defaults to 200; any other value must be a legal HTTP
// status code (100-599 here). The dispatcher applies this same check to the
// head it receives.
func DefaultAndValidate(head *ResponseHead) error {
	if head.Status == 0 {
		head.Status = http.StatusOK
	}
	if head.Status < 100 || head.Status > 599 {
		return fmt.Errorf("sandbox: invalid response status %d", head.Status)
	}
	return nil
}

// ApplyRuntimeHeaders sets the runtime-added request-id header. Applying it
// twice with the same id is idempotent, matching the original's invariant.
func ApplyRuntimeHeaders(head *ResponseHead, requestID string) {
	if head.Headers == nil {
		head.Headers = map[string][]string{}
	}
	head.Headers["X-Edge-Request-Id"] = []string{requestID}
}
