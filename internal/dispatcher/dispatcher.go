// Package dispatcher is the HTTP ingress adapter: it converts an inbound
// HTTP request into the sandbox's Request value plus body channels, hands
// them to the pool, and streams the outbound response once the handler's
// response head arrives.
package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BV-BRC/edge-runtime/internal/pool"
	"github.com/BV-BRC/edge-runtime/internal/sandbox"
	"github.com/BV-BRC/edge-runtime/internal/streams"
)

// HandlerSource resolves a handler id to JS/TS source and the specifier
// used for media-type detection during transpilation.
type HandlerSource interface {
	Resolve(ctx context.Context, handlerID string) (source, specifier string, err error)
}

// HandlerRegistrar is implemented by HandlerSource values that also support
// registering new handler ids at runtime (*loader.Registry). Dispatcher type
// asserts for it rather than widening HandlerSource, since a static,
// file-backed HandlerSource is a legitimate implementation too.
type HandlerRegistrar interface {
	Register(handlerID, specifierURL string) error
	Unregister(handlerID string)
}

// Dispatcher wires the HTTP front door to the pool.
type Dispatcher struct {
	pool    *pool.Pool
	sources HandlerSource
	timeout time.Duration
	logger  *slog.Logger
	router  chi.Router
}

// Config configures a Dispatcher.
type Config struct {
	Pool           *pool.Pool
	Sources        HandlerSource
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
	AdminGate      func(http.Handler) http.Handler
	InvokeGate     func(http.Handler) http.Handler
}

// New builds the chi router matching the teacher's middleware stack:
// RequestID, RealIP, Logger, Recoverer, and a Timeout matching the server's
// configured write timeout.
func New(cfg Config) *Dispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		pool:    cfg.Pool,
		sources: cfg.Sources,
		timeout: cfg.RequestTimeout,
		logger:  cfg.Logger.With("component", "dispatcher"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.WriteTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if cfg.InvokeGate != nil {
		r.With(cfg.InvokeGate).HandleFunc("/invoke/{handlerID}", d.handleInvoke)
	} else {
		r.HandleFunc("/invoke/{handlerID}", d.handleInvoke)
	}

	registerAdmin := func(gr chi.Router) {
		gr.Get("/admin/pool", d.handleAdminPool)
		if _, ok := d.sources.(HandlerRegistrar); ok {
			gr.Put("/admin/handlers/{handlerID}", d.handleRegisterHandler)
			gr.Delete("/admin/handlers/{handlerID}", d.handleUnregisterHandler)
		}
	}
	if cfg.AdminGate != nil {
		r.Group(func(gr chi.Router) {
			gr.Use(cfg.AdminGate)
			registerAdmin(gr)
		})
	} else {
		registerAdmin(r)
	}

	d.router = r
	return d
}

// ServeHTTP satisfies http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.router.ServeHTTP(w, r)
}

// forwardedHeaderExcluded reports whether a header must be dropped when
// proxying to an upstream: "host" and any "x-amzn-*" header, matching the
// original's header-filtering rule for the sidecar-proxy variant.
func forwardedHeaderExcluded(name string) bool {
	lower := strings.ToLower(name)
	return lower == "host" || strings.HasPrefix(lower, "x-amzn-")
}

func (d *Dispatcher) handleInvoke(w http.ResponseWriter, r *http.Request) {
	handlerID := chi.URLParam(r, "handlerID")

	source, specifier, err := d.sources.Resolve(r.Context(), handlerID)
	if err != nil {
		d.logger.Warn("failed to resolve handler source", "handler_id", handlerID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	headers := map[string][]string{}
	for name, vals := range r.Header {
		if forwardedHeaderExcluded(name) {
			continue
		}
		headers[name] = vals
	}

	req := &sandbox.Request{
		Method:  r.Method,
		URL:     requestURL(r),
		Headers: headers,
	}

	incoming := make(chan streams.Chunk, 1)
	go forwardRequestBody(r, incoming)

	outgoing := make(chan streams.Chunk, 1)
	state := sandbox.NewState("", req, streams.NewBodyReader(incoming), streams.NewBodyWriter(r.Context(), outgoing))

	_, err = d.pool.Handle(pool.PendingRequest{
		UserCode:  source,
		Specifier: specifier,
		HTTP:      req,
		State:     state,
		Timeout:   d.timeout,
	})
	if err != nil {
		d.logger.Error("pool rejected request", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	select {
	case head, ok := <-state.ResponseHeadChan():
		if !ok || head == nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if err := sandbox.DefaultAndValidate(head); err != nil {
			d.logger.Warn("handler produced invalid response", "handler_id", handlerID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		sandbox.ApplyRuntimeHeaders(head, state.RequestID)
		for name, vals := range head.Headers {
			for _, v := range vals {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(head.Status)
		streamBody(w, outgoing)
	case <-r.Context().Done():
		http.Error(w, "internal error", http.StatusInternalServerError)
	case <-time.After(d.timeout + 5*time.Second):
		// Belt-and-braces: Execute closes the head channel when it returns,
		// so this only fires when Execute never ran (sandbox construction
		// failed) and nothing closes the channel.
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (d *Dispatcher) handleAdminPool(w http.ResponseWriter, r *http.Request) {
	snap := d.pool.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"size":` + strconv.Itoa(snap.Size) + `,"occupied":` + strconv.Itoa(snap.WorkersOccupied) + `}`))
}

func (d *Dispatcher) handleRegisterHandler(w http.ResponseWriter, r *http.Request) {
	registrar, ok := d.sources.(HandlerRegistrar)
	if !ok {
		http.Error(w, "handler registration not supported", http.StatusNotImplemented)
		return
	}
	handlerID := chi.URLParam(r, "handlerID")

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := registrar.Register(handlerID, body.URL); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dispatcher) handleUnregisterHandler(w http.ResponseWriter, r *http.Request) {
	registrar, ok := d.sources.(HandlerRegistrar)
	if !ok {
		http.Error(w, "handler registration not supported", http.StatusNotImplemented)
		return
	}
	registrar.Unregister(chi.URLParam(r, "handlerID"))
	w.WriteHeader(http.StatusNoContent)
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// forwardRequestBody pumps the HTTP request body into ch, converting read
// errors into a terminal error chunk. Exits early if the consumer
// disappears (request context cancelled).
func forwardRequestBody(r *http.Request, ch chan<- streams.Chunk) {
	defer close(ch)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			chunk := streams.Chunk{Data: append([]byte(nil), buf[:n]...)}
			select {
			case ch <- chunk:
			case <-r.Context().Done():
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				select {
				case ch <- streams.Chunk{Err: err}:
				case <-r.Context().Done():
				}
			}
			return
		}
	}
}

// streamBody drains the outgoing body channel to the client, flushing after
// each chunk so the client observes inter-chunk gaps the handler produced.
func streamBody(w http.ResponseWriter, ch <-chan streams.Chunk) {
	flusher, _ := w.(http.Flusher)
	r := streams.NewBodyReader(ch)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
