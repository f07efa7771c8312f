// Package telemetry is a best-effort sink for worker lifecycle events and
// timing breadcrumbs, repurposing the teacher's Redis pub/sub publisher for
// the request-execution fabric: publishing is fire-and-forget and never
// blocks or fails a request.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BV-BRC/edge-runtime/internal/config"
)

// Event is one worker lifecycle breadcrumb, published as JSON on the
// configured Redis channel.
type Event struct {
	Kind      string `json:"kind"`
	WorkerID  int    `json:"worker_id"`
	RequestID string `json:"request_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"time"`
}

// Sink publishes Events. A disabled or unreachable Sink silently drops
// events rather than surfacing an error to its caller: telemetry must never
// be the reason a request fails.
type Sink struct {
	enabled bool
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// New builds a Sink from the service configuration. When Telemetry.Enabled
// is false it returns a Sink whose Publish is a no-op, so callers never need
// to branch on whether telemetry is configured.
func New(cfg config.TelemetryConfig, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telemetry")

	if !cfg.Enabled {
		return &Sink{enabled: false, logger: logger}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return &Sink{
		enabled: true,
		client:  client,
		channel: cfg.Channel,
		logger:  logger,
	}
}

// Publish emits an event in the background. It never blocks the caller and
// never returns an error; failures are logged at debug level only, since a
// telemetry outage must not be visible to request handling.
func (s *Sink) Publish(workerID int, requestID, kind, detail string) {
	if s == nil || !s.enabled {
		return
	}

	ev := Event{
		Kind:      kind,
		WorkerID:  workerID,
		RequestID: requestID,
		Detail:    detail,
		Timestamp: time.Now().Unix(),
	}

	go func() {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Debug("failed to marshal telemetry event", "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
			s.logger.Debug("failed to publish telemetry event", "error", err)
		}
	}()
}

// Close releases the underlying Redis connection, if any.
func (s *Sink) Close() error {
	if s == nil || !s.enabled || s.client == nil {
		return nil
	}
	return s.client.Close()
}
