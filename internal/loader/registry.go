package loader

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// Registry maps a handler id to the https:// specifier its source is
// fetched from, and implements dispatcher.HandlerSource by fetching fresh
// source on every invocation (no caching: an edited handler takes effect on
// its very next request).
type Registry struct {
	loader *ModuleLoader

	mu       sync.RWMutex
	handlers map[string]string
}

// NewRegistry builds a Registry backed by a fresh ModuleLoader.
func NewRegistry() *Registry {
	return &Registry{
		loader:   New(),
		handlers: make(map[string]string),
	}
}

// Register associates a handler id with the https:// URL its source lives
// at. Re-registering an id replaces its URL.
func (reg *Registry) Register(handlerID, specifierURL string) error {
	u, err := url.Parse(specifierURL)
	if err != nil {
		return fmt.Errorf("invalid specifier for handler %q: %w", handlerID, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("handler %q specifier must use https, got %q", handlerID, u.Scheme)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.handlers[handlerID] = specifierURL
	return nil
}

// Unregister removes a handler id.
func (reg *Registry) Unregister(handlerID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.handlers, handlerID)
}

// Resolve implements dispatcher.HandlerSource.
func (reg *Registry) Resolve(ctx context.Context, handlerID string) (source, specifier string, err error) {
	reg.mu.RLock()
	specifierURL, ok := reg.handlers[handlerID]
	reg.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no handler registered for id %q", handlerID)
	}

	u, err := url.Parse(specifierURL)
	if err != nil {
		return "", "", err
	}

	result, err := reg.loader.Load(ctx, u, false)
	if err != nil {
		return "", "", err
	}

	return result.Source, result.FoundSpecifier.String(), nil
}
