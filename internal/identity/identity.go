// Package identity provides ID generation, correlation-id propagation, and a
// clock abstraction so time-dependent logic is testable.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewID returns a new opaque unique identifier.
func NewID() string {
	return uuid.NewString()
}

// EnsureCorrelation returns id if non-empty, otherwise a fresh correlation id.
// Correlation ids thread related activities across components and back
// idempotent retries.
func EnsureCorrelation(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

type ctxKey struct{}

// WithCorrelation stores a correlation id in the context.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationFrom extracts the correlation id from the context, or "".
func CorrelationFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock returns the wall clock (UTC).
func RealClock() Clock { return realClock{} }

// Manual is a hand-advanced clock for tests.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

// NewManual creates a manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{t: t.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.t = t.UTC()
	m.mu.Unlock()
}
