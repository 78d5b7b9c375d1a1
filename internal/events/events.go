// Package events carries audit and security events out of the auth flows.
// Publishing never fails the operation that produced the event.
package events

import (
	"context"
	"errors"
	"time"
)

// Stable event names.
const (
	UserLoggedIn                       = "UserLoggedIn"
	UserLoggedOut                      = "UserLoggedOut"
	RefreshTokenReuseDetected          = "RefreshTokenReuseDetected"
	ExpiredRefreshTokenAttemptDetected = "ExpiredRefreshTokenAttemptDetected"
)

type Event struct {
	Name       string         `json:"name"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// IsSecurityIncident reports whether the event signals a detected attack.
func (e Event) IsSecurityIncident() bool {
	return e.Name == RefreshTokenReuseDetected || e.Name == ExpiredRefreshTokenAttemptDetected
}

// Publisher accepts events fire-and-forget.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Sink is the consumer side: it delivers one event somewhere.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
