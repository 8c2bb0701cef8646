// Package notify delivers fire-and-forget wallet notifications and tenant events.
package notify

import (
	"context"
	"sync"
)

// Topics published on the event bus.
const (
	TopicTenantRoleUpdated  = "tenant.role_updated"
	TopicProjectFullyFunded = "project.fully_funded"
	TopicRecordUpdated      = "record.updated"
)

// Sink receives notifications. Implementations never block callers on delivery failures.
type Sink interface {
	NotifyWallet(ctx context.Context, wallet string)
	Publish(ctx context.Context, topic string, payload any)
}

// Noop discards everything.
type Noop struct{}

func (Noop) NotifyWallet(context.Context, string) {}
func (Noop) Publish(context.Context, string, any)  {}

// Multi fans out to several sinks.
type Multi []Sink

// NotifyWallet implements Sink.
func (m Multi) NotifyWallet(ctx context.Context, wallet string) {
	for _, s := range m {
		if s != nil {
			s.NotifyWallet(ctx, wallet)
		}
	}
}

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, topic string, payload any) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, topic, payload)
		}
	}
}

// Event is a published topic and payload.
type Event struct {
	Topic   string
	Payload any
}

// Recorder keeps every notification in memory. Used by tests and the admin surface.
type Recorder struct {
	mu      sync.Mutex
	wallets []string
	events  []Event
}

// NotifyWallet implements Sink.
func (r *Recorder) NotifyWallet(_ context.Context, wallet string) {
	r.mu.Lock()
	r.wallets = append(r.wallets, wallet)
	r.mu.Unlock()
}

// Publish implements Sink.
func (r *Recorder) Publish(_ context.Context, topic string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Event{Topic: topic, Payload: payload})
	r.mu.Unlock()
}

// Wallets returns the notified wallets in order.
func (r *Recorder) Wallets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.wallets...)
}

// Events returns the published events in order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many times the wallet was notified.
func (r *Recorder) Count(wallet string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.wallets {
		if w == wallet {
			n++
		}
	}
	return n
}
