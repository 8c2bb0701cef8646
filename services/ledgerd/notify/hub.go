package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"coopledger/observability"
)

// WalletUpdate tells a subscriber that records touching the wallet changed.
type WalletUpdate struct {
	Type   string    `json:"type"`
	Wallet string    `json:"wallet"`
	At     time.Time `json:"at"`
}

const defaultSubscriberBuffer = 16

// Hub fans wallet notifications out to live subscribers. Slow subscribers lose updates rather
// than stall the caller.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan WalletUpdate]struct{}
	buffer int
	now    func() time.Time
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[chan WalletUpdate]struct{}),
		buffer: defaultSubscriberBuffer,
		now:    time.Now,
	}
}

// Subscribe registers a subscriber for wallet. The returned cancel func must be called once the
// subscriber goes away.
func (h *Hub) Subscribe(wallet string) (<-chan WalletUpdate, func()) {
	wallet = strings.TrimSpace(wallet)
	ch := make(chan WalletUpdate, h.buffer)
	h.mu.Lock()
	set, ok := h.subs[wallet]
	if !ok {
		set = make(map[chan WalletUpdate]struct{})
		h.subs[wallet] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	observability.Notifications().AddSubscribers(1)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[wallet]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, wallet)
				}
			}
			h.mu.Unlock()
			close(ch)
			observability.Notifications().AddSubscribers(-1)
		})
	}
	return ch, cancel
}

// Subscribers returns the number of live subscribers for wallet.
func (h *Hub) Subscribers(wallet string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[wallet])
}

// NotifyWallet implements Sink.
func (h *Hub) NotifyWallet(_ context.Context, wallet string) {
	if h == nil || wallet == "" {
		return
	}
	update := WalletUpdate{Type: TopicRecordUpdated, Wallet: wallet, At: h.now().UTC()}
	metrics := observability.Notifications()
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[wallet] {
		select {
		case ch <- update:
			metrics.RecordDelivery("websocket", "delivered")
		default:
			metrics.RecordDelivery("websocket", "dropped")
		}
	}
}

// Publish implements Sink. Tenant events go to the bus, not to wallet streams.
func (h *Hub) Publish(context.Context, string, any) {}
