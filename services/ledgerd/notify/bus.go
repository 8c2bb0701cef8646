package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coopledger/observability"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the body.
	SignatureHeader = "X-Coop-Signature"
	// TopicHeader carries the event topic.
	TopicHeader = "X-Coop-Event"

	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// Envelope is the webhook body.
type Envelope struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	PublishedAt time.Time `json:"published_at"`
	Payload     any       `json:"payload"`
}

// Bus posts tenant events to a webhook endpoint with retry and exponential backoff.
type Bus struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	id    string
	topic string
	body  []byte
}

// BusOption mutates bus configuration.
type BusOption func(*Bus)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) BusOption {
	return func(b *Bus) {
		if client != nil {
			b.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) BusOption {
	return func(b *Bus) {
		if maxAttempts > 0 {
			b.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			b.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			b.maxBackoff = maxBackoff
		}
	}
}

// WithBusLogger sets the logger used for failed deliveries.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus constructs a bus and spawns its delivery worker.
func NewBus(endpoint string, secret []byte, opts ...BusOption) (*Bus, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("notify: webhook endpoint required")
	}
	if len(secret) == 0 {
		return nil, errors.New("notify: webhook secret required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, 64),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.worker()
	return b, nil
}

// Close stops the bus and waits for the inflight delivery.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
}

// NotifyWallet implements Sink. Wallet updates are served by the hub.
func (b *Bus) NotifyWallet(context.Context, string) {}

// Publish implements Sink. Events are dropped when the buffer is full.
func (b *Bus) Publish(_ context.Context, topic string, payload any) {
	if b == nil {
		return
	}
	env := Envelope{ID: uuid.NewString(), Topic: topic, PublishedAt: time.Now().UTC(), Payload: payload}
	body, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("encode webhook event", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	select {
	case b.queue <- delivery{id: env.ID, topic: topic, body: body}:
	case <-b.ctx.Done():
	default:
		observability.Notifications().RecordDelivery("webhook", "dropped")
		b.logger.Warn("webhook queue full", slog.String("topic", topic), slog.String("delivery_id", env.ID))
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case job := <-b.queue:
			b.process(job)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) process(job delivery) {
	metrics := observability.Notifications()
	backoff := b.minBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(b.ctx, b.client.Timeout)
		err := b.send(ctx, job)
		cancel()
		if err == nil {
			metrics.RecordDelivery("webhook", "delivered")
			return
		}
		if attempt >= b.maxAttempts {
			metrics.RecordDelivery("webhook", "failed")
			b.logger.Warn("webhook delivery failed",
				slog.String("topic", job.topic),
				slog.String("delivery_id", job.id),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		metrics.RecordDelivery("webhook", "retry")
		select {
		case <-time.After(backoff):
		case <-b.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, b.maxBackoff)
	}
}

func (b *Bus) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TopicHeader, job.topic)
	req.Header.Set(SignatureHeader, Sign(b.secret, job.body))
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("notify: webhook responded %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
