// Package notify delivers settlement events to external subscribers.
//
// Buyers and sellers register webhook URLs; when an order they are party to
// moves (funded, delivery confirmed, dispute opened/resolved, funds
// released), the matching subscriptions get a signed JSON POST. Delivery is
// fire-and-forget with bounded retries: a notification failure never affects
// the settlement outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ojamart/escrow-service/internal/metrics"
	"github.com/ojamart/escrow-service/internal/retry"
)

// ErrSubscriptionNotFound is returned for an unknown subscription ID.
var ErrSubscriptionNotFound = errors.New("notify: subscription not found")

// SignatureHeader carries the HMAC-SHA256 hex signature of the payload.
const SignatureHeader = "X-Ojamart-Signature"

// EventHeader carries the event type.
const EventHeader = "X-Ojamart-Event"

// Message is the JSON body delivered to a subscriber.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	OrderID   string          `json:"orderId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	URL    string `json:"url"`

	// Secret signs deliveries; it is shown once at creation and never again.
	Secret string `json:"-"`

	// Events filters delivery; empty means all settlement events.
	Events []string `json:"events"`

	Active       bool       `json:"active"`
	FailureCount int        `json:"failureCount"`
	LastError    string     `json:"lastError,omitempty"`
	LastSentAt   *time.Time `json:"lastSentAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Wants reports whether the subscription covers the event type.
func (s *Subscription) Wants(eventType string) bool {
	if !s.Active {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// maxFailures is the failure streak after which a subscription is disabled.
const maxFailures = 10

// Dispatcher posts messages to subscriptions with retry and backoff.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger

	attempts  int
	baseDelay time.Duration
}

// NewDispatcher creates a dispatcher over the subscription store.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		attempts:  3,
		baseDelay: time.Second,
	}
}

// DispatchToUser sends the message to each of the user's matching
// subscriptions, asynchronously.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, msg *Message) error {
	subs, err := d.store.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("notify: listing subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Wants(msg.Type) {
			continue
		}
		go d.send(sub, msg)
	}
	return nil
}

// send delivers one message to one subscription, detached from the
// triggering request's lifetime.
func (d *Dispatcher) send(sub *Subscription, msg *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	err = retry.Do(ctx, d.attempts, d.baseDelay, func() error {
		return d.post(ctx, sub, msg.Type, payload)
	})

	now := time.Now()
	sub.LastSentAt = &now
	if err != nil {
		metrics.NotificationDeliveriesTotal.WithLabelValues("failure").Inc()
		sub.FailureCount++
		sub.LastError = err.Error()
		if sub.FailureCount >= maxFailures {
			sub.Active = false
			d.logger.Warn("subscription disabled after repeated failures",
				"subscription_id", sub.ID, "failures", sub.FailureCount)
		}
		d.logger.Warn("notification delivery failed",
			"subscription_id", sub.ID, "event", msg.Type, "error", err)
	} else {
		metrics.NotificationDeliveriesTotal.WithLabelValues("success").Inc()
		sub.FailureCount = 0
		sub.LastError = ""
	}
	if uerr := d.store.Update(ctx, sub); uerr != nil {
		d.logger.Warn("recording delivery outcome failed",
			"subscription_id", sub.ID, "error", uerr)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, eventType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, eventType)
	req.Header.Set(SignatureHeader, Sign(sub.Secret, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The endpoint rejected the payload; retrying won't change its mind.
		return retry.Permanent(fmt.Errorf("notify: endpoint returned %d", resp.StatusCode))
	}
	return fmt.Errorf("notify: endpoint returned %d", resp.StatusCode)
}

// MemoryStore is an in-memory subscription store for demo mode and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
