// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxjms/broker/events"
	"github.com/absmach/fluxjms/config"
)

// mockSender implements Sender for testing.
type mockSender struct {
	mu          sync.Mutex
	sendCount   int32
	sendFunc    func(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
	lastURL     string
	lastHeaders map[string]string
	lastPayload []byte
}

func newMockSender() *mockSender {
	return &mockSender{
		sendFunc: func(context.Context, string, map[string]string, []byte, time.Duration) error {
			return nil
		},
	}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	atomic.AddInt32(&m.sendCount, 1)
	m.mu.Lock()
	m.lastURL = url
	m.lastHeaders = headers
	m.lastPayload = payload
	fn := m.sendFunc
	m.mu.Unlock()
	return fn(ctx, url, headers, payload, timeout)
}

func (m *mockSender) getSendCount() int {
	return int(atomic.LoadInt32(&m.sendCount))
}

func (m *mockSender) resetCount() {
	atomic.StoreInt32(&m.sendCount, 0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         1,
		ShutdownTimeout: 5 * time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: 5 * time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 10,
				ResetTimeout:     10 * time.Second,
			},
		},
		Endpoints: endpoints,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewNotifier(t *testing.T) {
	cfg := testConfig(config.WebhookEndpoint{
		Name:    "audit",
		Type:    "http",
		URL:     "http://example.com/webhook",
		Headers: map[string]string{"Authorization": "Bearer token"},
	})

	notifier, err := NewNotifier(cfg, "broker-1", newMockSender(), testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	if len(notifier.endpoints) != 1 {
		t.Errorf("expected 1 endpoint, got %d", len(notifier.endpoints))
	}
}

func TestNewNotifierNilSender(t *testing.T) {
	if _, err := NewNotifier(testConfig(), "broker-1", nil, nil); err == nil {
		t.Error("expected error for nil sender, got nil")
	}
}

func TestNotifySuccess(t *testing.T) {
	sender := newMockSender()
	notifier, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name:    "audit",
		Type:    "http",
		URL:     "http://example.com/webhook",
		Headers: map[string]string{"X-Key": "k"},
	}), "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	event := events.ClientConnected{ConnectionID: "c1", ClientID: "orders-1", RemoteAddr: "10.0.0.1:1234"}
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, func() bool { return notifier.Stats().Delivered == 1 })

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.lastURL != "http://example.com/webhook" {
		t.Errorf("unexpected url %s", sender.lastURL)
	}
	if sender.lastHeaders["X-Key"] != "k" {
		t.Errorf("custom header not passed: %v", sender.lastHeaders)
	}

	var env struct {
		EventType string          `json:"event_type"`
		EventID   string          `json:"event_id"`
		BrokerID  string          `json:"broker_id"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(sender.lastPayload, &env); err != nil {
		t.Fatalf("payload is not an envelope: %v", err)
	}
	if env.EventType != events.TypeClientConnected || env.BrokerID != "broker-1" || env.EventID == "" {
		t.Errorf("unexpected envelope %+v", env)
	}
	var data events.ClientConnected
	if err := json.Unmarshal(env.Data, &data); err != nil || data.ClientID != "orders-1" {
		t.Errorf("unexpected data %s: %v", env.Data, err)
	}
}

func TestNotifyEventTypeFilter(t *testing.T) {
	sender := newMockSender()
	notifier, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name:   "connections",
		Type:   "http",
		URL:    "http://example.com/webhook",
		Events: []string{events.TypeClientConnected, events.TypeStoreFull},
	}), "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), events.ClientConnected{ClientID: "c"})
	notifier.Notify(context.Background(), events.ClientDisconnected{ClientID: "c"})
	notifier.Notify(context.Background(), events.StoreFull{Ref: "queue://orders"})

	waitFor(t, func() bool { return notifier.Stats().Delivered == 2 })
	time.Sleep(50 * time.Millisecond)
	if sender.getSendCount() != 2 {
		t.Errorf("expected 2 sends (filtered), got %d", sender.getSendCount())
	}
}

func TestNotifyDestinationFilter(t *testing.T) {
	sender := newMockSender()
	notifier, err := NewNotifier(testConfig(config.WebhookEndpoint{
		Name:         "orders",
		Type:         "http",
		URL:          "http://example.com/webhook",
		Destinations: []string{"orders", "topic://prices.*"},
	}), "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	tests := []struct {
		event       events.Event
		shouldMatch bool
	}{
		{events.DestinationDeclared{Ref: "queue://orders"}, true},
		{events.DestinationDeclared{Ref: "topic://orders"}, true},
		{events.DestinationDeclared{Ref: "queue://orders2"}, false},
		{events.SubscriptionCreated{Ref: "topic://prices.eur"}, true},
		{events.SubscriptionCreated{Ref: "queue://prices.eur"}, false},
		// Connection events carry no destination and always pass.
		{events.ClientConnected{ClientID: "c"}, true},
	}

	for _, tt := range tests {
		sender.resetCount()
		before := notifier.Stats().Delivered

		notifier.Notify(context.Background(), tt.event)
		if tt.shouldMatch {
			waitFor(t, func() bool { return notifier.Stats().Delivered == before+1 })
		} else {
			time.Sleep(50 * time.Millisecond)
		}

		expected := 0
		if tt.shouldMatch {
			expected = 1
		}
		if sender.getSendCount() != expected {
			t.Errorf("%s %q: expected %d sends, got %d", tt.event.Type(), tt.event.Destination(), expected, sender.getSendCount())
		}
	}
}

func TestDestinationMatches(t *testing.T) {
	cases := []struct {
		filter, ref string
		want        bool
	}{
		{"orders", "queue://orders", true},
		{"orders", "topic://orders", true},
		{"queue://orders", "topic://orders", false},
		{"queue://*", "queue://anything", true},
		{"ord*", "queue://orders", true},
		{"ord*", "queue://prices", false},
		{"*", "topic://x", true},
	}
	for _, c := range cases {
		if got := destinationMatches(c.filter, c.ref); got != c.want {
			t.Errorf("destinationMatches(%q, %q) = %v, want %v", c.filter, c.ref, got, c.want)
		}
	}
}

func TestNotifyRetry(t *testing.T) {
	var attempts int32
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, map[string]string, []byte, time.Duration) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "audit", Type: "http", URL: "http://example.com/webhook"})
	cfg.Defaults.Retry.MaxAttempts = 3
	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), events.ClientConnected{ClientID: "c"})
	waitFor(t, func() bool { return notifier.Stats().Delivered == 1 })

	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestNotifyRetryExhausted(t *testing.T) {
	var attempts int32
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, map[string]string, []byte, time.Duration) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("down")
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "audit", Type: "http", URL: "http://example.com/webhook"})
	cfg.Defaults.Retry.MaxAttempts = 2
	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), events.ClientConnected{ClientID: "c"})
	waitFor(t, func() bool { return notifier.Stats().Failed == 1 })

	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, map[string]string, []byte, time.Duration) error {
		return errors.New("down")
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "audit", Type: "http", URL: "http://example.com/webhook"})
	cfg.Defaults.CircuitBreaker.FailureThreshold = 2
	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	for i := 0; i < 5; i++ {
		notifier.Notify(context.Background(), events.ClientConnected{ClientID: "c"})
	}
	waitFor(t, func() bool { return notifier.Stats().Failed == 5 })

	// The open breaker short-circuits the calls after the threshold.
	if n := sender.getSendCount(); n != 2 {
		t.Errorf("expected 2 sends before the breaker opened, got %d", n)
	}
}

func TestQueueOverflowDropNewest(t *testing.T) {
	release := make(chan struct{})
	sender := newMockSender()
	sender.sendFunc = func(context.Context, string, map[string]string, []byte, time.Duration) error {
		<-release
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "audit", Type: "http", URL: "http://example.com/webhook"})
	cfg.QueueSize = 2
	cfg.DropPolicy = "newest"
	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}
	defer notifier.Close()

	// The worker holds one event, the queue two more.
	notifier.Notify(context.Background(), events.ClientConnected{ClientID: "c"})
	waitFor(t, func() bool { return sender.getSendCount() == 1 })
	for i := 0; i < 5; i++ {
		notifier.Notify(context.Background(), events.ClientConnected{ClientID: "c"})
	}

	if d := notifier.Stats().Dropped; d != 3 {
		t.Errorf("expected 3 dropped events, got %d", d)
	}
	close(release)
	waitFor(t, func() bool { return notifier.Stats().Delivered == 3 })
}

func TestCloseDeliversQueued(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{Name: "audit", Type: "http", URL: "http://example.com/webhook"})
	notifier, err := NewNotifier(cfg, "broker-1", sender, testLogger())
	if err != nil {
		t.Fatalf("failed to create notifier: %v", err)
	}

	for i := 0; i < 10; i++ {
		notifier.Notify(context.Background(), events.ClientConnected{ClientID: "c"})
	}
	if err := notifier.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := sender.getSendCount(); n != 10 {
		t.Errorf("expected 10 sends after close, got %d", n)
	}
	if err := notifier.Notify(context.Background(), events.ClientConnected{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := retryDelay(i+1, cfg); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}
