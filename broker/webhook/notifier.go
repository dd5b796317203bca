// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxjms/broker/events"
	"github.com/absmach/fluxjms/config"
	"github.com/sony/gobreaker"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("webhook notifier closed")

// Notifier queues broker events and delivers them to the configured
// endpoints from a worker pool, with retries and one circuit breaker per
// endpoint.
type Notifier struct {
	cfg       config.WebhookConfig
	brokerID  string
	endpoints []endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

type endpoint struct {
	name    string
	url     string
	events  map[string]bool // empty = all
	dests   []string        // empty = all
	headers map[string]string
	timeout time.Duration
	retry   config.RetryConfig
}

type job struct {
	event    events.Event
	endpoint *endpoint
	attempt  int
}

// Stats holds delivery counters.
type Stats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
	Queued    int
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, brokerID string, sender Sender, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	endpoints := make([]endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			filters[t] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}
		if retry.MaxAttempts < 1 {
			retry.MaxAttempts = 1
		}

		endpoints = append(endpoints, endpoint{
			name:    ep.Name,
			url:     ep.URL,
			events:  filters,
			dests:   ep.Destinations,
			headers: ep.Headers,
			timeout: timeout,
			retry:   retry,
		})
	}

	threshold := uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
	if threshold == 0 {
		threshold = 1
	}
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:       cfg,
		brokerID:  brokerID,
		endpoints: endpoints,
		queue:     make(chan job, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues event for every matching endpoint. It never blocks: when the
// queue is full the drop policy decides which event is lost.
func (n *Notifier) Notify(_ context.Context, event events.Event) error {
	if n.closed.Load() {
		return ErrClosed
	}
	for i := range n.endpoints {
		ep := &n.endpoints[i]
		if !ep.matches(event) {
			continue
		}
		n.enqueue(job{event: event, endpoint: ep})
	}
	return nil
}

func (n *Notifier) enqueue(j job) {
	select {
	case n.queue <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.queue:
			n.dropped.Add(1)
		default:
		}
		select {
		case n.queue <- j:
			return
		default:
		}
	}

	n.dropped.Add(1)
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", j.event.Type()),
		slog.String("endpoint", j.endpoint.name))
}

func (ep *endpoint) matches(event events.Event) bool {
	if len(ep.events) > 0 && !ep.events[event.Type()] {
		return false
	}
	dest := event.Destination()
	if dest == "" || len(ep.dests) == 0 {
		return true
	}
	for _, filter := range ep.dests {
		if destinationMatches(filter, dest) {
			return true
		}
	}
	return false
}

// destinationMatches reports whether a "kind://name" reference matches
// filter. A filter without a scheme matches the name of either kind, and a
// trailing '*' matches any suffix.
func destinationMatches(filter, ref string) bool {
	target := ref
	if !strings.Contains(filter, "://") {
		if i := strings.Index(ref, "://"); i >= 0 {
			target = ref[i+3:]
		}
	}
	if prefix, ok := strings.CutSuffix(filter, "*"); ok {
		return strings.HasPrefix(target, prefix)
	}
	return filter == target
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			n.drain()
			return
		case j := <-n.queue:
			n.process(j)
		}
	}
}

// drain delivers what is left in the queue once, without retries.
func (n *Notifier) drain() {
	for {
		select {
		case j := <-n.queue:
			j.attempt = j.endpoint.retry.MaxAttempts
			n.process(j)
		default:
			return
		}
	}
}

func (n *Notifier) process(j job) {
	breaker := n.breakers[j.endpoint.name]

	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		n.delivered.Add(1)
		return
	}

	if j.attempt+1 < j.endpoint.retry.MaxAttempts && n.ctx.Err() == nil {
		j.attempt++
		delay := retryDelay(j.attempt, j.endpoint.retry)

		n.logger.Debug("webhook delivery failed, retrying",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.event.Type()),
			slog.Int("attempt", j.attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		time.AfterFunc(delay, func() {
			if n.ctx.Err() != nil {
				n.failed.Add(1)
				return
			}
			select {
			case n.queue <- j:
			default:
				n.failed.Add(1)
				n.logger.Error("failed to requeue event for retry",
					slog.String("endpoint", j.endpoint.name),
					slog.String("event_type", j.event.Type()))
			}
		})
		return
	}

	n.failed.Add(1)
	n.logger.Error("webhook delivery failed",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()),
		slog.Int("attempts", j.attempt+1),
		slog.String("error", err.Error()))
}

func (n *Notifier) send(j job) error {
	payload, err := json.Marshal(j.event.Wrap(n.brokerID))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.timeout); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.event.Type()))
	return nil
}

// retryDelay returns the exponential backoff delay of an attempt.
func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Stats returns the delivery counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		Delivered: n.delivered.Load(),
		Failed:    n.failed.Load(),
		Dropped:   n.dropped.Load(),
		Queued:    len(n.queue),
	}
}

// Close stops accepting events and waits, up to the shutdown timeout, for
// queued events to be delivered.
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.logger.Info("shutting down webhook notifier")
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		n.logger.Info("webhook notifier stopped gracefully")
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.queue)))
	}
	return nil
}
