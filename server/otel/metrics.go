// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/fluxjms/broker"
	"github.com/absmach/fluxjms/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fluxjms"

var _ broker.Metrics = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	enqueued            metric.Int64Counter
	bytesEnqueued       metric.Int64Counter
	delivered           metric.Int64Counter
	acknowledged        metric.Int64Counter
	redelivered         metric.Int64Counter
	storeFull           metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter

	// Histograms
	messageSize     metric.Int64Histogram
	enqueueDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider creates the instruments on mp.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.connectionsTotal, "fluxjms.connections.total", "Total number of client connections", ""},
		{&m.disconnectionsTotal, "fluxjms.disconnections.total", "Total number of client disconnections", ""},
		{&m.enqueued, "fluxjms.messages.enqueued", "Messages stored in a destination", ""},
		{&m.bytesEnqueued, "fluxjms.bytes.enqueued", "Bytes stored in destinations", "By"},
		{&m.delivered, "fluxjms.messages.delivered", "Messages sent to consumers", ""},
		{&m.acknowledged, "fluxjms.messages.acknowledged", "Messages acknowledged by consumers", ""},
		{&m.redelivered, "fluxjms.messages.redelivered", "Messages returned for redelivery", ""},
		{&m.storeFull, "fluxjms.store_full.total", "Sends rejected by a full destination", ""},
		{&m.errorsTotal, "fluxjms.errors.total", "Total number of errors by kind", ""},
	}
	var err error
	for _, c := range counters {
		opts := []metric.Int64CounterOption{metric.WithDescription(c.desc)}
		if c.unit != "" {
			opts = append(opts, metric.WithUnit(c.unit))
		}
		*c.dst, err = m.meter.Int64Counter(c.name, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"fluxjms.connections.current",
		metric.WithDescription("Current number of client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent counter: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"fluxjms.message.size",
		metric.WithDescription("Size of enqueued messages in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.enqueueDuration, err = m.meter.Float64Histogram(
		"fluxjms.enqueue.duration.ms",
		metric.WithDescription("Publish duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueueDuration histogram: %w", err)
	}

	return m, nil
}

func destAttrs(ref types.DestinationRef) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("destination.kind", ref.Kind.String()),
		attribute.String("destination.name", ref.Name),
	)
}

// RecordConnection records a new connection.
func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a disconnection.
func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordEnqueued records a message stored in dest.
func (m *Metrics) RecordEnqueued(dest types.DestinationRef, size int64) {
	ctx := context.Background()
	attrs := destAttrs(dest)
	m.enqueued.Add(ctx, 1, attrs)
	m.bytesEnqueued.Add(ctx, size, attrs)
	m.messageSize.Record(ctx, size, attrs)
}

func (m *Metrics) RecordDelivered(dest types.DestinationRef, n int) {
	m.delivered.Add(context.Background(), int64(n), destAttrs(dest))
}

func (m *Metrics) RecordAcknowledged(dest types.DestinationRef, n int) {
	m.acknowledged.Add(context.Background(), int64(n), destAttrs(dest))
}

func (m *Metrics) RecordRedelivered(dest types.DestinationRef) {
	m.redelivered.Add(context.Background(), 1, destAttrs(dest))
}

func (m *Metrics) RecordStoreFull(dest types.DestinationRef) {
	m.storeFull.Add(context.Background(), 1, destAttrs(dest))
}

// RecordError records an error by kind.
func (m *Metrics) RecordError(kind string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordEnqueueDuration records the duration of a publish.
func (m *Metrics) RecordEnqueueDuration(ms float64) {
	m.enqueueDuration.Record(context.Background(), ms)
}
