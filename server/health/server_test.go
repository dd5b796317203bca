// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxjms/broker"
	"github.com/absmach/fluxjms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(broker.Config{}, discard())
	b.Start(context.Background())
	t.Cleanup(func() { b.Close() })
	return b
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := New(Config{}, newBroker(t), discard())

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestMethodNotAllowed(t *testing.T) {
	s := New(Config{}, newBroker(t), discard())

	for _, path := range []string{"/health", "/ready", "/stats", "/destinations"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}

func TestReady(t *testing.T) {
	b := broker.New(broker.Config{}, discard())
	b.Start(context.Background())
	s := New(Config{}, b, discard())

	rec := get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, b.Close())
	rec = get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "not_ready", resp.Status)
}

func TestReadyWithoutBroker(t *testing.T) {
	s := New(Config{}, nil, discard())
	rec := get(t, s.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStats(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	_, err := b.Declare(ctx, types.DestinationConfig{Kind: types.KindQueue, Name: "orders"})
	require.NoError(t, err)

	s := New(Config{}, b, discard())
	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Destinations       int   `json:"destinations"`
		CurrentConnections int64 `json:"current_connections"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Destinations)
	assert.Zero(t, resp.CurrentConnections)
}

func TestDestinations(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	_, err := b.Declare(ctx, types.DestinationConfig{Kind: types.KindQueue, Name: "orders", MaxMessages: 10})
	require.NoError(t, err)
	_, err = b.Declare(ctx, types.DestinationConfig{Kind: types.KindTopic, Name: "prices"})
	require.NoError(t, err)

	s := New(Config{}, b, discard())

	rec := get(t, s.Handler(), "/destinations")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []broker.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	require.Len(t, all, 2)
	assert.Equal(t, "queue", all[0].Kind)
	assert.Equal(t, "orders", all[0].Name)
	assert.Equal(t, 10, all[0].MaxMessages)
	assert.NotEmpty(t, all[0].Durability)

	rec = get(t, s.Handler(), "/destinations?kind=topic")
	var topics []broker.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&topics))
	require.Len(t, topics, 1)
	assert.Equal(t, "prices", topics[0].Name)

	rec = get(t, s.Handler(), "/destinations?kind=exchange")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListen(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, newBroker(t), discard())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("health server did not stop")
	}
}
