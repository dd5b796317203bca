// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxjms/broker"
	"github.com/absmach/fluxjms/client"
	"github.com/absmach/fluxjms/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoHandler struct{}

func (echoHandler) HandleConnection(_ context.Context, conn net.Conn) error {
	_, err := io.Copy(conn, conn)
	return err
}

type denyAll struct{}

func (denyAll) Allow(net.Addr) bool { return false }

func startServer(t *testing.T, cfg Config, h Handler) (*Server, string) {
	t.Helper()
	s := New(cfg, h, discard())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + s.config.Path
}

func TestConnStreamsAcrossMessages(t *testing.T) {
	_, url := startServer(t, Config{}, echoHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dialer(url, nil)(ctx)
	require.NoError(t, err)
	defer conn.Close()

	// Two writes, two messages; a single read buffer may span both.
	_, err = conn.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = conn.Write([]byte("world"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, len("hello world"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}

func TestConnRejectsTextMessages(t *testing.T) {
	_, url := startServer(t, Config{}, echoHandler{})

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	conn := NewConn(ws)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("text")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	// The echo handler fails on the text message and closes.
	_, err = conn.Read(make([]byte, 16))
	assert.Error(t, err)
}

func TestSubprotocolNegotiated(t *testing.T) {
	_, url := startServer(t, Config{}, echoHandler{})

	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	ws, resp, err := d.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
}

func TestOriginCheck(t *testing.T) {
	_, url := startServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}}, echoHandler{})

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.Set("Origin", "https://app.example.com")
	ws, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	ws.Close()
}

func TestRateLimited(t *testing.T) {
	_, url := startServer(t, Config{RateLimiter: denyAll{}}, echoHandler{})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestBrokerOverWebSocket(t *testing.T) {
	b := broker.New(broker.Config{}, discard())
	bctx, bcancel := context.WithCancel(context.Background())
	b.Start(bctx)
	t.Cleanup(func() {
		b.Close()
		bcancel()
	})
	_, url := startServer(t, Config{Path: "/jms"}, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := client.NewOptions().SetClientID("ws-client").SetLogger(discard())
	c, err := client.DialWith(ctx, Dialer(url, nil), opts)
	require.NoError(t, err)
	defer c.Close()

	topic := client.Topic("prices")
	require.NoError(t, c.Declare(ctx, topic))
	s, err := c.OpenSession(ctx, client.SessionOptions{AckMode: types.AckAuto})
	require.NoError(t, err)
	cons, err := s.Subscribe(ctx, topic, client.SubscribeOptions{})
	require.NoError(t, err)
	prod, err := s.CreateProducer(ctx, topic)
	require.NoError(t, err)

	// Large enough to need several reads of the stream.
	body := strings.Repeat("x", 64*1024)
	require.NoError(t, prod.Send(ctx, types.NewMessage([]byte(body))))

	msg, err := cons.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, body, string(msg.Body))
}
