// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors. Broker rejections are *protocol.Error values; use errors.Is
// with protocol.ErrStoreFull and friends to tell them apart.
var (
	// Configuration errors.
	ErrNoServer        = errors.New("no server address configured")
	ErrInvalidClientID = errors.New("invalid client ID")

	// Connection errors.
	ErrNotConnected    = errors.New("client not connected")
	ErrConnectFailed   = errors.New("connection failed")
	ErrConnectRejected = errors.New("connection rejected by broker")

	// Operation errors.
	ErrTimeout        = errors.New("operation timed out")
	ErrMaxInflight    = errors.New("maximum inflight requests exceeded")
	ErrConnectionLost = errors.New("connection lost")
	ErrClientClosed   = errors.New("client has been closed")
	ErrSessionClosed  = errors.New("session is closed")
	ErrConsumerClosed = errors.New("consumer is closed")
	ErrProducerClosed = errors.New("producer is closed")
	ErrNotTransacted  = errors.New("session is not transacted")
	ErrNoMessage      = errors.New("message has no broker id")
)
