// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxjms/transport"
	"github.com/absmach/fluxjms/types"
)

// Default values.
const (
	DefaultServer         = "localhost:61616"
	DefaultSoftware       = "fluxjms-go"
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultMaxInflight    = 1024
)

// Options configures the client.
type Options struct {
	// Connection
	Server         string        // Broker address (host:port)
	ClientID       string        // Client identifier; generated by the broker when empty
	Software       string        // Client software announced in the hello
	TLSConfig      *tls.Config   // TLS configuration (nil for plain TCP)
	ConnectTimeout time.Duration // Timeout for dialing and the handshake
	PingInterval   time.Duration // Keepalive interval (0 to disable)
	MaxPayload     int           // Largest packet payload accepted

	// Requests
	RequestTimeout    time.Duration // Timeout waiting for a reply
	MaxInflight       int           // Maximum requests waiting for a reply
	CompressThreshold int           // Message bodies at least this large are compressed (0 disables)

	// Callbacks
	OnConnectionLost func(error) // Called when the connection drops

	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Server:         DefaultServer,
		Software:       DefaultSoftware,
		ConnectTimeout: DefaultConnectTimeout,
		PingInterval:   DefaultPingInterval,
		MaxPayload:     transport.DefaultMaxPayload,
		RequestTimeout: DefaultRequestTimeout,
		MaxInflight:    DefaultMaxInflight,
	}
}

// SetServer sets the broker address.
func (o *Options) SetServer(addr string) *Options {
	o.Server = addr
	return o
}

// SetClientID sets the client identifier.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetConnectTimeout sets the connection timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetRequestTimeout sets the reply timeout.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetPingInterval sets the keepalive interval.
func (o *Options) SetPingInterval(d time.Duration) *Options {
	o.PingInterval = d
	return o
}

// SetCompressThreshold enables body compression from the given size.
func (o *Options) SetCompressThreshold(n int) *Options {
	o.CompressThreshold = n
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetLogger sets the logger of the client transport.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks if the options are valid.
func (o *Options) Validate() error {
	if o.ClientID != "" {
		if err := types.ValidateName(o.ClientID, 128); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidClientID, err)
		}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = transport.DefaultMaxPayload
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
