// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package benchmarks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxjms/broker"
	"github.com/absmach/fluxjms/client"
	"github.com/absmach/fluxjms/server/tcp"
	"github.com/absmach/fluxjms/storage"
	"github.com/absmach/fluxjms/storage/file"
	"github.com/absmach/fluxjms/types"
)

// BenchmarkConnectionEstablishment measures connection throughput
func BenchmarkConnectionEstablishment(b *testing.B) {
	server := startTestBroker(b, broker.Config{})

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		c := createClient(b, server.Addr(), fmt.Sprintf("bench-client-%d", i))
		c.Close()
	}
}

// BenchmarkConnectionEstablishment_Parallel measures concurrent connection throughput
func BenchmarkConnectionEstablishment_Parallel(b *testing.B) {
	server := startTestBroker(b, broker.Config{})

	var counter atomic.Int64

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id := counter.Add(1)
			c := createClient(b, server.Addr(), fmt.Sprintf("bench-client-%d", id))
			c.Close()
		}
	})
}

// BenchmarkQueueThroughput_EndToEnd measures send to receive on one queue.
func BenchmarkQueueThroughput_EndToEnd(b *testing.B) {
	for _, size := range []int{64, 1024, 16 * 1024} {
		b.Run(fmt.Sprintf("%d_bytes", size), func(b *testing.B) {
			server := startTestBroker(b, broker.Config{})
			queueRoundTrip(b, server, client.Queue("bench"), size, types.AckAuto)
		})
	}
}

// BenchmarkAckModes compares automatic and explicit acknowledgement.
func BenchmarkAckModes(b *testing.B) {
	for _, mode := range []types.AckMode{types.AckAuto, types.AckClient} {
		b.Run(mode.String(), func(b *testing.B) {
			server := startTestBroker(b, broker.Config{})
			queueRoundTrip(b, server, client.Queue("bench"), 256, mode)
		})
	}
}

// BenchmarkPersistentQueue measures a persistent queue on block files.
func BenchmarkPersistentQueue(b *testing.B) {
	for _, mode := range []storage.Durability{storage.Batched, storage.SyncEveryWrite} {
		b.Run(mode.String(), func(b *testing.B) {
			p, err := file.NewProvider(b.TempDir(), file.Options{Durability: mode, Logger: discard()})
			if err != nil {
				b.Fatalf("Failed to open storage: %v", err)
			}
			server := startTestBroker(b, broker.Config{Storage: p})

			q := client.Queue("bench")
			q.Persistent = true
			queueRoundTrip(b, server, q, 256, types.AckAuto)
		})
	}
}

// BenchmarkFanOut measures one topic publisher delivering to N subscribers.
func BenchmarkFanOut(b *testing.B) {
	for _, count := range []int{1, 10, 50} {
		b.Run(fmt.Sprintf("1_to_%d", count), func(b *testing.B) {
			server := startTestBroker(b, broker.Config{})
			ctx := context.Background()
			topic := client.Topic("bench")

			var received atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < count; i++ {
				sub := createClient(b, server.Addr(), fmt.Sprintf("sub-%d", i))
				defer sub.Close()
				cons := subscribe(b, sub, topic, "", types.AckAuto)

				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < b.N; j++ {
						if _, err := cons.Receive(ctx); err != nil {
							return
						}
						received.Add(1)
					}
				}()
			}

			prod := producer(b, server.Addr(), "publisher", topic)
			payload := make([]byte, 256)

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if err := prod.Send(ctx, types.NewMessage(payload)); err != nil {
					b.Fatalf("Send failed: %v", err)
				}
			}
			wg.Wait()
			b.StopTimer()

			b.ReportMetric(float64(received.Load())/b.Elapsed().Seconds(), "deliveries/s")
		})
	}
}

// BenchmarkSelectiveConsumers routes messages by property to two consumers.
func BenchmarkSelectiveConsumers(b *testing.B) {
	server := startTestBroker(b, broker.Config{})
	ctx := context.Background()
	q := client.Queue("bench")

	var wg sync.WaitGroup
	for lb := 1; lb <= 2; lb++ {
		c := createClient(b, server.Addr(), fmt.Sprintf("lb-%d", lb))
		defer c.Close()
		cons := subscribe(b, c, q, fmt.Sprintf("lbId = %d", lb), types.AckAuto)
		want := b.N / 2
		if lb == 1 {
			want = b.N - b.N/2
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < want; j++ {
				if _, err := cons.Receive(ctx); err != nil {
					return
				}
			}
		}()
	}

	prod := producer(b, server.Addr(), "router", q)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		msg := types.NewMessage([]byte("routed"))
		msg.SetProperty("lbId", types.Int(int64(i%2+1)))
		if err := prod.Send(ctx, msg); err != nil {
			b.Fatalf("Send failed: %v", err)
		}
	}
	wg.Wait()
}

func queueRoundTrip(b *testing.B, server *TestServer, q client.Destination, size int, mode types.AckMode) {
	b.Helper()
	ctx := context.Background()

	consumerClient := createClient(b, server.Addr(), "consumer")
	defer consumerClient.Close()
	cons := subscribe(b, consumerClient, q, "", mode)
	prod := producer(b, server.Addr(), "producer", q)
	payload := make([]byte, size)

	done := make(chan error, 1)

	b.ResetTimer()
	b.ReportAllocs()
	b.SetBytes(int64(size))

	go func() {
		for i := 0; i < b.N; i++ {
			msg, err := cons.Receive(ctx)
			if err != nil {
				done <- err
				return
			}
			if mode == types.AckClient {
				if err := cons.Ack(ctx, msg); err != nil {
					done <- err
					return
				}
			}
		}
		done <- nil
	}()

	for i := 0; i < b.N; i++ {
		if err := prod.Send(ctx, types.NewMessage(payload)); err != nil {
			b.Fatalf("Send failed: %v", err)
		}
	}
	if err := <-done; err != nil {
		b.Fatalf("Receive failed: %v", err)
	}
}

// Helper functions

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestBroker(tb testing.TB, cfg broker.Config) *TestServer {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	b := broker.New(cfg, discard())
	b.Start(ctx)

	srv := tcp.New(tcp.Config{Address: "127.0.0.1:0", Logger: discard(), ShutdownTimeout: 5 * time.Second}, b)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Listen(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		tb.Fatalf("Failed to start broker: %v", err)
	}

	s := &TestServer{broker: b, server: srv, cancel: cancel, errCh: errCh}
	tb.Cleanup(s.Stop)
	return s
}

func createClient(tb testing.TB, addr, clientID string) *client.Client {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := client.NewOptions().
		SetServer(addr).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetLogger(discard())
	c, err := client.Dial(ctx, opts)
	if err != nil {
		tb.Fatalf("Failed to connect: %v", err)
	}
	return c
}

func subscribe(tb testing.TB, c *client.Client, d client.Destination, selector string, mode types.AckMode) *client.Consumer {
	tb.Helper()
	ctx := context.Background()

	if err := c.Declare(ctx, d); err != nil {
		tb.Fatalf("Declare failed: %v", err)
	}
	s, err := c.OpenSession(ctx, client.SessionOptions{AckMode: mode})
	if err != nil {
		tb.Fatalf("OpenSession failed: %v", err)
	}
	cons, err := s.Subscribe(ctx, d, client.SubscribeOptions{Selector: selector, Prefetch: 256})
	if err != nil {
		tb.Fatalf("Subscribe failed: %v", err)
	}
	return cons
}

func producer(tb testing.TB, addr, clientID string, d client.Destination) *client.Producer {
	tb.Helper()
	ctx := context.Background()

	c := createClient(tb, addr, clientID)
	tb.Cleanup(func() { c.Close() })
	if err := c.Declare(ctx, d); err != nil {
		tb.Fatalf("Declare failed: %v", err)
	}
	s, err := c.OpenSession(ctx, client.SessionOptions{AckMode: types.AckAuto})
	if err != nil {
		tb.Fatalf("OpenSession failed: %v", err)
	}
	prod, err := s.CreateProducer(ctx, d)
	if err != nil {
		tb.Fatalf("CreateProducer failed: %v", err)
	}
	return prod
}

// TestServer wraps a broker behind a TCP listener.
type TestServer struct {
	broker *broker.Broker
	server *tcp.Server
	cancel context.CancelFunc
	errCh  chan error
	once   sync.Once
}

func (s *TestServer) Addr() string {
	return s.server.Addr().String()
}

func (s *TestServer) Stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.errCh
		s.broker.Close()
	})
}
