// Command loadtest drives a realtime.Manager in-process and reports
// throughput, delivery failures, rate-limit rejections, and latency
// percentiles. The transport is simulated, so the numbers measure the
// manager itself: registry contention, rate limiting, and dispatch overhead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/teamtrek/realtime/pkg/realtime"
	"github.com/teamtrek/realtime/pkg/transport"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks delivery outcomes across all workers.
type Stats struct {
	sent     atomic.Int64
	failed   atomic.Int64
	rejected atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *Stats) recordSend(latency time.Duration, success bool) {
	s.sent.Add(1)
	if !success {
		s.failed.Add(1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, latency)
	s.mu.Unlock()
}

func (s *Stats) recordRejection() {
	s.rejected.Add(1)
}

func (s *Stats) percentiles() (p50, p95, p99 time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(p float64) time.Duration {
		idx := int(p*float64(len(sorted))) - 1
		if idx < 0 {
			idx = 0
		}
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

// simTransport fakes a managed push provider: configurable latency with
// jitter and a random failure rate. BatchMax of 10 matches the real
// provider, so batch chunking gets exercised too.
type simTransport struct {
	latency  time.Duration
	failRate float64
}

func (t *simTransport) Publish(ctx context.Context, ev transport.Event) error {
	return t.simulate(ctx)
}

func (t *simTransport) PublishBatch(ctx context.Context, events []transport.Event) error {
	if len(events) > t.BatchMax() {
		return transport.ErrBatchTooLarge
	}
	return t.simulate(ctx)
}

func (t *simTransport) ChannelInfo(ctx context.Context, channel string) (transport.ChannelInfo, error) {
	return transport.ChannelInfo{Channel: channel}, nil
}

func (t *simTransport) BatchMax() int { return 10 }

func (t *simTransport) Close() error { return nil }

func (t *simTransport) simulate(ctx context.Context) error {
	if t.latency > 0 {
		jitter := time.Duration(rand.Int63n(int64(t.latency)/2 + 1))
		select {
		case <-time.After(t.latency + jitter):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", transport.ErrUnavailable, ctx.Err())
		}
	}
	if t.failRate > 0 && rand.Float64() < t.failRate {
		return transport.ErrUnavailable
	}
	return nil
}

func randomPayload(size int, seq int64) map[string]any {
	var b strings.Builder
	for b.Len() < size {
		b.WriteString(loremWords[rand.Intn(len(loremWords))])
		b.WriteByte(' ')
	}
	return map[string]any{"text": b.String(), "seq": seq}
}

func main() {
	numConns := flag.Int("connections", 100, "Connections to register")
	numChannels := flag.Int("channels", 16, "Channels to spread subscriptions across")
	numWorkers := flag.Int("workers", 8, "Concurrent publisher goroutines")
	numEvents := flag.Int("events", 0, "Total events to send (0 = run for the full duration)")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	payloadSize := flag.Int("payload", 256, "Approximate payload size in bytes")
	batchSize := flag.Int("batch", 0, "Events per batch (0 = single sends)")
	msgRate := flag.Int("rate-limit", 0, "Per-connection messages per second (0 = unlimited)")
	latency := flag.Duration("latency", 2*time.Millisecond, "Simulated transport latency")
	failRate := flag.Float64("fail-rate", 0, "Simulated transport failure rate (0.0-1.0)")
	flag.Parse()

	cfg := realtime.DefaultConfig()
	cfg.MaxConnections = *numConns
	if *msgRate > 0 {
		cfg.MessagesPerSecond = *msgRate
	} else {
		cfg.MessagesPerSecond = 1 << 30
	}

	mgr, err := realtime.NewManager(cfg, &simTransport{latency: *latency, failRate: *failRate}, zerolog.Nop())
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}

	log.Printf("Starting load test:")
	log.Printf("  Connections: %d", *numConns)
	log.Printf("  Channels: %d", *numChannels)
	log.Printf("  Workers: %d", *numWorkers)
	if *numEvents > 0 {
		log.Printf("  Events: %d", *numEvents)
	} else {
		log.Printf("  Duration: %v", *duration)
	}
	log.Printf("  Batch size: %d", *batchSize)
	log.Printf("  Transport latency: %v, fail rate: %.2f", *latency, *failRate)
	log.Printf("")

	// Register the pool and subscribe each connection to a few channels.
	// Every fourth connection is anonymous to mix in unauthenticated load.
	channels := make([]string, *numChannels)
	for i := range channels {
		channels[i] = fmt.Sprintf("public-load-%d", i)
	}
	ctx := context.Background()
	connIDs := make([]string, 0, *numConns)
	for i := 0; i < *numConns; i++ {
		userID := fmt.Sprintf("user-%d", i)
		if i%4 == 3 {
			userID = ""
		}
		conn, err := mgr.RegisterConnection(ctx, fmt.Sprintf("socket-%d", i), userID, fmt.Sprintf("team-%d", i%8))
		if err != nil {
			log.Fatalf("Failed to register connection %d: %v", i, err)
		}
		connIDs = append(connIDs, conn.ID)
		for k := 0; k < 3; k++ {
			ch := channels[(i+k)%len(channels)]
			if _, err := mgr.SubscribeToChannel(conn.ID, ch); err != nil {
				log.Fatalf("Failed to subscribe %s to %s: %v", conn.ID, ch, err)
			}
		}
	}
	log.Printf("Registered %d connections, %d subscriptions", *numConns, 3*(*numConns))

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := &Stats{}
	var seq, attempted atomic.Int64
	start := time.Now()
	deadline := start.Add(*duration)

	var wg sync.WaitGroup
	for w := 0; w < *numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) && runCtx.Err() == nil {
				n := 1
				if *batchSize > 0 {
					n = *batchSize
				}
				if *numEvents > 0 && attempted.Add(int64(n)) > int64(*numEvents) {
					return
				}
				if *batchSize > 0 {
					sendBatch(runCtx, mgr, connIDs, channels, *batchSize, *payloadSize, &seq, stats)
				} else {
					sendOne(runCtx, mgr, connIDs, channels, *payloadSize, &seq, stats)
				}
			}
		}()
	}

	// Progress report every 5 seconds.
	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-progressDone:
				return
			case <-ticker.C:
				sent := stats.sent.Load()
				elapsed := time.Since(start).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d failed, %d rejected, health=%s",
					sent, float64(sent)/elapsed, stats.failed.Load(), stats.rejected.Load(),
					mgr.GetHealthStatus().Status)
			}
		}
	}()

	wg.Wait()
	close(progressDone)
	totalDuration := time.Since(start)

	sent := stats.sent.Load()
	failed := stats.failed.Load()
	rejected := stats.rejected.Load()
	p50, p95, p99 := stats.percentiles()
	snap := mgr.GetHealthStatus()

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", totalDuration.Round(time.Millisecond))
	log.Printf("Events sent: %d (%.1f/s)", sent, float64(sent)/totalDuration.Seconds())
	log.Printf("Delivery failures: %d", failed)
	log.Printf("Policy rejections: %d", rejected)
	log.Printf("Latency p50/p95/p99: %v / %v / %v", p50, p95, p99)
	log.Printf("Health: %s (error rate %.3f, utilization %.2f)", snap.Status, snap.ErrorRate, snap.Utilization)

	if failed == 0 && rejected == 0 && snap.Status == realtime.StatusHealthy {
		log.Printf("Result: PASS")
	} else {
		log.Printf("Result: completed with failures (expected when fail-rate or rate-limit is set)")
	}
}

func sendOne(ctx context.Context, mgr *realtime.Manager, connIDs, channels []string, payloadSize int, seq *atomic.Int64, stats *Stats) {
	ev := realtime.Event{
		Channel:      channels[rand.Intn(len(channels))],
		Name:         "load.tick",
		Payload:      randomPayload(payloadSize, seq.Add(1)),
		ConnectionID: connIDs[rand.Intn(len(connIDs))],
	}
	begin := time.Now()
	result, err := mgr.SendEvent(ctx, ev)
	if err != nil {
		stats.recordRejection()
		return
	}
	stats.recordSend(time.Since(begin), result.Success)
}

func sendBatch(ctx context.Context, mgr *realtime.Manager, connIDs, channels []string, batchSize, payloadSize int, seq *atomic.Int64, stats *Stats) {
	events := make([]realtime.Event, batchSize)
	for i := range events {
		events[i] = realtime.Event{
			Channel:      channels[rand.Intn(len(channels))],
			Name:         "load.tick",
			Payload:      randomPayload(payloadSize, seq.Add(1)),
			ConnectionID: connIDs[rand.Intn(len(connIDs))],
		}
	}
	begin := time.Now()
	results, err := mgr.SendEventBatch(ctx, events)
	if err != nil {
		stats.recordRejection()
		return
	}
	latency := time.Since(begin)
	for _, result := range results {
		stats.recordSend(latency, result.Success)
	}
}
