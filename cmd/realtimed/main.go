package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/teamtrek/realtime/pkg/logger"
	"github.com/teamtrek/realtime/pkg/realtime"
	"github.com/teamtrek/realtime/pkg/transport"
	"github.com/teamtrek/realtime/pkg/transport/localhub"
	"github.com/teamtrek/realtime/pkg/transport/pushapi"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "~/.teamtrek/realtimed.toml", "Path to config file")
	host := flag.String("host", "", "Listen address (overrides config)")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	provider := flag.String("transport", "", "Transport provider: push, local or none (overrides config)")
	environment := flag.String("env", "", "Environment: development or production (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("realtimed %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	cfg, err := realtime.LoadFileConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *provider != "" {
		cfg.Transport.Provider = *provider
	}
	if *environment != "" {
		cfg.Server.Environment = *environment
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Server.Environment, *debug)
	log := logger.Get("main")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("realtimed exited")
	}
}

func run(cfg realtime.FileConfig, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()

	tc, err := buildTransport(cfg, mux)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	defer tc.Close()

	mcfg := cfg.ManagerConfig()
	metrics := realtime.NewMetrics()
	mgr, err := realtime.NewManager(mcfg, tc, logger.Get("manager"), realtime.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	api := newAPIServer(mgr, tc, logger.Get("api"))
	api.routes(mux)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           requestID(accessLog(logger.Get("http"), mux)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().
		Str("version", Version).
		Str("addr", addr).
		Str("transport", transportName(cfg)).
		Int("max_connections", mcfg.MaxConnections).
		Msg("realtimed starting")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sampleHealth(ctx, mgr, metrics, logger.Get("health"))
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildTransport wires the configured provider. The local hub also mounts
// its WebSocket endpoint on the server mux; the other providers have no
// HTTP surface of their own.
func buildTransport(cfg realtime.FileConfig, mux *http.ServeMux) (transport.Client, error) {
	switch cfg.Transport.Provider {
	case "push":
		return pushapi.New(pushapi.Config{
			BaseURL: cfg.Transport.Push.BaseURL,
			AppID:   cfg.Transport.Push.AppID,
			Key:     cfg.Transport.Push.Key,
			Secret:  cfg.Transport.Push.Secret,
			Timeout: time.Duration(cfg.Transport.TimeoutMs) * time.Millisecond,
		}, logger.Get("pushapi"))
	case "local", "":
		hub := localhub.NewHub(logger.Get("localhub"))
		mux.Handle("GET /ws", hub)
		return hub, nil
	case "none":
		return transport.Nop(), nil
	default:
		return nil, fmt.Errorf("unknown transport provider %q", cfg.Transport.Provider)
	}
}

func transportName(cfg realtime.FileConfig) string {
	if cfg.Transport.Provider == "" {
		return "local"
	}
	return cfg.Transport.Provider
}

// sampleHealth periodically publishes the health snapshot to metrics and
// logs status transitions. The snapshot itself is cheap, so a short period
// keeps the gauge honest without showing up in profiles.
func sampleHealth(ctx context.Context, mgr *realtime.Manager, metrics *realtime.Metrics, log zerolog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	prev := realtime.StatusHealthy
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := mgr.GetHealthStatus()
			metrics.RecordHealthStatus(snap.Status)
			if snap.Status != prev {
				log.Warn().
					Str("from", string(prev)).
					Str("to", string(snap.Status)).
					Float64("error_rate", snap.ErrorRate).
					Float64("utilization", snap.Utilization).
					Float64("latency_p99_ms", snap.LatencyP99Ms).
					Msg("health status changed")
				prev = snap.Status
			}
		}
	}
}
