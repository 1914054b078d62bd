// parley: multi-speaker voice agent
// Listens to a voice session over RTP, decides when it is being spoken to
// and answers out loud.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/parley/internal/config"
	"github.com/teslashibe/parley/internal/log"
	"github.com/teslashibe/parley/internal/metrics"
	"github.com/teslashibe/parley/pkg/rtpio"
)

var (
	version    = "0.1.0"
	configPath = flag.String("config", "parley.yaml", "Path to the YAML configuration file")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	log.Init(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("parley starting", "version", version, "agent", cfg.Agent.Name)
	if err := run(ctx, cfg); err != nil {
		log.Error("parley stopped", "error", err)
		os.Exit(1)
	}
	log.Info("parley stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	app, err := build(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer app.close()

	ingress, err := rtpio.Listen(cfg.RTP.Listen, cfg.RTP.ConversationID, app.manager,
		rtpio.WithParticipants(cfg.RTP.Participants),
		rtpio.WithHangover(cfg.Timing.SpeakerHangover),
		rtpio.WithIngressLogger(log.L()),
	)
	if err != nil {
		return err
	}
	log.Info("listening for voice", "addr", ingress.Addr().String(), "conversation", cfg.RTP.ConversationID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingress.Run(gctx)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr, reg)
		})
	}
	return g.Wait()
}

// serveMetrics exposes the registry until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("metrics server started", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
