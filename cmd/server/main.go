package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Relay/internal/adapters/http"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/metrics"
	"github.com/dkeye/Relay/internal/protocol"
	"github.com/dkeye/Relay/internal/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port < 0 || port > 0xffff {
			log.Fatal().Str("arg", os.Args[1]).Msg("usage: server [port]")
		}
		cfg.Port = port
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("relay stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Relay exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	version, err := domain.ParseVersion(cfg.Version)
	if err != nil {
		return err
	}
	m := metrics.New(prometheus.DefaultRegisterer)
	relay, err := app.New(app.Options{
		Version:        version,
		SpamLimit:      cfg.SpamLimit,
		JoinLimit:      cfg.JoinLimit,
		WarnClosing:    cfg.WarnClosing,
		WarnDeprecated: cfg.WarnDeprecated,
		Blacklist:      cfg.Blacklist,
		StaleTimeout:   cfg.StaleTimeout,
		CloseGrace:     cfg.CloseGrace,
		StateRefresh:   cfg.StateRefresh,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	srv := transport.NewServer(protocol.NewCodec(protocol.DefaultRegistry(), true), relay, transport.Options{
		QueueSize:   cfg.SendQueue,
		KeepAlive:   cfg.KeepAlive,
		ReadTimeout: cfg.ReadTimeout,
		OnRead:      m.ObserveRead,
		OnWrite:     m.ObserveWrite,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	ln, pc, err := transport.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router.SetupRouter(cfg, relay, srv, promhttp.Handler()),
	}

	// The relay loop outlives the listeners so Shutdown can reach the rooms.
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	go func() { _ = relay.Run(relayCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ServeTCP(gctx, ln) })
	g.Go(func() error { return srv.ServeDiscovery(gctx, pc, int32(version.Major)) })
	if cfg.HTTPAddr != "" {
		g.Go(func() error {
			log.Info().Str("addr", cfg.HTTPAddr).Msg("admin http started")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.CloseGrace+5*time.Second)
		defer shutdownCancel()
		err := relay.Shutdown(shutdownCtx)
		srv.CloseAll(domain.DcClosed)
		return multierr.Append(err, httpSrv.Shutdown(shutdownCtx))
	})

	log.Info().Str("addr", addr).Str("version", version.String()).Msg("Relay server started")
	return g.Wait()
}
