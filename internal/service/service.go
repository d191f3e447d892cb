// Package service assembles the PA server process: sweep store, MAD
// transport, RMPP engine, admin endpoint and metrics.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/yuuki/paserver/internal/admin"
	"github.com/yuuki/paserver/internal/config"
	"github.com/yuuki/paserver/internal/pa"
	"github.com/yuuki/paserver/internal/pa/handlers"
	"github.com/yuuki/paserver/internal/store"
	"github.com/yuuki/paserver/internal/sweep"
	"github.com/yuuki/paserver/internal/telemetry"
	"github.com/yuuki/paserver/internal/transport"
)

const statsInterval = time.Minute

// PAServer is the running PA server process
type PAServer struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.ServerConfig
	clock  clock.WithTicker

	store   store.Store
	mux     *transport.UDPMux
	state   *pa.ProtocolState
	server  *pa.Server
	admin   *admin.Server
	metrics *telemetry.Metrics
	sweeper *sweep.Sweeper

	group   *errgroup.Group
	stopped sync.Once
}

// New creates a new PA server instance
func New(cfg *config.ServerConfig) (*PAServer, error) {
	log.Debug().Msg("Creating new PA server instance")

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PAServer{
		ctx:    ctx,
		cancel: cancel,
		config: cfg,
		clock:  clock.RealClock{},
		store:  st,
	}, nil
}

// openStore connects to rqlite, or serves a sample image from memory when no
// database is configured.
func openStore(cfg *config.ServerConfig) (store.Store, error) {
	if cfg.DatabaseURI != "" {
		st, err := store.NewRqliteStore(cfg.DatabaseURI)
		if err != nil {
			return nil, fmt.Errorf("failed to open sweep store: %w", err)
		}
		return st, nil
	}
	log.Info().Int("hosts", cfg.SampleHosts).Msg("No database configured, serving a sample image")
	return store.NewMemoryStore(store.SampleImage(1, time.Now(), cfg.SampleHosts)), nil
}

// Start starts every component of the PA server
func (s *PAServer) Start() error {
	log.Debug().Msg("Starting PA server")
	cfg := s.config

	// Initialize metrics if a collector is configured
	var recorder pa.Recorder
	if cfg.OtelCollectorAddr != "" {
		metrics, err := telemetry.NewMetrics(s.ctx, cfg.ServerID, cfg.OtelCollectorAddr)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize metrics, continuing without metrics")
		} else {
			s.metrics = metrics
			recorder = metrics
			log.Info().
				Str("server_id", cfg.ServerID).
				Str("collector_addr", cfg.OtelCollectorAddr).
				Msg("OpenTelemetry metrics initialized")
		}
	}

	state, err := pa.NewProtocolState(cfg.PA, s.clock, recorder)
	if err != nil {
		return err
	}
	s.state = state
	if s.metrics != nil {
		if err := s.metrics.ObservePool(state); err != nil {
			log.Warn().Err(err).Msg("Failed to register pool gauges")
		}
	}

	// Open the MAD transport
	mux, err := transport.ListenUDP(cfg.ListenAddr, s.clock)
	if err != nil {
		return err
	}
	s.mux = mux
	for lid, addr := range cfg.Peers {
		mux.AddPeer(lid, addr)
	}
	reader := mux.Endpoint("reader", transport.Requests, cfg.QueueDepth)
	writer := mux.Endpoint("writer", transport.RMPPControl, cfg.QueueDepth)
	mux.Start()

	registry := handlers.NewPARegistry(s.store, handlers.Settings{
		RespTimeValue: cfg.PA.RespTimeValue,
		PMConfig: handlers.PMConfig{
			SweepInterval: cfg.SweepInterval,
			MaxClients:    uint32(cfg.PA.ExpectedEndpoints),
			PoolSize:      uint32(cfg.PA.EffectivePoolSize()),
			MaxRetries:    uint32(cfg.PA.MaxRetries),
		},
	})
	s.server = pa.NewServer(state, reader, writer, registry)
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("failed to start PA server: %w", err)
	}
	log.Info().
		Uint16("lid", cfg.LID).
		Str("addr", mux.LocalAddr().String()).
		Int("pool_size", cfg.PA.EffectivePoolSize()).
		Msg("PA server started")

	// Start the admin endpoint
	if cfg.AdminAddr != "" {
		s.admin = admin.NewServer(cfg.AdminAddr)
		if err := s.admin.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		s.admin.SetServing(true)
	}

	// Advance the in-memory sample image on every sweep
	if mem, ok := s.store.(*store.MemoryStore); ok && cfg.SampleSweep && cfg.SweepInterval > 0 {
		hosts := cfg.SampleHosts
		source := func(num uint64, start time.Time) store.Image {
			return store.SampleImage(num, start, hosts)
		}
		s.sweeper = sweep.NewSweeper(mem, source, s.clock, cfg.SweepInterval, cfg.ImageRetention, 2)
		if err := s.sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start sweeper: %w", err)
		}
	}

	var gctx context.Context
	s.group, gctx = errgroup.WithContext(s.ctx)
	s.group.Go(func() error {
		s.statsReporter(gctx)
		return nil
	})

	return nil
}

// statsReporter periodically logs the protocol counters
func (s *PAServer) statsReporter(ctx context.Context) {
	ticker := s.clock.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.state.LogStats()
		}
	}
}

// UDPAddr returns the MAD transport address, or nil before Start.
func (s *PAServer) UDPAddr() *net.UDPAddr {
	if s.mux == nil {
		return nil
	}
	return s.mux.LocalAddr()
}

// AdminAddr returns the admin endpoint address, or nil when disabled.
func (s *PAServer) AdminAddr() net.Addr {
	if s.admin == nil {
		return nil
	}
	return s.admin.Addr()
}

// Stats returns the protocol counters, or zero values before Start.
func (s *PAServer) Stats() pa.Stats {
	if s.state == nil {
		return pa.Stats{}
	}
	return s.state.Stats()
}

// Stop stops the PA server
func (s *PAServer) Stop() {
	s.stopped.Do(s.stop)
}

func (s *PAServer) stop() {
	log.Debug().Msg("Stopping PA server")

	// Stop components in reverse order
	if s.admin != nil {
		s.admin.SetServing(false)
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.server != nil {
		s.server.Stop()
	}
	if s.mux != nil {
		if err := s.mux.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("Failed to close MAD transport")
		}
	}
	if s.admin != nil {
		s.admin.Stop()
	}

	s.cancel()
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			log.Error().Err(err).Msg("Background task failed")
		}
	}

	// Shutdown metrics if enabled
	if s.metrics != nil {
		log.Debug().Msg("Shutting down metrics")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.metrics.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown metrics properly")
		}
	}

	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close sweep store")
	}
	log.Info().Msg("PA server stopped")
}

// Run runs the PA server with signal handling for graceful shutdown
func (s *PAServer) Run() error {
	log.Debug().Msg("Running PA server")

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := s.Start(); err != nil {
		s.Stop()
		return err
	}

	// Wait for the first signal
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")

	// Create a new channel for the second signal
	forceQuitCh := make(chan os.Signal, 1)
	signal.Notify(forceQuitCh, syscall.SIGINT, syscall.SIGTERM)

	// Wait for the second signal in a separate goroutine
	go func() {
		<-forceQuitCh
		log.Warn().Msg("Received second signal, forcing immediate exit...")
		os.Exit(1)
	}()

	s.Stop()
	return nil
}
