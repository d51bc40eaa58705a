package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/evaloor/pkg/cache"
	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/ethpandaops/evaloor/pkg/metastore"
	"github.com/ethpandaops/evaloor/pkg/objstore"
	"github.com/ethpandaops/evaloor/pkg/runs"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	preflightTimeout  = 30 * time.Second
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	cache      cache.Cache
	meta       metastore.Store
	objects    objstore.Store
	runs       runs.Service
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start wires the cache, stores and run service, then starts the HTTP
// server.
func (s *server) Start(ctx context.Context) error {
	c, err := cache.New(s.log, &s.cfg.Cache)
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}

	s.cache = c

	s.meta = metastore.NewStore(s.log, &s.cfg.Database)
	if err := s.meta.Start(ctx); err != nil {
		return fmt.Errorf("starting metadata store: %w", err)
	}

	s.objects, err = objstore.New(s.log, &s.cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating object store: %w", err)
	}

	preflightCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	if err := s.objects.Preflight(preflightCtx); err != nil {
		return fmt.Errorf("object store preflight: %w", err)
	}

	ttl, err := s.cfg.Cache.ParseTTL()
	if err != nil {
		return err
	}

	s.runs = runs.NewService(s.log, s.cache, s.meta, s.objects, ttl)

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.log.WithField("listen", s.cfg.Server.Listen).Info("API server started")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.httpServer.Serve(listener); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server failed")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the backends.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
	}

	s.wg.Wait()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close cache")
		}
	}

	if s.meta != nil {
		if err := s.meta.Stop(); err != nil {
			return fmt.Errorf("stopping metadata store: %w", err)
		}
	}

	return nil
}
