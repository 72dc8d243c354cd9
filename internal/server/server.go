// Package server composes the verbs backend, the cache table, the file
// service, and the engine into one runnable daemon with an admin endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/ddsengine/internal/cache"
	"github.com/piwi3910/ddsengine/internal/config"
	"github.com/piwi3910/ddsengine/internal/engine"
	"github.com/piwi3910/ddsengine/internal/fileservice"
	"github.com/piwi3910/ddsengine/internal/verbs"
)

// Server is a fully wired engine daemon.
type Server struct {
	cfg    *config.Config
	be     verbs.Backend
	table  *cache.Table
	fs     fileservice.Service
	engine *engine.Engine
	admin  *http.Server
}

// New builds the daemon from configuration. The backend is supplied by the
// caller; cmd/ddsengine passes the simulated fabric.
func New(cfg *config.Config, be verbs.Backend) (*Server, error) {
	table, err := cache.New(cfg.CacheTablePower)
	if err != nil {
		return nil, err
	}
	if cfg.CachePreloadPath != "" {
		// Preloading is best-effort in that the file is optional, but a
		// malformed file fails startup.
		if _, err := table.Load(cfg.CachePreloadPath); err != nil {
			return nil, err
		}
	}

	fs, err := fileservice.NewLocal(fileservice.LocalConfig{
		DataDir:       cfg.DataDir,
		CapacityBytes: cfg.CapacityBytes,
	}, table)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		ListenAddr:       cfg.Endpoint(),
		DeviceName:       cfg.DeviceName,
		MaxClients:       cfg.MaxClients,
		MaxBuffs:         cfg.MaxBuffs,
		MaxOutstandingIO: cfg.MaxOutstandingIO,
		DataPlaneWeight:  cfg.DataPlaneWeight,
		BatchResponses:   cfg.BatchResponses,
		NotifyInterrupt:  cfg.NotifyInterrupt,
	}, be, fs, table)
	if err != nil {
		fs.Stop()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return &Server{
		cfg:    cfg,
		be:     be,
		table:  table,
		fs:     fs,
		engine: eng,
		admin: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Run starts the file service reactor, the agent loop, and the admin
// endpoint, and blocks until ctx is canceled or a component fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.fs.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.engine.Run(ctx)
	})

	g.Go(func() error {
		err := s.admin.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		s.engine.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.admin.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.fs.Stop()
	log.Info().Msg("server stopped")
	return err
}
