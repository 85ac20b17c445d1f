// Package server wires the whole system together: registry, engine,
// cache, stream manager, publisher, and the management API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/huangchao99/infer-server/pkg/nn"
	"github.com/huangchao99/infer-server/server/api"
	"github.com/huangchao99/infer-server/server/cache"
	"github.com/huangchao99/infer-server/server/config"
	"github.com/huangchao99/infer-server/server/infer"
	"github.com/huangchao99/infer-server/server/npu"
	"github.com/huangchao99/infer-server/server/npu/rknn"
	"github.com/huangchao99/infer-server/server/output"
	"github.com/huangchao99/infer-server/server/stream"
)

type Server struct {
	Log      logs.Log
	Config   config.Config
	Registry npu.Registry
	Engine   *infer.Engine
	Cache    *cache.ImageCache
	Manager  *stream.Manager
	API      *api.API

	// ShutdownComplete is closed once everything has drained
	ShutdownComplete chan bool

	httpServer *http.Server
	shutdown   chan bool
}

// NewServer builds the system but does not restore streams or listen yet.
func NewServer(logger logs.Log, cfg config.Config) (*Server, error) {
	s := &Server{
		Log:              logger,
		Config:           cfg,
		ShutdownComplete: make(chan bool),
		shutdown:         make(chan bool),
	}

	s.Cache = cache.NewImageCache(logger, time.Duration(cfg.CacheDurationSec)*time.Second, cfg.CacheMaxMemoryMB)
	s.Registry = rknn.NewRegistry(logger)

	var publisher infer.Publisher
	if cfg.ZMQEndpoint != "" {
		publisher = output.NewPublisher(logger, cfg.ZMQEndpoint)
	}
	s.Engine = infer.NewEngine(logger, &s.Config, s.Registry, publisher)
	s.Manager = stream.NewManager(logger, &s.Config, s.Engine, s.Cache)
	s.API = api.NewAPI(logger, &s.Config, s.Manager, s.Engine, s.Cache)

	// Every completed result advances the stream counters, and feeds the
	// websocket clients when any are connected.
	s.Engine.SetResultCallback(func(result *nn.FrameResult) {
		s.Manager.OnInferResult(result)
		if s.API.HasWSClients() {
			if msg, err := json.Marshal(result); err == nil {
				s.API.BroadcastResult(msg)
			}
		}
	})

	if err := s.Engine.Init(); err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	return s, nil
}

// RestoreStreams loads the persisted stream list and starts every stream.
func (s *Server) RestoreStreams() {
	if s.Config.StreamsSavePath == "" {
		return
	}
	streams, err := config.LoadStreams(s.Config.StreamsSavePath)
	if err != nil {
		s.Log.Errorf("Failed to load persisted streams: %v", err)
		return
	}
	if len(streams) > 0 {
		s.Manager.LoadAndStart(streams)
	}
}

// ListenHTTP serves the management API until Shutdown.
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.API.Router(),
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenForKillSignals installs a SIGINT/SIGTERM handler that triggers a
// graceful shutdown.
func (s *Server) ListenForKillSignals() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		caught := <-sig
		s.Log.Infof("Received signal %v, shutting down", caught)
		s.Shutdown()
	}()
}

// Shutdown stops the pipelines, then the engine (queue, workers,
// publisher, models), then the HTTP listener, in that order.
func (s *Server) Shutdown() {
	select {
	case <-s.shutdown:
		return
	default:
		close(s.shutdown)
	}

	s.Manager.Shutdown()
	s.Engine.Shutdown()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}

	s.Log.Infof("Shutdown complete")
	close(s.ShutdownComplete)
}
