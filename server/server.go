package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/classpie/pkg/nnload"
	"github.com/cyclopcam/classpie/server/metrics"
	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log     logs.Log
	Config  Config
	Metrics *metrics.Metrics

	model      *nnload.Handle
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
}

// NewServer creates a server that runs model for every prediction.
// The server takes ownership of model, and closes it during Shutdown.
func NewServer(log logs.Log, cfg *Config, model *nnload.Handle) (*Server, error) {
	s := &Server{
		Log:     log,
		Config:  *cfg,
		Metrics: metrics.New(),
		model:   model,
	}
	if err := s.setupHttpRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadModel loads the detection model now, instead of on the first prediction.
// Failure is not fatal. The server stays up, and predictions fail with "model unavailable".
func (s *Server) LoadModel() error {
	start := time.Now()
	model, err := s.model.Get()
	if err != nil {
		s.Log.Errorf("Failed to load detection model %v: %v", s.Config.Model, err)
		return err
	}
	s.Log.Infof("Detection model %v ready in %.1f seconds (%v classes)", s.Config.Model, time.Since(start).Seconds(), len(model.Config().Classes))
	return nil
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves, and it closed signalIn
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.httpServer.Shutdown(ctx)
		cancel()
		if err != nil {
			s.Log.Warnf("HTTP server shutdown error: %v", err)
		}
	}
	s.model.Close()
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
}
