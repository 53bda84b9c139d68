package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// NewSupervisor creates a suture supervisor whose events are logged through zap.
func NewSupervisor(name string, logger *zap.Logger) *suture.Supervisor {
	logger = logger.With(zap.String("component", "supervisor"))
	return suture.New(name, suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn("Supervisor event",
				zap.String("event", e.String()),
				zap.Any("details", e.Map()))
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}

// RouterService runs a signal router under supervision.
type RouterService struct {
	router *Router
}

// NewRouterService wraps router as a suture.Service
func NewRouterService(router *Router) *RouterService {
	return &RouterService{router: router}
}

// Serve implements suture.Service. A router cannot be restarted once
// closed, so failures stop supervision of it.
func (s *RouterService) Serve(ctx context.Context) error {
	err := s.router.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%w: router: %v", suture.ErrDoNotRestart, err)
	}
	return suture.ErrDoNotRestart
}

func (s *RouterService) String() string {
	return "signal-router"
}

// HTTPService runs an http.Server under supervision.
type HTTPService struct {
	server *http.Server
	logger *zap.Logger
}

// NewHTTPService wraps server as a suture.Service
func NewHTTPService(server *http.Server, logger *zap.Logger) *HTTPService {
	return &HTTPService{server: server, logger: logger}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("address", s.server.Addr))
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return suture.ErrDoNotRestart
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server forced to shutdown", zap.Error(err))
		}
		return ctx.Err()
	}
}

func (s *HTTPService) String() string {
	return "http-server"
}
