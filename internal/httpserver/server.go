// Package httpserver runs an http.Handler until its context is cancelled.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/nkiryanov/campusportal/internal/logger"
)

const defaultShutdownTimeout = 5 * time.Second

type Server struct {
	ListenAddr string
	Handler    http.Handler
	Logger     logger.Logger

	// How long in-flight requests may take after cancellation. 5s if zero
	ShutdownTimeout time.Duration

	// Called once the listener is bound, with its actual address
	OnListen func(addr net.Addr)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
// Returns nil on graceful stop.
func (s *Server) Run(ctx context.Context) error {
	l := s.Logger
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	timeout := s.ShutdownTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return err
	}
	if s.OnListen != nil {
		s.OnListen(ln.Addr())
	}

	httpServer := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			l.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		l.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Serve until context is cancelled; then close gracefully connections
	l.Info("Starting server", "address", ln.Addr().String())
	err = httpServer.Serve(ln)
	srvCtxCancel()
	<-idleConnsClosed

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
