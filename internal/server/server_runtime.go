package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	httpIdleTimeout       = 120 * time.Second
	httpMaxHeaderBytes    = 64 << 10
	shutdownTimeout       = 5 * time.Second
	streamDrainTimeout    = 10 * time.Second
)

// Run listens on the configured address and serves until ctx is cancelled
// or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and starts the limiter janitor. It blocks until ctx is
// cancelled or a fatal error occurs, then drains in-flight requests and
// admin event streams.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.runJanitor(ctx)

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       s.cfg.RequestTimeout,
		WriteTimeout:      s.cfg.RequestTimeout + shutdownTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    httpMaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting license server", "addr", ln.Addr().String(), "server_id", s.serverID)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.telemetry.Close()
		err := shutdownServer(httpServer, shutdownTimeout)
		if !waitGroupWait(&s.telemetry.hub.wg, streamDrainTimeout) {
			s.log.Warn("admin event streams did not drain before shutdown")
		}
		return err
	case err := <-errCh:
		s.telemetry.Close()
		_ = shutdownServer(httpServer, shutdownTimeout)
		waitGroupWait(&s.telemetry.hub.wg, streamDrainTimeout)
		return err
	}
}

// runJanitor evicts idle rate-limit identities once per window.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RateLimitWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.limiter.cleanup(); removed > 0 {
				s.log.Debug("rate limiter cleanup", "removed", removed, "tracked", s.limiter.size())
			}
		}
	}
}
