// Package serve hosts a content root (manifest plus files) over plain
// HTTP for LAN or staging distribution.
package serve

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/schaermu/archivesyncd/internal/config"
)

// Server implements the publisher-side file server
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewServer creates a new file server for the configured content root
func NewServer(cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Handler returns the HTTP handler serving the content root. Hidden
// files and directories (names starting with ".", including the local
// sync state file) are never exposed.
func (s *Server) Handler() http.Handler {
	files := http.FileServer(http.Dir(s.cfg.Paths.ArchiveRoot))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if hasHiddenSegment(r.URL.Path) {
			http.NotFound(w, r)
			return
		}

		files.ServeHTTP(w, r)
		s.logger.Debug("served request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start))
	})
}

// Start runs the server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("file server starting",
			"addr", s.cfg.Serve.ListenAddr,
			"root", s.cfg.Paths.ArchiveRoot)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down file server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// hasHiddenSegment reports whether any path segment starts with "."
func hasHiddenSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
