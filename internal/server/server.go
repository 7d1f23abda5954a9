// Package server exposes conversations over HTTP: chat turns, transcripts,
// preview URLs and live event streams.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/vibeyard/internal/orchestrator"
)

// DefaultPort matches the preview hostname the dev servers are exposed on.
const DefaultPort = 8787

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Manager *orchestrator.Manager
	Port    int
	Out     io.Writer
}

// NewRouter returns the gin engine serving every route.
func NewRouter(m *orchestrator.Manager) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, m)
	return router
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Manager == nil {
		return fmt.Errorf("server: manager is required")
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(opts.Manager)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "vibeyard listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
