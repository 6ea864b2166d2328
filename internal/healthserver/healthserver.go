// Package healthserver exposes the worker's liveness and Prometheus surface
// over a minimal gin engine, grounded on the teacher's internal/httpapi
// router construction (gin.New + gin.Logger) pared down to the two routes
// this worker needs instead of the teacher's full REST API.
package healthserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prober reports whether the dispatcher currently holds a live broker
// session.
type Prober interface {
	Ready() bool
}

// New builds the gin engine serving /healthz and /metrics.
func New(prober Prober) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())

	r.GET("/healthz", func(c *gin.Context) {
		if prober.Ready() {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "reconnecting"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Run starts the health server and blocks until ctx is cancelled, then
// shuts it down gracefully.
func Run(ctx context.Context, addr string, prober Prober) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: New(prober),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
