// Package health serves liveness/readiness probes and a status page
// with the current metrics window.
package health

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/duetchat/duet/internal/cache"
	"github.com/duetchat/duet/internal/metrics"
)

type Server struct {
	ready atomic.Bool
	srv   *http.Server
}

// New builds the HTTP server. Readiness starts false; flip it with
// SetReady once the transport is polling.
func New(addr string, rdb *cache.RedisCache, reg *metrics.Registry) *Server {
	s := &Server{}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	router.GET("/readyz", func(c *gin.Context) {
		if !s.ready.Load() {
			c.String(http.StatusServiceUnavailable, "starting")
			return
		}
		if err := rdb.Ping(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, "redis unavailable")
			return
		}
		c.String(http.StatusOK, "ready")
	})

	router.GET("/statusz", func(c *gin.Context) {
		c.JSON(http.StatusOK, reg.Snapshot())
	})

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) SetReady(v bool) { s.ready.Store(v) }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
