// Package api serves segment queries over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"segmentcore/pkg/imageset"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// NewRouter builds the gin engine serving manager
func NewRouter(manager *imageset.Manager, log zerolog.Logger) *gin.Engine {
	h := NewHandler(manager, log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sets := r.Group("/imagesets")
	{
		sets.GET("", h.List)
		sets.POST("/clean", h.ForceClean)
		sets.PUT("/max-resident", h.SetMaxResident)
		sets.POST("/:id/activate", h.Activate)
		sets.GET("/:id/features", h.Features)
		sets.GET("/:id/segments", h.SegmentsInRange)
		sets.GET("/:id/segments/:segment/outline", h.Outline)
		sets.GET("/:id/segments/:segment/centroid", h.Centroid)
		sets.GET("/:id/outlines", h.Outlines)
		sets.POST("/:id/selection", h.Selection)
		sets.GET("/:id/nearest", h.Nearest)
		sets.GET("/:id/intensity", h.Intensity)
		sets.GET("/:id/pixel", h.Pixel)
		sets.GET("/:id/markers/:marker/minmax", h.MinMax)
	}
	return r
}

// Server runs the router on an http.Server so that it can be shut down
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// NewServer creates a server listening on addr. mode is the gin mode.
func NewServer(addr, mode string, manager *imageset.Manager, log zerolog.Logger) *Server {
	if mode != "" {
		gin.SetMode(mode)
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(manager, log),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Run serves until Shutdown is called
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("server starting")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
