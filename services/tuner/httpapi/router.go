// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/BeringTune/services/tuner/telemetry"
)

// Config controls the HTTP surface.
type Config struct {
	// ServiceName labels spans emitted by the tracing middleware.
	ServiceName string `json:"service_name"`

	// SelectRPS is the steady-state request rate allowed on the select
	// endpoint. Selection is cheap but callers tend to put it on hot
	// paths; the limiter keeps a misconfigured client from starving
	// everything else.
	SelectRPS float64 `json:"select_rps"`

	// SelectBurst is the bucket depth for the select limiter.
	SelectBurst int `json:"select_burst"`
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ServiceName: "beringtune",
		SelectRPS:   50,
		SelectBurst: 50,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SelectRPS <= 0 {
		return fmt.Errorf("select rps must be positive, got %v", c.SelectRPS)
	}
	if c.SelectBurst <= 0 {
		return fmt.Errorf("select burst must be positive, got %d", c.SelectBurst)
	}
	return nil
}

// NewRouter builds the gin engine with all routes registered.
//
// GET  /healthz                     liveness plus rule set summary
// GET  /metrics                     prometheus scrape endpoint
// GET  /api/v1/rules                full rule set document
// GET  /api/v1/rules/:operation     rules for one operation
// POST /api/v1/select               configuration decision for a call site
func NewRouter(cfg Config, h *Handlers, logger *slog.Logger) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("httpapi config: %w", err)
	}
	if h == nil {
		return nil, fmt.Errorf("httpapi: handlers must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))

	router.GET("/healthz", h.HandleHealth)
	router.GET("/metrics", metricsHandler())

	limiter := rate.NewLimiter(rate.Limit(cfg.SelectRPS), cfg.SelectBurst)
	v1 := router.Group("/api/v1")
	RegisterRoutes(v1, h, limiter)

	logger.Info("http routes registered",
		"select_rps", cfg.SelectRPS, "select_burst", cfg.SelectBurst)
	return router, nil
}

// RegisterRoutes registers the versioned API routes.
//
// Endpoints:
//   - GET  /rules            - full rule set document
//   - GET  /rules/:operation - rules covering one operation
//   - POST /select           - configuration decision, rate limited
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers, limiter *rate.Limiter) {
	rg.GET("/rules", h.HandleRules)
	rg.GET("/rules/:operation", h.HandleRulesForOperation)
	rg.POST("/select", rateLimit(limiter), h.HandleSelect)
}

// metricsHandler serves the prometheus default registry. The telemetry
// handler is preferred when the OTel bridge is up so its collectors and
// the package-level promauto ones answer from the same endpoint.
func metricsHandler() gin.HandlerFunc {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		handler = promhttp.Handler()
	}
	return gin.WrapH(handler)
}

// rateLimit rejects requests once the bucket is drained rather than
// queueing them; a selector caller on a hot path wants the baseline
// answer now, not a delayed optimal one.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "request rate exceeded",
				Code:  "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
