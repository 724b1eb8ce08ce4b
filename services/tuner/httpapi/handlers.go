// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpapi serves the derived rule set and the Runtime Selector
// over HTTP for callers that cannot embed the library.
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/BeringTune/services/tuner/datatypes"
	"github.com/AleutianAI/BeringTune/services/tuner/selector"
	"github.com/AleutianAI/BeringTune/services/tuner/telemetry"
)

// =============================================================================
// Request / Response Types
// =============================================================================

// SelectRequest asks for the best configuration for one call site.
type SelectRequest struct {
	// Operation is the registry identifier.
	Operation string `json:"operation" binding:"required"`

	// Sequences is the observed input size.
	Sequences int `json:"sequences" binding:"required,gt=0"`

	// Profile optionally describes the querying machine. Omitted means
	// the caller is trusted and hardware checks are skipped.
	Profile *datatypes.HardwareProfile `json:"profile,omitempty"`
}

// OperationRulesResponse lists the rules covering one operation.
type OperationRulesResponse struct {
	Operation string                       `json:"operation"`
	Rules     []datatypes.OptimizationRule `json:"rules"`
}

// ErrorResponse is the error body for every non-2xx answer.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`

	// Details provides additional error context.
	Details string `json:"details,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

// Handlers contains the HTTP handlers for the selector surface.
//
// Thread Safety: safe for concurrent use; the selector serializes rule
// set access internally.
type Handlers struct {
	sel    *selector.Selector
	logger *slog.Logger
}

// NewHandlers creates handlers over a selector.
func NewHandlers(sel *selector.Selector, logger *slog.Logger) (*Handlers, error) {
	if sel == nil {
		return nil, errors.New("httpapi: selector must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{sel: sel, logger: logger}, nil
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	rs := h.sel.RuleSet()
	resp := gin.H{
		"status":       "ok",
		"rules_loaded": rs != nil,
	}
	if rs != nil {
		resp["run_id"] = rs.RunID
		resp["rules"] = len(rs.Rules)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleRules handles GET /api/v1/rules. The response is the full rule
// set document, byte-compatible with the file the deriver writes.
func (h *Handlers) HandleRules(c *gin.Context) {
	rs := h.sel.RuleSet()
	if rs == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no rule set loaded",
			Code:  "NO_RULES",
		})
		return
	}
	c.JSON(http.StatusOK, rs)
}

// HandleRulesForOperation handles GET /api/v1/rules/:operation.
func (h *Handlers) HandleRulesForOperation(c *gin.Context) {
	rs := h.sel.RuleSet()
	if rs == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no rule set loaded",
			Code:  "NO_RULES",
		})
		return
	}

	op := c.Param("operation")
	var matched []datatypes.OptimizationRule
	for _, r := range rs.Rules {
		if r.Operation == op {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("no rules for operation %q", op),
			Code:  "OPERATION_NOT_FOUND",
		})
		return
	}

	c.JSON(http.StatusOK, OperationRulesResponse{Operation: op, Rules: matched})
}

// HandleSelect handles POST /api/v1/select.
//
// Response:
//
//	200 OK: selector.Decision. Unknown operations still answer 200 with
//	the baseline config and confidence "none"; refusing to guess is a
//	decision, not an error.
//	400 Bad Request: malformed body or missing fields.
func (h *Handlers) HandleSelect(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := telemetry.LoggerWithTrace(c.Request.Context(), h.logger).
		With("request_id", requestID, "handler", "HandleSelect")

	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return
	}

	var profile datatypes.HardwareProfile
	if req.Profile != nil {
		profile = *req.Profile
	}

	decision := h.sel.Select(req.Operation, req.Sequences, profile)
	logger.Info("selection served",
		"operation", decision.Operation,
		"scale", decision.Scale.Name,
		"config", decision.Config.Name(),
		"confidence", decision.Confidence)

	c.JSON(http.StatusOK, decision)
}

// getOrCreateRequestID honors an incoming X-Request-ID or mints one, and
// echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	return id
}
