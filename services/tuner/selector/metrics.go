// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package selector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Runtime Selection
// =============================================================================

var (
	// selectionsTotal counts decisions served.
	// Labels: operation, confidence (validated, interpolated, none)
	selectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beringtune",
		Subsystem: "selector",
		Name:      "selections_total",
		Help:      "Total selection decisions by confidence tier",
	}, []string{"operation", "confidence"})

	// reloadsTotal counts rule-set reload attempts.
	// Labels: status (ok, error)
	reloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beringtune",
		Subsystem: "selector",
		Name:      "reloads_total",
		Help:      "Total rule set reload attempts by outcome",
	}, []string{"status"})

	// rulesLoaded tracks the size of the currently served rule set.
	rulesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "beringtune",
		Subsystem: "selector",
		Name:      "rules_loaded",
		Help:      "Rules in the currently served set",
	})

	// crossProfileQueries counts queries from hardware the rule set was not
	// derived on.
	crossProfileQueries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beringtune",
		Subsystem: "selector",
		Name:      "cross_profile_queries_total",
		Help:      "Queries whose hardware profile differs from the rule set's",
	})
)
