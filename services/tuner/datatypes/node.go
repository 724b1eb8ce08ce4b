// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "fmt"

// NodeStatus is the lifecycle state of a search-space node.
//
// Lifecycle: proposed -> pruned (never measured) or measured (has a
// Statistics record) -> archived. failed and unreliable are terminal
// measurement outcomes that keep the node out of rule fitting.
type NodeStatus string

const (
	NodeProposed   NodeStatus = "proposed"
	NodePruned     NodeStatus = "pruned"
	NodeMeasured   NodeStatus = "measured"
	NodeFailed     NodeStatus = "failed"
	NodeUnreliable NodeStatus = "unreliable"
	NodeArchived   NodeStatus = "archived"
)

// DAGNode is one (operation, backend configuration, scale) cell of the
// search space: the unit of measurement.
//
// Node identity is deterministic. Two processes planning the same run build
// byte-identical node IDs, which is what makes checkpoint resume and pruning
// audits reproducible across restarts.
type DAGNode struct {
	Operation string        `json:"operation"`
	Config    BackendConfig `json:"config"`
	Scale     Scale         `json:"scale"`
}

// NewNode builds a node with the config normalized, so IDs are stable no
// matter how the config was constructed.
func NewNode(operation string, config BackendConfig, scale Scale) DAGNode {
	return DAGNode{
		Operation: operation,
		Config:    config.Normalize(),
		Scale:     scale,
	}
}

// ID returns the deterministic node identifier:
// "<operation>/<config name>/<scale name>".
func (n DAGNode) ID() string {
	return fmt.Sprintf("%s/%s/%s", n.Operation, n.Config.Name(), n.Scale.Name)
}

// BaselineSibling returns the baseline node at the same (operation, scale).
// Speedups for this node are computed against that sibling's measurement.
func (n DAGNode) BaselineSibling() DAGNode {
	return NewNode(n.Operation, Baseline(), n.Scale)
}

// IsBaseline reports whether this node runs the baseline config.
func (n DAGNode) IsBaseline() bool {
	return n.Config.IsBaseline()
}

func (n DAGNode) String() string {
	return n.ID()
}
