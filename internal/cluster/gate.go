// Package cluster decides whether this node should actively run tasks.
package cluster

import (
	"strings"
	"sync"

	"housekeeper/internal/config"
)

// Inputs reports the cluster facts the gate depends on.
type Inputs interface {
	ClusterModeEnabled() bool
	IsManagementNode() bool
}

// ProcessingEnabled is the gate decision: a node runs tasks when clustering
// is off or when it is the designated management node.
func ProcessingEnabled(in Inputs) bool {
	if in == nil {
		return true
	}
	return in.IsManagementNode() || !in.ClusterModeEnabled()
}

// Gate evaluates ProcessingEnabled against live inputs and remembers the
// last result so callers can detect transitions.
type Gate struct {
	in Inputs

	mu      sync.Mutex
	enabled bool
	known   bool
}

func NewGate(in Inputs) *Gate { return &Gate{in: in} }

// Evaluate recomputes the decision. changed is false on the first call and
// whenever the result matches the previous evaluation.
func (g *Gate) Evaluate() (enabled, changed bool) {
	v := ProcessingEnabled(g.in)
	g.mu.Lock()
	defer g.mu.Unlock()
	changed = g.known && v != g.enabled
	g.enabled, g.known = v, true
	return v, changed
}

// Enabled returns the last evaluated decision (evaluating once if needed).
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	known, v := g.known, g.enabled
	g.mu.Unlock()
	if !known {
		v, _ = g.Evaluate()
	}
	return v
}

// ConfigInputs reads cluster facts from the live config on every call.
type ConfigInputs struct {
	Get func() *config.Config
}

func (c ConfigInputs) cfg() *config.Config {
	if c.Get == nil {
		return nil
	}
	return c.Get()
}

func (c ConfigInputs) ClusterModeEnabled() bool {
	cfg := c.cfg()
	return cfg != nil && cfg.Cluster.Enabled
}

func (c ConfigInputs) IsManagementNode() bool {
	cfg := c.cfg()
	if cfg == nil {
		return false
	}
	mgmt := strings.TrimSpace(cfg.Cluster.ManagementNode)
	return mgmt != "" && strings.EqualFold(mgmt, cfg.NodeName())
}
