// Package metrics exposes worker lifecycle metrics and health over HTTP.
package metrics

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"

	"housekeeper/internal/procman"
)

const namespace = "housekeeper"

// Exporter adapts procman.Observer to Prometheus collectors.
type Exporter struct {
	spawns     *prom.CounterVec
	exits      *prom.CounterVec
	phases     *prom.CounterVec
	pending    prom.Gauge
	live       prom.Gauge
	processing prom.Gauge
}

var _ procman.Observer = (*Exporter)(nil)

// NewExporter creates and registers the collectors on reg.
func NewExporter(reg prom.Registerer) (*Exporter, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	spawns := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawns_total",
		Help:      "Workers started, by task.",
	}, []string{"task"})
	exits := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_exits_total",
		Help:      "Workers reaped, by task and result.",
	}, []string{"task", "result"})
	phases := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "shutdown_phases_total",
		Help:      "Shutdown phases entered.",
	}, []string{"phase"})
	pending := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_tasks",
		Help:      "Task ids waiting for a worker.",
	})
	live := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "live_workers",
		Help:      "Registered worker processes.",
	})
	processing := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "processing_enabled",
		Help:      "1 when this node may run tasks.",
	})

	var err error
	if spawns, err = registerCollector(reg, spawns); err != nil {
		return nil, err
	}
	if exits, err = registerCollector(reg, exits); err != nil {
		return nil, err
	}
	if phases, err = registerCollector(reg, phases); err != nil {
		return nil, err
	}
	if pending, err = registerCollector(reg, pending); err != nil {
		return nil, err
	}
	if live, err = registerCollector(reg, live); err != nil {
		return nil, err
	}
	if processing, err = registerCollector(reg, processing); err != nil {
		return nil, err
	}
	return &Exporter{
		spawns:     spawns,
		exits:      exits,
		phases:     phases,
		pending:    pending,
		live:       live,
		processing: processing,
	}, nil
}

func (e *Exporter) WorkerSpawned(taskID string) {
	if e == nil {
		return
	}
	e.spawns.WithLabelValues(taskID).Inc()
}

func (e *Exporter) WorkerExited(taskID string, err error) {
	if e == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.exits.WithLabelValues(taskID, result).Inc()
}

func (e *Exporter) ShutdownPhase(phase string) {
	if e == nil {
		return
	}
	e.phases.WithLabelValues(phase).Inc()
}

func (e *Exporter) QueueChanged(pending, live int) {
	if e == nil {
		return
	}
	e.pending.Set(float64(pending))
	e.live.Set(float64(live))
}

func (e *Exporter) SetProcessing(enabled bool) {
	if e == nil {
		return
	}
	v := 0.0
	if enabled {
		v = 1
	}
	e.processing.Set(v)
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}
	var already prom.AlreadyRegisteredError
	if errors.As(err, &already) {
		existing, ok := already.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
