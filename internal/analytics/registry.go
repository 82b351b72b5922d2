// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

// package analytics holds the metric registry and the shipped metrics.
// Metrics are read-only consumers of the store; registering one never
// changes sync behavior.
package analytics // import "github.com/caseops/caseload/internal/analytics"

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/caseops/caseload/internal/db"
	"github.com/caseops/caseload/internal/model"
)

// ErrUnknownMetric is returned when a metric id is not registered.
var ErrUnknownMetric = errors.New("unknown metric")

// Params are the free-form string parameters passed to a metric compute.
type Params map[string]string

// Deps bundles what a metric may read from. Now is injectable so tests can
// pin the clock.
type Deps struct {
	Store db.Store
	SLA   model.SLAPolicy
	Now   func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

// Metric is one computable analytics metric.
type Metric interface {
	ID() string
	Title() string
	Description() string
	Category() model.MetricCategory
	Compute(ctx context.Context, deps Deps, params Params) (model.MetricResult, error)
}

// Registry maps metric ids to implementations. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric. Registering the same id twice is a programming
// error and panics, matching how duplicate registrations surface at startup.
func (r *Registry) Register(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.metrics[m.ID()]; dup {
		panic(fmt.Sprintf("analytics: metric %q registered twice", m.ID()))
	}
	r.metrics[m.ID()] = m
}

// Get returns the metric for an id, or ErrUnknownMetric.
func (r *Registry) Get(id string) (Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, id)
	}
	return m, nil
}

// List returns all registered metrics sorted by id.
func (r *Registry) List() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metric, 0, len(r.metrics))
	for _, m := range r.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RegisterBuiltins wires the shipped metrics into a registry.
func RegisterBuiltins(r *Registry) {
	r.Register(&TrackerVolume{})
	r.Register(&SLACompliance{})
	r.Register(&BlastRadiusMetric{})
}

// Engine computes metrics against a registry and a fixed dependency set.
type Engine struct {
	Registry *Registry
	Deps     Deps
}

// NewEngine returns an engine with the builtin metrics registered.
func NewEngine(deps Deps) *Engine {
	r := NewRegistry()
	RegisterBuiltins(r)
	return &Engine{Registry: r, Deps: deps}
}

// ComputeMetric looks the metric up and computes it. Unknown ids fail with
// ErrUnknownMetric; metric compute errors pass through unchanged.
func (e *Engine) ComputeMetric(ctx context.Context, metricID string, params Params) (model.MetricResult, error) {
	m, err := e.Registry.Get(metricID)
	if err != nil {
		return model.MetricResult{}, err
	}
	res, err := m.Compute(ctx, e.Deps, params)
	if err != nil {
		return model.MetricResult{}, fmt.Errorf("metric %q: %w", metricID, err)
	}
	res.MetricID = m.ID()
	res.Title = m.Title()
	res.Category = m.Category()
	if res.ComputedAt.IsZero() {
		res.ComputedAt = e.Deps.now()
	}
	return res, nil
}

// parseDateParam reads a date parameter in RFC3339 or short date form.
// Missing parameters return the fallback unchanged.
func parseDateParam(params Params, key string, fallback time.Time) (time.Time, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: want RFC3339 or YYYY-MM-DD", key, v)
	}
	return t, nil
}
