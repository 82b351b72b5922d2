// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package analytics

import (
	"context"
	"errors"
	"fmt"

	"github.com/caseops/caseload/internal/db"
	"github.com/caseops/caseload/internal/graph"
	"github.com/caseops/caseload/internal/model"
)

// ErrMissingParam is returned when a required metric parameter is absent.
var ErrMissingParam = errors.New("missing metric parameter")

// BlastRadiusMetric reports the impact picture for one CVE: affected teams,
// projects, the induced dependency subgraph and the date-skew summary.
type BlastRadiusMetric struct{}

func (m *BlastRadiusMetric) ID() string    { return "blast_radius" }
func (m *BlastRadiusMetric) Title() string { return "Blast radius" }
func (m *BlastRadiusMetric) Description() string {
	return "Teams, projects and dependency subgraph affected by one CVE"
}
func (m *BlastRadiusMetric) Category() model.MetricCategory { return model.CategoryImpact }

// Compute requires the "cve_key" param. Unknown CVEs fail with the store's
// not-found error; cyclic dependency data fails with the graph's integrity
// error.
func (m *BlastRadiusMetric) Compute(ctx context.Context, deps Deps, params Params) (model.MetricResult, error) {
	cveKey := params["cve_key"]
	if cveKey == "" {
		return model.MetricResult{}, fmt.Errorf("%w: cve_key", ErrMissingParam)
	}

	cve, err := deps.Store.GetCVE(ctx, cveKey)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.MetricResult{}, fmt.Errorf("cve %q: %w", cveKey, err)
		}
		return model.MetricResult{}, err
	}
	trackers, err := deps.Store.GetTrackersForCVE(ctx, cveKey)
	if err != nil {
		return model.MetricResult{}, err
	}
	projects, err := deps.Store.ListProjects(ctx)
	if err != nil {
		return model.MetricResult{}, err
	}
	edges, err := deps.Store.ListDependencyEdges(ctx)
	if err != nil {
		return model.MetricResult{}, err
	}

	g := graph.Build(projects, edges)
	br, err := g.BlastRadius(*cve, trackers)
	if err != nil {
		return model.MetricResult{}, err
	}

	return model.MetricResult{
		Data: br,
		Summary: map[string]any{
			"cveKey":               br.CVEKey,
			"teams":                len(br.Teams),
			"projects":             len(br.Projects),
			"trackers":             len(br.Trackers),
			"openTrackers":         br.OpenTrackers,
			"highestSeverity":      br.HighestSeverity,
			"embargoed":            br.Embargoed,
			"dueDateSkewDays":      br.DueDateSkewDays,
			"resolvedDateSkewDays": br.ResolvedDateSkewDays,
		},
	}, nil
}
