// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

// package graph provides the derived dependency view over project
// dependency edges: cycle detection, fix-ordering and per-CVE blast radius.
// A Graph is built fresh from stored edge rows at the start of each
// operation; it is never the system of record and holds no state across
// syncs.
package graph // import "github.com/caseops/caseload/internal/graph"

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caseops/caseload/internal/model"
)

// ErrDataIntegrity marks dependency data that violates the DAG invariant.
// Use errors.Is to test for it; the concrete *DataIntegrityError carries the
// offending cycles.
var ErrDataIntegrity = errors.New("dependency data integrity error")

// DataIntegrityError reports dependency cycles found in the edge set. The
// operator has to fix the configuration; the graph never auto-corrects.
type DataIntegrityError struct {
	Cycles [][]string
}

// Error lists each cycle as a key path.
func (e *DataIntegrityError) Error() string {
	paths := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		paths = append(paths, strings.Join(c, " -> "))
	}
	return fmt.Sprintf("dependency cycle(s) detected: %s", strings.Join(paths, "; "))
}

// Is makes errors.Is(err, ErrDataIntegrity) match.
func (e *DataIntegrityError) Is(target error) bool { return target == ErrDataIntegrity }

// Graph is an in-memory adjacency view over project dependency edges.
type Graph struct {
	projects map[string]model.Project
	// upstreams[k] lists the projects k is blocked on.
	upstreams map[string][]string
	// downstreams[k] lists the projects blocked on k.
	downstreams map[string][]string
	edges       []model.DependencyEdge
}

// Build constructs a Graph from project and edge rows. Projects referenced
// by edges but missing from the project list still become nodes; metrics
// over partially configured data should not panic.
func Build(projects []model.Project, edges []model.DependencyEdge) *Graph {
	g := &Graph{
		projects:    make(map[string]model.Project, len(projects)),
		upstreams:   make(map[string][]string),
		downstreams: make(map[string][]string),
		edges:       append([]model.DependencyEdge(nil), edges...),
	}
	for _, p := range projects {
		g.projects[p.Key] = p
	}
	for _, e := range edges {
		if e.UpstreamKey == e.DownstreamKey {
			// Self-edges are rejected at write time; ignore defensively here.
			continue
		}
		g.upstreams[e.DownstreamKey] = append(g.upstreams[e.DownstreamKey], e.UpstreamKey)
		g.downstreams[e.UpstreamKey] = append(g.downstreams[e.UpstreamKey], e.DownstreamKey)
		if _, ok := g.projects[e.UpstreamKey]; !ok {
			g.projects[e.UpstreamKey] = model.Project{Key: e.UpstreamKey, Name: e.UpstreamKey}
		}
		if _, ok := g.projects[e.DownstreamKey]; !ok {
			g.projects[e.DownstreamKey] = model.Project{Key: e.DownstreamKey, Name: e.DownstreamKey}
		}
	}
	for k := range g.upstreams {
		sort.Strings(g.upstreams[k])
	}
	for k := range g.downstreams {
		sort.Strings(g.downstreams[k])
	}
	return g
}

// Projects returns the node set, sorted by key.
func (g *Graph) Projects() []model.Project {
	out := make([]model.Project, 0, len(g.projects))
	for _, p := range g.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Edges returns a copy of the edge set.
func (g *Graph) Edges() []model.DependencyEdge {
	return append([]model.DependencyEdge(nil), g.edges...)
}

// Upstreams returns the projects the given project is blocked on (direct
// edges only).
func (g *Graph) Upstreams(key string) []string {
	return append([]string(nil), g.upstreams[key]...)
}

// Downstreams returns the projects directly blocked on the given project.
func (g *Graph) Downstreams(key string) []string {
	return append([]string(nil), g.downstreams[key]...)
}

// dfs colors for cycle detection.
const (
	white = 0 // unvisited
	gray  = 1 // on the current path
	black = 2 // finished
)

// DetectCycles returns every dependency cycle reachable in the edge set,
// each as a key path beginning and ending with the same project. An empty
// result means the edges form a DAG.
func (g *Graph) DetectCycles() [][]string {
	color := make(map[string]int, len(g.projects))
	var cycles [][]string
	var stack []string

	keys := make([]string, 0, len(g.projects))
	for k := range g.projects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var visit func(k string)
	visit = func(k string) {
		color[k] = gray
		stack = append(stack, k)
		for _, up := range g.upstreams[k] {
			switch color[up] {
			case white:
				visit(up)
			case gray:
				// Found a back edge; slice the cycle out of the stack.
				start := len(stack) - 1
				for start >= 0 && stack[start] != up {
					start--
				}
				cycle := append([]string(nil), stack[start:]...)
				cycle = append(cycle, up)
				cycles = append(cycles, cycle)
			}
		}
		stack = stack[:len(stack)-1]
		color[k] = black
	}

	for _, k := range keys {
		if color[k] == white {
			visit(k)
		}
	}
	return cycles
}

// CheckIntegrity returns a DataIntegrityError when the edge set contains a
// cycle, nil otherwise.
func (g *Graph) CheckIntegrity() error {
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		return &DataIntegrityError{Cycles: cycles}
	}
	return nil
}

// Blockers returns every project that must deliver before the given one, in
// delivery order: each listed project appears after all of its own
// blockers. Fails with DataIntegrityError when a cycle is reachable from
// the project.
func (g *Graph) Blockers(projectKey string) ([]string, error) {
	if _, ok := g.projects[projectKey]; !ok {
		return nil, fmt.Errorf("unknown project %q", projectKey)
	}

	color := make(map[string]int)
	var order []string
	var stack []string
	var cycleErr *DataIntegrityError

	var visit func(k string)
	visit = func(k string) {
		if cycleErr != nil {
			return
		}
		color[k] = gray
		stack = append(stack, k)
		for _, up := range g.upstreams[k] {
			switch color[up] {
			case white:
				visit(up)
			case gray:
				start := len(stack) - 1
				for start >= 0 && stack[start] != up {
					start--
				}
				cycle := append([]string(nil), stack[start:]...)
				cycle = append(cycle, up)
				cycleErr = &DataIntegrityError{Cycles: [][]string{cycle}}
				return
			}
		}
		stack = stack[:len(stack)-1]
		color[k] = black
		order = append(order, k)
	}

	visit(projectKey)
	if cycleErr != nil {
		return nil, cycleErr
	}
	// The start project itself is not one of its own blockers.
	if n := len(order); n > 0 && order[n-1] == projectKey {
		order = order[:n-1]
	}
	return order, nil
}

// BlastRadius computes the impact picture for one CVE: affected teams and
// projects derived from its trackers, the dependency subgraph induced on
// those projects, per-project tracker annotations and the date-skew
// summary. Refuses with DataIntegrityError while the edge set holds a
// cycle, since the induced ordering would be meaningless.
func (g *Graph) BlastRadius(cve model.CVE, trackers []model.Tracker) (model.BlastRadius, error) {
	if err := g.CheckIntegrity(); err != nil {
		return model.BlastRadius{}, err
	}

	br := model.BlastRadius{
		CVEKey:          cve.CVEKey,
		Trackers:        trackers,
		Embargoed:       cve.Embargoed,
		HighestSeverity: model.HighestSeverity(trackers),
	}

	projectSet := map[string]struct{}{}
	teamSet := map[string]struct{}{}
	for _, t := range trackers {
		if t.IsOpen() {
			br.OpenTrackers++
		}
		if t.ProjectKey == "" {
			continue
		}
		projectSet[t.ProjectKey] = struct{}{}
		if p, ok := g.projects[t.ProjectKey]; ok && p.TeamName != "" {
			teamSet[p.TeamName] = struct{}{}
		}
		impact := model.ProjectImpact{
			ProjectKey:   t.ProjectKey,
			TrackerKey:   t.ExternalKey,
			Status:       t.Status,
			Severity:     t.Severity,
			CreatedDate:  t.CreatedDate,
			DueDate:      t.DueDate,
			ResolvedDate: t.ResolvedDate,
		}
		if p, ok := g.projects[t.ProjectKey]; ok {
			impact.TeamName = p.TeamName
		}
		br.ProjectImpacts = append(br.ProjectImpacts, impact)
	}

	for k := range projectSet {
		br.Projects = append(br.Projects, k)
	}
	sort.Strings(br.Projects)
	for t := range teamSet {
		br.Teams = append(br.Teams, t)
	}
	sort.Strings(br.Teams)

	// Induced subgraph: both endpoints must be affected projects.
	for _, e := range g.edges {
		if _, up := projectSet[e.UpstreamKey]; !up {
			continue
		}
		if _, down := projectSet[e.DownstreamKey]; !down {
			continue
		}
		br.Edges = append(br.Edges, e)
	}

	br.DueDateSkewDays = dateSkewDays(trackers, func(t model.Tracker) time.Time { return t.DueDate })
	br.ResolvedDateSkewDays = dateSkewDays(trackers, func(t model.Tracker) time.Time { return t.ResolvedDate })
	return br, nil
}

// dateSkewDays returns max-min in whole days over the non-zero dates
// selected from the trackers, 0 when fewer than two are set.
func dateSkewDays(trackers []model.Tracker, pick func(model.Tracker) time.Time) int {
	var min, max time.Time
	n := 0
	for _, t := range trackers {
		d := pick(t)
		if d.IsZero() {
			continue
		}
		if n == 0 || d.Before(min) {
			min = d
		}
		if n == 0 || d.After(max) {
			max = d
		}
		n++
	}
	if n < 2 {
		return 0
	}
	return int(max.Sub(min).Hours() / 24)
}
