// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/caseops/caseload/internal/model"
)

func edge(up, down string) model.DependencyEdge {
	return model.DependencyEdge{UpstreamKey: up, DownstreamKey: down}
}

func projects(keys ...string) []model.Project {
	out := make([]model.Project, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.Project{Key: k, Name: k})
	}
	return out
}

func TestDetectCycles_Acyclic(t *testing.T) {
	g := Build(projects("A", "B", "C"), []model.DependencyEdge{
		edge("A", "B"), edge("B", "C"), edge("A", "C"),
	})
	if cycles := g.DetectCycles(); len(cycles) != 0 {
		t.Errorf("expected no cycles, got %v", cycles)
	}
	if err := g.CheckIntegrity(); err != nil {
		t.Errorf("acyclic graph should pass integrity check: %v", err)
	}
}

func TestDetectCycles_FindsCycle(t *testing.T) {
	g := Build(projects("A", "B", "C"), []model.DependencyEdge{
		edge("A", "B"), edge("B", "C"), edge("C", "A"),
	})
	cycles := g.DetectCycles()
	if len(cycles) == 0 {
		t.Fatalf("expected a cycle")
	}
	err := g.CheckIntegrity()
	if !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity, got %v", err)
	}
	var die *DataIntegrityError
	if !errors.As(err, &die) {
		t.Fatalf("expected *DataIntegrityError, got %T", err)
	}
	if len(die.Cycles) == 0 {
		t.Errorf("error should carry the cycles")
	}
}

func TestBlockers_DeliveryOrder(t *testing.T) {
	// WEB is blocked on PLAT, PLAT is blocked on LIB. LIB must deliver
	// first, then PLAT.
	g := Build(projects("LIB", "PLAT", "WEB"), []model.DependencyEdge{
		edge("LIB", "PLAT"), edge("PLAT", "WEB"),
	})
	blockers, err := g.Blockers("WEB")
	if err != nil {
		t.Fatalf("Blockers failed: %v", err)
	}
	if len(blockers) != 2 || blockers[0] != "LIB" || blockers[1] != "PLAT" {
		t.Errorf("expected [LIB PLAT], got %v", blockers)
	}

	blockers, err = g.Blockers("LIB")
	if err != nil {
		t.Fatalf("Blockers for root failed: %v", err)
	}
	if len(blockers) != 0 {
		t.Errorf("root project should have no blockers, got %v", blockers)
	}
}

func TestBlockers_Diamond(t *testing.T) {
	// D depends on B and C, both depend on A. A must come before B and C.
	g := Build(projects("A", "B", "C", "D"), []model.DependencyEdge{
		edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D"),
	})
	blockers, err := g.Blockers("D")
	if err != nil {
		t.Fatalf("Blockers failed: %v", err)
	}
	if len(blockers) != 3 {
		t.Fatalf("expected 3 blockers, got %v", blockers)
	}
	pos := map[string]int{}
	for i, k := range blockers {
		pos[k] = i
	}
	if pos["A"] > pos["B"] || pos["A"] > pos["C"] {
		t.Errorf("A must deliver before B and C: %v", blockers)
	}
}

func TestBlockers_UnknownProject(t *testing.T) {
	g := Build(projects("A"), nil)
	if _, err := g.Blockers("NOPE"); err == nil {
		t.Errorf("expected error for unknown project")
	}
}

func TestBlockers_CycleRefused(t *testing.T) {
	g := Build(projects("A", "B"), []model.DependencyEdge{
		edge("A", "B"), edge("B", "A"),
	})
	if _, err := g.Blockers("A"); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity, got %v", err)
	}
}

func TestBlastRadius(t *testing.T) {
	ps := []model.Project{
		{Key: "LIB", Name: "Library", TeamName: "Core"},
		{Key: "PLAT", Name: "Platform", TeamName: "Core"},
		{Key: "WEB", Name: "Web", TeamName: "Frontend"},
		{Key: "MOBILE", Name: "Mobile", TeamName: "Frontend"},
	}
	g := Build(ps, []model.DependencyEdge{
		edge("LIB", "PLAT"), edge("PLAT", "WEB"), edge("LIB", "MOBILE"),
	})

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cve := model.CVE{CVEKey: "CVE-2024-7777", Embargoed: true}
	trackers := []model.Tracker{
		{ExternalKey: "LIB-1", ProjectKey: "LIB", Severity: "important", Status: "In Progress",
			DueDate: base, ResolvedDate: time.Time{}},
		{ExternalKey: "PLAT-1", ProjectKey: "PLAT", Severity: "critical", Status: "Done",
			DueDate: base.AddDate(0, 0, 10), ResolvedDate: base.AddDate(0, 0, 5)},
		{ExternalKey: "WEB-1", ProjectKey: "WEB", Severity: "moderate", Status: "New",
			ResolvedDate: base.AddDate(0, 0, 12)},
	}

	br, err := g.BlastRadius(cve, trackers)
	if err != nil {
		t.Fatalf("BlastRadius failed: %v", err)
	}
	if br.CVEKey != "CVE-2024-7777" || !br.Embargoed {
		t.Errorf("cve fields not carried: %+v", br)
	}
	if len(br.Projects) != 3 {
		t.Errorf("expected 3 affected projects, got %v", br.Projects)
	}
	if len(br.Teams) != 2 {
		t.Errorf("expected 2 affected teams, got %v", br.Teams)
	}
	if br.HighestSeverity != "critical" {
		t.Errorf("expected critical, got %q", br.HighestSeverity)
	}
	if br.OpenTrackers != 2 {
		t.Errorf("expected 2 open trackers, got %d", br.OpenTrackers)
	}
	// MOBILE is not affected; only edges between affected projects remain.
	if len(br.Edges) != 2 {
		t.Errorf("expected induced subgraph with 2 edges, got %v", br.Edges)
	}
	if br.DueDateSkewDays != 10 {
		t.Errorf("expected due date skew of 10 days, got %d", br.DueDateSkewDays)
	}
	if br.ResolvedDateSkewDays != 7 {
		t.Errorf("expected resolved date skew of 7 days, got %d", br.ResolvedDateSkewDays)
	}
	if len(br.ProjectImpacts) != 3 {
		t.Errorf("expected one impact per tracker, got %v", br.ProjectImpacts)
	}
}

func TestBlastRadius_RefusesOnCycle(t *testing.T) {
	g := Build(projects("A", "B"), []model.DependencyEdge{
		edge("A", "B"), edge("B", "A"),
	})
	_, err := g.BlastRadius(model.CVE{CVEKey: "CVE-2024-1"}, nil)
	if !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity, got %v", err)
	}
}

func TestBuild_EdgeOnlyNodes(t *testing.T) {
	g := Build(nil, []model.DependencyEdge{edge("A", "B")})
	if len(g.Projects()) != 2 {
		t.Errorf("edge endpoints should become nodes, got %v", g.Projects())
	}
	if got := g.Upstreams("B"); len(got) != 1 || got[0] != "A" {
		t.Errorf("expected upstream A for B, got %v", got)
	}
	if got := g.Downstreams("A"); len(got) != 1 || got[0] != "B" {
		t.Errorf("expected downstream B for A, got %v", got)
	}
}
