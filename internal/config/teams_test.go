// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/caseops/caseload/internal/db"
	"github.com/caseops/caseload/internal/graph"

	_ "modernc.org/sqlite"
)

func newTeamsStore(t *testing.T) db.Store {
	t.Helper()
	dsn := "file:test_teams_" + t.Name() + "?mode=memory&cache=shared"
	if err := db.InitDB("sqlite", dsn); err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	return db.GetStore()
}

func writeTeamsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "teams.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write teams file: %v", err)
	}
	return path
}

const validTeamsYAML = `teams:
  - name: Core
    description: Core platform team
    projects:
      - key: LIB
        name: Shared Library
      - key: PLAT
  - name: Frontend
    projects:
      - key: WEB
project_dependencies:
  PLAT: [LIB]
  WEB: [PLAT]
`

func TestReadTeamsFile(t *testing.T) {
	tf, err := ReadTeamsFile(writeTeamsFile(t, validTeamsYAML))
	if err != nil {
		t.Fatalf("ReadTeamsFile failed: %v", err)
	}
	if len(tf.Teams) != 2 {
		t.Fatalf("expected 2 teams, got %d", len(tf.Teams))
	}
	if err := tf.Validate(); err != nil {
		t.Errorf("valid file rejected: %v", err)
	}

	edges := tf.Edges()
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %v", edges)
	}
	if edges[0].DownstreamKey != "PLAT" || edges[0].UpstreamKey != "LIB" {
		t.Errorf("unexpected edge order: %v", edges)
	}
}

func TestTeamsFileValidate_Failures(t *testing.T) {
	cases := map[string]string{
		"duplicate project": `teams:
  - name: A
    projects: [{key: X}]
  - name: B
    projects: [{key: X}]
`,
		"unknown dependency": `teams:
  - name: A
    projects: [{key: X}]
project_dependencies:
  X: [GHOST]
`,
		"self dependency": `teams:
  - name: A
    projects: [{key: X}]
project_dependencies:
  X: [X]
`,
		"empty team name": `teams:
  - name: ""
    projects: [{key: X}]
`,
	}
	for name, content := range cases {
		tf, err := ReadTeamsFile(writeTeamsFile(t, content))
		if err != nil {
			t.Fatalf("%s: parse failed: %v", name, err)
		}
		if err := tf.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestApplyTeams(t *testing.T) {
	store := newTeamsStore(t)
	tf, err := ReadTeamsFile(writeTeamsFile(t, validTeamsYAML))
	if err != nil {
		t.Fatalf("ReadTeamsFile failed: %v", err)
	}

	ctx := context.Background()
	if err := ApplyTeams(ctx, store, tf); err != nil {
		t.Fatalf("ApplyTeams failed: %v", err)
	}

	teams, err := store.ListTeams(ctx)
	if err != nil {
		t.Fatalf("ListTeams failed: %v", err)
	}
	if len(teams) != 2 {
		t.Errorf("expected 2 teams, got %+v", teams)
	}

	projects, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 3 {
		t.Fatalf("expected 3 projects, got %+v", projects)
	}
	byKey := map[string]string{}
	for _, p := range projects {
		byKey[p.Key] = p.TeamName
	}
	if byKey["WEB"] != "Frontend" || byKey["LIB"] != "Core" {
		t.Errorf("team ownership wrong: %v", byKey)
	}

	edges, err := store.ListDependencyEdges(ctx)
	if err != nil {
		t.Fatalf("ListDependencyEdges failed: %v", err)
	}
	if len(edges) != 2 {
		t.Errorf("expected 2 edges, got %v", edges)
	}

	// Re-applying the same file is idempotent.
	if err := ApplyTeams(ctx, store, tf); err != nil {
		t.Fatalf("second ApplyTeams failed: %v", err)
	}
	teams, _ = store.ListTeams(ctx)
	if len(teams) != 2 {
		t.Errorf("re-apply duplicated teams: %+v", teams)
	}
}

func TestApplyTeams_ReportsCycle(t *testing.T) {
	store := newTeamsStore(t)
	cyclic := `teams:
  - name: A
    projects: [{key: X}, {key: Y}]
project_dependencies:
  X: [Y]
  Y: [X]
`
	tf, err := ReadTeamsFile(writeTeamsFile(t, cyclic))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ctx := context.Background()
	err = ApplyTeams(ctx, store, tf)
	if !errors.Is(err, graph.ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity, got %v", err)
	}

	// The load itself still lands; the operator fixes the data afterwards.
	edges, _ := store.ListDependencyEdges(ctx)
	if len(edges) != 2 {
		t.Errorf("cyclic load should still persist edges, got %v", edges)
	}
}
