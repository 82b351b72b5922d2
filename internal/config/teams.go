// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/caseops/caseload/internal/db"
	"github.com/caseops/caseload/internal/graph"
	"github.com/caseops/caseload/internal/logging"
	"github.com/caseops/caseload/internal/model"
)

// TeamsFile is the on-disk shape of teams.yaml: the team and project
// topology plus the dependency edges between projects.
type TeamsFile struct {
	Teams []TeamEntry `yaml:"teams"`
	// ProjectDependencies maps a downstream project to the upstream
	// projects it is blocked on.
	ProjectDependencies map[string][]string `yaml:"project_dependencies"`
}

// TeamEntry is one team with the projects it owns.
type TeamEntry struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Projects    []ProjectEntry `yaml:"projects"`
}

// ProjectEntry is one project under a team. Name defaults to the key.
type ProjectEntry struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

// ReadTeamsFile parses a teams.yaml file.
func ReadTeamsFile(path string) (*TeamsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read teams file: %w", err)
	}
	var tf TeamsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse teams file %s: %w", path, err)
	}
	return &tf, nil
}

// Validate checks the topology for empty names, duplicate project keys and
// edges referencing projects no team owns.
func (tf *TeamsFile) Validate() error {
	seen := map[string]string{}
	for _, team := range tf.Teams {
		if strings.TrimSpace(team.Name) == "" {
			return fmt.Errorf("team with empty name")
		}
		for _, p := range team.Projects {
			key := strings.TrimSpace(p.Key)
			if key == "" {
				return fmt.Errorf("team %q has a project with empty key", team.Name)
			}
			if owner, dup := seen[key]; dup {
				return fmt.Errorf("project %q listed under both %q and %q", key, owner, team.Name)
			}
			seen[key] = team.Name
		}
	}
	for down, ups := range tf.ProjectDependencies {
		if _, ok := seen[down]; !ok {
			return fmt.Errorf("dependency references unknown project %q", down)
		}
		for _, up := range ups {
			if _, ok := seen[up]; !ok {
				return fmt.Errorf("dependency of %q references unknown project %q", down, up)
			}
			if up == down {
				return fmt.Errorf("project %q depends on itself", down)
			}
		}
	}
	return nil
}

// Edges flattens the dependency map into edge rows, sorted for stable
// writes.
func (tf *TeamsFile) Edges() []model.DependencyEdge {
	var edges []model.DependencyEdge
	for down, ups := range tf.ProjectDependencies {
		for _, up := range ups {
			edges = append(edges, model.DependencyEdge{UpstreamKey: up, DownstreamKey: down})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].DownstreamKey != edges[j].DownstreamKey {
			return edges[i].DownstreamKey < edges[j].DownstreamKey
		}
		return edges[i].UpstreamKey < edges[j].UpstreamKey
	})
	return edges
}

// ApplyTeams loads a validated teams file into the store: teams and
// projects are upserted, then the dependency edge set is replaced
// wholesale. A dependency cycle in the loaded data is reported as an error
// after the load; the data stays in place so the operator can inspect and
// fix it.
func ApplyTeams(ctx context.Context, store db.Store, tf *TeamsFile) error {
	if err := tf.Validate(); err != nil {
		return err
	}

	for _, team := range tf.Teams {
		teamID, err := store.UpsertTeam(ctx, team.Name, team.Description)
		if err != nil {
			return fmt.Errorf("upsert team %q: %w", team.Name, err)
		}
		for _, p := range team.Projects {
			name := p.Name
			if name == "" {
				name = p.Key
			}
			if _, err := store.UpsertProject(ctx, p.Key, name, teamID); err != nil {
				return fmt.Errorf("upsert project %q: %w", p.Key, err)
			}
		}
	}

	edges := tf.Edges()
	if err := store.ReplaceDependencyEdges(ctx, edges); err != nil {
		return fmt.Errorf("replace dependency edges: %w", err)
	}
	logging.Infof("Loaded %d teams and %d dependency edges", len(tf.Teams), len(edges))

	projects, err := store.ListProjects(ctx)
	if err != nil {
		return err
	}
	if err := graph.Build(projects, edges).CheckIntegrity(); err != nil {
		return fmt.Errorf("teams loaded, but the dependency data is unusable: %w", err)
	}
	return nil
}
