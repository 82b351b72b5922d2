// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package analytics

import (
	"context"
	"sort"

	"github.com/caseops/caseload/internal/model"
)

// SLAClassification is one tracker's verdict against the SLA policy.
type SLAClassification struct {
	TrackerKey string `json:"trackerKey"`
	ProjectKey string `json:"projectKey"`
	TeamName   string `json:"teamName,omitempty"`
	Severity   string `json:"severity"`
	BudgetDays int    `json:"budgetDays"`
	DaysOpen   int    `json:"daysOpen"`
	Breached   bool   `json:"breached"`
	Resolved   bool   `json:"resolved"`
}

// TeamSLA aggregates classifications per team.
type TeamSLA struct {
	TeamName string  `json:"teamName"`
	Within   int     `json:"within"`
	Breached int     `json:"breached"`
	Rate     float64 `json:"rate"`
}

// SLACompliance classifies trackers against the per-severity SLA policy.
// Resolved trackers are judged on created-to-resolved time; trackers still
// open past their budget count as breached as of now.
type SLACompliance struct{}

func (m *SLACompliance) ID() string    { return "sla_compliance" }
func (m *SLACompliance) Title() string { return "SLA compliance" }
func (m *SLACompliance) Description() string {
	return "Trackers resolved within the per-severity SLA budget, with team breakdown"
}
func (m *SLACompliance) Category() model.MetricCategory { return model.CategoryTrend }

// Compute considers trackers created in [from, to] (default last 90 days).
// Params: "from", "to", "projects".
func (m *SLACompliance) Compute(ctx context.Context, deps Deps, params Params) (model.MetricResult, error) {
	now := deps.now()
	from, err := parseDateParam(params, "from", now.AddDate(0, 0, -90))
	if err != nil {
		return model.MetricResult{}, err
	}
	to, err := parseDateParam(params, "to", now)
	if err != nil {
		return model.MetricResult{}, err
	}

	filter := model.TrackerFilter{CreatedFrom: from, CreatedTo: to}
	if p := params["projects"]; p != "" {
		filter.ProjectKeys = splitList(p)
	}
	trackers, err := deps.Store.QueryTrackers(ctx, filter)
	if err != nil {
		return model.MetricResult{}, err
	}

	teamOf, err := projectTeams(ctx, deps)
	if err != nil {
		return model.MetricResult{}, err
	}

	var rows []SLAClassification
	within, breached := 0, 0
	teams := map[string]*TeamSLA{}
	for _, t := range trackers {
		if t.CreatedDate.IsZero() {
			continue
		}
		budget := deps.SLA.DaysFor(t.Severity)
		days := t.DaysOpen(now)
		resolved := !t.ResolvedDate.IsZero()
		var isBreach bool
		switch {
		case resolved:
			isBreach = days > budget
		default:
			// Open and under budget stays unclassified until it resolves
			// or overruns.
			if days <= budget {
				continue
			}
			isBreach = true
		}

		row := SLAClassification{
			TrackerKey: t.ExternalKey,
			ProjectKey: t.ProjectKey,
			TeamName:   teamOf[t.ProjectKey],
			Severity:   t.Severity,
			BudgetDays: budget,
			DaysOpen:   days,
			Breached:   isBreach,
			Resolved:   resolved,
		}
		rows = append(rows, row)
		if isBreach {
			breached++
		} else {
			within++
		}
		if row.TeamName != "" {
			ts, ok := teams[row.TeamName]
			if !ok {
				ts = &TeamSLA{TeamName: row.TeamName}
				teams[row.TeamName] = ts
			}
			if isBreach {
				ts.Breached++
			} else {
				ts.Within++
			}
		}
	}

	teamRows := make([]TeamSLA, 0, len(teams))
	for _, ts := range teams {
		if n := ts.Within + ts.Breached; n > 0 {
			ts.Rate = float64(ts.Within) / float64(n)
		}
		teamRows = append(teamRows, *ts)
	}
	sort.Slice(teamRows, func(i, j int) bool { return teamRows[i].TeamName < teamRows[j].TeamName })

	rate := 1.0
	if n := within + breached; n > 0 {
		rate = float64(within) / float64(n)
	}
	return model.MetricResult{
		Data: rows,
		Summary: map[string]any{
			"within":         within,
			"breached":       breached,
			"complianceRate": rate,
			"teams":          teamRows,
			"from":           from,
			"to":             to,
		},
	}, nil
}

// projectTeams maps project key to team name from the store.
func projectTeams(ctx context.Context, deps Deps) (map[string]string, error) {
	projects, err := deps.Store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(projects))
	for _, p := range projects {
		out[p.Key] = p.TeamName
	}
	return out, nil
}
