// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the core data structures shared across Caseload:
// teams, projects, dependency edges, CVEs and trackers, plus the value
// types exchanged with the sync engine and the analytics registry.
package model // import "github.com/caseops/caseload/internal/model"

import (
	"fmt"
	"strings"
	"time"
)

// Team owns one or more projects. Teams are created from configuration,
// never by sync.
type Team struct {
	ID          int
	Name        string
	Description string
}

// String returns the team name.
func (t Team) String() string { return t.Name }

// Project is a source-system project (e.g. a Jira project) owned by a team.
type Project struct {
	ID       int
	Key      string
	Name     string
	TeamID   int
	TeamName string
}

// String returns the project key.
func (p Project) String() string { return p.Key }

// DependencyEdge is a directed edge between two projects. Downstream is
// blocked on Upstream: the upstream project must deliver its fix first.
type DependencyEdge struct {
	UpstreamKey   string
	DownstreamKey string
}

// String returns the edge in "upstream -> downstream" form.
func (e DependencyEdge) String() string {
	return fmt.Sprintf("%s -> %s", e.UpstreamKey, e.DownstreamKey)
}

// CVE is a vulnerability record, created on first sighting through any
// tracker that references it.
type CVE struct {
	ID            int
	CVEKey        string
	URL           string
	Description   string
	Severity      string
	CVSSScore     float64
	PublishedDate time.Time
	CreatedDate   time.Time
	Embargoed     bool
}

// Tracker is a single issue-tracker record representing the work to
// remediate one CVE within one project.
type Tracker struct {
	ID            int
	ExternalKey   string
	ProjectKey    string
	CVEKey        string
	Summary       string
	Status        string
	Severity      string
	Priority      string
	Assignee      string
	Reporter      string
	ClosureReason string
	CreatedDate   time.Time
	DueDate       time.Time
	ResolvedDate  time.Time
	LastModified  time.Time
	LastSyncedAt  time.Time
}

// closedStatuses are the source-system states that mean a tracker is no
// longer being worked on.
var closedStatuses = map[string]struct{}{
	"done":      {},
	"closed":    {},
	"resolved":  {},
	"cancelled": {},
}

// IsOpen reports whether the tracker is still open. Trackers without a
// status are treated as open.
func (t Tracker) IsOpen() bool {
	if t.Status == "" {
		return true
	}
	_, closed := closedStatuses[strings.ToLower(t.Status)]
	return !closed
}

// DaysOpen returns the number of days the tracker has been (or was) open,
// measured from its created date to its resolved date, or to now when it is
// still unresolved. Returns -1 when the created date is unknown.
func (t Tracker) DaysOpen(now time.Time) int {
	if t.CreatedDate.IsZero() {
		return -1
	}
	end := t.ResolvedDate
	if end.IsZero() {
		end = now
	}
	return int(end.Sub(t.CreatedDate).Hours() / 24)
}

// severityRank orders tracker severities for comparisons. Unknown values
// rank lowest.
var severityRank = map[string]int{
	"critical":  4,
	"important": 3,
	"moderate":  2,
	"low":       1,
}

// SeverityRank returns the comparison rank for a severity label, 0 for
// unknown labels.
func SeverityRank(severity string) int {
	return severityRank[strings.ToLower(severity)]
}

// HighestSeverity returns the highest severity label present across the
// given trackers, or "" when none carry one.
func HighestSeverity(trackers []Tracker) string {
	highest := ""
	rank := 0
	for _, t := range trackers {
		if r := SeverityRank(t.Severity); r > rank {
			rank = r
			highest = t.Severity
		}
	}
	return highest
}

// TrackerRecord is a normalized tracker as fetched from an external source,
// before it has been written to the store. One record may reference several
// CVE ids; the first is the primary one the tracker row links to.
type TrackerRecord struct {
	ExternalKey    string
	SourceType     string
	ProjectKey     string
	Summary        string
	Status         string
	Severity       string
	Priority       string
	Assignee       string
	Reporter       string
	ClosureReason  string
	CreatedDate    time.Time
	DueDate        time.Time
	ResolvedDate   time.Time
	LastModified   time.Time
	CVEKeys        []string
	CVEURL         string
	CVECreatedDate time.Time
	Embargoed      bool
}

// Validate reports whether the record carries the minimum fields required
// to upsert it.
func (r TrackerRecord) Validate() error {
	if r.ExternalKey == "" {
		return fmt.Errorf("tracker record missing external key")
	}
	if r.ProjectKey == "" {
		return fmt.Errorf("tracker record %s missing project key", r.ExternalKey)
	}
	if r.LastModified.IsZero() {
		return fmt.Errorf("tracker record %s missing last-modified timestamp", r.ExternalKey)
	}
	return nil
}

// TrackerFilter narrows QueryTrackers results. Zero values mean "no
// constraint".
type TrackerFilter struct {
	ProjectKeys  []string
	CVEKey       string
	CreatedFrom  time.Time
	CreatedTo    time.Time
	ResolvedFrom time.Time
	ResolvedTo   time.Time
	OnlyResolved bool
}

// SyncStats summarizes the effects of one sync invocation.
type SyncStats struct {
	TrackersCreated int
	TrackersUpdated int
	CVEsCreated     int
	RecordsSkipped  int
	Watermark       time.Time
}

// String renders the stats in the form used by sync logs and the audit trail.
func (s SyncStats) String() string {
	return fmt.Sprintf("%d created, %d updated, %d CVEs, %d skipped",
		s.TrackersCreated, s.TrackersUpdated, s.CVEsCreated, s.RecordsSkipped)
}

// Add accumulates another batch of stats into s.
func (s *SyncStats) Add(other SyncStats) {
	s.TrackersCreated += other.TrackersCreated
	s.TrackersUpdated += other.TrackersUpdated
	s.CVEsCreated += other.CVEsCreated
	s.RecordsSkipped += other.RecordsSkipped
	if other.Watermark.After(s.Watermark) {
		s.Watermark = other.Watermark
	}
}

// SyncRun is one audit-trail entry for a sync invocation.
type SyncRun struct {
	ID          int
	SourceType  string
	ProjectKeys string
	StartedAt   time.Time
	FinishedAt  time.Time
	Stats       SyncStats
	Outcome     string
	Detail      string
}

// MetricCategory classifies a metric as an org-wide trend or a per-entity
// impact report.
type MetricCategory string

const (
	// CategoryTrend is for org-wide time-series metrics.
	CategoryTrend MetricCategory = "trend"
	// CategoryImpact is for per-entity (per-CVE) impact metrics.
	CategoryImpact MetricCategory = "impact"
)

// MetricResult is the structured result of computing one metric.
type MetricResult struct {
	MetricID   string
	Title      string
	Category   MetricCategory
	ComputedAt time.Time
	Data       any
	Summary    map[string]any
}

// ProjectImpact annotates one project inside a blast radius with the
// tracker state used for date-skew comparison.
type ProjectImpact struct {
	ProjectKey   string
	TeamName     string
	TrackerKey   string
	Status       string
	Severity     string
	CreatedDate  time.Time
	DueDate      time.Time
	ResolvedDate time.Time
}

// BlastRadius is the full impact picture for one CVE: the teams, projects
// and trackers involved, the dependency subgraph induced on those projects,
// and the date-skew summary across their trackers.
type BlastRadius struct {
	CVEKey               string
	Teams                []string
	Projects             []string
	Trackers             []Tracker
	Edges                []DependencyEdge
	ProjectImpacts       []ProjectImpact
	DueDateSkewDays      int
	ResolvedDateSkewDays int
	HighestSeverity      string
	OpenTrackers         int
	Embargoed            bool
}

// SLAPolicy maps tracker severities to the number of days from creation
// within which a tracker must be resolved.
type SLAPolicy struct {
	DefaultDays  int
	SeverityDays map[string]int
}

// DaysFor returns the SLA budget for a severity label, falling back to the
// policy default for unknown severities.
func (p SLAPolicy) DaysFor(severity string) int {
	if d, ok := p.SeverityDays[strings.ToLower(severity)]; ok {
		return d
	}
	return p.DefaultDays
}
