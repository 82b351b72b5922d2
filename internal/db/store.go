// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"time"

	"github.com/caseops/caseload/internal/model"
)

// UpsertOutcome reports what an UpsertTracker call did.
type UpsertOutcome int

const (
	// UpsertCreated means a new tracker row was inserted.
	UpsertCreated UpsertOutcome = iota
	// UpsertUpdated means an existing tracker row was overwritten with
	// newer (or equal-timestamp) data.
	UpsertUpdated
	// UpsertUnchanged means the stored row was newer than the incoming
	// record and was left alone.
	UpsertUnchanged
)

// Store defines the interface for all database operations in Caseload.
// This allows for multiple database backends to be implemented.
type Store interface {
	// Tracker methods
	UpsertTracker(ctx context.Context, rec model.TrackerRecord) (UpsertOutcome, error)
	UpsertTrackerBatch(ctx context.Context, recs []model.TrackerRecord) (model.SyncStats, error)
	QueryTrackers(ctx context.Context, f model.TrackerFilter) ([]model.Tracker, error)
	GetTrackerByKey(ctx context.Context, externalKey string) (*model.Tracker, error)
	GetTrackersForCVE(ctx context.Context, cveKey string) ([]model.Tracker, error)
	MaxLastModified(ctx context.Context, projectKeys []string) (time.Time, error)

	// CVE methods
	GetOrCreateCVE(ctx context.Context, cveKey, url string, createdDate time.Time, embargoed bool) (*model.CVE, bool, error)
	GetCVE(ctx context.Context, cveKey string) (*model.CVE, error)
	SetCVEEmbargo(ctx context.Context, cveKey string, embargoed bool) error

	// Team and project methods (configuration boundary)
	UpsertTeam(ctx context.Context, name, description string) (int, error)
	UpsertProject(ctx context.Context, key, name string, teamID int) (int, error)
	ListTeams(ctx context.Context) ([]model.Team, error)
	ListProjects(ctx context.Context) ([]model.Project, error)

	// Dependency edge methods
	ReplaceDependencyEdges(ctx context.Context, edges []model.DependencyEdge) error
	ListDependencyEdges(ctx context.Context) ([]model.DependencyEdge, error)

	// Sync audit methods
	RecordSyncRun(ctx context.Context, run model.SyncRun) error
	ListSyncRuns(ctx context.Context) ([]model.SyncRun, error)
}
