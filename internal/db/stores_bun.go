// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/caseops/caseload/internal/model"
)

// BunStore is the consolidated bun-backed Store implementation used for all
// supported database engines. It delegates operations to centralized Bun
// helpers in this package.
type BunStore struct {
	bun *bun.DB
}

// NewBunStore wraps an existing *bun.DB in a Store. Used by tests and by
// callers that manage their own connection lifecycle.
func NewBunStore(bdb *bun.DB) *BunStore { return &BunStore{bun: bdb} }

// BunDB returns the underlying *bun.DB for advanced callers.
func (s *BunStore) BunDB() *bun.DB { return s.bun }

func (s *BunStore) UpsertTracker(ctx context.Context, rec model.TrackerRecord) (UpsertOutcome, error) {
	if err := rec.Validate(); err != nil {
		return UpsertUnchanged, err
	}
	outcome, _, err := UpsertTrackerBun(ctx, s.bun, rec)
	return outcome, err
}

// UpsertTrackerBatch applies one fetched page of records inside a single
// transaction. Either the whole page commits or none of it does; a failure
// is reported as ErrTransaction so the sync engine can abort the run.
func (s *BunStore) UpsertTrackerBatch(ctx context.Context, recs []model.TrackerRecord) (model.SyncStats, error) {
	var stats model.SyncStats
	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, rec := range recs {
			outcome, cvesCreated, err := UpsertTrackerBun(ctx, tx, rec)
			if err != nil {
				return fmt.Errorf("tracker %s: %w", rec.ExternalKey, err)
			}
			stats.CVEsCreated += cvesCreated
			switch outcome {
			case UpsertCreated:
				stats.TrackersCreated++
			case UpsertUpdated:
				stats.TrackersUpdated++
			}
			if rec.LastModified.After(stats.Watermark) {
				stats.Watermark = rec.LastModified
			}
		}
		return nil
	})
	if err != nil {
		return model.SyncStats{}, fmt.Errorf("%w: %v", ErrTransaction, err)
	}
	return stats, nil
}

func (s *BunStore) QueryTrackers(ctx context.Context, f model.TrackerFilter) ([]model.Tracker, error) {
	return QueryTrackersBun(ctx, s.bun, f)
}

func (s *BunStore) GetTrackerByKey(ctx context.Context, externalKey string) (*model.Tracker, error) {
	return GetTrackerByKeyBun(ctx, s.bun, externalKey)
}

func (s *BunStore) GetTrackersForCVE(ctx context.Context, cveKey string) ([]model.Tracker, error) {
	return GetTrackersForCVEBun(ctx, s.bun, cveKey)
}

func (s *BunStore) MaxLastModified(ctx context.Context, projectKeys []string) (time.Time, error) {
	return MaxLastModifiedBun(ctx, s.bun, projectKeys)
}

func (s *BunStore) GetOrCreateCVE(ctx context.Context, cveKey, url string, createdDate time.Time, embargoed bool) (*model.CVE, bool, error) {
	return GetOrCreateCVEBun(ctx, s.bun, cveKey, url, createdDate, embargoed)
}

func (s *BunStore) GetCVE(ctx context.Context, cveKey string) (*model.CVE, error) {
	return GetCVEBun(ctx, s.bun, cveKey)
}

func (s *BunStore) SetCVEEmbargo(ctx context.Context, cveKey string, embargoed bool) error {
	return SetCVEEmbargoBun(ctx, s.bun, cveKey, embargoed)
}

func (s *BunStore) UpsertTeam(ctx context.Context, name, description string) (int, error) {
	return UpsertTeamBun(ctx, s.bun, name, description)
}

func (s *BunStore) UpsertProject(ctx context.Context, key, name string, teamID int) (int, error) {
	return UpsertProjectBun(ctx, s.bun, key, name, teamID)
}

func (s *BunStore) ListTeams(ctx context.Context) ([]model.Team, error) {
	return ListTeamsBun(ctx, s.bun)
}

func (s *BunStore) ListProjects(ctx context.Context) ([]model.Project, error) {
	return ListProjectsBun(ctx, s.bun)
}

func (s *BunStore) ReplaceDependencyEdges(ctx context.Context, edges []model.DependencyEdge) error {
	return ReplaceDependencyEdgesBun(ctx, s.bun, edges)
}

func (s *BunStore) ListDependencyEdges(ctx context.Context) ([]model.DependencyEdge, error) {
	return ListDependencyEdgesBun(ctx, s.bun)
}

func (s *BunStore) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	return RecordSyncRunBun(ctx, s.bun, run)
}

func (s *BunStore) ListSyncRuns(ctx context.Context) ([]model.SyncRun, error) {
	return ListSyncRunsBun(ctx, s.bun)
}
