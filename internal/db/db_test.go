// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/caseops/caseload/internal/model"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) string {
	t.Helper()
	dsn := "file:test_" + t.Name() + "?mode=memory&cache=shared"
	if err := InitDB("sqlite", dsn); err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	return dsn
}

func testRecord(key string, modified time.Time) model.TrackerRecord {
	return model.TrackerRecord{
		ExternalKey:  key,
		SourceType:   "jira",
		ProjectKey:   "PLAT",
		Summary:      "CVE-2024-1111 fix xyz",
		Status:       "In Progress",
		Severity:     "important",
		CreatedDate:  modified.AddDate(0, 0, -7),
		LastModified: modified,
		CVEKeys:      []string{"CVE-2024-1111"},
		CVEURL:       "https://www.cve.org/CVERecord?id=CVE-2024-1111",
	}
}

func TestInitDB_MigrationsApplied(t *testing.T) {
	dsn := newTestDB(t)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to open sql.DB for inspection: %v", err)
	}
	defer func() { _ = sqlDB.Close() }()

	for _, table := range []string{"teams", "projects", "project_dependencies", "cves", "trackers", "sync_runs", "schema_migrations"} {
		var name string
		err := sqlDB.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q after migrations: %v", table, err)
		}
	}
}

func TestUpsertTracker_CreateThenUpdate(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	outcome, err := UpsertTracker(ctx, testRecord("PLAT-1", base))
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if outcome != UpsertCreated {
		t.Fatalf("expected UpsertCreated, got %v", outcome)
	}

	// Newer record overwrites.
	rec := testRecord("PLAT-1", base.Add(time.Hour))
	rec.Status = "Done"
	rec.ClosureReason = "Fixed"
	rec.ResolvedDate = base.Add(time.Hour)
	outcome, err = UpsertTracker(ctx, rec)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if outcome != UpsertUpdated {
		t.Fatalf("expected UpsertUpdated, got %v", outcome)
	}

	got, err := GetStore().GetTrackerByKey(ctx, "PLAT-1")
	if err != nil {
		t.Fatalf("GetTrackerByKey failed: %v", err)
	}
	if got.Status != "Done" || got.ClosureReason != "Fixed" {
		t.Errorf("update not applied: %+v", got)
	}

	// Stale record is ignored.
	stale := testRecord("PLAT-1", base.Add(-time.Hour))
	stale.Status = "Reopened"
	outcome, err = UpsertTracker(ctx, stale)
	if err != nil {
		t.Fatalf("stale upsert failed: %v", err)
	}
	if outcome != UpsertUnchanged {
		t.Fatalf("expected UpsertUnchanged for stale record, got %v", outcome)
	}
	got, _ = GetStore().GetTrackerByKey(ctx, "PLAT-1")
	if got.Status != "Done" {
		t.Errorf("stale record overwrote newer data: %+v", got)
	}
}

func TestUpsertTracker_IdenticalRecordIsUnchanged(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	rec := testRecord("PLAT-2", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	if _, err := UpsertTracker(ctx, rec); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	outcome, err := UpsertTracker(ctx, rec)
	if err != nil {
		t.Fatalf("replay upsert failed: %v", err)
	}
	if outcome != UpsertUnchanged {
		t.Fatalf("replaying an identical record should be unchanged, got %v", outcome)
	}
}

func TestUpsertTracker_EqualTimestampDifferentDataUpdates(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := UpsertTracker(ctx, testRecord("PLAT-3", base)); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	rec := testRecord("PLAT-3", base)
	rec.Assignee = "rdoe"
	outcome, err := UpsertTracker(ctx, rec)
	if err != nil {
		t.Fatalf("equal-timestamp upsert failed: %v", err)
	}
	if outcome != UpsertUpdated {
		t.Fatalf("equal timestamp with different data should update, got %v", outcome)
	}
}

func TestUpsertTrackerBatch_StatsAndWatermark(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	recs := []model.TrackerRecord{
		testRecord("PLAT-10", base),
		testRecord("PLAT-11", base.Add(2*time.Hour)),
		testRecord("PLAT-12", base.Add(time.Hour)),
	}
	stats, err := GetStore().UpsertTrackerBatch(ctx, recs)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if stats.TrackersCreated != 3 || stats.TrackersUpdated != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.CVEsCreated != 1 {
		t.Errorf("all records share one CVE, expected 1 created, got %d", stats.CVEsCreated)
	}
	if !stats.Watermark.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("watermark should be the max last-modified, got %v", stats.Watermark)
	}

	wm, err := GetStore().MaxLastModified(ctx, []string{"PLAT"})
	if err != nil {
		t.Fatalf("MaxLastModified failed: %v", err)
	}
	if !wm.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("stored watermark mismatch: %v", wm)
	}

	// Replaying the whole batch must be a no-op.
	stats, err = GetStore().UpsertTrackerBatch(ctx, recs)
	if err != nil {
		t.Fatalf("replay batch failed: %v", err)
	}
	if stats.TrackersCreated != 0 || stats.TrackersUpdated != 0 {
		t.Errorf("replayed batch should change nothing: %+v", stats)
	}
}

func TestMaxLastModified_FiltersByProject(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	plat := testRecord("PLAT-1", base)
	web := testRecord("WEB-1", base.Add(3*time.Hour))
	web.ProjectKey = "WEB"
	for _, rec := range []model.TrackerRecord{plat, web} {
		if _, err := UpsertTracker(ctx, rec); err != nil {
			t.Fatalf("upsert %s failed: %v", rec.ExternalKey, err)
		}
	}

	wm, err := GetStore().MaxLastModified(ctx, []string{"PLAT"})
	if err != nil {
		t.Fatalf("MaxLastModified failed: %v", err)
	}
	if !wm.Equal(base) {
		t.Errorf("PLAT watermark should ignore other projects, got %v", wm)
	}

	wm, err = GetStore().MaxLastModified(ctx, []string{"PLAT", "WEB"})
	if err != nil {
		t.Fatalf("MaxLastModified failed: %v", err)
	}
	if !wm.Equal(base.Add(3 * time.Hour)) {
		t.Errorf("combined watermark should be the newest row, got %v", wm)
	}
}

func TestMaxLastModified_EmptyStore(t *testing.T) {
	newTestDB(t)
	wm, err := GetStore().MaxLastModified(context.Background(), []string{"PLAT"})
	if err != nil {
		t.Fatalf("MaxLastModified failed: %v", err)
	}
	if !wm.IsZero() {
		t.Errorf("empty store should yield zero watermark, got %v", wm)
	}
}

func TestGetOrCreateCVE_Dedupes(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	created := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	cve, isNew, err := GetOrCreateCVE(ctx, "CVE-2024-2222", "https://www.cve.org/CVERecord?id=CVE-2024-2222", created, false)
	if err != nil {
		t.Fatalf("GetOrCreateCVE failed: %v", err)
	}
	if !isNew {
		t.Fatalf("first call should create")
	}
	again, isNew, err := GetOrCreateCVE(ctx, "CVE-2024-2222", "", created, false)
	if err != nil {
		t.Fatalf("second GetOrCreateCVE failed: %v", err)
	}
	if isNew {
		t.Fatalf("second call should not create")
	}
	if again.ID != cve.ID {
		t.Errorf("expected same row, got ids %d and %d", cve.ID, again.ID)
	}
}

func TestSetCVEEmbargo(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	if _, _, err := GetOrCreateCVE(ctx, "CVE-2024-3333", "", time.Now(), false); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := GetStore().SetCVEEmbargo(ctx, "CVE-2024-3333", true); err != nil {
		t.Fatalf("SetCVEEmbargo failed: %v", err)
	}
	cve, err := GetStore().GetCVE(ctx, "CVE-2024-3333")
	if err != nil {
		t.Fatalf("GetCVE failed: %v", err)
	}
	if !cve.Embargoed {
		t.Errorf("embargo flag not persisted")
	}

	if err := GetStore().SetCVEEmbargo(ctx, "CVE-9999-0000", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown CVE, got %v", err)
	}
}

func TestTeamsAndProjects(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	teamID, err := GetStore().UpsertTeam(ctx, "Platform", "Core platform team")
	if err != nil {
		t.Fatalf("UpsertTeam failed: %v", err)
	}
	if _, err := GetStore().UpsertProject(ctx, "PLAT", "Platform Services", teamID); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}

	// Upserting the same team again keeps the id and updates the description.
	sameID, err := GetStore().UpsertTeam(ctx, "Platform", "Renamed description")
	if err != nil {
		t.Fatalf("second UpsertTeam failed: %v", err)
	}
	if sameID != teamID {
		t.Errorf("team id changed on upsert: %d != %d", sameID, teamID)
	}

	projects, err := ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}
	if projects[0].TeamName != "Platform" {
		t.Errorf("project should join its team name, got %q", projects[0].TeamName)
	}
}

func TestReplaceDependencyEdges(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	edges := []model.DependencyEdge{
		{UpstreamKey: "LIB", DownstreamKey: "PLAT"},
		{UpstreamKey: "LIB", DownstreamKey: "WEB"},
	}
	if err := GetStore().ReplaceDependencyEdges(ctx, edges); err != nil {
		t.Fatalf("ReplaceDependencyEdges failed: %v", err)
	}

	// Replacement is wholesale, not additive.
	if err := GetStore().ReplaceDependencyEdges(ctx, edges[:1]); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}
	got, err := ListDependencyEdges(ctx)
	if err != nil {
		t.Fatalf("ListDependencyEdges failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected replacement to leave 1 edge, got %d", len(got))
	}

	selfEdge := []model.DependencyEdge{{UpstreamKey: "PLAT", DownstreamKey: "PLAT"}}
	if err := GetStore().ReplaceDependencyEdges(ctx, selfEdge); err == nil {
		t.Errorf("self-edge should be rejected")
	}
}

func TestQueryTrackers_Filters(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	a := testRecord("PLAT-20", base)
	b := testRecord("WEB-1", base.Add(time.Hour))
	b.ProjectKey = "WEB"
	b.CVEKeys = []string{"CVE-2024-4444"}
	b.Status = "Done"
	b.ResolvedDate = base.Add(time.Hour)
	for _, rec := range []model.TrackerRecord{a, b} {
		if _, err := UpsertTracker(ctx, rec); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	byProject, err := QueryTrackers(ctx, model.TrackerFilter{ProjectKeys: []string{"WEB"}})
	if err != nil {
		t.Fatalf("QueryTrackers failed: %v", err)
	}
	if len(byProject) != 1 || byProject[0].ExternalKey != "WEB-1" {
		t.Errorf("project filter wrong: %+v", byProject)
	}

	byCVE, err := QueryTrackers(ctx, model.TrackerFilter{CVEKey: "CVE-2024-1111"})
	if err != nil {
		t.Fatalf("QueryTrackers by CVE failed: %v", err)
	}
	if len(byCVE) != 1 || byCVE[0].ExternalKey != "PLAT-20" {
		t.Errorf("cve filter wrong: %+v", byCVE)
	}

	resolved, err := QueryTrackers(ctx, model.TrackerFilter{OnlyResolved: true})
	if err != nil {
		t.Fatalf("QueryTrackers resolved failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0].ExternalKey != "WEB-1" {
		t.Errorf("resolved filter wrong: %+v", resolved)
	}
}

func TestRecordAndListSyncRuns(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	run := model.SyncRun{
		SourceType:  "jira",
		ProjectKeys: "PLAT,WEB",
		StartedAt:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		FinishedAt:  time.Date(2025, 6, 1, 10, 1, 0, 0, time.UTC),
		Stats:       model.SyncStats{TrackersCreated: 5, TrackersUpdated: 2},
		Outcome:     "ok",
	}
	if err := GetStore().RecordSyncRun(ctx, run); err != nil {
		t.Fatalf("RecordSyncRun failed: %v", err)
	}

	runs, err := ListSyncRuns(ctx)
	if err != nil {
		t.Fatalf("ListSyncRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Outcome != "ok" || runs[0].Stats.TrackersCreated != 5 {
		t.Errorf("run not round-tripped: %+v", runs[0])
	}
}

func TestGetTrackerByKey_NotFound(t *testing.T) {
	newTestDB(t)
	if _, err := GetStore().GetTrackerByKey(context.Background(), "NOPE-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
