// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/caseops/caseload/internal/model"
)

// TeamModel maps the `teams` table for Bun queries.
type TeamModel struct {
	bun.BaseModel `bun:"table:teams"`
	ID            int            `bun:"id,pk,autoincrement"`
	Name          string         `bun:"name"`
	Description   sql.NullString `bun:"description"`
	CreatedAt     time.Time      `bun:"created_at,nullzero"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero"`
}

// ProjectModel maps the `projects` table.
type ProjectModel struct {
	bun.BaseModel `bun:"table:projects"`
	ID            int           `bun:"id,pk,autoincrement"`
	Key           string        `bun:"key"`
	Name          string        `bun:"name"`
	TeamID        sql.NullInt64 `bun:"team_id"`
	CreatedAt     time.Time     `bun:"created_at,nullzero"`
	UpdatedAt     time.Time     `bun:"updated_at,nullzero"`
}

// DependencyEdgeModel maps `project_dependencies`. The edge means the
// downstream project is blocked on the upstream project.
type DependencyEdgeModel struct {
	bun.BaseModel `bun:"table:project_dependencies"`
	UpstreamKey   string `bun:"upstream_key,pk"`
	DownstreamKey string `bun:"downstream_key,pk"`
}

// CVEModel maps the `cves` table.
type CVEModel struct {
	bun.BaseModel `bun:"table:cves"`
	ID            int             `bun:"id,pk,autoincrement"`
	CVEKey        string          `bun:"cve_key"`
	URL           sql.NullString  `bun:"url"`
	Description   sql.NullString  `bun:"description"`
	Severity      sql.NullString  `bun:"severity"`
	CVSSScore     sql.NullFloat64 `bun:"cvss_score"`
	PublishedDate sql.NullTime    `bun:"published_date"`
	CreatedDate   sql.NullTime    `bun:"created_date"`
	Embargoed     bool            `bun:"embargoed"`
}

// TrackerModel maps the `trackers` table.
type TrackerModel struct {
	bun.BaseModel `bun:"table:trackers"`
	ID            int            `bun:"id,pk,autoincrement"`
	ExternalKey   string         `bun:"external_key"`
	ProjectKey    string         `bun:"project_key"`
	CVEKey        sql.NullString `bun:"cve_key"`
	Summary       sql.NullString `bun:"summary"`
	Status        sql.NullString `bun:"status"`
	Severity      sql.NullString `bun:"severity"`
	Priority      sql.NullString `bun:"priority"`
	Assignee      sql.NullString `bun:"assignee"`
	Reporter      sql.NullString `bun:"reporter"`
	ClosureReason sql.NullString `bun:"closure_reason"`
	CreatedDate   sql.NullTime   `bun:"created_date"`
	DueDate       sql.NullTime   `bun:"due_date"`
	ResolvedDate  sql.NullTime   `bun:"resolved_date"`
	LastModified  time.Time      `bun:"last_modified"`
	LastSyncedAt  sql.NullTime   `bun:"last_synced_at"`
}

// SyncRunModel maps the `sync_runs` audit table.
type SyncRunModel struct {
	bun.BaseModel   `bun:"table:sync_runs"`
	ID              int            `bun:"id,pk,autoincrement"`
	SourceType      string         `bun:"source_type"`
	ProjectKeys     string         `bun:"project_keys"`
	StartedAt       time.Time      `bun:"started_at"`
	FinishedAt      sql.NullTime   `bun:"finished_at"`
	TrackersCreated int            `bun:"trackers_created"`
	TrackersUpdated int            `bun:"trackers_updated"`
	CVEsCreated     int            `bun:"cves_created"`
	RecordsSkipped  int            `bun:"records_skipped"`
	Watermark       sql.NullTime   `bun:"watermark"`
	Outcome         string         `bun:"outcome"`
	Detail          sql.NullString `bun:"detail"`
}

// --- Mapping helpers (centralized conversions) ---

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func strOf(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func timeOf(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time
	}
	return time.Time{}
}

func teamModelToModel(t TeamModel) model.Team {
	return model.Team{ID: t.ID, Name: t.Name, Description: strOf(t.Description)}
}

func cveModelToModel(c CVEModel) model.CVE {
	return model.CVE{
		ID:            c.ID,
		CVEKey:        c.CVEKey,
		URL:           strOf(c.URL),
		Description:   strOf(c.Description),
		Severity:      strOf(c.Severity),
		CVSSScore:     c.CVSSScore.Float64,
		PublishedDate: timeOf(c.PublishedDate),
		CreatedDate:   timeOf(c.CreatedDate),
		Embargoed:     c.Embargoed,
	}
}

func trackerModelToModel(t TrackerModel) model.Tracker {
	return model.Tracker{
		ID:            t.ID,
		ExternalKey:   t.ExternalKey,
		ProjectKey:    t.ProjectKey,
		CVEKey:        strOf(t.CVEKey),
		Summary:       strOf(t.Summary),
		Status:        strOf(t.Status),
		Severity:      strOf(t.Severity),
		Priority:      strOf(t.Priority),
		Assignee:      strOf(t.Assignee),
		Reporter:      strOf(t.Reporter),
		ClosureReason: strOf(t.ClosureReason),
		CreatedDate:   timeOf(t.CreatedDate),
		DueDate:       timeOf(t.DueDate),
		ResolvedDate:  timeOf(t.ResolvedDate),
		LastModified:  t.LastModified,
		LastSyncedAt:  timeOf(t.LastSyncedAt),
	}
}

func syncRunModelToModel(r SyncRunModel) model.SyncRun {
	return model.SyncRun{
		ID:          r.ID,
		SourceType:  r.SourceType,
		ProjectKeys: r.ProjectKeys,
		StartedAt:   r.StartedAt,
		FinishedAt:  timeOf(r.FinishedAt),
		Stats: model.SyncStats{
			TrackersCreated: r.TrackersCreated,
			TrackersUpdated: r.TrackersUpdated,
			CVEsCreated:     r.CVEsCreated,
			RecordsSkipped:  r.RecordsSkipped,
			Watermark:       timeOf(r.Watermark),
		},
		Outcome: r.Outcome,
		Detail:  strOf(r.Detail),
	}
}

// --- Tracker adapters ---

// applyRecord copies the mutable fields of a tracker record onto a row model.
func applyRecord(row *TrackerModel, rec model.TrackerRecord, primaryCVE string, now time.Time) {
	row.ExternalKey = rec.ExternalKey
	row.ProjectKey = rec.ProjectKey
	row.CVEKey = nullStr(primaryCVE)
	row.Summary = nullStr(rec.Summary)
	row.Status = nullStr(rec.Status)
	row.Severity = nullStr(rec.Severity)
	row.Priority = nullStr(rec.Priority)
	row.Assignee = nullStr(rec.Assignee)
	row.Reporter = nullStr(rec.Reporter)
	row.ClosureReason = nullStr(rec.ClosureReason)
	row.CreatedDate = nullTime(rec.CreatedDate)
	row.DueDate = nullTime(rec.DueDate)
	row.ResolvedDate = nullTime(rec.ResolvedDate)
	row.LastModified = rec.LastModified
	row.LastSyncedAt = nullTime(now)
}

// UpsertTrackerBun inserts the record when its external key is unknown,
// overwrites the stored row when the incoming last_modified is newer or
// equal, and leaves the row alone otherwise. The record's CVEs are resolved
// or created first; the tracker links to the first (primary) one.
func UpsertTrackerBun(ctx context.Context, idb bun.IDB, rec model.TrackerRecord) (UpsertOutcome, int, error) {
	cvesCreated := 0
	primaryCVE := ""
	for i, key := range rec.CVEKeys {
		_, created, err := GetOrCreateCVEBun(ctx, idb, key, rec.CVEURL, rec.CVECreatedDate, rec.Embargoed)
		if err != nil {
			return UpsertUnchanged, cvesCreated, fmt.Errorf("resolve CVE %s: %w", key, err)
		}
		if created {
			cvesCreated++
		}
		if i == 0 {
			primaryCVE = key
		}
	}

	now := time.Now().UTC()
	var existing TrackerModel
	err := idb.NewSelect().Model(&existing).Where("external_key = ?", rec.ExternalKey).Limit(1).Scan(ctx)
	switch {
	case err == nil:
		// Equal timestamps are treated as a safe idempotent overwrite.
		if rec.LastModified.Before(existing.LastModified) {
			return UpsertUnchanged, cvesCreated, nil
		}
		unchanged := valueEqual(existing, rec, primaryCVE)
		applyRecord(&existing, rec, primaryCVE, now)
		if _, err := idb.NewUpdate().Model(&existing).WherePK().Exec(ctx); err != nil {
			return UpsertUnchanged, cvesCreated, MapDBError(err)
		}
		if unchanged {
			return UpsertUnchanged, cvesCreated, nil
		}
		return UpsertUpdated, cvesCreated, nil
	case errors.Is(err, sql.ErrNoRows):
		var row TrackerModel
		applyRecord(&row, rec, primaryCVE, now)
		if _, err := idb.NewInsert().Model(&row).Exec(ctx); err != nil {
			return UpsertUnchanged, cvesCreated, MapDBError(err)
		}
		return UpsertCreated, cvesCreated, nil
	default:
		return UpsertUnchanged, cvesCreated, err
	}
}

// valueEqual reports whether the stored row already carries exactly the
// incoming record's values, so that re-running a sync with no new source
// data counts zero updates.
func valueEqual(row TrackerModel, rec model.TrackerRecord, primaryCVE string) bool {
	return row.ProjectKey == rec.ProjectKey &&
		strOf(row.CVEKey) == primaryCVE &&
		strOf(row.Summary) == rec.Summary &&
		strOf(row.Status) == rec.Status &&
		strOf(row.Severity) == rec.Severity &&
		strOf(row.Priority) == rec.Priority &&
		strOf(row.Assignee) == rec.Assignee &&
		strOf(row.Reporter) == rec.Reporter &&
		strOf(row.ClosureReason) == rec.ClosureReason &&
		timeOf(row.CreatedDate).Equal(rec.CreatedDate) &&
		timeOf(row.DueDate).Equal(rec.DueDate) &&
		timeOf(row.ResolvedDate).Equal(rec.ResolvedDate) &&
		row.LastModified.Equal(rec.LastModified)
}

// GetOrCreateCVEBun is an idempotent lookup-or-insert keyed by cve_key.
func GetOrCreateCVEBun(ctx context.Context, idb bun.IDB, cveKey, url string, createdDate time.Time, embargoed bool) (*model.CVE, bool, error) {
	var row CVEModel
	err := idb.NewSelect().Model(&row).Where("cve_key = ?", cveKey).Limit(1).Scan(ctx)
	if err == nil {
		m := cveModelToModel(row)
		return &m, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	row = CVEModel{
		CVEKey:      cveKey,
		URL:         nullStr(url),
		CreatedDate: nullTime(createdDate),
		Embargoed:   embargoed,
	}
	if _, err := idb.NewInsert().Model(&row).Exec(ctx); err != nil {
		// A concurrent sync may have inserted the same key; re-read on duplicate.
		if errors.Is(MapDBError(err), ErrDuplicate) {
			if err2 := idb.NewSelect().Model(&row).Where("cve_key = ?", cveKey).Limit(1).Scan(ctx); err2 == nil {
				m := cveModelToModel(row)
				return &m, false, nil
			}
		}
		return nil, false, MapDBError(err)
	}
	m := cveModelToModel(row)
	return &m, true, nil
}

// GetCVEBun returns the CVE for a key, or ErrNotFound.
func GetCVEBun(ctx context.Context, idb bun.IDB, cveKey string) (*model.CVE, error) {
	var row CVEModel
	err := idb.NewSelect().Model(&row).Where("cve_key = ?", cveKey).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("CVE %s: %w", cveKey, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m := cveModelToModel(row)
	return &m, nil
}

// SetCVEEmbargoBun flips the embargo flag. CVEs are otherwise immutable
// after creation.
func SetCVEEmbargoBun(ctx context.Context, idb bun.IDB, cveKey string, embargoed bool) error {
	res, err := idb.NewUpdate().Model((*CVEModel)(nil)).
		Set("embargoed = ?", embargoed).
		Where("cve_key = ?", cveKey).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("CVE %s: %w", cveKey, ErrNotFound)
	}
	return nil
}

// GetTrackerByKeyBun fetches one tracker by its source-system key.
func GetTrackerByKeyBun(ctx context.Context, idb bun.IDB, externalKey string) (*model.Tracker, error) {
	var row TrackerModel
	err := idb.NewSelect().Model(&row).Where("external_key = ?", externalKey).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tracker %s: %w", externalKey, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m := trackerModelToModel(row)
	return &m, nil
}

// GetTrackersForCVEBun returns all trackers linked to a CVE key.
func GetTrackersForCVEBun(ctx context.Context, idb bun.IDB, cveKey string) ([]model.Tracker, error) {
	var rows []TrackerModel
	err := idb.NewSelect().Model(&rows).Where("cve_key = ?", cveKey).Order("external_key ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Tracker, 0, len(rows))
	for _, r := range rows {
		out = append(out, trackerModelToModel(r))
	}
	return out, nil
}

// QueryTrackersBun applies a TrackerFilter and returns matching trackers.
func QueryTrackersBun(ctx context.Context, idb bun.IDB, f model.TrackerFilter) ([]model.Tracker, error) {
	q := idb.NewSelect().Model((*TrackerModel)(nil))
	if len(f.ProjectKeys) > 0 {
		q = q.Where("project_key IN (?)", bun.In(f.ProjectKeys))
	}
	if f.CVEKey != "" {
		q = q.Where("cve_key = ?", f.CVEKey)
	}
	if !f.CreatedFrom.IsZero() {
		q = q.Where("created_date >= ?", f.CreatedFrom)
	}
	if !f.CreatedTo.IsZero() {
		q = q.Where("created_date <= ?", f.CreatedTo)
	}
	if f.OnlyResolved {
		q = q.Where("resolved_date IS NOT NULL")
	}
	if !f.ResolvedFrom.IsZero() {
		q = q.Where("resolved_date >= ?", f.ResolvedFrom)
	}
	if !f.ResolvedTo.IsZero() {
		q = q.Where("resolved_date <= ?", f.ResolvedTo)
	}

	var rows []TrackerModel
	if err := q.Order("external_key ASC").Scan(ctx, &rows); err != nil {
		return nil, err
	}
	out := make([]model.Tracker, 0, len(rows))
	for _, r := range rows {
		out = append(out, trackerModelToModel(r))
	}
	return out, nil
}

// MaxLastModifiedBun computes the sync watermark: the maximum last_modified
// across trackers for the given project keys. Returns the zero time when no
// trackers exist yet. Selects the newest row instead of MAX() so bun handles
// the time conversion uniformly across dialects.
func MaxLastModifiedBun(ctx context.Context, idb bun.IDB, projectKeys []string) (time.Time, error) {
	var row TrackerModel
	q := idb.NewSelect().Model(&row).Column("last_modified").
		OrderExpr("last_modified DESC").Limit(1)
	if len(projectKeys) > 0 {
		q = q.Where("project_key IN (?)", bun.In(projectKeys))
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return row.LastModified, nil
}

// --- Team and project adapters ---

// UpsertTeamBun creates a team by unique name or updates its description.
func UpsertTeamBun(ctx context.Context, idb bun.IDB, name, description string) (int, error) {
	var row TeamModel
	err := idb.NewSelect().Model(&row).Where("name = ?", name).Limit(1).Scan(ctx)
	if err == nil {
		row.Description = nullStr(description)
		row.UpdatedAt = time.Now().UTC()
		if _, err := idb.NewUpdate().Model(&row).WherePK().Exec(ctx); err != nil {
			return 0, MapDBError(err)
		}
		return row.ID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	row = TeamModel{Name: name, Description: nullStr(description), CreatedAt: time.Now().UTC()}
	if _, err := idb.NewInsert().Model(&row).Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return row.ID, nil
}

// UpsertProjectBun creates a project by unique key or reassigns its team.
func UpsertProjectBun(ctx context.Context, idb bun.IDB, key, name string, teamID int) (int, error) {
	var row ProjectModel
	// "key" is reserved in MySQL; quote it per-dialect.
	err := idb.NewSelect().Model(&row).Where("? = ?", bun.Ident("key"), key).Limit(1).Scan(ctx)
	if err == nil {
		if name != "" {
			row.Name = name
		}
		row.TeamID = sql.NullInt64{Int64: int64(teamID), Valid: teamID > 0}
		row.UpdatedAt = time.Now().UTC()
		if _, err := idb.NewUpdate().Model(&row).WherePK().Exec(ctx); err != nil {
			return 0, MapDBError(err)
		}
		return row.ID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if name == "" {
		name = key
	}
	row = ProjectModel{
		Key:       key,
		Name:      name,
		TeamID:    sql.NullInt64{Int64: int64(teamID), Valid: teamID > 0},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := idb.NewInsert().Model(&row).Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return row.ID, nil
}

// ListTeamsBun returns all teams ordered by name.
func ListTeamsBun(ctx context.Context, idb bun.IDB) ([]model.Team, error) {
	var rows []TeamModel
	if err := idb.NewSelect().Model(&rows).Order("name ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Team, 0, len(rows))
	for _, r := range rows {
		out = append(out, teamModelToModel(r))
	}
	return out, nil
}

// ListProjectsBun returns all projects with their owning team's name joined in.
func ListProjectsBun(ctx context.Context, idb bun.IDB) ([]model.Project, error) {
	var rows []struct {
		ProjectModel
		TeamName sql.NullString `bun:"team_name"`
	}
	err := idb.NewSelect().Model((*ProjectModel)(nil)).
		ColumnExpr("project_model.*").
		ColumnExpr("t.name AS team_name").
		Join("LEFT JOIN teams AS t ON t.id = project_model.team_id").
		OrderExpr("project_model.?", bun.Ident("key")).
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make([]model.Project, 0, len(rows))
	for _, r := range rows {
		p := model.Project{ID: r.ID, Key: r.Key, Name: r.Name, TeamName: strOf(r.TeamName)}
		if r.TeamID.Valid {
			p.TeamID = int(r.TeamID.Int64)
		}
		out = append(out, p)
	}
	return out, nil
}

// --- Dependency edge adapters ---

// ReplaceDependencyEdgesBun swaps the whole edge set in one transaction.
// Self-edges are rejected before any write happens.
func ReplaceDependencyEdgesBun(ctx context.Context, bdb *bun.DB, edges []model.DependencyEdge) error {
	for _, e := range edges {
		if e.UpstreamKey == e.DownstreamKey {
			return fmt.Errorf("self-dependency on project %s is not allowed", e.UpstreamKey)
		}
	}
	return bdb.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*DependencyEdgeModel)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return err
		}
		if len(edges) == 0 {
			return nil
		}
		rows := make([]DependencyEdgeModel, 0, len(edges))
		for _, e := range edges {
			rows = append(rows, DependencyEdgeModel{UpstreamKey: e.UpstreamKey, DownstreamKey: e.DownstreamKey})
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return MapDBError(err)
	})
}

// ListDependencyEdgesBun returns the full edge set.
func ListDependencyEdgesBun(ctx context.Context, idb bun.IDB) ([]model.DependencyEdge, error) {
	var rows []DependencyEdgeModel
	if err := idb.NewSelect().Model(&rows).Order("upstream_key ASC", "downstream_key ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.DependencyEdge, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.DependencyEdge{UpstreamKey: r.UpstreamKey, DownstreamKey: r.DownstreamKey})
	}
	return out, nil
}

// --- Sync audit adapters ---

// RecordSyncRunBun appends one audit row for a sync invocation.
func RecordSyncRunBun(ctx context.Context, idb bun.IDB, run model.SyncRun) error {
	row := SyncRunModel{
		SourceType:      run.SourceType,
		ProjectKeys:     run.ProjectKeys,
		StartedAt:       run.StartedAt,
		FinishedAt:      nullTime(run.FinishedAt),
		TrackersCreated: run.Stats.TrackersCreated,
		TrackersUpdated: run.Stats.TrackersUpdated,
		CVEsCreated:     run.Stats.CVEsCreated,
		RecordsSkipped:  run.Stats.RecordsSkipped,
		Watermark:       nullTime(run.Stats.Watermark),
		Outcome:         run.Outcome,
		Detail:          nullStr(run.Detail),
	}
	_, err := idb.NewInsert().Model(&row).Exec(ctx)
	return err
}

// ListSyncRunsBun returns the audit trail, most recent first.
func ListSyncRunsBun(ctx context.Context, idb bun.IDB) ([]model.SyncRun, error) {
	var rows []SyncRunModel
	if err := idb.NewSelect().Model(&rows).Order("id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.SyncRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, syncRunModelToModel(r))
	}
	return out, nil
}

// JoinProjectKeys renders a project-key set the way the audit table stores it.
func JoinProjectKeys(keys []string) string {
	return strings.Join(keys, ",")
}
