// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

// package sync drives a tracker source against the entity store. It owns
// watermark computation, page sequencing and the per-project serialization
// that keeps concurrent syncs from racing on the shared watermark.
package sync // import "github.com/caseops/caseload/internal/sync"

import (
	"context"
	"errors"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/caseops/caseload/internal/db"
	"github.com/caseops/caseload/internal/logging"
	"github.com/caseops/caseload/internal/model"
	"github.com/caseops/caseload/internal/source"
)

// Engine performs incremental synchronization from a TrackerSource into the
// entity store. An Engine is safe for concurrent use; invocations touching
// the same project key are serialized against each other.
type Engine struct {
	Store db.Store
	// Epoch is the watermark used when no trackers exist yet for the
	// requested projects. Zero means "fetch everything".
	Epoch time.Time

	mu    stdsync.Mutex
	locks map[string]*stdsync.Mutex
}

// NewEngine returns an Engine bound to a store.
func NewEngine(store db.Store) *Engine {
	return &Engine{Store: store}
}

// projectLock returns the mutex guarding one project key, creating it on
// first use.
func (e *Engine) projectLock(key string) *stdsync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locks == nil {
		e.locks = make(map[string]*stdsync.Mutex)
	}
	l, ok := e.locks[key]
	if !ok {
		l = &stdsync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// lockProjects acquires the per-project mutexes in sorted order so that two
// overlapping invocations cannot deadlock, and returns the unlock function.
func (e *Engine) lockProjects(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	locks := make([]*stdsync.Mutex, 0, len(sorted))
	prev := ""
	for _, k := range sorted {
		if k == prev {
			continue
		}
		prev = k
		l := e.projectLock(k)
		l.Lock()
		locks = append(locks, l)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// SyncFromSource pulls all trackers modified since the stored watermark for
// the given project keys and upserts them page by page. Each page is one
// store transaction; a failed page aborts the run and the stats accumulated
// so far ride along on the error. Re-running a completed sync with no new
// source data is a no-op.
func (e *Engine) SyncFromSource(ctx context.Context, src source.TrackerSource, projectKeys []string) (model.SyncStats, error) {
	var stats model.SyncStats
	if src == nil {
		return stats, fmt.Errorf("sync: source is required")
	}
	if len(projectKeys) == 0 {
		return stats, fmt.Errorf("sync: project keys are required; cannot sync without specifying projects")
	}

	unlock := e.lockProjects(projectKeys)
	defer unlock()

	started := time.Now().UTC()

	watermark, err := e.Store.MaxLastModified(ctx, projectKeys)
	if err != nil {
		return stats, fmt.Errorf("sync %v: computing watermark: %w", projectKeys, err)
	}
	if watermark.IsZero() {
		watermark = e.Epoch
	}
	stats.Watermark = watermark

	if watermark.IsZero() {
		logging.Infof("sync: full sync from %s for projects %v", src.DisplayName(), projectKeys)
	} else {
		logging.Infof("sync: incremental sync from %s for projects %v (since %s)", src.DisplayName(), projectKeys, watermark.Format(time.RFC3339))
	}

	pageToken := ""
	pages := 0
	for {
		page, err := src.FetchTrackersSince(ctx, projectKeys, watermark, pageToken)
		if err != nil {
			e.recordRun(ctx, src, projectKeys, started, stats, "failed", err.Error())
			return stats, fmt.Errorf("sync %v: fetching page %d: %w", projectKeys, pages, err)
		}
		pages++
		stats.RecordsSkipped += page.Skipped

		valid := page.Records[:0:0]
		for _, rec := range page.Records {
			if verr := rec.Validate(); verr != nil {
				logging.Warnf("sync: skipping record: %v (%v)", verr, source.ErrBadRecord)
				stats.RecordsSkipped++
				continue
			}
			valid = append(valid, rec)
		}

		pageStats, err := e.Store.UpsertTrackerBatch(ctx, valid)
		if err != nil {
			// The page rolled back; no partial watermark advance is persisted.
			e.recordRun(ctx, src, projectKeys, started, stats, "failed", err.Error())
			return stats, fmt.Errorf("sync %v: applying page %d: %w", projectKeys, pages, err)
		}
		stats.Add(pageStats)

		if page.NextToken == "" {
			break
		}
		pageToken = page.NextToken
	}

	logging.Infof("sync: complete from %s: %s", src.DisplayName(), stats)
	e.recordRun(ctx, src, projectKeys, started, stats, "ok", "")
	return stats, nil
}

// recordRun writes the audit-trail row for this invocation. Audit failures
// are logged, never escalated over the sync result itself.
func (e *Engine) recordRun(ctx context.Context, src source.TrackerSource, projectKeys []string, started time.Time, stats model.SyncStats, outcome, detail string) {
	run := model.SyncRun{
		SourceType:  src.Type(),
		ProjectKeys: db.JoinProjectKeys(projectKeys),
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
		Stats:       stats,
		Outcome:     outcome,
		Detail:      detail,
	}
	if err := e.Store.RecordSyncRun(ctx, run); err != nil {
		logging.Errorf("sync: recording audit row: %v", err)
	}
}

// IsRetryable reports whether a sync error is worth re-invoking without
// operator intervention (the source was unreachable; the watermark is
// untouched).
func IsRetryable(err error) bool {
	return errors.Is(err, source.ErrUnavailable)
}
