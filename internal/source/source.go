// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

// package source defines the adapter boundary between Caseload and external
// issue-tracking systems. The sync engine depends only on the TrackerSource
// interface; concrete adapters (Jira today, other trackers or vulnerability
// feeds later) implement it and register themselves at startup.
package source // import "github.com/caseops/caseload/internal/source"

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/caseops/caseload/internal/model"
)

// ErrUnavailable indicates the external source could not be reached or
// refused the request (network failure, auth failure, timeout). Sync aborts
// and the previous watermark is preserved; the operation is retryable.
var ErrUnavailable = errors.New("source unavailable")

// ErrBadRecord indicates a single malformed record from the source. The
// record is skipped and counted; the rest of the page is processed normally.
var ErrBadRecord = errors.New("malformed source record")

// Page is one page of results from a source. Skipped counts records the
// adapter dropped as malformed (ErrBadRecord); the sync engine folds it into
// the run stats so bad upstream data stays visible in the audit trail.
type Page struct {
	Records   []model.TrackerRecord
	Skipped   int
	NextToken string
}

// TrackerSource is the capability set every data source must provide.
type TrackerSource interface {
	// Type returns the unique identifier for this source type (e.g. "jira").
	Type() string
	// DisplayName returns a human-readable name for logs and the CLI.
	DisplayName() string
	// TestConnection checks reachability and credentials.
	TestConnection(ctx context.Context) (bool, string)
	// FetchTrackersSince returns one page of tracker records for the given
	// project keys, modified at or after since. An empty pageToken requests
	// the first page; an empty Page.NextToken means the last page.
	FetchTrackersSince(ctx context.Context, projectKeys []string, since time.Time, pageToken string) (Page, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]TrackerSource{}
)

// Register adds a source to the registry, keyed by its Type. The host
// process calls this once per adapter during startup; re-registering a type
// replaces the previous instance.
func Register(s TrackerSource) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Type()] = s
}

// Get returns the registered source for a type.
func Get(sourceType string) (TrackerSource, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[sourceType]
	if !ok {
		return nil, fmt.Errorf("no source registered for type %q", sourceType)
	}
	return s, nil
}

// Types lists the registered source types, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Reset clears the registry. Tests only.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]TrackerSource{}
}
