// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"testing"
	"time"
)

func TestTrackerIsOpen(t *testing.T) {
	cases := []struct {
		status string
		open   bool
	}{
		{"", true},
		{"New", true},
		{"In Progress", true},
		{"Done", false},
		{"done", false},
		{"CLOSED", false},
		{"Resolved", false},
		{"Cancelled", false},
		{"Blocked", true},
	}
	for _, c := range cases {
		tr := Tracker{Status: c.status}
		if tr.IsOpen() != c.open {
			t.Errorf("IsOpen(%q) = %v, want %v", c.status, tr.IsOpen(), c.open)
		}
	}
}

func TestTrackerDaysOpen(t *testing.T) {
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	created := now.AddDate(0, 0, -10)

	open := Tracker{CreatedDate: created}
	if got := open.DaysOpen(now); got != 10 {
		t.Errorf("open tracker: got %d, want 10", got)
	}

	resolved := Tracker{CreatedDate: created, ResolvedDate: created.AddDate(0, 0, 4)}
	if got := resolved.DaysOpen(now); got != 4 {
		t.Errorf("resolved tracker: got %d, want 4", got)
	}

	unknown := Tracker{}
	if got := unknown.DaysOpen(now); got != -1 {
		t.Errorf("unknown created date: got %d, want -1", got)
	}
}

func TestHighestSeverity(t *testing.T) {
	trackers := []Tracker{
		{Severity: "low"},
		{Severity: "Important"},
		{Severity: "moderate"},
	}
	if got := HighestSeverity(trackers); got != "Important" {
		t.Errorf("got %q, want Important", got)
	}

	trackers = append(trackers, Tracker{Severity: "Critical"})
	if got := HighestSeverity(trackers); got != "Critical" {
		t.Errorf("got %q, want Critical", got)
	}

	if got := HighestSeverity(nil); got != "" {
		t.Errorf("no trackers: got %q, want empty", got)
	}
	if got := HighestSeverity([]Tracker{{Severity: "bizarre"}}); got != "" {
		t.Errorf("unknown labels rank lowest: got %q", got)
	}
}

func TestTrackerRecordValidate(t *testing.T) {
	valid := TrackerRecord{
		ExternalKey:  "PLAT-1",
		ProjectKey:   "PLAT",
		LastModified: time.Now(),
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}

	for name, rec := range map[string]TrackerRecord{
		"missing key":      {ProjectKey: "PLAT", LastModified: time.Now()},
		"missing project":  {ExternalKey: "PLAT-1", LastModified: time.Now()},
		"missing modified": {ExternalKey: "PLAT-1", ProjectKey: "PLAT"},
	} {
		if err := rec.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestSyncStatsAdd(t *testing.T) {
	a := SyncStats{TrackersCreated: 1, Watermark: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := SyncStats{TrackersUpdated: 2, RecordsSkipped: 1, Watermark: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)}
	a.Add(b)
	if a.TrackersCreated != 1 || a.TrackersUpdated != 2 || a.RecordsSkipped != 1 {
		t.Errorf("counters not accumulated: %+v", a)
	}
	if a.Watermark.Month() != time.February {
		t.Errorf("watermark should take the max: %v", a.Watermark)
	}

	// Older watermark never regresses the accumulated one.
	a.Add(SyncStats{Watermark: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
	if a.Watermark.Month() != time.February {
		t.Errorf("watermark regressed: %v", a.Watermark)
	}
}

func TestSLAPolicyDaysFor(t *testing.T) {
	p := SLAPolicy{DefaultDays: 90, SeverityDays: map[string]int{"critical": 7}}
	if got := p.DaysFor("Critical"); got != 7 {
		t.Errorf("case-insensitive lookup: got %d", got)
	}
	if got := p.DaysFor("unheard-of"); got != 90 {
		t.Errorf("fallback to default: got %d", got)
	}
}
