// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

package analytics

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/caseops/caseload/internal/model"
)

// inaccurateClosureReasons are closure reasons that mean a tracker was shut
// without actually fixing anything. They count against closure accuracy.
var inaccurateClosureReasons = map[string]struct{}{
	"obsolete":  {},
	"won't do":  {},
	"not a bug": {},
	"duplicate": {},
}

// VolumeWeek is one weekly bucket in a tracker volume series.
type VolumeWeek struct {
	WeekStart  time.Time      `json:"weekStart"`
	Opened     int            `json:"opened"`
	Closed     int            `json:"closed"`
	BySeverity map[string]int `json:"bySeverity,omitempty"`
}

// TrackerVolume reports weekly opened/closed tracker counts over a date
// range, with closure-accuracy figures in the summary.
type TrackerVolume struct{}

func (m *TrackerVolume) ID() string    { return "tracker_volume" }
func (m *TrackerVolume) Title() string { return "Tracker volume" }
func (m *TrackerVolume) Description() string {
	return "Weekly opened and closed tracker counts with closure accuracy"
}
func (m *TrackerVolume) Category() model.MetricCategory { return model.CategoryTrend }

// Compute buckets trackers created in [from, to] into ISO weeks. Params:
// "from" and "to" dates (default last 90 days), "by_severity" ("true" adds
// a per-severity breakdown per week), "projects" (comma-separated keys).
func (m *TrackerVolume) Compute(ctx context.Context, deps Deps, params Params) (model.MetricResult, error) {
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

	bySeverity := strings.EqualFold(params["by_severity"], "true")
	weeks := map[time.Time]*VolumeWeek{}
	bucket := func(d time.Time) *VolumeWeek {
		ws := weekStart(d)
		w, ok := weeks[ws]
		if !ok {
			w = &VolumeWeek{WeekStart: ws}
			if bySeverity {
				w.BySeverity = map[string]int{}
			}
			weeks[ws] = w
		}
		return w
	}

	total := len(trackers)
	open, closed, inaccurate := 0, 0, 0
	for _, t := range trackers {
		if !t.CreatedDate.IsZero() {
			w := bucket(t.CreatedDate)
			w.Opened++
			if bySeverity {
				sev := strings.ToLower(t.Severity)
				if sev == "" {
					sev = "unknown"
				}
				w.BySeverity[sev]++
			}
		}
		if t.IsOpen() {
			open++
			continue
		}
		closed++
		if !t.ResolvedDate.IsZero() {
			bucket(t.ResolvedDate).Closed++
		}
		if _, bad := inaccurateClosureReasons[strings.ToLower(t.ClosureReason)]; bad {
			inaccurate++
		}
	}

	series := make([]VolumeWeek, 0, len(weeks))
	for _, w := range weeks {
		series = append(series, *w)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].WeekStart.Before(series[j].WeekStart) })

	accuracy := 1.0
	if closed > 0 {
		accuracy = float64(closed-inaccurate) / float64(closed)
	}
	return model.MetricResult{
		Data: series,
		Summary: map[string]any{
			"total":              total,
			"open":               open,
			"closed":             closed,
			"inaccurateClosures": inaccurate,
			"accuracyRate":       accuracy,
			"from":               from,
			"to":                 to,
		},
	}, nil
}

// weekStart truncates a date to the Monday of its week, UTC.
func weekStart(d time.Time) time.Time {
	d = d.UTC()
	offset := (int(d.Weekday()) + 6) % 7
	y, mo, dd := d.AddDate(0, 0, -offset).Date()
	return time.Date(y, mo, dd, 0, 0, 0, 0, time.UTC)
}

// splitList splits a comma-separated parameter, trimming blanks.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
