// Copyright (c) 2025 caseops
// Caseload - CVE tracker sync and impact analytics
// This source code is licensed under the MIT license found in the LICENSE file.

// This file contains the Jira implementation of TrackerSource. It talks to
// the Jira REST API v2 search endpoint directly; issues labelled as security
// trackers are normalized into model.TrackerRecord values.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caseops/caseload/internal/logging"
	"github.com/caseops/caseload/internal/model"
)

// cvePattern extracts CVE ids from labels and summaries.
var cvePattern = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,}`)

// jiraTimeLayout is Jira's datetime rendering in REST responses.
const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

// jiraDateLayout is used for date-only fields like duedate.
const jiraDateLayout = "2006-01-02"

// severityField is the Jira custom field carrying tracker severity. Falls
// back to priority when the field is absent.
const severityField = "customfield_12316142"

// JiraSource fetches CVE trackers from a Jira server using a personal
// access token.
type JiraSource struct {
	Server   string
	Token    string
	PageSize int
	// CVEBaseURL is prepended to CVE keys to build the reference URL.
	CVEBaseURL string

	client *http.Client
}

// NewJiraSource builds a JiraSource with defaults suitable for production:
// 100-issue pages and a 30 second request timeout.
func NewJiraSource(server, token string) *JiraSource {
	return &JiraSource{
		Server:     strings.TrimRight(server, "/"),
		Token:      token,
		PageSize:   100,
		CVEBaseURL: "https://www.cve.org/CVERecord?id=",
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Type identifies this adapter in the source registry.
func (j *JiraSource) Type() string { return "jira" }

// DisplayName returns the human-readable source name.
func (j *JiraSource) DisplayName() string { return "Jira" }

// TestConnection verifies the server is reachable and the token is accepted.
func (j *JiraSource) TestConnection(ctx context.Context) (bool, string) {
	var me struct {
		DisplayName string `json:"displayName"`
		Name        string `json:"name"`
	}
	if err := j.get(ctx, "/rest/api/2/myself", nil, &me); err != nil {
		return false, fmt.Sprintf("connection failed: %v", err)
	}
	who := me.DisplayName
	if who == "" {
		who = me.Name
	}
	return true, fmt.Sprintf("connected as %s", who)
}

// jiraIssue mirrors the slice of the search response we consume.
type jiraIssue struct {
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields"`
}

type jiraIssueFields struct {
	Summary    string   `json:"summary"`
	Labels     []string `json:"labels"`
	Created    string   `json:"created"`
	Updated    string   `json:"updated"`
	DueDate    string   `json:"duedate"`
	Resolution *struct {
		Name string `json:"name"`
	} `json:"resolution"`
	ResolutionDate string `json:"resolutiondate"`
	Status         *struct {
		Name string `json:"name"`
	} `json:"status"`
	Priority *struct {
		Name string `json:"name"`
	} `json:"priority"`
	Assignee *struct {
		DisplayName string `json:"displayName"`
		Name        string `json:"name"`
	} `json:"assignee"`
	Reporter *struct {
		DisplayName string `json:"displayName"`
		Name        string `json:"name"`
	} `json:"reporter"`
	Project *struct {
		Key string `json:"key"`
	} `json:"project"`
}

type jiraSearchResponse struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Issues     []jiraIssue `json:"issues"`
}

// FetchTrackersSince pages through the Jira search API. The page token is
// the stringified startAt offset of the next page.
func (j *JiraSource) FetchTrackersSince(ctx context.Context, projectKeys []string, since time.Time, pageToken string) (Page, error) {
	if len(projectKeys) == 0 {
		return Page{}, fmt.Errorf("project keys are required; refusing an unbounded query")
	}

	startAt := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid page token %q", pageToken)
		}
		startAt = n
	}

	jql := j.buildJQL(projectKeys, since)
	logging.Debugf("jira: search startAt=%d jql=%s", startAt, jql)

	params := url.Values{}
	params.Set("jql", jql)
	params.Set("startAt", strconv.Itoa(startAt))
	params.Set("maxResults", strconv.Itoa(j.pageSize()))
	params.Set("fields", "summary,status,resolution,priority,assignee,reporter,labels,created,updated,resolutiondate,duedate,project,"+severityField)

	var resp jiraSearchResponse
	if err := j.get(ctx, "/rest/api/2/search", params, &resp); err != nil {
		return Page{}, err
	}

	page := Page{Records: make([]model.TrackerRecord, 0, len(resp.Issues))}
	for _, issue := range resp.Issues {
		rec, err := j.convertIssue(issue)
		if err != nil {
			// One bad issue does not fail the page, but it must stay visible
			// in the run stats.
			logging.Warnf("jira: skipping issue %s: %v", issue.Key, err)
			page.Skipped++
			continue
		}
		page.Records = append(page.Records, rec)
	}

	if resp.StartAt+len(resp.Issues) < resp.Total && len(resp.Issues) > 0 {
		page.NextToken = strconv.Itoa(resp.StartAt + len(resp.Issues))
	}
	return page, nil
}

func (j *JiraSource) pageSize() int {
	if j.PageSize > 0 {
		return j.PageSize
	}
	return 100
}

// buildJQL assembles the search query: the requested projects, the
// incremental watermark clause, and the security-tracker label filter.
func (j *JiraSource) buildJQL(projectKeys []string, since time.Time) string {
	quoted := make([]string, 0, len(projectKeys))
	for _, k := range projectKeys {
		quoted = append(quoted, `"`+k+`"`)
	}
	parts := []string{fmt.Sprintf("project IN (%s)", strings.Join(quoted, ", "))}
	if !since.IsZero() {
		parts = append(parts, fmt.Sprintf(`updated >= "%s"`, since.Format("2006-01-02 15:04")))
	}
	parts = append(parts, `labels in ("Security", "SecurityTracking")`)
	return strings.Join(parts, " AND ")
}

// convertIssue normalizes one Jira issue into a TrackerRecord.
func (j *JiraSource) convertIssue(issue jiraIssue) (model.TrackerRecord, error) {
	var fields jiraIssueFields
	if err := json.Unmarshal(issue.Fields, &fields); err != nil {
		return model.TrackerRecord{}, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if issue.Key == "" {
		return model.TrackerRecord{}, fmt.Errorf("%w: issue without key", ErrBadRecord)
	}

	rec := model.TrackerRecord{
		ExternalKey: issue.Key,
		SourceType:  j.Type(),
		Summary:     fields.Summary,
	}
	if fields.Project != nil {
		rec.ProjectKey = fields.Project.Key
	}
	if rec.ProjectKey == "" {
		// Jira keys are PROJECT-123; fall back to the key prefix.
		if idx := strings.IndexByte(issue.Key, '-'); idx > 0 {
			rec.ProjectKey = issue.Key[:idx]
		}
	}
	if fields.Status != nil {
		rec.Status = fields.Status.Name
	}
	if fields.Resolution != nil {
		rec.ClosureReason = fields.Resolution.Name
	}
	if fields.Priority != nil {
		rec.Priority = fields.Priority.Name
	}
	rec.Severity = extractSeverity(issue.Fields)
	if rec.Severity == "" {
		rec.Severity = rec.Priority
	}
	if fields.Assignee != nil {
		rec.Assignee = personName(fields.Assignee.DisplayName, fields.Assignee.Name)
	}
	if fields.Reporter != nil {
		rec.Reporter = personName(fields.Reporter.DisplayName, fields.Reporter.Name)
	}

	rec.CreatedDate = parseJiraTime(fields.Created)
	rec.LastModified = parseJiraTime(fields.Updated)
	rec.ResolvedDate = parseJiraTime(fields.ResolutionDate)
	rec.DueDate = parseJiraDate(fields.DueDate)
	if rec.LastModified.IsZero() {
		return model.TrackerRecord{}, fmt.Errorf("%w: issue %s has no updated timestamp", ErrBadRecord, issue.Key)
	}

	rec.CVEKeys = extractCVEKeys(fields.Labels, fields.Summary)
	if len(rec.CVEKeys) > 0 {
		rec.CVEURL = j.CVEBaseURL + rec.CVEKeys[0]
		rec.CVECreatedDate = rec.CreatedDate
	}
	return rec, nil
}

// extractSeverity pulls the severity custom field out of the raw fields
// blob. The field renders either as {"value": "..."} or a bare string.
func extractSeverity(raw json.RawMessage) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	v, ok := m[severityField]
	if !ok {
		return ""
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(v, &obj); err == nil && obj.Value != "" {
		return obj.Value
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return ""
}

// extractCVEKeys collects the distinct CVE ids referenced by an issue,
// normalized to upper case, labels first, summary second.
func extractCVEKeys(labels []string, summary string) []string {
	seen := map[string]struct{}{}
	var keys []string
	add := func(text string) {
		for _, m := range cvePattern.FindAllString(text, -1) {
			key := strings.ToUpper(m)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	for _, l := range labels {
		add(l)
	}
	add(summary)
	return keys
}

func personName(displayName, name string) string {
	if displayName != "" {
		return displayName
	}
	return name
}

func parseJiraTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(jiraTimeLayout, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseJiraDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(jiraDateLayout, s); err == nil {
		return t.UTC()
	}
	return parseJiraTime(s)
}

// get performs an authenticated GET and decodes the JSON response.
// Transport failures, timeouts and auth rejections all surface as
// ErrUnavailable so the sync engine can abort and retry later.
func (j *JiraSource) get(ctx context.Context, path string, params url.Values, out any) error {
	u := j.Server + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+j.Token)
	req.Header.Set("Accept", "application/json")

	httpClient := j.client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrUnavailable, path, err)
	}
	return nil
}
