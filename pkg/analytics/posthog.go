// Package analytics detects user friction from product analytics and turns it into signals.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"darwin/pkg/logx"
)

// DefaultHost is PostHog's US cloud.
const DefaultHost = "https://us.posthog.com"

// Upstream failure kinds.
var (
	ErrUnauthorized = errors.New("analytics credentials rejected")
	ErrTimeout      = errors.New("analytics request timed out")
)

// APIError is a non-2xx response from the analytics host.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("posthog query failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// Unwrap maps authentication failures to ErrUnauthorized.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Client runs HogQL queries against one PostHog project.
type Client struct {
	host      string
	projectID string
	apiKey    string
	logger    *logx.Logger
	client    *http.Client
	limiter   *rate.Limiter
}

// NewClient creates a PostHog client. An empty host selects DefaultHost.
func NewClient(host, projectID, apiKey string) *Client {
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		host:      strings.TrimSuffix(host, "/"),
		projectID: projectID,
		apiKey:    apiKey,
		logger:    logx.NewLogger("posthog"),
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(250*time.Millisecond), 2),
	}
}

// WithTimeout returns the client with a different per-request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.client = &http.Client{Timeout: timeout}
	return c
}

// QueryResult is the tabular answer to a HogQL query.
type QueryResult struct {
	Columns []string `json:"columns"`
	Results [][]any  `json:"results"`
}

type hogQLRequest struct {
	Query struct {
		Kind  string `json:"kind"`
		Query string `json:"query"`
	} `json:"query"`
}

// Query runs a HogQL query.
func (c *Client) Query(ctx context.Context, hogql string) (*QueryResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var payload hogQLRequest
	payload.Query.Kind = "HogQLQuery"
	payload.Query.Query = hogql
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	url := fmt.Sprintf("%s/api/projects/%s/query/", c.host, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	logx.Debug(ctx, "analytics", "HogQL: %s", oneLine(hogql))

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("posthog request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode query result: %w", err)
	}
	return &result, nil
}

// RageClickRow aggregates rage clicks on one element of one page.
type RageClickRow struct {
	Page          string
	Element       string
	Clicks        int
	AffectedUsers int
	Sessions      int
	FirstSeen     time.Time
	LastSeen      time.Time
}

// RageClicks returns rage-click aggregates for the last days, most clicks first.
func (c *Client) RageClicks(ctx context.Context, days, limit int) ([]RageClickRow, error) {
	query := fmt.Sprintf(`SELECT
    properties.$current_url AS page,
    properties.$el_text AS element,
    count() AS rage_clicks,
    uniq(distinct_id) AS affected_users,
    uniq(properties.$session_id) AS sessions,
    min(timestamp) AS first_seen,
    max(timestamp) AS last_seen
FROM events
WHERE event = '$rageclick'
  AND timestamp > now() - INTERVAL %d DAY
GROUP BY page, element
ORDER BY rage_clicks DESC
LIMIT %d`, days, limit)

	result, err := c.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	rows := make([]RageClickRow, 0, len(result.Results))
	for _, r := range result.Results {
		rows = append(rows, RageClickRow{
			Page:          orUnknown(cell(r, 0)),
			Element:       cell(r, 1),
			Clicks:        cellInt(r, 2),
			AffectedUsers: cellInt(r, 3),
			Sessions:      cellInt(r, 4),
			FirstSeen:     cellTime(r, 5),
			LastSeen:      cellTime(r, 6),
		})
	}
	return rows, nil
}

// EventCount is the volume of one event.
type EventCount struct {
	Count       int
	UniqueUsers int
}

// FunnelEvents are the commerce funnel events counted by FunnelCounts.
//
//nolint:gochecknoglobals // fixed funnel definition
var FunnelEvents = []string{
	"product_viewed",
	"product_added_to_cart",
	"checkout_started",
	"checkout_initiated",
	"payment_completed",
	"order_created",
}

// FunnelCounts returns the volume of each funnel event over the last days.
func (c *Client) FunnelCounts(ctx context.Context, days int) (map[string]EventCount, error) {
	quoted := make([]string, len(FunnelEvents))
	for i, e := range FunnelEvents {
		quoted[i] = "'" + e + "'"
	}
	query := fmt.Sprintf(`SELECT event, count() AS total, uniq(distinct_id) AS unique_users
FROM events
WHERE event IN (%s)
  AND timestamp > now() - INTERVAL %d DAY
GROUP BY event
ORDER BY total DESC`, strings.Join(quoted, ", "), days)

	result, err := c.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]EventCount, len(result.Results))
	for _, r := range result.Results {
		counts[cell(r, 0)] = EventCount{Count: cellInt(r, 1), UniqueUsers: cellInt(r, 2)}
	}
	return counts, nil
}

func cell(row []any, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	if s, ok := row[i].(string); ok {
		return s
	}
	return fmt.Sprint(row[i])
}

func cellInt(row []any, i int) int {
	if i >= len(row) {
		return 0
	}
	switch v := row[i].(type) {
	case float64:
		return int(v)
	case string:
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		return n
	default:
		return 0
	}
}

// cellTime parses the timestamp formats HogQL returns; unparseable cells yield the zero time.
func cellTime(row []any, i int) time.Time {
	s := cell(row, i)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
