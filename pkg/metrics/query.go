// Package metrics records pipeline metrics and reads friction metrics back out of Prometheus.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"darwin/pkg/analytics"
	"darwin/pkg/logx"
	"darwin/pkg/persistence"
)

// Rule turns one PromQL vector query into signals. Each sample is one candidate; its page and
// element come from the labels named by PageLabel and ElementLabel.
type Rule struct {
	Name         string
	Query        string
	Metric       string
	Type         persistence.SignalType
	Title        string
	PageLabel    string
	ElementLabel string
	// UsersQuery optionally yields the affected-user count per page.
	UsersQuery string
}

// DefaultRules cover server error spikes and slow page loads.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "error_spike",
			Query: `sum by (page) (rate(http_requests_total{status=~"5.."}[1h]))
  / sum by (page) (rate(http_requests_total[1h]))`,
			Metric:    analytics.MetricErrorRate,
			Type:      persistence.SignalErrorSpike,
			Title:     "Server errors on %s",
			PageLabel: "page",
		},
		{
			Name:      "slow_load",
			Query:     `histogram_quantile(0.95, sum by (page, le) (rate(page_load_seconds_bucket[1h])))`,
			Metric:    analytics.MetricP95LoadTimeS,
			Type:      persistence.SignalSlowLoad,
			Title:     "Slow page load on %s",
			PageLabel: "page",
		},
	}
}

// QueryService queries Prometheus for friction metrics.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
	rules    []Rule
	now      func() time.Time
	logger   *logx.Logger
}

// NewQueryService creates a new metrics query service using DefaultRules.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
		rules:    DefaultRules(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logx.NewLogger("prometheus"),
	}, nil
}

// WithRules replaces the rule set.
func (q *QueryService) WithRules(rules []Rule) *QueryService {
	q.rules = rules
	return q
}

// WithClock replaces the evaluation time source.
func (q *QueryService) WithClock(now func() time.Time) *QueryService {
	q.now = now
	return q
}

// Name identifies the detector in reports.
func (q *QueryService) Name() string {
	return "prometheus"
}

// Detect evaluates every rule and returns a signal for each sample that crosses a severity threshold.
func (q *QueryService) Detect(ctx context.Context) ([]*persistence.Signal, error) {
	now := q.now()
	var signals []*persistence.Signal
	for _, rule := range q.rules {
		found, err := q.evaluate(ctx, rule, now)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		signals = append(signals, found...)
	}
	q.logger.Info("Found %d signals across %d rules", len(signals), len(q.rules))
	return signals, nil
}

func (q *QueryService) evaluate(ctx context.Context, rule Rule, now time.Time) ([]*persistence.Signal, error) {
	vector, err := q.vector(ctx, rule.Query, now)
	if err != nil {
		return nil, err
	}

	users := map[string]int{}
	if rule.UsersQuery != "" {
		counts, err := q.vector(ctx, rule.UsersQuery, now)
		if err != nil {
			return nil, fmt.Errorf("users query: %w", err)
		}
		for _, sample := range counts {
			users[string(sample.Metric[model.LabelName(rule.PageLabel)])] = int(sample.Value)
		}
	}

	var signals []*persistence.Signal
	for _, sample := range vector {
		value := float64(sample.Value)
		severity, threshold, ok := analytics.ClassifySeverity(rule.Metric, value)
		if !ok {
			continue
		}

		page := string(sample.Metric[model.LabelName(rule.PageLabel)])
		if page == "" {
			page = "unknown"
		}
		element := ""
		if rule.ElementLabel != "" {
			element = string(sample.Metric[model.LabelName(rule.ElementLabel)])
		}
		affected := users[page]

		signals = append(signals, &persistence.Signal{
			Type:          rule.Type,
			Severity:      severity,
			Title:         fmt.Sprintf(rule.Title, page),
			Description:   fmt.Sprintf("%s = %.3f (threshold %.3f)", rule.Metric, value, threshold),
			MetricName:    rule.Metric,
			MetricValue:   value,
			Threshold:     &threshold,
			Confidence:    analytics.Confidence(affected),
			Page:          page,
			Element:       element,
			AffectedUsers: affected,
			FirstSeen:     now.Add(-time.Hour),
			LastSeen:      sample.Timestamp.Time().UTC(),
			CreatedAt:     now,
		})
	}
	return signals, nil
}

func (q *QueryService) vector(ctx context.Context, query string, at time.Time) (model.Vector, error) {
	result, warnings, err := q.queryAPI.Query(ctx, query, at)
	if err != nil {
		return nil, fmt.Errorf("failed to query Prometheus: %w", err)
	}
	for _, w := range warnings {
		q.logger.Warn("Prometheus warning: %s", w)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("expected vector result, got %s", result.Type())
	}
	return vector, nil
}
