package analytics

import (
	"context"
	"fmt"
	"time"

	"darwin/pkg/logx"
	"darwin/pkg/persistence"
)

// minFunnelVolume is the smallest entry volume at which a funnel step is judged.
const minFunnelVolume = 20

type funnelStep struct {
	label string
	page  string
	from  []string
	to    []string
}

//nolint:gochecknoglobals // fixed funnel definition
var funnelSteps = []funnelStep{
	{label: "Product view to add to cart", page: "/products", from: []string{"product_viewed"}, to: []string{"product_added_to_cart"}},
	{label: "Cart to checkout", page: "/cart", from: []string{"product_added_to_cart"}, to: []string{"checkout_started", "checkout_initiated"}},
	{label: "Checkout to payment", page: "/checkout", from: []string{"checkout_started", "checkout_initiated"}, to: []string{"payment_completed"}},
}

// Watcher queries PostHog for rage clicks and funnel drop-offs and reports each one that
// crosses a severity threshold as a signal.
type Watcher struct {
	client *Client
	days   int
	limit  int
	now    func() time.Time
	logger *logx.Logger
}

// NewWatcher creates a watcher looking back days.
func NewWatcher(client *Client, days int) *Watcher {
	if days <= 0 {
		days = 7
	}
	return &Watcher{
		client: client,
		days:   days,
		limit:  100,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logx.NewLogger("watcher"),
	}
}

// WithClock replaces the time source used for signal timestamps.
func (w *Watcher) WithClock(now func() time.Time) *Watcher {
	w.now = now
	return w
}

// Name identifies the detector in reports.
func (w *Watcher) Name() string {
	return "posthog"
}

// Detect returns the signals found in the lookback window. Duplicate suppression is left to
// the lifecycle controller.
func (w *Watcher) Detect(ctx context.Context) ([]*persistence.Signal, error) {
	clicks, err := w.client.RageClicks(ctx, w.days, w.limit)
	if err != nil {
		return nil, fmt.Errorf("rage click query: %w", err)
	}
	funnel, err := w.client.FunnelCounts(ctx, w.days)
	if err != nil {
		return nil, fmt.Errorf("funnel query: %w", err)
	}

	now := w.now()
	var signals []*persistence.Signal
	for _, row := range clicks {
		if s := w.rageClickSignal(row, now); s != nil {
			signals = append(signals, s)
		}
	}
	signals = append(signals, w.dropOffSignals(funnel, now)...)

	w.logger.Info("Found %d signals in %d rage click groups and %d funnel steps", len(signals), len(clicks), len(funnelSteps))
	return signals, nil
}

func (w *Watcher) rageClickSignal(row RageClickRow, now time.Time) *persistence.Signal {
	severity, threshold, ok := ClassifySeverity(MetricRageClicks, float64(row.Clicks))
	if !ok {
		return nil
	}

	target := row.Element
	if target == "" {
		target = "an element"
	}
	return &persistence.Signal{
		Type:          persistence.SignalRageClick,
		Severity:      severity,
		Title:         fmt.Sprintf("Rage clicks on %s at %s", target, row.Page),
		Description:   fmt.Sprintf("%d rage clicks from %d users in the last %d days", row.Clicks, row.AffectedUsers, w.days),
		MetricName:    MetricRageClicks,
		MetricValue:   float64(row.Clicks),
		Threshold:     &threshold,
		Confidence:    Confidence(row.AffectedUsers),
		Page:          row.Page,
		Element:       row.Element,
		AffectedUsers: row.AffectedUsers,
		SessionCount:  row.Sessions,
		FirstSeen:     orNow(row.FirstSeen, now),
		LastSeen:      orNow(row.LastSeen, now),
		CreatedAt:     now,
	}
}

func (w *Watcher) dropOffSignals(counts map[string]EventCount, now time.Time) []*persistence.Signal {
	var signals []*persistence.Signal
	for _, step := range funnelSteps {
		from := firstCount(counts, step.from)
		to := firstCount(counts, step.to)
		if from.Count < minFunnelVolume {
			continue
		}

		rate := 1 - float64(to.Count)/float64(from.Count)
		severity, threshold, ok := ClassifySeverity(MetricDropOffRate, rate)
		if !ok {
			continue
		}
		lost := max(from.UniqueUsers-to.UniqueUsers, 0)

		signals = append(signals, &persistence.Signal{
			Type:          persistence.SignalDropOff,
			Severity:      severity,
			Title:         fmt.Sprintf("%s drop-off of %.0f%%", step.label, rate*100),
			Description:   fmt.Sprintf("%d of %d events did not continue (%s)", from.Count-to.Count, from.Count, step.label),
			MetricName:    MetricDropOffRate,
			MetricValue:   rate,
			Threshold:     &threshold,
			Confidence:    Confidence(lost),
			Page:          step.page,
			AffectedUsers: lost,
			SessionCount:  from.UniqueUsers,
			FirstSeen:     now.AddDate(0, 0, -w.days),
			LastSeen:      now,
			CreatedAt:     now,
		})
	}
	return signals
}

// firstCount returns the count of the first event in names that occurred.
func firstCount(counts map[string]EventCount, names []string) EventCount {
	for _, n := range names {
		if c, ok := counts[n]; ok {
			return c
		}
	}
	return EventCount{}
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
