package pipeline

import (
	"context"
	"fmt"

	"darwin/pkg/persistence"
)

// DemoSignals returns the signals seeded by demo mode.
func DemoSignals() []*persistence.Signal {
	threshold := 20.0
	return []*persistence.Signal{{
		Type:     persistence.SignalRageClick,
		Severity: persistence.SeverityHigh,
		Title:    "Rage clicks detected on Add to Cart button",
		Description: "Users are repeatedly clicking the Add to Cart button on product pages, " +
			"indicating frustration with the button's responsiveness or size.",
		MetricName:    "rage_click_count",
		MetricValue:   47,
		Threshold:     &threshold,
		Confidence:    0.85,
		Page:          "/product/[id]",
		Element:       "Add to Cart button",
		AffectedUsers: 156,
		SessionCount:  89,
	}}
}

// seed records the demo signals unless unprocessed signals already exist.
func (d *Driver) seed(ctx context.Context, report *Report) (string, error) {
	open, err := d.controller.UnprocessedSignals(ctx, 0)
	if err != nil {
		return "", fmt.Errorf("failed to check for existing signals: %w", err)
	}
	if len(open) > 0 {
		return fmt.Sprintf("found %d existing unprocessed signal(s)", len(open)), nil
	}

	now := d.now()
	for _, signal := range DemoSignals() {
		signal.FirstSeen = now
		signal.LastSeen = now
		signal.CreatedAt = now
		recorded, err := d.controller.RecordSignal(ctx, signal)
		if err != nil {
			return "", fmt.Errorf("failed to seed demo signal: %w", err)
		}
		if recorded {
			report.SignalsSeeded++
			d.controller.LogActivity(ctx, "watcher", "info", signal.ID, "Seeded demo signal: %s", signal.Title)
		}
	}
	return fmt.Sprintf("seeded %d demo signal(s)", report.SignalsSeeded), nil
}
