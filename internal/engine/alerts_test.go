package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lakeops/opscore/internal/models"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string]int
	fail string
}

func (n *recordingNotifier) Notify(_ context.Context, channel string, _ Alert) error {
	if channel == n.fail {
		return errors.New("webhook returned 500")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string]int)
	}
	n.sent[channel]++
	return nil
}

func TestChannelsFor(t *testing.T) {
	cases := map[string][]string{
		"critical": {ChannelLog, ChannelSlack, ChannelPagerDuty},
		"warning":  {ChannelLog, ChannelSlack},
		"info":     {ChannelLog},
		"":         {ChannelLog},
	}
	for severity, want := range cases {
		if diff := cmp.Diff(want, ChannelsFor(severity)); diff != "" {
			t.Fatalf("severity %q channels mismatch (-want +got):\n%s", severity, diff)
		}
	}
}

func TestRouteTransitionFansOutBySeverity(t *testing.T) {
	notifier := &recordingNotifier{fail: ChannelPagerDuty}
	router := NewAlertRouter(notifier, 10, discardLogger())
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	crit := router.RouteTransition(ctx, "health", models.AlertTransition{
		Metric: "txid_age", Scope: "p/main", From: models.SeverityOK, To: models.SeverityCritical,
		Value: 1.1e9, SOP: "vacuum_freeze", At: at,
	})
	if diff := cmp.Diff([]string{ChannelLog, ChannelSlack}, crit.Channels); diff != "" {
		t.Fatalf("failed channel must be left out (-want +got):\n%s", diff)
	}
	if !crit.AutoRemediate || crit.ID == "" || !crit.RaisedAt.Equal(at) {
		t.Fatalf("unexpected alert %+v", crit)
	}

	rec := router.RouteTransition(ctx, "health", models.AlertTransition{
		Metric: "txid_age", Scope: "p/main", From: models.SeverityCritical, To: models.SeverityOK, Value: 1e8, At: at,
	})
	if rec.Severity != SeverityInfo || len(rec.Channels) != 1 {
		t.Fatalf("recovery should be info on the log only, got %+v", rec)
	}
	if notifier.sent[ChannelSlack] != 1 {
		t.Fatalf("expected one slack notification, got %v", notifier.sent)
	}
}

func TestRouterHistoryAndSummary(t *testing.T) {
	router := NewAlertRouter(nil, 3, discardLogger())
	ctx := context.Background()
	for i, sev := range []string{"warning", "critical", "info", "warning"} {
		router.Route(ctx, Alert{Severity: sev, Metric: "m", Title: string(rune('a' + i))})
	}

	history := router.History("", 0)
	if len(history) != 3 {
		t.Fatalf("history must be bounded, got %d", len(history))
	}
	if history[0].Title != "d" {
		t.Fatalf("expected newest first, got %q", history[0].Title)
	}
	if got := router.History("warning", 0); len(got) != 1 {
		t.Fatalf("expected one retained warning, got %d", len(got))
	}

	want := AlertSummary{
		Total:      3,
		BySeverity: map[string]int{"info": 1, "warning": 1, "critical": 1},
		ByMetric:   map[string]int{"m": 3},
	}
	if diff := cmp.Diff(want, router.Summary()); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
}
