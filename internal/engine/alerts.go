package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lakeops/opscore/internal/models"
)

// Alert channels.
const (
	ChannelLog       = "log"
	ChannelSlack     = "slack"
	ChannelPagerDuty = "pagerduty"
)

// SeverityInfo labels recoveries, which are routed to the log only.
const SeverityInfo = "info"

const defaultAlertHistory = 1000

// Alert is one routed notification.
type Alert struct {
	ID            string    `json:"id"`
	Severity      string    `json:"severity"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Source        string    `json:"source"`
	Metric        string    `json:"metric"`
	Value         float64   `json:"value"`
	Scope         string    `json:"scope"`
	SOP           string    `json:"sop,omitempty"`
	AutoRemediate bool      `json:"auto_remediated"`
	Channels      []string  `json:"channels"`
	RaisedAt      time.Time `json:"raised_at"`
}

// AlertSummary aggregates the router history.
type AlertSummary struct {
	Total          int            `json:"total"`
	BySeverity     map[string]int `json:"by_severity"`
	ByMetric       map[string]int `json:"by_metric"`
	AutoRemediated int            `json:"auto_remediated"`
}

// ErrChannelDisabled is returned by a Notifier for channels it has no destination for.
var ErrChannelDisabled = errors.New("alert channel not configured")

// Notifier delivers an alert to an external channel.
type Notifier interface {
	Notify(ctx context.Context, channel string, alert Alert) error
}

// AlertRouter fans alerts out to channels chosen by severity and keeps a bounded history.
type AlertRouter struct {
	notifier Notifier
	logger   *slog.Logger
	limit    int
	clock    func() time.Time

	mu      sync.RWMutex
	history []Alert
}

// NewAlertRouter constructs a router. notifier may be nil, in which case
// non-log channels are only logged.
func NewAlertRouter(notifier Notifier, limit int, logger *slog.Logger) *AlertRouter {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = defaultAlertHistory
	}
	return &AlertRouter{notifier: notifier, logger: logger, limit: limit, clock: time.Now}
}

// ChannelsFor maps a severity label to its delivery channels.
func ChannelsFor(severity string) []string {
	switch severity {
	case string(models.SeverityCritical):
		return []string{ChannelLog, ChannelSlack, ChannelPagerDuty}
	case string(models.SeverityWarning):
		return []string{ChannelLog, ChannelSlack}
	}
	return []string{ChannelLog}
}

// RouteTransition builds an alert from a severity change and routes it.
func (r *AlertRouter) RouteTransition(ctx context.Context, source string, tr models.AlertTransition) Alert {
	severity := string(tr.To)
	title := fmt.Sprintf("%s %s on %s", tr.Metric, tr.To, tr.Scope)
	if tr.To == models.SeverityOK {
		severity = SeverityInfo
		title = fmt.Sprintf("%s recovered on %s", tr.Metric, tr.Scope)
	}
	return r.Route(ctx, Alert{
		Severity:      severity,
		Title:         title,
		Message:       fmt.Sprintf("%s moved from %s to %s at value %g", tr.Metric, tr.From, tr.To, tr.Value),
		Source:        source,
		Metric:        tr.Metric,
		Value:         tr.Value,
		Scope:         tr.Scope,
		SOP:           tr.SOP,
		AutoRemediate: tr.SOP != "",
		RaisedAt:      tr.At,
	})
}

// Route sends alert to every channel for its severity. Delivery failures are
// logged and the channel is left out of Channels.
func (r *AlertRouter) Route(ctx context.Context, alert Alert) Alert {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = r.clock().UTC()
	}
	alert.Channels = make([]string, 0, 3)

	for _, ch := range ChannelsFor(alert.Severity) {
		if ch == ChannelLog {
			r.logger.Info("alert",
				slog.String("severity", alert.Severity),
				slog.String("title", alert.Title),
				slog.String("scope", alert.Scope),
				slog.String("sop", alert.SOP),
			)
			alert.Channels = append(alert.Channels, ch)
			continue
		}
		if r.notifier == nil {
			r.logger.Debug("no notifier configured", slog.String("channel", ch), slog.String("title", alert.Title))
			continue
		}
		if err := r.notifier.Notify(ctx, ch, alert); err != nil {
			if errors.Is(err, ErrChannelDisabled) {
				r.logger.Debug("alert channel disabled", slog.String("channel", ch), slog.String("title", alert.Title))
				continue
			}
			r.logger.Warn("alert delivery failed", slog.String("channel", ch), slog.String("title", alert.Title), slog.Any("error", err))
			continue
		}
		alert.Channels = append(alert.Channels, ch)
	}

	r.mu.Lock()
	r.history = append(r.history, alert)
	if over := len(r.history) - r.limit; over > 0 {
		r.history = append([]Alert(nil), r.history[over:]...)
	}
	r.mu.Unlock()
	return alert
}

// History returns up to limit alerts, newest first, optionally filtered by severity.
func (r *AlertRouter) History(severity string, limit int) []Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Alert, 0)
	for i := len(r.history) - 1; i >= 0; i-- {
		if severity != "" && r.history[i].Severity != severity {
			continue
		}
		out = append(out, r.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Summary aggregates the retained history.
func (r *AlertRouter) Summary() AlertSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := AlertSummary{
		Total:      len(r.history),
		BySeverity: map[string]int{SeverityInfo: 0, string(models.SeverityWarning): 0, string(models.SeverityCritical): 0},
		ByMetric:   make(map[string]int),
	}
	for _, a := range r.history {
		s.BySeverity[a.Severity]++
		if a.Metric != "" {
			s.ByMetric[a.Metric]++
		}
		if a.AutoRemediate {
			s.AutoRemediated++
		}
	}
	return s
}
