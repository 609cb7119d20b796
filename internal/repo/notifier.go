package repo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lakeops/opscore/internal/engine"
)

// WebhookNotifier posts alerts to per-channel webhooks.
type WebhookNotifier struct {
	urls map[string]string
	rest restClient
}

// NewWebhookNotifier maps channel names (slack, pagerduty) to webhook URLs.
// Channels without a URL report engine.ErrChannelDisabled.
func NewWebhookNotifier(urls map[string]string, timeout time.Duration) *WebhookNotifier {
	clean := make(map[string]string, len(urls))
	for ch, u := range urls {
		if strings.TrimSpace(u) != "" {
			clean[ch] = u
		}
	}
	return &WebhookNotifier{
		urls: clean,
		rest: newRESTClient("webhook", HTTPConfig{Timeout: timeout}, nil),
	}
}

// Notify implements engine.Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, channel string, alert engine.Alert) error {
	endpoint, ok := n.urls[channel]
	if !ok {
		return engine.ErrChannelDisabled
	}
	if err := n.rest.doJSON(ctx, http.MethodPost, endpoint, webhookPayload(channel, alert), nil, nil); err != nil {
		return fmt.Errorf("%s webhook: %w", channel, err)
	}
	return nil
}

func webhookPayload(channel string, alert engine.Alert) map[string]any {
	switch channel {
	case engine.ChannelPagerDuty:
		return map[string]any{
			"event_action": "trigger",
			"dedup_key":    alert.Metric + "/" + alert.Scope,
			"payload": map[string]any{
				"summary":   alert.Title,
				"severity":  alert.Severity,
				"source":    firstNonEmpty(alert.Source, "opscore"),
				"timestamp": alert.RaisedAt.UTC().Format(time.RFC3339),
				"custom_details": map[string]any{
					"message": alert.Message,
					"value":   alert.Value,
					"sop":     alert.SOP,
				},
			},
		}
	default:
		text := fmt.Sprintf("*[%s]* %s\n%s", strings.ToUpper(alert.Severity), alert.Title, alert.Message)
		if alert.SOP != "" {
			text += "\nSOP: " + alert.SOP
		}
		return map[string]any{"text": text}
	}
}
