package notification

import (
	"net/http"

	"metexplorer.io/met/internal/config"
	"metexplorer.io/met/internal/metrics"
	"metexplorer.io/met/internal/repository"
)

// FromConfig builds a Dispatcher with every enabled channel.
func FromConfig(cfg config.NotificationConfig, store repository.NotificationStore, client *http.Client, m *metrics.Metrics) *Dispatcher {
	var senders []Sender
	if cfg.Email.Enabled {
		senders = append(senders, NewEmailSender(cfg.Email))
	}
	if cfg.Slack.WebhookURL != "" {
		senders = append(senders, NewSlackSender(cfg.Slack, client))
	}
	if cfg.Inbox.Enabled && store != nil {
		senders = append(senders, NewInboxSender(store))
	}
	return NewDispatcher(m, senders...)
}
