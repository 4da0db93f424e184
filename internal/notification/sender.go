// Package notification delivers operator notifications about failed
// metadata refreshes.
//
// Delivery is fire-and-forget from the caller's point of view: Dispatcher
// fans a Message out to every configured channel, logs each failure and
// returns the joined errors for the caller to log.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"metexplorer.io/met/internal/metrics"
	"metexplorer.io/met/internal/pkg/logger"
)

// Channel names used in logs and the "channel" metric label.
const (
	ChannelEmail = "email"
	ChannelSlack = "slack"
	ChannelInbox = "inbox"
)

// Message is one operator notification.
type Message struct {
	Subject string
	Body    string
	// Federation is the slug the message is about, if any.
	Federation string
}

// Sender delivers a Message through one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, msg Message) error
}

// Notifier is what the batch runner depends on.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Dispatcher sends every message through all of its senders.
type Dispatcher struct {
	senders []Sender
	metrics *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. m may be nil.
func NewDispatcher(m *metrics.Metrics, senders ...Sender) *Dispatcher {
	return &Dispatcher{senders: senders, metrics: m}
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.senders))
	for _, s := range d.senders {
		out = append(out, s.Channel())
	}
	return out
}

// Notify delivers msg through every sender. A failing channel does not
// prevent delivery through the others.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return fmt.Errorf("notification invalid: %w", err)
	}

	var errs []error
	for _, s := range d.senders {
		err := s.Send(ctx, msg)
		d.metrics.IncNotification(s.Channel(), err)
		if err != nil {
			logger.Error("notification delivery failed",
				zap.String("channel", s.Channel()),
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Channel(), err))
			continue
		}
		logger.Debug("notification sent",
			zap.String("channel", s.Channel()),
			zap.String("subject", msg.Subject),
		)
	}
	return errors.Join(errs...)
}

var _ Notifier = (*Dispatcher)(nil)

// RefreshFailed builds the message sent when a federation fails to refresh.
func RefreshFailed(prefix, name, slug string, err error) Message {
	subject := fmt.Sprintf("metadata refresh failed for %s", name)
	if prefix = strings.TrimSpace(prefix); prefix != "" {
		subject = prefix + " " + subject
	}
	return Message{
		Subject:    subject,
		Body:       fmt.Sprintf("Federation %s (%s) could not be refreshed:\n\n%v", name, slug, err),
		Federation: slug,
	}
}

func validateMessage(m Message) error {
	if m.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if m.Body == "" {
		return fmt.Errorf("body is required")
	}
	return nil
}
