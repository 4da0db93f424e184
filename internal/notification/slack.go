package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"metexplorer.io/met/internal/config"
)

// SlackSender posts notifications to a Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	client     *http.Client
}

// NewSlackSender creates a webhook sender. A nil client gets one with the
// configured timeout.
func NewSlackSender(cfg config.SlackConfig, client *http.Client) *SlackSender {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &SlackSender{webhookURL: cfg.WebhookURL, client: client}
}

// Channel implements Sender.
func (s *SlackSender) Channel() string { return ChannelSlack }

type slackPayload struct {
	Text string `json:"text"`
}

// Send posts msg as a single text block.
func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(slackPayload{Text: "*" + msg.Subject + "*\n" + msg.Body})
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Sender = (*SlackSender)(nil)
