package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net"
	"net/http/httptest"
	"net/smtp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metexplorer.io/met/internal/config"
	"metexplorer.io/met/internal/metrics"
	"metexplorer.io/met/internal/repository"
)

type recordingSender struct {
	channel string
	err     error
	got     []Message
}

func (s *recordingSender) Channel() string { return s.channel }

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.got = append(s.got, msg)
	return s.err
}

func TestRefreshFailed(t *testing.T) {
	msg := RefreshFailed("[MET]", "SWAMID", "swamid", errors.New("timeout"))
	assert.Equal(t, "[MET] metadata refresh failed for SWAMID", msg.Subject)
	assert.Contains(t, msg.Body, "SWAMID")
	assert.Contains(t, msg.Body, "timeout")
	assert.Equal(t, "swamid", msg.Federation)

	bare := RefreshFailed("  ", "SWAMID", "swamid", errors.New("timeout"))
	assert.Equal(t, "metadata refresh failed for SWAMID", bare.Subject)
}

func TestDispatcher_ContinuesAfterFailure(t *testing.T) {
	m := metrics.New("test")
	broken := &recordingSender{channel: ChannelEmail, err: errors.New("smtp down")}
	ok := &recordingSender{channel: ChannelInbox}
	d := NewDispatcher(m, broken, ok)

	err := d.Notify(context.Background(), Message{Subject: "s", Body: "b"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "email: smtp down")
	assert.Len(t, broken.got, 1)
	assert.Len(t, ok.got, 1)
	assert.Equal(t, []string{ChannelEmail, ChannelInbox}, d.Channels())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues(ChannelEmail, "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues(ChannelInbox, "sent")))
}

func TestDispatcher_RejectsEmptyMessage(t *testing.T) {
	s := &recordingSender{channel: ChannelInbox}
	err := NewDispatcher(nil, s).Notify(context.Background(), Message{Body: "b"})
	require.Error(t, err)
	assert.Empty(t, s.got)
}

func TestDispatcher_NoSenders(t *testing.T) {
	assert.NoError(t, NewDispatcher(nil).Notify(context.Background(), Message{Subject: "s", Body: "b"}))
}

func TestInboxSender(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemStore()

	require.NoError(t, NewInboxSender(store).Send(ctx, RefreshFailed("[MET]", "Beta", "beta", errors.New("bad xml"))))

	got, err := store.ListNotifications(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "[MET] metadata refresh failed for Beta", got[0].Subject)
	assert.Equal(t, "beta", got[0].Federation)
	assert.False(t, got[0].Read)
	assert.NotZero(t, got[0].ID)
}

func TestEmailSender(t *testing.T) {
	s := NewEmailSender(config.EmailConfig{
		Enabled:  true,
		Host:     "smtp.example.org",
		Port:     587,
		Username: "met",
		Password: "secret",
		From:     "met@example.org",
		To:       []string{"ops@example.org", "noc@example.org"},
	})
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth
	s.sendMail = func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}

	require.NoError(t, s.Send(context.Background(), Message{Subject: "[MET] failed", Body: "line one\nline two"}))

	assert.Equal(t, "smtp.example.org:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "met@example.org", gotFrom)
	assert.Equal(t, []string{"ops@example.org", "noc@example.org"}, gotTo)
	body := string(gotMsg)
	assert.Contains(t, body, "To: ops@example.org, noc@example.org\r\n")
	assert.Contains(t, body, "Subject: [MET] failed\r\n")
	assert.Contains(t, body, "Date: Fri, 01 Mar 2024 12:00:00 +0000\r\n")
	assert.True(t, strings.HasSuffix(body, "\r\n\r\nline one\r\nline two\r\n"))
}

func TestEmailSender_Errors(t *testing.T) {
	s := NewEmailSender(config.EmailConfig{Host: "localhost"})
	assert.Nil(t, s.auth)
	assert.Equal(t, "localhost:25", s.addr)
	require.Error(t, s.Send(context.Background(), Message{Subject: "s", Body: "b"}))

	s.to = []string{"ops@example.org"}
	s.sendMail = func(context.Context, string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	err := s.Send(context.Background(), Message{Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "localhost:25")
}

func TestEmailSender_SilentServerTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// Accepts connections and never sends the 220 greeting.
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	t.Cleanup(func() {
		select {
		case c := <-accepted:
			_ = c.Close()
		default:
		}
	})

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s := NewEmailSender(config.EmailConfig{
		Host:    host,
		Port:    port,
		To:      []string{"ops@example.org"},
		Timeout: 200 * time.Millisecond,
	})

	start := time.Now()
	err = s.Send(context.Background(), Message{Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestEmailSender_ContextDeadlineWins(t *testing.T) {
	s := NewEmailSender(config.EmailConfig{Host: "localhost", To: []string{"ops@example.org"}, Timeout: time.Hour})

	var deadline time.Time
	s.sendMail = func(ctx context.Context, _ string, _ smtp.Auth, _ string, _ []string, _ []byte) error {
		deadline, _ = ctx.Deadline()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, Message{Subject: "s", Body: "b"}))
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
}

func TestSlackSender(t *testing.T) {
	var payload slackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &payload))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := NewSlackSender(config.SlackConfig{WebhookURL: srv.URL}, srv.Client())
	require.NoError(t, s.Send(context.Background(), Message{Subject: "failed", Body: "details"}))
	assert.Equal(t, "*failed*\ndetails", payload.Text)
}

func TestSlackSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("invalid_token"))
	}))
	defer srv.Close()

	err := NewSlackSender(config.SlackConfig{WebhookURL: srv.URL}, nil).Send(context.Background(), Message{Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "invalid_token")
}

func TestFromConfig(t *testing.T) {
	cfg := config.NotificationConfig{
		Email: config.EmailConfig{Enabled: true, Host: "smtp.example.org", To: []string{"ops@example.org"}},
		Slack: config.SlackConfig{WebhookURL: "https://hooks.slack.com/services/x"},
		Inbox: config.InboxConfig{Enabled: true},
	}
	d := FromConfig(cfg, repository.NewMemStore(), nil, nil)
	assert.Equal(t, []string{ChannelEmail, ChannelSlack, ChannelInbox}, d.Channels())

	assert.Empty(t, FromConfig(config.NotificationConfig{}, nil, nil, nil).Channels())
}
