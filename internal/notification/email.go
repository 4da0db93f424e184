package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"metexplorer.io/met/internal/config"
)

// DefaultEmailTimeout bounds one SMTP exchange when none is configured.
const DefaultEmailTimeout = 30 * time.Second

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers notifications over SMTP.
type EmailSender struct {
	addr     string
	host     string
	auth     smtp.Auth
	from     string
	to       []string
	timeout  time.Duration
	sendMail sendMailFunc
	now      func() time.Time
}

// NewEmailSender creates an SMTP sender. PLAIN auth is used when a username
// is configured.
func NewEmailSender(cfg config.EmailConfig) *EmailSender {
	host := cfg.Host
	port := cfg.Port
	if port == 0 {
		port = 25
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultEmailTimeout
	}
	s := &EmailSender{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		host:    host,
		from:    cfg.From,
		to:      cfg.To,
		timeout: timeout,
		now:     time.Now,
	}
	s.sendMail = s.dialAndSend
	if s.from == "" {
		s.from = "met@" + host
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return s
}

// Channel implements Sender.
func (s *EmailSender) Channel() string { return ChannelEmail }

// Send mails msg to every recipient. The exchange is bounded by the
// configured timeout and by ctx.
func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if len(s.to) == 0 {
		return fmt.Errorf("no email recipients configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.sendMail(ctx, s.addr, s.auth, s.from, s.to, s.render(msg)); err != nil {
		return fmt.Errorf("send mail via %s: %w", s.addr, err)
	}
	return nil
}

// dialAndSend is smtp.SendMail with a context-bound connection.
func (s *EmailSender) dialAndSend(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return err
		}
	}
	// Unblocks reads and writes when ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	err = s.converse(conn, a, from, to, msg)
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
		err = errors.Join(ctxErr, err)
	}
	return err
}

func (s *EmailSender) converse(conn net.Conn, a smtp.Auth, from string, to []string, msg []byte) error {
	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (s *EmailSender) render(msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

var _ Sender = (*EmailSender)(nil)
