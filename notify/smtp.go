package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const smtpDialTimeout = 5 * time.Second

// SMTPSettings configure the mail notification channel.
type SMTPSettings struct {
	Host       string
	Port       int
	From       string
	Password   string
	To         []string
	Subject    string
	MaxRetries int
	RetryWait  time.Duration
}

// SMTP delivers notifications by mail with a bounded number of retries.
// Delivery is synchronous; run the channel behind Async so the scan loop
// is never held up by a slow mail server.
type SMTP struct {
	settings SMTPSettings
	logger   zerolog.Logger
}

// NewSMTP validates the settings and returns the channel.
func NewSMTP(settings SMTPSettings, logger zerolog.Logger) (*SMTP, error) {
	if settings.Host == "" {
		return nil, fmt.Errorf("smtp: host is required")
	}
	if settings.From == "" {
		return nil, fmt.Errorf("smtp: sending address is required")
	}
	if len(settings.To) == 0 {
		return nil, fmt.Errorf("smtp: at least one receiving address is required")
	}
	if settings.Port == 0 {
		settings.Port = 587
	}
	if settings.MaxRetries <= 0 {
		settings.MaxRetries = 5
	}
	return &SMTP{settings: settings, logger: logger}, nil
}

func (s *SMTP) Send(subject, body string) {
	if s.settings.Subject != "" {
		subject = s.settings.Subject
	}
	msg := buildMessage(s.settings.From, s.settings.To, subject, body)

	var lastErr error
	for attempt := 1; attempt <= s.settings.MaxRetries; attempt++ {
		lastErr = s.deliver(msg)
		if lastErr == nil {
			return
		}
		s.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("mail delivery failed")
		if s.settings.RetryWait > 0 {
			time.Sleep(s.settings.RetryWait)
		}
	}
	s.logger.Error().Err(lastErr).Str("subject", subject).Msg("mail notification dropped after retries")
}

func (s *SMTP) deliver(msg []byte) error {
	addr := net.JoinHostPort(s.settings.Host, strconv.Itoa(s.settings.Port))
	conn, err := net.DialTimeout("tcp", addr, smtpDialTimeout)
	if err != nil {
		return err
	}
	client, err := smtp.NewClient(conn, s.settings.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.settings.Host}); err != nil {
			return err
		}
	}
	if s.settings.Password != "" {
		auth := smtp.PlainAuth("", s.settings.From, s.settings.Password, s.settings.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}
	if err := client.Mail(s.settings.From); err != nil {
		return err
	}
	for _, rcpt := range s.settings.To {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
