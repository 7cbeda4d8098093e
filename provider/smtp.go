package provider

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"
)

// SMTPConfig configures the email code adapter.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	CodeTTL  time.Duration
	Digits   int
}

// SMTP sends numeric codes by email through a plain SMTP relay.
type SMTP struct {
	dialer  *gomail.Dialer
	from    string
	subject string
	vault   *codeVault
}

// NewSMTP builds the adapter.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("smtp: host and port required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp: from address required")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "Your verification code"
	}
	return &SMTP{
		dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:    cfg.From,
		subject: subject,
		vault:   newCodeVault(cfg.CodeTTL, cfg.Digits),
	}, nil
}

// Send generates a code and emails it to the destination address.
func (s *SMTP) Send(ctx context.Context, destination string) (string, error) {
	code, ref, err := s.vault.issue(destination)
	if err != nil {
		return "", err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", s.from)
	msg.SetHeader("To", destination)
	msg.SetHeader("Subject", s.subject)
	msg.SetBody("text/html", fmt.Sprintf(`
		<p>Your verification code is <strong>%s</strong>.</p>
		<p>If you did not request this code, you can ignore this message.</p>
	`, code))

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(msg) }()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("smtp: send code email: %w", err)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return ref, nil
}

// Check compares a submitted code against the last one emailed to destination.
func (s *SMTP) Check(_ context.Context, destination string, code string) (CheckResult, error) {
	return s.vault.check(destination, code), nil
}
