// Package mail sends the transactional emails triggered by domain events.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Mailer delivers password reset emails
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, username, resetToken string) error
}

// SMTPConfig holds the relay settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// ResetURL is the page that consumes the token; the token is appended as ?token=
	ResetURL string
}

// SMTPMailer sends plain-text mail through an SMTP relay
type SMTPMailer struct {
	cfg    SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *zap.Logger
}

func NewSMTPMailer(cfg SMTPConfig, logger *zap.Logger) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = "no-reply@localhost"
	}
	if _, err := url.Parse(cfg.ResetURL); err != nil {
		return nil, fmt.Errorf("invalid reset url: %w", err)
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail, logger: logger}, nil
}

func (m *SMTPMailer) SendPasswordReset(ctx context.Context, email, username, resetToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := buildMessage(m.cfg.From, email, "Reset your password", resetBody(username, ResetLink(m.cfg.ResetURL, resetToken)))

	var a smtp.Auth
	if m.cfg.Username != "" {
		a = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, a, m.cfg.From, []string{email}, msg); err != nil {
		return fmt.Errorf("failed to send password reset email: %w", err)
	}

	m.logger.Info("Password reset email sent", zap.String("to", email))
	return nil
}

// LogMailer logs emails instead of sending them. Used when no SMTP host is set.
type LogMailer struct {
	ResetURL string
	logger   *zap.Logger
}

func NewLogMailer(resetURL string, logger *zap.Logger) *LogMailer {
	return &LogMailer{ResetURL: resetURL, logger: logger}
}

func (m *LogMailer) SendPasswordReset(_ context.Context, email, username, resetToken string) error {
	m.logger.Info("Password reset email (not sent, no SMTP configured)",
		zap.String("to", email),
		zap.String("username", username),
		zap.String("link", ResetLink(m.ResetURL, resetToken)),
	)
	return nil
}

// ResetLink appends token to base as the token query parameter
func ResetLink(base, token string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func resetBody(username, link string) string {
	name := username
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s,\r\n\r\nWe received a request to reset your password. "+
		"Open the link below to choose a new one:\r\n\r\n%s\r\n\r\n"+
		"If you did not ask for this, you can ignore this email.\r\n", name, link)
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
