// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package dispatch delivers completion summary emails to eligible board
// members: deduplicated recipients, bounded per-recipient retries, and a
// batch that keeps going when individual deliveries fail.
package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Transport sends one email. Implementations classify their errors with
// IsPermanentError so the retry layer knows when to stop.
type Transport interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig holds SMTP transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
	UseTLS   bool
	Timeout  time.Duration
}

// SMTPTransport delivers email over SMTP with STARTTLS.
type SMTPTransport struct {
	config SMTPConfig
}

// NewSMTPTransport creates an SMTP transport.
func NewSMTPTransport(config SMTPConfig) *SMTPTransport {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.FromName == "" {
		config.FromName = "Quorate"
	}
	return &SMTPTransport{config: config}
}

// Send delivers a single plain-text message.
func (t *SMTPTransport) Send(ctx context.Context, to, subject, body string) error {
	msg := t.buildMessage(to, subject, body)
	return t.sendSMTP(ctx, to, msg)
}

// buildMessage constructs the message with headers.
func (t *SMTPTransport) buildMessage(to, subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s <%s>\r\n", t.config.FromName, t.config.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// sendSMTP performs the SMTP conversation.
func (t *SMTPTransport) sendSMTP(ctx context.Context, to, msg string) error {
	addr := fmt.Sprintf("%s:%d", t.config.Host, t.config.Port)

	dialer := &net.Dialer{Timeout: t.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, t.config.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if t.config.UseTLS {
		tlsConfig := &tls.Config{
			ServerName: t.config.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if t.config.User != "" && t.config.Password != "" {
		auth := smtp.PlainAuth("", t.config.User, t.config.Password, t.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(t.config.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// Quit failures after a successful DATA are ignored.
	_ = client.Quit()
	return nil
}

// IsPermanentError reports whether a delivery error is not worth
// retrying: bad recipients and auth failures stay broken; connection
// problems, timeouts, and rate limits are transient.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "authentication"), strings.Contains(errStr, "auth"):
		return true
	case strings.Contains(errStr, "recipient"), strings.Contains(errStr, "mailbox"):
		return true
	case strings.Contains(errStr, "too large"), strings.Contains(errStr, "size"):
		return true
	default:
		return false
	}
}

// ValidateEmail applies a minimal structural check before dialing.
func ValidateEmail(email string) error {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return fmt.Errorf("invalid email address: %q", email)
	}
	if !strings.Contains(email[at+1:], ".") {
		return fmt.Errorf("invalid email domain: %q", email)
	}
	return nil
}
