package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// WebhookSlackSender posts alert messages to a Slack incoming webhook.
type WebhookSlackSender struct {
	WebhookURL string
	HTTPClient *http.Client
}

// Send posts the message to the webhook.
func (s *WebhookSlackSender) Send(ctx context.Context, channel, content string) error {
	if s == nil || s.WebhookURL == "" {
		return fmt.Errorf("slack webhook url is empty")
	}
	payload, err := json.Marshal(map[string]string{
		"channel": channel,
		"text":    content,
	})
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// SMTPEmailSender delivers alert mail through a plain SMTP relay.
type SMTPEmailSender struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// Send builds the message and hands it to the relay.
func (s *SMTPEmailSender) Send(_ context.Context, subject, content string, to []string) error {
	if s == nil || s.Host == "" || s.From == "" || len(to) == 0 {
		return fmt.Errorf("smtp sender is not configured")
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(content)

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	if err := smtp.SendMail(addr, auth, s.From, to, []byte(msg.String())); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}
	return nil
}
