// Package alerting fans out failure events from the rebalance pipeline to
// the configured notification channels.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "whizy-agent/internal/errors"
	"whizy-agent/pkg/logger"
)

// Channel identifies a notification channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSlack Channel = "slack"
)

// Event describes one alert-worthy failure.
type Event struct {
	Code        xerrors.Code
	Message     string
	Severity    xerrors.Severity
	Channel     Channel
	JobID       string
	UserAddress string
	Attempts    int
	MaxRetries  int
	Metadata    map[string]string
	OccurredAt  time.Time
}

// Notifier delivers events to a single channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher broadcasts events to its notifiers.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher delivers each event to every registered notifier.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout builds a FanoutDispatcher from the given notifiers.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify broadcasts the event to all registered channels.
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EmailSender sends a plain email.
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier delivers alerts by email.
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify sends the alert email.
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("email notifier is not configured, skipping", slog.String("job_id", event.JobID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := fmt.Sprintf("time: %s\njob: %s\nuser: %s\nattempts: %d/%d\ncode: %s\nmessage: %s",
		event.OccurredAt.Format(time.RFC3339), event.JobID, event.UserAddress,
		event.Attempts, event.MaxRetries, event.Code, event.Message)
	if len(event.Metadata) > 0 {
		content += "\ndetails:\n"
		for k, v := range event.Metadata {
			content += fmt.Sprintf("- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, content, n.To)
}

// SlackSender posts a message to a Slack channel.
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier delivers alerts to Slack.
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify posts the alert message.
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("slack notifier is not configured, skipping", slog.String("job_id", event.JobID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (user %s, attempt %d/%d)",
		event.Severity, event.Code, event.Message, event.UserAddress, event.Attempts, event.MaxRetries)
	return n.Sender.Send(ctx, n.ChannelID, content)
}
