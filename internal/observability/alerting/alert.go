// Package alerting fans out alert-worthy escrow failures to the configured
// notification channels. Senders are consumed interfaces; the daemon wires
// concrete transports in.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "InheritChain/internal/errors"
	"InheritChain/pkg/logger"
)

// Channel names a notification transport.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSlack Channel = "slack"
)

// Event describes one alert-worthy incident, typically an aborted escrow
// run or a repeated sink failure.
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	EscrowID   string
	Metadata   map[string]string
	OccurredAt time.Time
}

// FromError builds an Event out of a coded error. The second return is
// false when the error is not flagged for alerting.
func FromError(err error, escrowID string) (Event, bool) {
	if err == nil || !xerrors.ShouldAlert(err) {
		return Event{}, false
	}
	return Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		EscrowID:   escrowID,
		Metadata:   xerrors.MetadataOf(err),
		OccurredAt: time.Now(),
	}, true
}

// Notifier delivers events to one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher broadcasts events.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher delivers every event to every registered notifier.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout builds a dispatcher over the given notifiers; nils are skipped.
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

// Notify implements Dispatcher.
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
	return errors.Join(errs...)
}

// EmailSender is the transport capability the email notifier consumes.
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier formats events as plain-text mail.
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify implements Notifier.
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("email notifier not configured, dropping alert",
			slog.String("escrow_id", event.EscrowID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := fmt.Sprintf("time: %s\nescrow: %s\ncode: %s\nmessage: %s\n",
		event.OccurredAt.Format(time.RFC3339), event.EscrowID, event.Code, event.Message)
	if len(event.Metadata) > 0 {
		content += "details:\n"
		for k, v := range event.Metadata {
			content += fmt.Sprintf("- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, content, n.To)
}

// SlackSender is the transport capability the Slack notifier consumes.
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier posts events to a Slack channel.
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("slack notifier not configured, dropping alert",
			slog.String("escrow_id", event.EscrowID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (escrow %s)", event.Severity, event.Code, event.Message, event.EscrowID)
	return n.Sender.Send(ctx, n.ChannelID, content)
}
