// Package notification delivers workflow notifications over the configured
// channels.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Channel names accepted in canal fields.
const (
	ChannelEmail  = "EMAIL"
	ChannelSystem = "SISTEMA"
	ChannelLog    = "LOG"
)

var (
	ErrNoRecipients   = errors.New("notification has no recipients")
	ErrUnknownChannel = errors.New("unknown notification channel")
)

// Message is a rendered notification.
type Message struct {
	TenantID   string
	Channel    string
	Recipients []string
	Subject    string
	Body       string
	Metadata   map[string]any
}

// Notifier sends a message. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Router sends each message through the notifier registered for its channel,
// falling back to the default channel when the message names none.
type Router struct {
	logger         *slog.Logger
	defaultChannel string
	notifiers      map[string]Notifier
}

func NewRouter(logger *slog.Logger, defaultChannel string) *Router {
	return &Router{
		logger:         logger.With("module", "notification_router"),
		defaultChannel: strings.ToUpper(defaultChannel),
		notifiers:      map[string]Notifier{},
	}
}

// Register adds a channel. It returns the router for chaining.
func (r *Router) Register(channel string, notifier Notifier) *Router {
	r.notifiers[strings.ToUpper(channel)] = notifier

	return r
}

func (r *Router) Notify(ctx context.Context, msg Message) error {
	if len(msg.Recipients) == 0 {
		return ErrNoRecipients
	}

	channel := strings.ToUpper(msg.Channel)
	if channel == "" {
		channel = r.defaultChannel
	}

	notifier, ok := r.notifiers[channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, msg.Channel)
	}

	msg.Channel = channel

	r.logger.DebugContext(ctx, "routing notification", "channel", channel, "recipients", len(msg.Recipients))

	return notifier.Notify(ctx, msg)
}

// LogNotifier writes notifications to the log. It is the development
// fallback for every channel.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("module", "notification_log")}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "notification",
		"tenant_id", msg.TenantID,
		"channel", msg.Channel,
		"recipients", msg.Recipients,
		"subject", msg.Subject,
		"body", msg.Body,
	)

	return nil
}
