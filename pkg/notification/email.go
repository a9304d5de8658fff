package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"

	"gopkg.in/gomail.v2"
)

// EmailConfig is the SMTP configuration of the email channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	SSL      bool
}

// Sender is satisfied by *gomail.Dialer.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Directory resolves user ids to email addresses.
type Directory interface {
	EmailFor(ctx context.Context, tenantID, userID string) (string, error)
}

// EmailNotifier sends notifications by SMTP. Recipients that are already
// addresses are used as is; user ids are resolved through the directory.
type EmailNotifier struct {
	logger    *slog.Logger
	config    EmailConfig
	sender    Sender
	directory Directory
}

// NewEmailNotifier dials the configured SMTP server for every message.
func NewEmailNotifier(logger *slog.Logger, config EmailConfig, directory Directory) *EmailNotifier {
	dialer := gomail.NewDialer(config.Host, config.Port, config.Username, config.Password)
	dialer.SSL = config.SSL

	return NewEmailNotifierWithSender(logger, config, dialer, directory)
}

func NewEmailNotifierWithSender(logger *slog.Logger, config EmailConfig, sender Sender, directory Directory) *EmailNotifier {
	return &EmailNotifier{
		logger:    logger.With("module", "notification_email"),
		config:    config,
		sender:    sender,
		directory: directory,
	}
}

func (n *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	addresses := n.resolve(ctx, msg)
	if len(addresses) == 0 {
		return ErrNoRecipients
	}

	m := gomail.NewMessage()
	if n.config.FromName != "" {
		m.SetAddressHeader("From", n.config.From, n.config.FromName)
	} else {
		m.SetHeader("From", n.config.From)
	}

	m.SetHeader("To", addresses...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.InfoContext(ctx, "email sent", "tenant_id", msg.TenantID, "recipients", len(addresses))

	return nil
}

func (n *EmailNotifier) resolve(ctx context.Context, msg Message) []string {
	addresses := make([]string, 0, len(msg.Recipients))

	for _, recipient := range msg.Recipients {
		if addr, err := mail.ParseAddress(recipient); err == nil {
			addresses = append(addresses, addr.Address)

			continue
		}

		if n.directory == nil {
			n.logger.WarnContext(ctx, "no directory to resolve recipient", "recipient", recipient)

			continue
		}

		address, err := n.directory.EmailFor(ctx, msg.TenantID, recipient)
		if err != nil {
			n.logger.WarnContext(ctx, "failed to resolve recipient", "recipient", recipient, "error", err)

			continue
		}

		addresses = append(addresses, address)
	}

	return addresses
}
