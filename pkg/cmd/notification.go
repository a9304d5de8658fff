package cmd

import (
	"log/slog"

	"github.com/dukex/lexflow/pkg/eventbus"
	"github.com/dukex/lexflow/pkg/notification"
)

// NewNotifier routes LOG to the log, SISTEMA to the notifications module over
// the bus and EMAIL to SMTP. Without an SMTP host, email is logged.
func NewNotifier(logger *slog.Logger, publisher eventbus.EventPublisher, smtp notification.EmailConfig) *notification.Router {
	logNotifier := notification.NewLogNotifier(logger)

	router := notification.NewRouter(logger, notification.ChannelSystem).
		Register(notification.ChannelLog, logNotifier).
		Register(notification.ChannelSystem, notification.NewBusNotifier(publisher))

	if smtp.Host == "" {
		logger.Warn("SMTP is not configured, email notifications are logged")

		return router.Register(notification.ChannelEmail, logNotifier)
	}

	return router.Register(notification.ChannelEmail, notification.NewEmailNotifier(logger, smtp, nil))
}
