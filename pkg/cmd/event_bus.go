package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/dukex/lexflow/pkg/channels/gochannel"
	"github.com/dukex/lexflow/pkg/channels/kafka"
	"github.com/dukex/lexflow/pkg/eventbus"
)

const serviceName = "lexflow"

// NewEventBus creates the bus for provider: gochannel keeps events in process,
// kafka connects to brokers (a comma separated list).
func NewEventBus(logger *slog.Logger, provider, brokers string) (eventbus.EventBus, error) {
	adapter := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "gochannel":
		pubsub := gochannel.CreateChannel(adapter, gochannel.Options{})

		return eventbus.NewWatermillEventBus(logger, pubsub, pubsub), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(adapter, kafka.ParseBrokers(brokers), serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %q", provider)
	}
}
