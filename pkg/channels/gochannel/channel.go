// Package gochannel provides the in-memory event bus transport used by tests
// and single-process deployments.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const defaultBuffer = 1000

// Options tunes the in-memory pubsub.
type Options struct {
	// Buffer is the per-subscriber output buffer (1000 when zero)
	Buffer int64
	// Deterministic keeps messages and blocks each publish until it is
	// acknowledged, so tests observe deliveries in order
	Deterministic bool
}

// CreateChannel returns a GoChannel pubsub; the same instance is both the
// publisher and the subscriber.
func CreateChannel(logger watermill.LoggerAdapter, opts Options) *gochannel.GoChannel {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     opts.Deterministic,
			BlockPublishUntilSubscriberAck: opts.Deterministic,
		},
		logger,
	)
}
