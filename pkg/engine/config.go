package engine

import "time"

const (
	DefaultMaxConflictRetries = 3
	DefaultTickBatchSize      = 100
	DefaultTickConcurrency    = 8
)

// Config tunes the engine. Zero values are replaced by defaults.
type Config struct {
	// Now is the engine clock
	Now func() time.Time
	// MaxConflictRetries bounds how many times a pass that lost an optimistic
	// version check is replayed against the fresh execution
	MaxConflictRetries int
	// TickBatchSize is how many due executions one Tick advances at most
	TickBatchSize int
	// TickConcurrency is how many due executions Tick advances at once
	TickConcurrency int
}

func (c Config) withDefaults() Config {
	if c.Now == nil {
		c.Now = time.Now
	}

	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = DefaultMaxConflictRetries
	}

	if c.TickBatchSize <= 0 {
		c.TickBatchSize = DefaultTickBatchSize
	}

	if c.TickConcurrency <= 0 {
		c.TickConcurrency = DefaultTickConcurrency
	}

	return c
}
