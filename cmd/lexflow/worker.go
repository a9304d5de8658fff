package main

import (
	"context"
	"fmt"
	"log/slog"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/lexflow/pkg/cmd"
	"github.com/dukex/lexflow/pkg/eventbus"
	"github.com/dukex/lexflow/pkg/log"
)

// Worker consumes domain events and runs the scheduler loop.
type Worker struct {
	logger  *slog.Logger
	runtime *cmd.Runtime
}

func NewWorker(logger *slog.Logger, runtime *cmd.Runtime) *Worker {
	return &Worker{
		logger:  logger.With("module", "worker"),
		runtime: runtime,
	}
}

// Run listens for events and runs the scheduler until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Listen(ctx); err != nil {
		return err
	}

	return w.runtime.Scheduler.Run(ctx)
}

// Listen subscribes the ingress to domain events without blocking.
func (w *Worker) Listen(ctx context.Context) error {
	bus := w.runtime.EventBus

	if err := eventbus.OnDomainEvent(bus, w.runtime.Ingress.Consume); err != nil {
		return fmt.Errorf("failed to register domain event handler: %w", err)
	}

	if err := bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	w.logger.InfoContext(ctx, "Worker listening for domain events")

	return nil
}

func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:    "worker",
		Aliases: []string{"w"},
		Usage:   "Consume domain events and drive schedules and timers",
		Flags:   runtimeFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("worker")
			logger.InfoContext(ctx, "Initializing LexFlow worker")

			runtime, err := cmd.NewRuntime(ctx, logger, runtimeOptions(command))
			if err != nil {
				return err
			}
			defer closeRuntime(ctx, runtime)

			return NewWorker(logger, runtime).Run(ctx)
		},
	}
}
