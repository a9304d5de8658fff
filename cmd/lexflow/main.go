// Command lexflow runs the legal workflow engine: the REST API and the worker
// that consumes domain events and drives schedules and timers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/lexflow/pkg/cache"
	"github.com/dukex/lexflow/pkg/cmd"
	"github.com/dukex/lexflow/pkg/notification"
	"github.com/dukex/lexflow/pkg/scheduler"
)

const defaultPort = 9091

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := &cli.Command{
		Name:                  "lexflow",
		Usage:                 "Workflow automation for legal practices",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			APICommand(),
			WorkerCommand(),
		},
	}

	if err := command.Run(ctx, os.Args); err != nil {
		panic(err)
	}
}

// runtimeFlags are shared by every command that wires the engine.
func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "database-url",
			Usage:    "Database connection URL for persistence (file:// or postgres://)",
			Required: true,
			Sources:  cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "cache-url",
			Usage:   "Active definition cache (empty for memory, redis://...)",
			Sources: cli.EnvVars("CACHE_URL"),
		},
		&cli.DurationFlag{
			Name:    "cache-ttl",
			Usage:   "Lifetime of cached active definitions",
			Value:   cache.DefaultTTL,
			Sources: cli.EnvVars("CACHE_TTL"),
		},
		&cli.StringFlag{
			Name:    "smtp-host",
			Usage:   "SMTP host of the email channel; email is logged when empty",
			Sources: cli.EnvVars("SMTP_HOST"),
		},
		&cli.IntFlag{
			Name:    "smtp-port",
			Value:   587,
			Sources: cli.EnvVars("SMTP_PORT"),
		},
		&cli.StringFlag{
			Name:    "smtp-username",
			Sources: cli.EnvVars("SMTP_USERNAME"),
		},
		&cli.StringFlag{
			Name:    "smtp-password",
			Sources: cli.EnvVars("SMTP_PASSWORD"),
		},
		&cli.StringFlag{
			Name:    "smtp-from",
			Value:   "flujos@lexflow.local",
			Sources: cli.EnvVars("SMTP_FROM"),
		},
		&cli.BoolFlag{
			Name:    "smtp-ssl",
			Sources: cli.EnvVars("SMTP_SSL"),
		},
		&cli.StringFlag{
			Name:    "templates-file",
			Usage:   "YAML catalog of named notification templates",
			Sources: cli.EnvVars("TEMPLATES_FILE"),
		},
		&cli.DurationFlag{
			Name:    "tick-interval",
			Usage:   "How often schedules, deferred starts and timers are checked",
			Value:   scheduler.DefaultInterval,
			Sources: cli.EnvVars("TICK_INTERVAL"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

func runtimeOptions(command *cli.Command) cmd.Options {
	return cmd.Options{
		DatabaseURL:  command.String("database-url"),
		EventBus:     command.String("event-bus"),
		KafkaBrokers: command.String("kafka-brokers"),
		CacheURL:     command.String("cache-url"),
		CacheTTL:     command.Duration("cache-ttl"),
		SMTP: notification.EmailConfig{
			Host:     command.String("smtp-host"),
			Port:     command.Int("smtp-port"),
			Username: command.String("smtp-username"),
			Password: command.String("smtp-password"),
			From:     command.String("smtp-from"),
			FromName: "LexFlow",
			SSL:      command.Bool("smtp-ssl"),
		},
		TemplatesFile: command.String("templates-file"),
		TickInterval:  command.Duration("tick-interval"),
		Tracing:       command.Bool("otel-enabled"),
	}
}

func closeRuntime(ctx context.Context, runtime *cmd.Runtime) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := runtime.Close(ctx); err != nil {
		runtime.Logger().ErrorContext(ctx, "Failed to close runtime", "error", err)
	}
}
