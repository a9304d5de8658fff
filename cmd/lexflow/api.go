package main

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dukex/lexflow/pkg/auth"
	"github.com/dukex/lexflow/pkg/cmd"
	"github.com/dukex/lexflow/pkg/log"
	"github.com/dukex/lexflow/pkg/web"
)

type API struct {
	logger   *slog.Logger
	runtime  *cmd.Runtime
	tokens   *auth.Manager
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, runtime *cmd.Runtime, tokens *auth.Manager) *API {
	return &API{
		logger:   logger,
		runtime:  runtime,
		tokens:   tokens,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		a.runtime.Definitions,
		a.runtime.Executions,
		a.runtime.Ingress,
		a.validate,
		a.runtime.Persistence,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("LexFlow API")
	})

	handlers.Register(app, a.tokens.Middleware())

	return app
}

// Start serves the API until ctx is done.
func (a *API) Start(ctx context.Context, port int) error {
	app := a.App()

	go func() {
		<-ctx.Done()

		if err := app.Shutdown(); err != nil {
			a.logger.Error("Failed to shutdown API", "error", err)
		}
	}()

	return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
}

func APICommand() *cli.Command {
	flags := append([]cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.StringFlag{
			Name:     "jwt-secret",
			Usage:    "HMAC secret of the bearer tokens",
			Required: true,
			Sources:  cli.EnvVars("JWT_SECRET"),
		},
		&cli.DurationFlag{
			Name:    "jwt-ttl",
			Usage:   "Lifetime of issued tokens",
			Value:   auth.DefaultTTL,
			Sources: cli.EnvVars("JWT_TTL"),
		},
		&cli.BoolFlag{
			Name:    "with-worker",
			Usage:   "Also consume events and run the scheduler in this process",
			Sources: cli.EnvVars("WITH_WORKER"),
		},
	}, runtimeFlags()...)

	return &cli.Command{
		Name:    "api",
		Aliases: []string{"a"},
		Usage:   "Start the REST API",
		Flags:   flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("api")
			logger.InfoContext(ctx, "Initializing LexFlow API")

			runtime, err := cmd.NewRuntime(ctx, logger, runtimeOptions(command))
			if err != nil {
				return err
			}
			defer closeRuntime(ctx, runtime)

			api := NewAPI(logger, runtime, auth.NewManager(command.String("jwt-secret"), command.Duration("jwt-ttl")))

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return api.Start(ctx, command.Int("port"))
			})

			if command.Bool("with-worker") {
				worker := NewWorker(logger, runtime)

				g.Go(func() error {
					return worker.Run(ctx)
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		},
	}
}
