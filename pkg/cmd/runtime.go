package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/lexflow/pkg/audit"
	"github.com/dukex/lexflow/pkg/cache"
	"github.com/dukex/lexflow/pkg/config"
	"github.com/dukex/lexflow/pkg/dispatch"
	"github.com/dukex/lexflow/pkg/engine"
	"github.com/dukex/lexflow/pkg/eventbus"
	"github.com/dukex/lexflow/pkg/metrics"
	"github.com/dukex/lexflow/pkg/notification"
	"github.com/dukex/lexflow/pkg/otelhelper"
	"github.com/dukex/lexflow/pkg/persistence"
	"github.com/dukex/lexflow/pkg/policy"
	"github.com/dukex/lexflow/pkg/scheduler"
	"github.com/dukex/lexflow/pkg/services"
)

// Options selects the backends of a Runtime.
type Options struct {
	DatabaseURL   string
	EventBus      string
	KafkaBrokers  string
	CacheURL      string
	CacheTTL      time.Duration
	SMTP          notification.EmailConfig
	// TemplatesFile is an optional YAML catalog of notification templates
	TemplatesFile string
	TickInterval  time.Duration
	Tracing       bool
}

// Runtime is the wired engine shared by the api and worker commands.
type Runtime struct {
	Persistence persistence.Persistence
	EventBus    eventbus.EventBus
	Engine      *engine.Engine
	Scheduler   *scheduler.Scheduler
	Definitions *services.Definitions
	Executions  *services.Executions
	Ingress     *services.Ingress
	Metrics     *metrics.Metrics

	logger   *slog.Logger
	shutdown otelhelper.ShutdownFunc
}

func NewRuntime(ctx context.Context, logger *slog.Logger, opts Options) (*Runtime, error) {
	r := &Runtime{logger: logger, Metrics: metrics.NewMetrics()}

	var tracer trace.Tracer

	if opts.Tracing {
		t, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		tracer, r.shutdown = t, shutdown
	}

	store, err := NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return nil, r.fail(ctx, err)
	}

	r.Persistence = store

	bus, err := NewEventBus(logger, opts.EventBus, opts.KafkaBrokers)
	if err != nil {
		return nil, r.fail(ctx, err)
	}

	r.EventBus = bus

	definitionCache, err := cache.NewFromURL(ctx, logger, opts.CacheURL, opts.CacheTTL)
	if err != nil {
		return nil, r.fail(ctx, err)
	}

	var templates *config.Templates

	if opts.TemplatesFile != "" {
		if templates, err = config.LoadTemplates(opts.TemplatesFile); err != nil {
			return nil, r.fail(ctx, err)
		}

		logger.InfoContext(ctx, "Loaded notification templates", "count", templates.Len())
	}

	notifier := NewNotifier(logger, bus, opts.SMTP)
	emitter := audit.Multi{audit.NewLogEmitter(logger), audit.NewBusEmitter(bus)}
	policies := policy.NewTable()

	r.Engine = engine.New(logger, engine.Dependencies{
		Definitions: store.Definitions(),
		Executions:  store.Executions(),
		Dispatcher: dispatch.NewActionDispatcher(logger, dispatch.Collaborators{
			Notifier:  notifier,
			Documents: dispatch.NewBusDocuments(bus),
			Forms:     dispatch.NewBusForms(bus),
			Templates: templates,
		}),
		Notifier:  notifier,
		Audit:     emitter,
		Publisher: bus,
		Policies:  policies,
		Tracer:    tracer,
		Metrics:   r.Metrics,
	}, engine.Config{})

	r.Scheduler = scheduler.New(logger, scheduler.Dependencies{
		Definitions: store.Definitions(),
		Schedules:   store.Schedules(),
		Starter:     r.Engine,
		Sweeper:     r.Engine,
	}, scheduler.Config{Interval: opts.TickInterval})

	r.Definitions = services.NewDefinitions(logger, services.DefinitionsDependencies{
		Definitions: store.Definitions(),
		Executions:  store.Executions(),
		Cache:       definitionCache,
		Policies:    policies,
		Schedules:   r.Scheduler,
		Audit:       emitter,
		Metrics:     r.Metrics,
	})

	r.Executions = services.NewExecutions(logger, services.ExecutionsDependencies{
		Definitions: r.Definitions,
		Executions:  store.Executions(),
		Runner:      r.Engine,
		Deferrer:    r.Scheduler,
	})

	r.Ingress = services.NewIngress(logger, services.IngressDependencies{
		Definitions: r.Definitions,
		Runner:      r.Engine,
		Metrics:     r.Metrics,
	})

	return r, nil
}

func (r *Runtime) Logger() *slog.Logger {
	return r.logger
}

// Close releases the bus, the store and the tracer.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error

	if r.EventBus != nil {
		if err := r.EventBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
	}

	if r.Persistence != nil {
		if err := r.Persistence.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close persistence: %w", err))
		}
	}

	if r.shutdown != nil {
		if err := r.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (r *Runtime) fail(ctx context.Context, err error) error {
	if closeErr := r.Close(ctx); closeErr != nil {
		r.logger.ErrorContext(ctx, "Failed to release runtime", "error", closeErr)
	}

	return err
}
