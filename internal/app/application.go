package app

import (
	"context"
	"time"

	"github.com/Beacon-Analytics/experiment_layer/internal/app/bucket"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/cache"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/services/experiments"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/services/flags"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/storage"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/storage/memory"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/system"
	"github.com/Beacon-Analytics/experiment_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Experiments storage.ExperimentStore
	Flags       storage.FlagStore
	Evaluations storage.EvaluationStore
}

// Options tunes application construction.
type Options struct {
	// Cache is the advisory KV cache; nil selects an in-process cache.
	Cache cache.KV
	// Strategy is the bucketing strategy; nil selects the canonical
	// default. Every cooperating component must agree on it.
	Strategy bucket.Strategy
	// FlagConfigTTL and FlagEvalTTL override the flag cache TTLs when
	// positive.
	FlagConfigTTL time.Duration
	FlagEvalTTL   time.Duration
}

// Application ties the domain services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Experiments *experiments.Service
	Flags       *flags.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	manager := system.NewManager()

	mem := memory.New()
	if stores.Experiments == nil {
		stores.Experiments = mem
	}
	if stores.Flags == nil {
		stores.Flags = mem
	}
	if stores.Evaluations == nil {
		stores.Evaluations = mem
	}

	kv := opts.Cache
	if kv == nil {
		memKV := cache.NewMemory()
		manager.Register(memoryCacheService{kv: memKV})
		kv = memKV
	}

	strategy := opts.Strategy
	if strategy == nil {
		strategy = bucket.Default()
	}

	flagOpts := []flags.Option{flags.WithStrategy(strategy)}
	if opts.FlagConfigTTL > 0 && opts.FlagEvalTTL > 0 {
		flagOpts = append(flagOpts, flags.WithTTLs(opts.FlagConfigTTL, opts.FlagEvalTTL))
	}

	return &Application{
		manager:     manager,
		log:         log,
		Experiments: experiments.New(stores.Experiments, strategy, log.WithField("component", "experiments")),
		Flags:       flags.New(stores.Flags, stores.Evaluations, kv, log.WithField("component", "flags"), flagOpts...),
	}, nil
}

// Start launches lifecycle-managed components.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop halts lifecycle-managed components.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// memoryCacheService adapts the in-process cache to the lifecycle manager
// so its expiry loop is shut down with the application.
type memoryCacheService struct {
	kv *cache.Memory
}

func (memoryCacheService) Name() string { return "memory-cache" }

func (memoryCacheService) Start(context.Context) error { return nil }

func (s memoryCacheService) Stop(context.Context) error {
	s.kv.Stop()
	return nil
}
