package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/vidgen-lane/internal/config"
	"github.com/ChuLiYu/vidgen-lane/internal/executor"
	"github.com/ChuLiYu/vidgen-lane/internal/jobstore"
	"github.com/ChuLiYu/vidgen-lane/internal/metrics"
	"github.com/ChuLiYu/vidgen-lane/internal/remote"
	"github.com/ChuLiYu/vidgen-lane/internal/remote/azure"
	"github.com/ChuLiYu/vidgen-lane/internal/scheduler"
	"github.com/ChuLiYu/vidgen-lane/internal/storage"
)

// App is one fully wired lane.
type App struct {
	Config    *config.Config
	Registry  *prometheus.Registry
	Metrics   *metrics.Collector
	Store     *jobstore.Store
	Files     *storage.FileStore
	Remote    remote.Client
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	Logger    zerolog.Logger
}

// NewApp wires store, remote client, executor and scheduler from cfg.
func NewApp(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	client, err := NewRemote(cfg, logger)
	if err != nil {
		return nil, err
	}

	files, err := storage.NewFileStore(cfg.Storage.VideoDir)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	store := jobstore.New()
	exec := executor.New(executor.Config{
		PollInterval:  cfg.Executor.PollInterval,
		PollTimeout:   cfg.Executor.PollTimeout,
		MaxPolls:      cfg.Executor.MaxPolls,
		MaxPollErrors: cfg.Executor.MaxPollErrors,
		PublicBaseURL: cfg.Executor.PublicBaseURL,
	}, client, store, files, collector, logger)

	sched := scheduler.New(scheduler.Config{
		SweepInterval:   cfg.Scheduler.SweepInterval,
		RetainMax:       cfg.Scheduler.RetainMax,
		RemoveArtifacts: cfg.Scheduler.RemoveArtifacts,
	}, store, exec, files, collector, logger)

	return &App{
		Config:    cfg,
		Registry:  reg,
		Metrics:   collector,
		Store:     store,
		Files:     files,
		Remote:    client,
		Executor:  exec,
		Scheduler: sched,
		Logger:    logger,
	}, nil
}

// NewRemote builds the configured remote backend.
func NewRemote(cfg *config.Config, logger zerolog.Logger) (remote.Client, error) {
	switch cfg.Remote.Provider {
	case config.ProviderSimulator:
		return remote.NewSimulator(remote.SimulatorConfig{
			ProgressStep: cfg.Remote.Simulator.ProgressStep,
			Latency:      cfg.Remote.Simulator.Latency,
			FailureRate:  cfg.Remote.Simulator.FailureRate,
		}), nil
	case config.ProviderAzure:
		client, err := azure.NewClient(azure.Options{
			Endpoint:       cfg.Remote.Endpoint,
			APIKey:         cfg.Remote.APIKey,
			Logger:         &logger,
			RequestTimeout: cfg.Remote.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("azure client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown remote provider %q", cfg.Remote.Provider)
	}
}
