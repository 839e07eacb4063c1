// ============================================================================
// vidgen-lane CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   vidgen                         # Root command
//   ├── run                        # Start the lane and ops servers
//   │   ├── --file, -f             # Optional job JSON file submitted at startup
//   │   └── --simulate             # Use the in-process simulated backend
//   ├── submit                     # Run a batch of jobs to completion
//   │   ├── --file, -f             # Job JSON file
//   │   ├── --simulate
//   │   └── --timeout              # Give up waiting after this long
//   ├── check                      # Test the remote connection
//   ├── status                     # Show effective configuration
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   YAML file plus .env and environment overrides, see internal/config.
//
// run Command:
//   1. Load config and build the logger
//   2. Wire store, remote client, executor and scheduler
//   3. Start the scheduler and (if enabled) the ops HTTP/gRPC servers
//   4. Submit the jobs from --file, if given
//   5. Wait for SIGINT / SIGTERM
//   6. Stop the scheduler; the in-flight job fails with "scheduler stopped"
//
//   The ops servers expose health, status and metrics only. Jobs enter
//   through --file or through an embedding program calling
//   Scheduler.Submit on an App built with NewApp.
//
//   Examples:
//     ./vidgen run -f jobs.json
//     ./vidgen run --simulate -c configs/dev.yaml
//
// submit Command:
//   JSON format:
//   [
//     {
//       "kind": "text2video",
//       "prompt": "a red fox running through snow",
//       "parameters": {"resolution": "1280x720", "duration": 8}
//     },
//     {
//       "kind": "image2video",
//       "prompt": "slow zoom",
//       "image_path": "frames/fox.png"
//     }
//   ]
//   image_path is resolved relative to the job file. Every entry is
//   validated before any job is submitted.
//
//   Examples:
//     ./vidgen submit -f jobs.json
//
// Error Handling:
//   - Config load failed: Return detailed error information
//   - Validation failed: Nothing is submitted
//   - Job failures: Reported per job; the command exits non-zero
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/vidgen-lane/internal/config"
	"github.com/ChuLiYu/vidgen-lane/internal/logging"
	"github.com/ChuLiYu/vidgen-lane/internal/remote"
	"github.com/ChuLiYu/vidgen-lane/internal/server"
	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vidgen",
		Short: "vidgen: a single-lane video generation job runner",
		Long: `vidgen runs video generation jobs against a remote API one at a time:
- FIFO admission, at most one active job
- Progress tracking across submit, poll and download
- Retention sweep of finished jobs
- Prometheus metrics and gRPC health`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path (empty for built-in defaults)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildCheckCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadSettings reads the config file and builds the logger.
func loadSettings(simulate bool) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	if simulate {
		cfg.Remote.Provider = config.ProviderSimulator
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var (
		jobFile  string
		simulate bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the generation lane",
		Long: `Start the scheduler and ops servers and process jobs until interrupted.

Jobs from --file are validated and submitted at startup. The ops servers
serve /healthz, /statusz, /metrics and gRPC health only; there is no
network job intake, so other jobs must come from a program embedding the lane.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []jobSpec
			if jobFile != "" {
				var err error
				if specs, err = readJobFile(jobFile); err != nil {
					return err
				}
			}
			cfg, logger, err := loadSettings(simulate)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runLane(ctx, cfg, logger, specs)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file of jobs to submit at startup")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use the simulated remote backend")
	return cmd
}

// runLane submits specs and blocks until ctx is cancelled or a server fails.
func runLane(ctx context.Context, cfg *config.Config, logger zerolog.Logger, specs []jobSpec) error {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	if err := app.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	logger.Info().
		Str("provider", cfg.Remote.Provider).
		Str("video_dir", app.Files.BasePath()).
		Msg("lane started")

	for _, spec := range specs {
		rec := app.Scheduler.Submit(spec.Kind, types.Input{Prompt: spec.Prompt, ImagePath: spec.ImagePath}, spec.Parameters)
		logger.Info().Str("job_id", string(rec.ID)).Str("kind", string(rec.Kind)).Msg("job submitted from file")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled {
		srv := server.New(server.Options{
			HTTPAddr: cfg.Server.HTTPAddr,
			GRPCAddr: cfg.Server.GRPCAddr,
		}, app.Scheduler, app.Registry, logger)
		srv.SetServing(true)
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		app.Scheduler.Stop()
		return nil
	})

	return g.Wait()
}

// ============================================================================
// submit
// ============================================================================

// jobSpec is one entry of a job file.
type jobSpec struct {
	Kind       types.Kind       `json:"kind"`
	Prompt     string           `json:"prompt"`
	ImagePath  string           `json:"image_path"`
	Parameters types.Parameters `json:"parameters"`
}

func buildSubmitCommand() *cobra.Command {
	var (
		jobFile  string
		simulate bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run jobs from a JSON file",
		Long:  "Validate and submit every job in a JSON file, wait for the lane to drain and print the outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			specs, err := readJobFile(jobFile)
			if err != nil {
				return err
			}
			cfg, logger, err := loadSettings(simulate)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return submitJobs(ctx, cfg, logger, specs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "use the simulated remote backend")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "maximum time to wait for all jobs")
	cmd.MarkFlagRequired("file")

	return cmd
}

// readJobFile parses and validates a job file. Parameters get defaults and
// image paths are made absolute relative to the file.
func readJobFile(path string) ([]jobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var specs []jobSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("job file %s contains no jobs", path)
	}

	baseDir := filepath.Dir(path)
	var errs []error
	for i := range specs {
		spec := &specs[i]
		if spec.Kind == "" {
			spec.Kind = types.KindTextToVideo
		}
		spec.Parameters = remote.DefaultParameters(spec.Parameters)
		if spec.ImagePath != "" && !filepath.IsAbs(spec.ImagePath) {
			spec.ImagePath = filepath.Join(baseDir, spec.ImagePath)
		}
		input := types.Input{Prompt: spec.Prompt, ImagePath: spec.ImagePath}
		if err := remote.Validate(spec.Kind, input, spec.Parameters); err != nil {
			errs = append(errs, fmt.Errorf("job %d: %w", i+1, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return specs, nil
}

// submitJobs runs specs through a fresh in-process lane.
func submitJobs(ctx context.Context, cfg *config.Config, logger zerolog.Logger, specs []jobSpec, out io.Writer) error {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := app.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	ids := make([]types.JobID, 0, len(specs))
	for _, spec := range specs {
		rec := app.Scheduler.Submit(spec.Kind, types.Input{Prompt: spec.Prompt, ImagePath: spec.ImagePath}, spec.Parameters)
		ids = append(ids, rec.ID)
	}
	fmt.Fprintf(out, "Submitted %d jobs\n", len(ids))

	waitErr := app.Scheduler.WaitIdle(ctx)
	app.Scheduler.Stop()

	failed := printOutcomes(out, app, ids)
	if waitErr != nil {
		return fmt.Errorf("jobs did not finish: %w", waitErr)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(ids))
	}
	return nil
}

func printOutcomes(out io.Writer, app *App, ids []types.JobID) int {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tKIND\tSTATUS\tPROGRESS\tRESULT")

	failed := 0
	for _, id := range ids {
		rec, ok := app.Scheduler.Get(id)
		if !ok {
			fmt.Fprintf(tw, "%s\t-\tdeleted\t-\t-\n", id)
			continue
		}
		detail := "-"
		switch rec.Status {
		case types.StatusCompleted:
			detail = rec.Result.LocalPath
		case types.StatusFailed:
			failed++
			detail = rec.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n", rec.ID, rec.Kind, rec.Status, rec.Progress, detail)
	}
	tw.Flush()
	return failed
}

// ============================================================================
// check
// ============================================================================

func buildCheckCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Test the remote API connection",
		Long:  "Verify endpoint and credentials by listing videos on the remote API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadSettings(false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return checkConnection(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "connection test timeout")
	return cmd
}

func checkConnection(ctx context.Context, cfg *config.Config, logger zerolog.Logger, out io.Writer) error {
	client, err := NewRemote(cfg, logger)
	if err != nil {
		fmt.Fprintf(out, "❌ %s backend not configured: %v\n", cfg.Remote.Provider, err)
		return err
	}

	pinger, ok := client.(remote.Pinger)
	if !ok {
		fmt.Fprintf(out, "⚠️  %s backend does not support connection tests\n", cfg.Remote.Provider)
		return nil
	}

	start := time.Now()
	if err := pinger.Ping(ctx); err != nil {
		fmt.Fprintf(out, "❌ Connection failed: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "✅ Connection OK (%s, %s)\n", cfg.Remote.Provider, time.Since(start).Round(time.Millisecond))
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration status",
		Long:  "Display the effective configuration after file, .env and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			showStatus(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
	return cmd
}

func showStatus(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           vidgen Configuration Status                     ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Lane:")
	fmt.Fprintf(out, "  ├─ Config File:      %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Retain Max:       %d jobs\n", cfg.Scheduler.RetainMax)
	fmt.Fprintf(out, "  ├─ Sweep Every:      %s\n", cfg.Scheduler.SweepInterval)
	fmt.Fprintf(out, "  └─ Remove Artifacts: %t\n", cfg.Scheduler.RemoveArtifacts)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🔄 Polling:")
	fmt.Fprintf(out, "  ├─ Interval:         %s\n", cfg.Executor.PollInterval)
	fmt.Fprintf(out, "  ├─ Timeout:          %s\n", cfg.Executor.PollTimeout)
	fmt.Fprintf(out, "  ├─ Max Polls:        %d\n", cfg.Executor.MaxPolls)
	fmt.Fprintf(out, "  └─ Max Poll Errors:  %d\n", cfg.Executor.MaxPollErrors)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🌐 Remote:")
	fmt.Fprintf(out, "  ├─ Provider:         %s\n", cfg.Remote.Provider)
	if cfg.Remote.Provider == config.ProviderAzure {
		if cfg.HasCredentials() {
			fmt.Fprintf(out, "  ├─ Endpoint:         %s\n", cfg.Remote.Endpoint)
			fmt.Fprintf(out, "  └─ API Key:          %s\n", cfg.MaskedAPIKey())
		} else {
			fmt.Fprintf(out, "  └─ Credentials:      ⚠️  missing (set %s and %s)\n", config.EnvEndpoint, config.EnvAPIKey)
		}
	} else {
		fmt.Fprintf(out, "  └─ Failure Rate:     %d%%\n", cfg.Remote.Simulator.FailureRate)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Storage:")
	fmt.Fprintf(out, "  ├─ Video Directory:  %s\n", cfg.Storage.VideoDir)
	fmt.Fprintf(out, "  └─ Public Base URL:  %s\n", cfg.Executor.PublicBaseURL)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Ops Server:")
	if cfg.Server.Enabled {
		fmt.Fprintf(out, "  ├─ HTTP:             %s (/healthz /statusz /metrics)\n", cfg.Server.HTTPAddr)
		fmt.Fprintf(out, "  └─ gRPC Health:      %s\n", cfg.Server.GRPCAddr)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
}
