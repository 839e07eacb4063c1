package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/vidgen-lane/internal/cli"
	"github.com/ChuLiYu/vidgen-lane/internal/config"
	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

var prompts = []string{
	"a red fox running through fresh snow",
	"time-lapse of clouds over a mountain lake",
	"paper boat drifting down a rainy street",
	"neon city skyline at night, slow pan",
	"hummingbird hovering beside a flower",
}

func main() {
	configPath := flag.String("config", "configs/default.yaml", "config file path")
	jobCount := flag.Int("jobs", 5, "number of jobs to submit")
	failureRate := flag.Int("failure-rate", 20, "simulated remote failure percentage")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Remote.Provider = config.ProviderSimulator
	cfg.Remote.Simulator.FailureRate = *failureRate
	cfg.Remote.Simulator.Latency = 50 * time.Millisecond
	cfg.Executor.PollInterval = 200 * time.Millisecond

	app, err := cli.NewApp(cfg, zerolog.Nop())
	if err != nil {
		log.Fatalf("Failed to build lane: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Scheduler.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	fmt.Printf("✓ Lane started (simulated backend, failure rate %d%%)\n", *failureRate)

	ids := make([]types.JobID, 0, *jobCount)
	for i := 0; i < *jobCount; i++ {
		rec := app.Scheduler.Submit(types.KindTextToVideo,
			types.Input{Prompt: prompts[i%len(prompts)]},
			types.Parameters{Model: "sora-2", Resolution: "1280x720", Duration: 8})
		ids = append(ids, rec.ID)
	}
	fmt.Printf("✓ Submitted %d jobs\n", len(ids))
	fmt.Printf("\n⚡ Jobs run one at a time, press Ctrl+C to stop early\n\n")

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for !app.Scheduler.Idle() {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			app.Scheduler.Stop()
			printSummary(app, ids)
			os.Exit(1)
		case <-ticker.C:
			printActive(app)
		}
	}

	app.Scheduler.Stop()
	fmt.Println("\n✓ Lane drained")
	printSummary(app, ids)
}

func printActive(app *cli.App) {
	stats := app.Scheduler.Stats()
	for _, rec := range app.Scheduler.List() {
		if rec.Status == types.StatusActive {
			fmt.Printf("📊 %s %3d%%  (queued=%d completed=%d failed=%d)\n",
				rec.ID, rec.Progress, stats.Queued, stats.Completed, stats.Failed)
			return
		}
	}
}

func printSummary(app *cli.App, ids []types.JobID) {
	stats := app.Scheduler.Stats()
	fmt.Printf("\n📊 Final Status:\n")
	fmt.Printf("  Queued:    %d\n", stats.Queued)
	fmt.Printf("  Active:    %d\n", stats.Active)
	fmt.Printf("  Completed: %d\n", stats.Completed)
	fmt.Printf("  Failed:    %d\n", stats.Failed)
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:     %d\n\n", stats.Total)

	for _, id := range ids {
		rec, ok := app.Scheduler.Get(id)
		if !ok {
			continue
		}
		switch rec.Status {
		case types.StatusCompleted:
			fmt.Printf("  ✓ %s → %s\n", rec.ID, rec.Result.ResolvedURL)
		case types.StatusFailed:
			fmt.Printf("  ✗ %s: %s\n", rec.ID, rec.Error)
		default:
			fmt.Printf("  … %s: %s\n", rec.ID, rec.Status)
		}
	}
}
