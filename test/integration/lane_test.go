package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/vidgen-lane/internal/cli"
	"github.com/ChuLiYu/vidgen-lane/internal/config"
	"github.com/ChuLiYu/vidgen-lane/internal/server"
	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

func newSimulatedApp(tb testing.TB, failureRate int) *cli.App {
	tb.Helper()
	cfg := config.Default()
	cfg.Remote.Provider = config.ProviderSimulator
	cfg.Remote.Simulator.ProgressStep = 34
	cfg.Remote.Simulator.FailureRate = failureRate
	cfg.Executor.PollInterval = time.Millisecond
	cfg.Executor.PollTimeout = 5 * time.Second
	cfg.Storage.VideoDir = tb.TempDir()

	app, err := cli.NewApp(cfg, zerolog.Nop())
	require.NoError(tb, err)
	return app
}

func generateTestJobs(app *cli.App, n int) []types.JobID {
	ids := make([]types.JobID, 0, n)
	for i := 0; i < n; i++ {
		rec := app.Scheduler.Submit(types.KindTextToVideo,
			types.Input{Prompt: fmt.Sprintf("job_%d", i)},
			types.Parameters{Model: "sora-2", Resolution: "1280x720", Duration: 8})
		ids = append(ids, rec.ID)
	}
	return ids
}

// 完整流程：提交 → 單通道執行 → ops 端點反映結果
func TestLaneEndToEnd(t *testing.T) {
	app := newSimulatedApp(t, 0)

	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(server.Options{}, app.Scheduler, app.Registry, zerolog.Nop())
	srv.SetServing(true)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, httpLis, grpcLis) }()

	require.NoError(t, app.Scheduler.Start(ctx))
	ids := generateTestJobs(app, 10)

	waitCtx, waitCancel := context.WithTimeout(ctx, 20*time.Second)
	defer waitCancel()
	require.NoError(t, app.Scheduler.WaitIdle(waitCtx))

	var prevDone time.Time
	for _, id := range ids {
		rec, ok := app.Scheduler.Get(id)
		require.True(t, ok)
		assert.Equal(t, types.StatusCompleted, rec.Status)
		assert.Equal(t, 100, rec.Progress)
		require.NotNil(t, rec.StartedAt)
		require.NotNil(t, rec.CompletedAt)
		// 單通道：下一個任務不會早於上一個任務結束前開始
		assert.False(t, rec.StartedAt.Before(prevDone), "job %s overlapped its predecessor", id)
		prevDone = *rec.CompletedAt
		assert.FileExists(t, rec.Result.LocalPath)
	}

	base := "http://" + httpLis.Addr().String()

	resp, err := http.Get(base + "/statusz")
	require.NoError(t, err)
	var status struct {
		Running bool        `json:"running"`
		Jobs    types.Stats `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.True(t, status.Running)
	assert.Equal(t, types.Stats{Total: 10, Completed: 10}, status.Jobs)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "vidgen_jobs_completed_total 10")
	assert.Contains(t, string(body), "vidgen_jobs_active 0")
	assert.Contains(t, string(body), "go_goroutines")

	app.Scheduler.Stop()
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ops server did not stop")
	}
}

// 部分失敗不會阻塞通道
func TestLaneDrainsWithFailures(t *testing.T) {
	app := newSimulatedApp(t, 50)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, app.Scheduler.Start(ctx))
	defer app.Scheduler.Stop()

	generateTestJobs(app, 20)
	require.NoError(t, app.Scheduler.WaitIdle(ctx))

	stats := app.Scheduler.Stats()
	assert.Equal(t, 20, stats.Total)
	assert.Equal(t, 20, stats.Completed+stats.Failed)
	assert.Zero(t, stats.Queued)
	assert.Zero(t, stats.Active)

	for _, rec := range app.Scheduler.List() {
		if rec.Status == types.StatusFailed {
			assert.Equal(t, "simulated generation failure", rec.Error)
			assert.Nil(t, rec.Result)
		}
	}
}

func BenchmarkLaneThroughput(b *testing.B) {
	app := newSimulatedApp(b, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(b, app.Scheduler.Start(ctx))
	defer app.Scheduler.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		generateTestJobs(app, 10)
		require.NoError(b, app.Scheduler.WaitIdle(ctx))
	}
	b.StopTimer()
}
