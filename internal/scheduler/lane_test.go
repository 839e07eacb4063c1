package scheduler

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/vidgen-lane/internal/executor"
	"github.com/ChuLiYu/vidgen-lane/internal/jobstore"
	"github.com/ChuLiYu/vidgen-lane/internal/remote"
	"github.com/ChuLiYu/vidgen-lane/internal/storage"
	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

// ============================================================================
// Scheduler + Executor end to end
// ============================================================================

// fakeRemote completes every job on the first poll.
type fakeRemote struct {
	mu          sync.Mutex
	created     int
	ref         string
	downloadErr error
	createErr   error
	hang        bool
}

func (f *fakeRemote) Create(ctx context.Context, req remote.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return "remote-" + strings.Repeat("x", f.created), nil
}

func (f *fakeRemote) GetStatus(ctx context.Context, remoteID string) (remote.Status, error) {
	if f.hang {
		return remote.Status{State: remote.StateInProgress, Progress: 10}, nil
	}
	return remote.Status{State: remote.StateCompleted, Progress: 100, ResultRef: f.ref}, nil
}

func (f *fakeRemote) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	if f.downloadErr != nil {
		return nil, &remote.DownloadError{RemoteID: remoteID, Err: f.downloadErr}
	}
	return io.NopCloser(strings.NewReader("mp4")), nil
}

func newLane(t *testing.T, client remote.Client) *Scheduler {
	t.Helper()
	files, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	store := jobstore.New()
	exec := executor.New(executor.Config{
		PollInterval: time.Millisecond,
		PollTimeout:  5 * time.Second,
	}, client, store, files, nil, zerolog.Nop())

	s := New(Config{RemoveArtifacts: true}, store, exec, files, nil, zerolog.Nop())
	t.Cleanup(s.Stop)
	return s
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func TestLaneCompletesOnFirstPoll(t *testing.T) {
	s := newLane(t, &fakeRemote{ref: "vid_1"})
	require.NoError(t, s.Start(context.Background()))

	rec := submitText(s, "a cat")
	waitIdle(t, s)

	got, ok := s.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.Equal(t, "vid_1", got.Result.RemoteArtifactID)
	assert.FileExists(t, got.Result.LocalPath)

	require.True(t, s.Delete(rec.ID))
	assert.NoFileExists(t, got.Result.LocalPath, "artifact removed with the record")
}

func TestLaneDownloadFailureAdmitsNext(t *testing.T) {
	s := newLane(t, &fakeRemote{ref: "vid_1", downloadErr: errors.New("connection reset")})

	var ids []types.JobID
	for _, p := range []string{"a", "b", "c", "d"} {
		ids = append(ids, submitText(s, p).ID)
	}
	assert.Equal(t, types.Stats{Total: 4, Queued: 3, Active: 1}, s.Stats())

	require.NoError(t, s.Start(context.Background()))
	waitIdle(t, s)

	first, _ := s.Get(ids[0])
	fourth, _ := s.Get(ids[3])
	for _, id := range ids {
		rec, _ := s.Get(id)
		assert.Equal(t, types.StatusFailed, rec.Status)
		assert.Contains(t, rec.Error, "video download failed")
		assert.Contains(t, rec.Error, "connection reset")
		assert.Equal(t, executor.DownloadProgress, rec.Progress, "partial progress is kept")
	}
	require.NotNil(t, fourth.StartedAt)
	assert.False(t, fourth.StartedAt.Before(*first.CompletedAt))
}

func TestLaneCreateFailure(t *testing.T) {
	s := newLane(t, &fakeRemote{createErr: &remote.RequestError{Op: "create", StatusCode: 401, Err: errors.New("Access denied")}})
	require.NoError(t, s.Start(context.Background()))

	a := submitText(s, "a")
	b := submitText(s, "b")
	waitIdle(t, s)

	for _, id := range []types.JobID{a.ID, b.ID} {
		rec, _ := s.Get(id)
		assert.Equal(t, types.StatusFailed, rec.Status)
		assert.Contains(t, rec.Error, "Access denied")
		assert.Equal(t, jobstore.AdmissionProgress, rec.Progress)
	}
}

func TestLaneStopFailsInFlightJob(t *testing.T) {
	s := newLane(t, &fakeRemote{hang: true})
	require.NoError(t, s.Start(context.Background()))

	a := submitText(s, "a")
	waitFor(t, func() bool {
		rec, _ := s.Get(a.ID)
		return rec.Progress >= 20
	})

	s.Stop()

	rec, _ := s.Get(a.ID)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, "scheduler stopped", rec.Error)
}

func TestLaneDrainsWithSimulator(t *testing.T) {
	sim := remote.NewSimulator(remote.SimulatorConfig{ProgressStep: 34, FailureRate: 0, Seed: 7})
	s := newLane(t, sim)
	require.NoError(t, s.Start(context.Background()))

	var ids []types.JobID
	for i := 0; i < 6; i++ {
		ids = append(ids, submitText(s, "prompt").ID)
		assert.LessOrEqual(t, s.Stats().Active, 1)
	}

	// Sample progress while draining; it must never go backwards.
	last := make(map[types.JobID]int)
	deadline := time.Now().Add(5 * time.Second)
	for !s.Idle() && time.Now().Before(deadline) {
		st := s.Stats()
		assert.LessOrEqual(t, st.Active, 1)
		for _, rec := range s.List() {
			assert.GreaterOrEqual(t, rec.Progress, last[rec.ID])
			if rec.Status != types.StatusCompleted {
				assert.Less(t, rec.Progress, 100)
			}
			last[rec.ID] = rec.Progress
		}
		time.Sleep(time.Millisecond)
	}
	waitIdle(t, s)

	assert.Equal(t, types.Stats{Total: 6, Completed: 6}, s.Stats())
	for _, id := range ids {
		rec, _ := s.Get(id)
		assert.Equal(t, 100, rec.Progress)
		assert.True(t, strings.HasPrefix(rec.Result.RemoteArtifactID, "video_"))
	}
}
