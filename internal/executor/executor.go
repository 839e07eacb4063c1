// ============================================================================
// vidgen-lane Executor - Remote Generation Pipeline
// ============================================================================
//
// Package: internal/executor
// File: executor.go
// Function: Drives one admitted job through submit → poll → download
//
// Pipeline:
//   ┌──────────────────────────────────────────────────────────┐
//   │  Run(job)                                                │
//   │   ├─ Create remote job             progress 10           │
//   │   ├─ Poll every PollInterval       progress 20 + r*0.7   │
//   │   │    ├─ temporary error → retry (MaxPollErrors)        │
//   │   │    └─ deadline / MaxPolls → TimeoutError             │
//   │   ├─ remote failed → MarkFailed                          │
//   │   ├─ Download artifact             progress 90           │
//   │   └─ MarkCompleted                 progress 100          │
//   └──────────────────────────────────────────────────────────┘
//
// Error Handling:
//   Every failure is wrapped in a StageError and ends in MarkFailed. Run
//   never leaves the job Active; the caller only has to release the lane.
//
// Context:
//   The context passed to Run belongs to the scheduler. Cancelling it
//   aborts the in-flight request or wait and fails the job with
//   "scheduler stopped".
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/vidgen-lane/internal/metrics"
	"github.com/ChuLiYu/vidgen-lane/internal/remote"
	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

// Progress checkpoints reported to the store.
const (
	SubmittedProgress = 10
	PollBandStart     = 20
	PollBandWidth     = 70
	DownloadProgress  = 90
)

// Pipeline stages, used for StageError and metric labels.
const (
	StageSubmit   = "submit"
	StagePoll     = "poll"
	StageRemote   = "remote"
	StageDownload = "download"
	StageInternal = "internal"
)

const (
	genericRemoteFailure = "video generation failed"
	stoppedMessage       = "scheduler stopped"
)

// Reporter is the subset of the job store the executor writes through.
type Reporter interface {
	UpdateProgress(id types.JobID, percent int) bool
	MarkCompleted(id types.JobID, result types.Result) error
	MarkFailed(id types.JobID, msg string) error
}

// ArtifactStore persists downloaded videos.
type ArtifactStore interface {
	WriteStream(ctx context.Context, key string, r io.Reader) (string, error)
	Remove(path string) error
}

// Config controls polling behaviour.
type Config struct {
	PollInterval  time.Duration
	PollTimeout   time.Duration
	MaxPolls      int
	MaxPollErrors int
	PublicBaseURL string
}

// DefaultConfig returns the production polling settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:  2 * time.Second,
		PollTimeout:   10 * time.Minute,
		MaxPolls:      600,
		MaxPollErrors: 3,
		PublicBaseURL: "http://localhost:8080",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = def.MaxPolls
	}
	if c.MaxPollErrors <= 0 {
		c.MaxPollErrors = def.MaxPollErrors
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = def.PublicBaseURL
	}
	return c
}

// StageError records which pipeline step failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

// Executor runs admitted jobs against a remote backend.
type Executor struct {
	cfg     Config
	client  remote.Client
	store   Reporter
	files   ArtifactStore
	metrics *metrics.Collector
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates an Executor. collector may be nil.
func New(cfg Config, client remote.Client, store Reporter, files ArtifactStore, collector *metrics.Collector, logger zerolog.Logger) *Executor {
	return &Executor{
		cfg:     cfg.withDefaults(),
		client:  client,
		store:   store,
		files:   files,
		metrics: collector,
		logger:  logger.With().Str("component", "executor").Logger(),
		now:     time.Now,
	}
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Run executes job to a terminal state and returns the failure, if any.
// The job is always Completed or Failed in the store when Run returns
// (unless it was deleted while running).
func (e *Executor) Run(ctx context.Context, job types.JobRecord) error {
	start := e.now()
	log := e.logger.With().
		Str("job_id", string(job.ID)).
		Str("kind", string(job.Kind)).
		Logger()
	log.Info().Msg("job started")

	result, err := e.execute(ctx, job, log)
	elapsed := e.now().Sub(start).Seconds()
	if err != nil {
		return e.fail(ctx, job.ID, err, elapsed, log)
	}

	if err := e.store.MarkCompleted(job.ID, result); err != nil {
		// Record deleted mid-flight; the artifact has no owner.
		log.Warn().Err(err).Msg("completion not recorded, discarding artifact")
		if rmErr := e.files.Remove(result.LocalPath); rmErr != nil {
			log.Error().Err(rmErr).Str("path", result.LocalPath).Msg("failed to remove orphaned artifact")
		}
		e.metrics.RecordOrphaned()
		return &StageError{Stage: StageInternal, Err: err}
	}

	e.metrics.RecordCompleted(elapsed)
	log.Info().
		Str("remote_id", result.RemoteArtifactID).
		Str("path", result.LocalPath).
		Float64("duration_s", elapsed).
		Msg("job completed")
	return nil
}

// Fail marks a job failed outside the normal pipeline (e.g. after a panic).
func (e *Executor) Fail(id types.JobID, msg string) {
	if err := e.store.MarkFailed(id, msg); err != nil {
		e.logger.Debug().Err(err).Str("job_id", string(id)).Msg("failure not recorded")
	}
	e.metrics.RecordFailed(StageInternal, 0)
}

func (e *Executor) fail(ctx context.Context, id types.JobID, err error, elapsed float64, log zerolog.Logger) error {
	stage := StageInternal
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}

	msg := err.Error()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		msg = stoppedMessage
	}

	if markErr := e.store.MarkFailed(id, msg); markErr != nil {
		log.Debug().Err(markErr).Msg("failure not recorded")
	}
	e.metrics.RecordFailed(stage, elapsed)
	log.Warn().Err(err).Str("stage", stage).Msg("job failed")
	return err
}

func (e *Executor) execute(ctx context.Context, job types.JobRecord, log zerolog.Logger) (types.Result, error) {
	// 1. submit
	req := remote.CreateRequest{
		Kind:       job.Kind,
		Prompt:     job.Input.Prompt,
		ImagePath:  job.Input.ImagePath,
		Model:      job.Parameters.Model,
		Resolution: job.Parameters.Resolution,
		Duration:   job.Parameters.Duration,
	}
	remoteID, err := e.client.Create(ctx, req)
	if err != nil {
		return types.Result{}, &StageError{Stage: StageSubmit, Err: err}
	}
	e.store.UpdateProgress(job.ID, SubmittedProgress)
	log = log.With().Str("remote_id", remoteID).Logger()
	log.Debug().Msg("remote job created")

	// 2. poll
	status, err := e.poll(ctx, job.ID, remoteID, log)
	if err != nil {
		return types.Result{}, err
	}

	// 3. completion check
	if status.State == remote.StateFailed {
		msg := strings.TrimSpace(status.ErrorMessage)
		if msg == "" {
			msg = genericRemoteFailure
		}
		return types.Result{}, &StageError{Stage: StageRemote, Err: errors.New(msg)}
	}

	// 4. download
	e.store.UpdateProgress(job.ID, DownloadProgress)
	filename := ArtifactName(job.ID, e.now())
	path, err := e.download(ctx, remoteID, filename)
	if err != nil {
		return types.Result{}, &StageError{Stage: StageDownload, Err: err}
	}

	artifactID := status.ResultRef
	if artifactID == "" {
		artifactID = remoteID
	}
	return types.Result{
		RemoteArtifactID: artifactID,
		ResolvedURL:      e.publicURL(filename),
		LocalPath:        path,
	}, nil
}

// poll waits for the remote job to reach a terminal state.
func (e *Executor) poll(ctx context.Context, id types.JobID, remoteID string, log zerolog.Logger) (remote.Status, error) {
	pollCtx, cancel := context.WithTimeout(ctx, e.cfg.PollTimeout)
	defer cancel()

	started := e.now()
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()

	polls := 0
	abort := func() (remote.Status, error) {
		if ctx.Err() != nil {
			return remote.Status{}, &StageError{Stage: StagePoll, Err: ctx.Err()}
		}
		return remote.Status{}, &StageError{Stage: StagePoll, Err: &remote.TimeoutError{
			RemoteID: remoteID, Polls: polls, Elapsed: e.now().Sub(started),
		}}
	}

	consecutiveErrors := 0
	for {
		select {
		case <-pollCtx.Done():
			return abort()
		case <-timer.C:
		}

		polls++
		status, err := e.client.GetStatus(pollCtx, remoteID)
		switch {
		case err != nil && pollCtx.Err() != nil:
			e.metrics.RecordPoll("error")
			return abort()
		case err != nil:
			e.metrics.RecordPoll("error")
			consecutiveErrors++
			if !remote.IsTemporary(err) || consecutiveErrors >= e.cfg.MaxPollErrors {
				return remote.Status{}, &StageError{Stage: StagePoll, Err: err}
			}
			log.Warn().Err(err).Int("attempt", consecutiveErrors).Msg("poll failed, retrying")
		default:
			e.metrics.RecordPoll("ok")
			consecutiveErrors = 0

			local := MapRemoteProgress(status.Progress)
			e.store.UpdateProgress(id, local)
			log.Debug().
				Str("status", string(status.State)).
				Int("remote_progress", status.Progress).
				Int("progress", local).
				Msg("poll")

			if status.State.IsTerminal() {
				return status, nil
			}
		}

		if polls >= e.cfg.MaxPolls {
			return abort()
		}
		timer.Reset(e.cfg.PollInterval)
	}
}

func (e *Executor) download(ctx context.Context, remoteID, filename string) (string, error) {
	rc, err := e.client.Download(ctx, remoteID)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	path, err := e.files.WriteStream(ctx, filename, rc)
	if err != nil {
		return "", &remote.DownloadError{RemoteID: remoteID, Err: err}
	}
	return path, nil
}

func (e *Executor) publicURL(filename string) string {
	return strings.TrimRight(e.cfg.PublicBaseURL, "/") + "/api/files/video/" + filename
}

// MapRemoteProgress rescales the remote's 0-100 into the local poll band.
func MapRemoteProgress(remotePercent int) int {
	if remotePercent < 0 {
		remotePercent = 0
	}
	if remotePercent > 100 {
		remotePercent = 100
	}
	return PollBandStart + int(math.Round(float64(remotePercent)*PollBandWidth/100))
}

// ArtifactName builds the local filename for a job's video.
func ArtifactName(id types.JobID, at time.Time) string {
	return fmt.Sprintf("video-%s-%d.mp4", id, at.UnixMilli())
}
