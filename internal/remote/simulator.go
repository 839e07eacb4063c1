package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimulatorConfig tunes the fake backend.
type SimulatorConfig struct {
	ProgressStep int           // remote progress gained per poll (default 25)
	Latency      time.Duration // delay added to every call
	FailureRate  int           // percent of jobs that end in remote failure
	Seed         int64
}

// Simulator is an in-process stand-in for the vendor API. Each job advances
// ProgressStep per poll and completes at 100, or fails at the halfway mark
// for the configured share of jobs.
type Simulator struct {
	cfg  SimulatorConfig
	mu   sync.Mutex
	rng  *rand.Rand
	jobs map[string]*simJob
}

type simJob struct {
	req      CreateRequest
	progress int
	doomed   bool
}

// NewSimulator creates a simulator with defaults applied.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.ProgressStep <= 0 {
		cfg.ProgressStep = 25
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(seed)),
		jobs: make(map[string]*simJob),
	}
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.cfg.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.Latency):
		return nil
	}
}

// Create implements Client.
func (s *Simulator) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", &RequestError{Op: "create", Temporary: true, Err: err}
	}
	if req.Prompt == "" && req.ImagePath == "" {
		return "", &RequestError{Op: "create", StatusCode: 400, Err: errors.New("prompt or image is required")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := "video_" + uuid.NewString()
	s.jobs[id] = &simJob{
		req:    req,
		doomed: s.rng.Intn(100) < s.cfg.FailureRate,
	}
	return id, nil
}

// GetStatus implements Client.
func (s *Simulator) GetStatus(ctx context.Context, remoteID string) (Status, error) {
	if err := s.wait(ctx); err != nil {
		return Status{}, &RequestError{Op: "status", Temporary: true, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[remoteID]
	if !ok {
		return Status{}, &RequestError{Op: "status", StatusCode: 404, Err: fmt.Errorf("video %s not found", remoteID)}
	}

	job.progress += s.cfg.ProgressStep
	if job.doomed && job.progress >= 50 {
		return Status{State: StateFailed, Progress: 50, ErrorMessage: "simulated generation failure"}, nil
	}
	if job.progress >= 100 {
		job.progress = 100
		return Status{State: StateCompleted, Progress: 100, ResultRef: remoteID}, nil
	}
	return Status{State: StateInProgress, Progress: job.progress}, nil
}

// Download implements Client.
func (s *Simulator) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	if err := s.wait(ctx); err != nil {
		return nil, &DownloadError{RemoteID: remoteID, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[remoteID]
	if !ok || job.progress < 100 {
		return nil, &DownloadError{RemoteID: remoteID, Err: errors.New("video is not ready")}
	}
	body := fmt.Sprintf("simulated mp4 %s %s %ds", job.req.Model, job.req.Resolution, job.req.Duration)
	return io.NopCloser(bytes.NewBufferString(body)), nil
}

// Ping implements Pinger.
func (s *Simulator) Ping(ctx context.Context) error {
	return s.wait(ctx)
}

var (
	_ Client = (*Simulator)(nil)
	_ Pinger = (*Simulator)(nil)
)
