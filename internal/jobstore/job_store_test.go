package jobstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func submitText(s *Store, prompt string) types.JobRecord {
	return s.Submit(types.KindTextToVideo, types.Input{Prompt: prompt}, types.Parameters{
		Model:      "sora",
		Resolution: "1280x720",
		Duration:   5,
	})
}

// activate pops the queue head and marks it active
func activate(t *testing.T, s *Store) types.JobID {
	t.Helper()
	id, ok := s.PopPending()
	if !ok {
		t.Fatal("expected a pending job")
	}
	if err := s.MarkActive(id); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	return id
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

func assertStatus(t *testing.T, s *Store, id types.JobID, want types.JobStatus) {
	t.Helper()
	job, ok := s.Get(id)
	if !ok {
		t.Errorf("job %s not found", id)
		return
	}
	if job.Status != want {
		t.Errorf("job %s status: got %s, want %s", id, job.Status, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestSubmit(t *testing.T) {
	s := New()
	job := submitText(s, "a cat surfing")

	if job.ID == "" {
		t.Fatal("expected generated id")
	}
	if job.Status != types.StatusQueued {
		t.Errorf("status: got %s, want queued", job.Status)
	}
	if job.Progress != 0 {
		t.Errorf("progress: got %d, want 0", job.Progress)
	}
	if job.StartedAt != nil || job.CompletedAt != nil {
		t.Error("lifecycle timestamps should be unset")
	}
	if job.CreatedAt.IsZero() {
		t.Error("createdAt should be set")
	}
	if s.PendingLen() != 1 {
		t.Errorf("pending: got %d, want 1", s.PendingLen())
	}

	other := submitText(s, "a dog skiing")
	if other.ID == job.ID {
		t.Error("ids must be unique")
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := New()
	job := submitText(s, "p")
	id := activate(t, s)
	if err := s.MarkCompleted(id, types.Result{RemoteArtifactID: "vid_1"}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(job.ID)
	got.Result.RemoteArtifactID = "tampered"
	got.Status = types.StatusFailed

	again, _ := s.Get(job.ID)
	if again.Result.RemoteArtifactID != "vid_1" || again.Status != types.StatusCompleted {
		t.Error("mutating a snapshot must not change the stored record")
	}

	if _, ok := s.Get("missing"); ok {
		t.Error("unknown id should not be found")
	}
}

func TestListOrdering(t *testing.T) {
	s := New()
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	var ids []types.JobID
	for i := 0; i < 4; i++ {
		ids = append(ids, submitText(s, fmt.Sprintf("p%d", i)).ID)
	}

	list := s.List()
	if len(list) != 4 {
		t.Fatalf("list length: got %d, want 4", len(list))
	}
	for i, job := range list {
		want := ids[len(ids)-1-i]
		if job.ID != want {
			t.Errorf("list[%d]: got %s, want %s", i, job.ID, want)
		}
	}
}

func TestPopPendingFIFO(t *testing.T) {
	s := New()
	a := submitText(s, "a")
	b := submitText(s, "b")
	c := submitText(s, "c")

	for _, want := range []types.JobID{a.ID, b.ID, c.ID} {
		got, ok := s.PopPending()
		if !ok || got != want {
			t.Errorf("PopPending: got %s, want %s", got, want)
		}
	}
	if _, ok := s.PopPending(); ok {
		t.Error("queue should be empty")
	}
}

func TestMarkActive(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Store) types.JobID
		wantErr error
	}{
		{
			name:  "Queued job becomes active",
			setup: func(s *Store) types.JobID { return submitText(s, "p").ID },
		},
		{
			name:    "Unknown job",
			setup:   func(s *Store) types.JobID { return "nope" },
			wantErr: ErrJobNotFound,
		},
		{
			name: "Already active",
			setup: func(s *Store) types.JobID {
				id := submitText(s, "p").ID
				_ = s.MarkActive(id)
				return id
			},
			wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			id := tt.setup(s)
			err := s.MarkActive(id)
			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			job, _ := s.Get(id)
			if job.Status != types.StatusActive {
				t.Errorf("status: got %s, want active", job.Status)
			}
			if job.Progress != AdmissionProgress {
				t.Errorf("progress: got %d, want %d", job.Progress, AdmissionProgress)
			}
			if job.StartedAt == nil {
				t.Error("startedAt should be set")
			}
			if s.PendingLen() != 0 {
				t.Error("active job must not stay in the pending queue")
			}
		})
	}
}

func TestUpdateProgress(t *testing.T) {
	s := New()
	id := activate(t, submitAnd(s))
	other := submitText(s, "other")

	tests := []struct {
		name    string
		id      types.JobID
		percent int
		want    int
		applied bool
	}{
		{"Raise progress", id, 10, 10, true},
		{"Lower value ignored", id, 7, 10, false},
		{"Negative clamped and ignored", id, -5, 10, false},
		{"Rescaled poll value", id, 55, 55, true},
		{"Over 100 capped below completion", id, 150, 99, true},
		{"Queued job untouched", other.ID, 50, 0, false},
		{"Unknown job", "missing", 50, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied := s.UpdateProgress(tt.id, tt.percent)
			if applied != tt.applied {
				t.Errorf("applied: got %v, want %v", applied, tt.applied)
			}
			if job, ok := s.Get(tt.id); ok && job.Progress != tt.want {
				t.Errorf("progress: got %d, want %d", job.Progress, tt.want)
			}
		})
	}
}

func TestMarkCompleted(t *testing.T) {
	s := New()
	id := activate(t, submitAnd(s))
	s.UpdateProgress(id, 90)

	result := types.Result{RemoteArtifactID: "vid_1", ResolvedURL: "http://x/v.mp4", LocalPath: "/tmp/v.mp4"}
	if err := s.MarkCompleted(id, result); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	job, _ := s.Get(id)
	if job.Status != types.StatusCompleted || job.Progress != 100 {
		t.Errorf("got status=%s progress=%d", job.Status, job.Progress)
	}
	if job.Result == nil || *job.Result != result {
		t.Errorf("result: got %+v", job.Result)
	}
	if job.Error != "" {
		t.Error("completed job must not carry an error")
	}
	if job.CompletedAt == nil {
		t.Error("completedAt should be set")
	}

	// terminal states are absorbing
	assertError(t, s.MarkFailed(id, "late"), ErrInvalidTransition)
	assertError(t, s.MarkCompleted(id, result), ErrInvalidTransition)
	if s.UpdateProgress(id, 50) {
		t.Error("progress must be fixed once terminal")
	}
	assertStatus(t, s, id, types.StatusCompleted)
}

func TestMarkFailedKeepsProgress(t *testing.T) {
	s := New()
	id := activate(t, submitAnd(s))
	s.UpdateProgress(id, 41)

	if err := s.MarkFailed(id, "remote exploded"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	job, _ := s.Get(id)
	if job.Status != types.StatusFailed {
		t.Errorf("status: got %s", job.Status)
	}
	if job.Progress != 41 {
		t.Errorf("progress should be preserved: got %d", job.Progress)
	}
	if job.Error != "remote exploded" || job.Result != nil {
		t.Errorf("unexpected error/result: %q %+v", job.Error, job.Result)
	}

	// queued jobs cannot fail directly
	q := submitText(s, "q")
	assertError(t, s.MarkFailed(q.ID, "x"), ErrInvalidTransition)
	assertError(t, s.MarkFailed("missing", "x"), ErrJobNotFound)
}

func TestCancel(t *testing.T) {
	s := New()
	active := activate(t, submitAnd(s))
	queued := submitText(s, "queued")
	done := submitText(s, "done")

	if !s.Cancel(queued.ID) {
		t.Error("cancelling a queued job should succeed")
	}
	if _, ok := s.Get(queued.ID); ok {
		t.Error("cancelled job should be deleted")
	}

	if s.Cancel(active) {
		t.Error("active job must not be cancellable")
	}
	assertStatus(t, s, active, types.StatusActive)

	// finish "done"
	_ = s.MarkCompleted(active, types.Result{})
	id := activate(t, s)
	if id != done.ID {
		t.Fatalf("queue head: got %s, want %s", id, done.ID)
	}
	_ = s.MarkFailed(id, "boom")
	if s.Cancel(id) {
		t.Error("terminal job must not be cancellable")
	}
	if s.Cancel("missing") {
		t.Error("unknown job must not be cancellable")
	}
	if s.PendingLen() != 0 {
		t.Errorf("pending: got %d, want 0", s.PendingLen())
	}
}

func TestDelete(t *testing.T) {
	s := New()
	active := activate(t, submitAnd(s))
	queued := submitText(s, "queued")

	if !s.Delete(queued.ID) {
		t.Error("delete queued should succeed")
	}
	if s.PendingLen() != 0 {
		t.Error("deleted queued job must leave the pending queue")
	}

	if !s.Delete(active) {
		t.Error("delete active should succeed")
	}
	// executor writes after deletion are ignored
	if s.UpdateProgress(active, 50) {
		t.Error("progress on deleted job should be ignored")
	}
	assertError(t, s.MarkCompleted(active, types.Result{}), ErrJobNotFound)

	if s.Delete(active) {
		t.Error("second delete should report false")
	}
}

func TestStats(t *testing.T) {
	s := New()
	for i := 0; i < 3; i++ {
		submitText(s, fmt.Sprintf("p%d", i))
	}
	a := activate(t, s)
	_ = s.MarkCompleted(a, types.Result{})
	b := activate(t, s)
	_ = s.MarkFailed(b, "x")
	activate(t, s)
	submitText(s, "late")

	want := types.Stats{Total: 4, Queued: 1, Active: 1, Completed: 1, Failed: 1}
	if got := s.Stats(); got != want {
		t.Errorf("stats: got %+v, want %+v", got, want)
	}
}

func TestSweep(t *testing.T) {
	s := New()
	var terminal []types.JobID
	for i := 0; i < 150; i++ {
		submitText(s, fmt.Sprintf("p%d", i))
		id := activate(t, s)
		if i%2 == 0 {
			_ = s.MarkCompleted(id, types.Result{})
		} else {
			_ = s.MarkFailed(id, "x")
		}
		terminal = append(terminal, id)
	}
	active := activate(t, submitAnd(s))
	queued := submitText(s, "queued")

	evicted := s.Sweep(100)

	if len(evicted) != 52 {
		t.Fatalf("evicted: got %d, want 52", len(evicted))
	}
	for i, rec := range evicted {
		if rec.ID != terminal[i] {
			t.Errorf("evicted[%d]: got %s, want %s (oldest first)", i, rec.ID, terminal[i])
		}
	}
	if got := s.Stats().Total; got != 100 {
		t.Errorf("total after sweep: got %d, want 100", got)
	}
	assertStatus(t, s, active, types.StatusActive)
	assertStatus(t, s, queued.ID, types.StatusQueued)
}

func TestSweepExactlyFiftyOfOneFifty(t *testing.T) {
	s := New()
	for i := 0; i < 150; i++ {
		submitText(s, "p")
		_ = s.MarkCompleted(activate(t, s), types.Result{})
	}
	if got := len(s.Sweep(100)); got != 50 {
		t.Errorf("evicted: got %d, want 50", got)
	}
	if got := len(s.Sweep(100)); got != 0 {
		t.Errorf("second sweep evicted %d, want 0", got)
	}
}

func TestSweepNeverTouchesLiveJobs(t *testing.T) {
	s := New()
	for i := 0; i < 10; i++ {
		submitText(s, "p")
	}
	activate(t, s)

	if evicted := s.Sweep(2); len(evicted) != 0 {
		t.Errorf("sweep evicted %d live jobs", len(evicted))
	}
	if got := s.Stats().Total; got != 10 {
		t.Errorf("total: got %d, want 10", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := submitText(s, fmt.Sprintf("p%d", i))
			s.Get(job.ID)
			s.List()
			s.Stats()
		}(i)
	}
	wg.Wait()

	if got := s.Stats().Queued; got != 50 {
		t.Errorf("queued: got %d, want 50", got)
	}
}

func submitAnd(s *Store) *Store {
	submitText(s, "p")
	return s
}
