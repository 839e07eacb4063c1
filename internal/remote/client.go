// ============================================================================
// vidgen-lane Remote Job Client - Contract
// ============================================================================
//
// Package: internal/remote
// File: client.go
// Purpose: Defines the capability the executor needs from the vendor
//          video-generation API: create a long-running job, poll it, and
//          download the finished artifact.
//
// Implementations:
//   - azure.Client: Azure OpenAI /videos endpoints over HTTP
//   - Simulator:    in-process fake backend (demo / --simulate mode)
//
// ============================================================================

package remote

import (
	"context"
	"io"

	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

// State is the remote job state as reported by GetStatus.
type State string

const (
	StateQueued     State = "queued"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// IsTerminal reports whether polling can stop.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CreateRequest is built by the executor from a JobRecord.
type CreateRequest struct {
	Kind       types.Kind
	Prompt     string
	ImagePath  string
	Model      string
	Resolution string
	Duration   int
}

// Status is a single poll result.
type Status struct {
	State        State
	Progress     int    // remote's own 0-100 scale
	ResultRef    string // artifact reference, set when completed
	ErrorMessage string // set when failed
}

// Client is the vendor API contract.
type Client interface {
	// Create submits a generation request and returns the remote job id.
	// Fails with *RequestError.
	Create(ctx context.Context, req CreateRequest) (string, error)

	// GetStatus polls a remote job. Fails with *RequestError.
	GetStatus(ctx context.Context, remoteID string) (Status, error)

	// Download streams the finished artifact. Fails with *DownloadError.
	// The caller closes the returned reader.
	Download(ctx context.Context, remoteID string) (io.ReadCloser, error)
}

// Pinger is implemented by clients that can verify credentials and
// connectivity without creating a job.
type Pinger interface {
	Ping(ctx context.Context) error
}
