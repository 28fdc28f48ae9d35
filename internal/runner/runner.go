package runner

import (
	"context"

	"github.com/redloop/redloop/internal/models"
)

// Request is one unit of work handed to the AI job runner.
type Request struct {
	JobID     string
	SessionID string
	Phase     models.Phase
	System    string
	Prompt    string
}

// Result reports a job's current state. Output is only meaningful once the
// status is completed.
type Result struct {
	Status models.JobStatus
	Output string
	Err    string
}

// Runner is the external AI job runner the engine consumes. Implementations
// may be slow or unresponsive; the engine never assumes a job will ever
// report back — stale jobs are resolved by the supervisor's sweep.
type Runner interface {
	// Submit dispatches work under the caller-assigned job id and returns
	// immediately.
	Submit(ctx context.Context, req Request) error

	// Status reports the job's state. Idempotent.
	Status(ctx context.Context, jobID string) (*Result, error)
}
