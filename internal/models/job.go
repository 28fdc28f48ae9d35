package models

import (
	"fmt"
	"time"
)

// JobStatus represents the state of a dispatched AI job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobBinding ties a dispatched job to the session and cycle phase it was
// submitted for. Validated at the supervisor boundary so phase/session
// association is never threaded as untyped key-value data.
type JobBinding struct {
	SessionID string
	Phase     Phase
}

// Validate checks the binding is complete and names a known phase.
func (b JobBinding) Validate() error {
	if b.SessionID == "" {
		return fmt.Errorf("job binding missing session id")
	}
	switch b.Phase {
	case PhaseGenerate, PhaseRed, PhaseGreen, PhaseRefactor:
		return nil
	}
	return fmt.Errorf("job binding has unknown phase %q", b.Phase)
}

// AIJob is one unit of externally-dispatched work. At most one job is
// running per session at a time.
type AIJob struct {
	ID         string
	SessionID  string
	Phase      Phase
	Status     JobStatus
	Output     string
	LastError  string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Binding returns the typed session/phase association for this job.
func (j *AIJob) Binding() JobBinding {
	return JobBinding{SessionID: j.SessionID, Phase: j.Phase}
}
