package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/redloop/redloop/internal/cycle"
	"github.com/redloop/redloop/internal/models"
	"github.com/redloop/redloop/internal/runner"
	"github.com/redloop/redloop/internal/store"
)

// DefaultStaleAfter is the time budget a running job gets before the sweep
// treats it as dead.
const DefaultStaleAfter = 5 * time.Minute

// Config holds the supervisor's tunables.
type Config struct {
	StaleAfter time.Duration
	StuckLimit int
}

// Supervisor dispatches cycle work to the AI job runner and resolves stale
// work deterministically. The sweep is the only way a session advances when
// the runner never reports back, so it is mandatory for liveness.
type Supervisor struct {
	store   store.Store
	runner  runner.Runner
	machine *cycle.Machine
	logger  zerolog.Logger
	cfg     Config

	// Overlapping sweeps must not run concurrently; job staleness is
	// monotonic so a single active sweep per process is sufficient.
	sweepMu sync.Mutex
}

// New creates a supervisor over the given store, runner and state machine.
func New(st store.Store, r runner.Runner, m *cycle.Machine, logger zerolog.Logger, cfg Config) *Supervisor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.StuckLimit <= 0 {
		cfg.StuckLimit = cycle.DefaultStuckLimit
	}
	return &Supervisor{
		store:   st,
		runner:  r,
		machine: m,
		logger:  logger.With().Str("component", "supervisor").Logger(),
		cfg:     cfg,
	}
}

// Submit records a running job bound to the session's current phase and
// forwards the work to the runner. Non-blocking: it returns as soon as the
// job is persisted and handed off. At most one job may be in flight per
// session.
func (sv *Supervisor) Submit(ctx context.Context, s *models.CodingSession, phase models.Phase, system, prompt string) (*models.AIJob, error) {
	binding := models.JobBinding{SessionID: s.ID, Phase: phase}
	if err := binding.Validate(); err != nil {
		return nil, err
	}

	existing, err := sv.store.GetRunningJob(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("session %s already has job %s in flight", s.ID, existing.ID)
	}

	job := &models.AIJob{
		SessionID: binding.SessionID,
		Phase:     binding.Phase,
		Status:    models.JobStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := sv.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	err = sv.runner.Submit(ctx, runner.Request{
		JobID:     job.ID,
		SessionID: s.ID,
		Phase:     phase,
		System:    system,
		Prompt:    prompt,
	})
	if err != nil {
		now := time.Now().UTC()
		job.Status = models.JobStatusFailed
		job.LastError = err.Error()
		job.FinishedAt = &now
		if uerr := sv.store.UpdateJob(ctx, job); uerr != nil {
			return nil, fmt.Errorf("record dispatch failure: %w", uerr)
		}
		return nil, fmt.Errorf("dispatch job: %w", err)
	}

	sv.logger.Info().Str("job", job.ID).Str("session", s.ID).Str("phase", string(phase)).Msg("job dispatched")
	return job, nil
}

// Poll is a thin passthrough to the runner's status report. Idempotent.
func (sv *Supervisor) Poll(ctx context.Context, jobID string) (*runner.Result, error) {
	return sv.runner.Status(ctx, jobID)
}

// Resolve applies a job's reported outcome to its owning session. A job that
// is no longer running is a no-op, so a late callback racing the sweep takes
// no action.
func (sv *Supervisor) Resolve(ctx context.Context, jobID string) error {
	job, err := sv.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusRunning {
		return nil
	}

	res, err := sv.runner.Status(ctx, jobID)
	if err != nil {
		return fmt.Errorf("poll job %s: %w", jobID, err)
	}

	switch res.Status {
	case models.JobStatusRunning, models.JobStatusPending:
		return nil
	case models.JobStatusCompleted:
		return sv.resolveCompleted(ctx, job, res.Output)
	default:
		reason := res.Err
		if reason == "" {
			reason = fmt.Sprintf("job reported %s", res.Status)
		}
		return sv.resolveFailed(ctx, job, time.Now().UTC(), reason)
	}
}

// resolveCompleted finishes the job row and drives the state machine forward
// for the job's phase.
func (sv *Supervisor) resolveCompleted(ctx context.Context, job *models.AIJob, output string) error {
	s, err := sv.store.GetSession(ctx, job.SessionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusCompleted
	job.Output = output
	job.FinishedAt = &now

	// The status-guarded write loses the race against a sweep that already
	// resolved this job; in that case the completion is stale and dropped.
	resolved, err := sv.store.ResolveJob(ctx, job, nil, nil)
	if err != nil {
		return err
	}
	if !resolved {
		sv.logger.Debug().Str("job", job.ID).Msg("job already resolved; dropping completion")
		return nil
	}

	// Only drive the machine when the cycle still sits in the phase this job
	// was submitted for.
	if !sv.phaseCurrent(s, job.Phase) {
		sv.logger.Warn().Str("job", job.ID).Str("session", s.ID).Msg("cycle moved on; dropping stale completion")
		return nil
	}

	switch job.Phase {
	case models.PhaseGenerate:
		err := sv.machine.CompleteTestGeneration(ctx, s, output)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, cycle.ErrInvalidGeneration):
			// The runner's output can never parse; retrying the same
			// transition cannot help.
			return sv.machine.Fail(ctx, s, fmt.Sprintf("test generation: %v", err))
		default:
			// Persistence failed; the session stays in generating_tests
			// and the drive loop submits a fresh generation job.
			return err
		}
	case models.PhaseRed:
		res, err := runner.ParsePhaseResult(output)
		if err != nil {
			// RED only needs the pass/fail observation; an unreadable
			// payload reads as the expected failure.
			res = &runner.PhaseResult{TestPassed: false}
		}
		return sv.machine.ObserveRed(ctx, s, res.TestPassed)
	case models.PhaseGreen:
		res, err := runner.ParsePhaseResult(output)
		if err != nil {
			res = &runner.PhaseResult{TestPassed: false}
		}
		return sv.machine.CompleteGreen(ctx, s, res.Files, res.TestPassed)
	case models.PhaseRefactor:
		return sv.machine.CompleteRefactor(ctx, s)
	}
	return fmt.Errorf("job %s has unknown phase %q", job.ID, job.Phase)
}

// resolveFailed applies the failure path for a job the runner reported as
// failed. Shares the phase-resolution rules with the timeout sweep.
func (sv *Supervisor) resolveFailed(ctx context.Context, job *models.AIJob, now time.Time, reason string) error {
	job.Status = models.JobStatusFailed
	job.LastError = reason
	job.FinishedAt = &now

	s, entries := sv.decideFailure(ctx, job, reason)
	resolved, err := sv.store.ResolveJob(ctx, job, s, entries)
	if err != nil {
		return err
	}
	if !resolved {
		sv.logger.Debug().Str("job", job.ID).Msg("job already resolved")
	}
	return nil
}

// phaseCurrent reports whether the session's cycle still sits in the phase a
// job was submitted for.
func (sv *Supervisor) phaseCurrent(s *models.CodingSession, phase models.Phase) bool {
	if s.Status.Terminal() {
		return false
	}
	// A paused session keeps its cycle phase but accepts no transitions
	// until resumed; its jobs still resolve, the results are just dropped.
	if s.Status == models.SessionStatusPaused {
		return false
	}
	if s.Cycle == nil {
		return phase == models.PhaseGenerate && s.Status == models.SessionStatusGeneratingTests
	}
	return s.Cycle.Phase == phase
}

// decideFailure loads the owning session and applies the state machine's
// failure-path transition for the job's phase, returning the session to
// persist (nil when nothing should change) and the history entries to append.
// In refactor, the failure advances to the next test or completes the
// session; in green it feeds the stuck-count escalation; in any other phase
// the error is recorded without forcing a transition.
func (sv *Supervisor) decideFailure(ctx context.Context, job *models.AIJob, reason string) (*models.CodingSession, []*models.HistoryEntry) {
	entries := []*models.HistoryEntry{{
		SessionID: job.SessionID,
		Phase:     job.Phase,
		Action:    "job-failed",
		Result:    models.HistoryResultFailure,
	}}

	s, err := sv.store.GetSession(ctx, job.SessionID)
	if err != nil {
		sv.logger.Error().Err(err).Str("job", job.ID).Msg("owning session not found")
		return nil, entries
	}

	if !sv.phaseCurrent(s, job.Phase) {
		// The cycle already moved on; resolving the job row is enough.
		return nil, entries
	}

	switch job.Phase {
	case models.PhaseRefactor:
		entries = append(entries, cycle.ApplyRefactorTimeout(s, reason))
	case models.PhaseGreen:
		entries = append(entries, cycle.ApplyGreenFailure(s, sv.cfg.StuckLimit, reason))
	default:
		s.LastError = reason
	}
	return s, entries
}

// --- timeout sweep ---

// SweepOptions filters one sweep pass.
type SweepOptions struct {
	// SessionID restricts the sweep to one session when non-empty.
	SessionID string
	// StaleAfter overrides the configured staleness threshold when positive.
	StaleAfter time.Duration
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Checked  int
	TimedOut int
	Resolved int
}

// Sweep scans all running jobs and resolves those that exceeded their time
// budget: the job is marked failed and the owning session's cycle is driven
// by the same escalation rules a live failure report uses. Running the sweep
// twice on the same stale job yields the same final state; the second pass
// observes a non-running job and takes no action.
func (sv *Supervisor) Sweep(ctx context.Context, now time.Time, opts SweepOptions) (*SweepReport, error) {
	sv.sweepMu.Lock()
	defer sv.sweepMu.Unlock()

	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = sv.cfg.StaleAfter
	}

	jobs, err := sv.store.ListRunningJobs(ctx)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	for _, job := range jobs {
		if opts.SessionID != "" && job.SessionID != opts.SessionID {
			continue
		}
		report.Checked++

		elapsed := now.Sub(job.StartedAt)
		if elapsed <= staleAfter {
			continue
		}
		report.TimedOut++

		reason := fmt.Sprintf("job timed out after %s in %s phase", elapsed.Round(time.Second), job.Phase)
		job.Status = models.JobStatusFailed
		job.LastError = reason
		finished := now
		job.FinishedAt = &finished

		s, entries := sv.decideFailure(ctx, job, reason)
		entries[0].Action = "job-timeout"

		resolved, err := sv.store.ResolveJob(ctx, job, s, entries)
		if err != nil {
			sv.logger.Error().Err(err).Str("job", job.ID).Msg("timeout resolution failed")
			continue
		}
		if resolved {
			report.Resolved++
			sv.logger.Info().
				Str("job", job.ID).
				Str("session", job.SessionID).
				Str("phase", string(job.Phase)).
				Dur("elapsed", elapsed).
				Msg("stale job resolved")
		}
	}
	return report, nil
}

// RunLoop runs the sweep on a fixed interval until ctx is cancelled.
func (sv *Supervisor) RunLoop(ctx context.Context, interval time.Duration, opts SweepOptions) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sv.logger.Info().Dur("interval", interval).Msg("sweep loop started")
	for {
		select {
		case <-ctx.Done():
			sv.logger.Info().Msg("sweep loop stopped")
			return
		case <-ticker.C:
			report, err := sv.Sweep(ctx, time.Now().UTC(), opts)
			if err != nil {
				sv.logger.Error().Err(err).Msg("sweep failed")
				continue
			}
			if report.TimedOut > 0 {
				sv.logger.Info().
					Int("checked", report.Checked).
					Int("timed_out", report.TimedOut).
					Int("resolved", report.Resolved).
					Msg("sweep pass")
			}
		}
	}
}

// --- user-invoked session operations ---

// jobCanceller is implemented by runners that can drop a job on their side.
type jobCanceller interface {
	Cancel(jobID string)
}

// DeleteSession cancels any in-flight job association and discards all of the
// session's rows in one transaction.
func (sv *Supervisor) DeleteSession(ctx context.Context, sessionID string) error {
	job, err := sv.store.GetRunningJob(ctx, sessionID)
	if err != nil {
		return err
	}
	if job != nil {
		if c, ok := sv.runner.(jobCanceller); ok {
			c.Cancel(job.ID)
		}
	}
	return sv.store.DeleteSession(ctx, sessionID)
}
