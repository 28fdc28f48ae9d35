package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redloop/redloop/internal/cycle"
	"github.com/redloop/redloop/internal/models"
	"github.com/redloop/redloop/internal/runner"
	"github.com/redloop/redloop/internal/store"
)

// mockRunner is a scriptable in-memory runner: tests Submit work, then set
// per-job results before the supervisor resolves them.
type mockRunner struct {
	submitted []runner.Request
	submitErr error
	results   map[string]*runner.Result
	cancelled []string
}

func newMockRunner() *mockRunner {
	return &mockRunner{results: make(map[string]*runner.Result)}
}

func (m *mockRunner) Submit(ctx context.Context, req runner.Request) error {
	if m.submitErr != nil {
		return m.submitErr
	}
	m.submitted = append(m.submitted, req)
	m.results[req.JobID] = &runner.Result{Status: models.JobStatusRunning}
	return nil
}

func (m *mockRunner) Status(ctx context.Context, jobID string) (*runner.Result, error) {
	res, ok := m.results[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job: %s", jobID)
	}
	return res, nil
}

func (m *mockRunner) Cancel(jobID string) {
	m.cancelled = append(m.cancelled, jobID)
}

func (m *mockRunner) finish(jobID, output string) {
	m.results[jobID] = &runner.Result{Status: models.JobStatusCompleted, Output: output}
}

func (m *mockRunner) fail(jobID, reason string) {
	m.results[jobID] = &runner.Result{Status: models.JobStatusFailed, Err: reason}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *cycle.Machine, *mockRunner, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	m := cycle.NewMachine(st, nil, cycle.Config{})
	r := newMockRunner()
	sv := New(st, r, m, zerolog.New(io.Discard), Config{StaleAfter: 5 * time.Minute})
	return sv, m, r, st
}

func generationOutput(t *testing.T, names ...string) string {
	t.Helper()
	var tests []map[string]string
	for _, n := range names {
		tests = append(tests, map[string]string{"name": n, "code": "test stub"})
	}
	data, err := json.Marshal(tests)
	require.NoError(t, err)
	return string(data)
}

func phaseOutput(passed bool, files ...string) string {
	data, _ := json.Marshal(map[string]any{"test_passed": passed, "files": files})
	return string(data)
}

// redSession drives a fresh session into tdd_red with the given tests.
func redSession(t *testing.T, sv *Supervisor, m *cycle.Machine, r *mockRunner, names ...string) *models.CodingSession {
	t.Helper()
	ctx := context.Background()
	s, err := m.StartSession(ctx, "proj", "US-1", "User login", models.RoleBackend)
	require.NoError(t, err)
	require.NoError(t, m.BeginTestGeneration(ctx, s))

	job, err := sv.Submit(ctx, s, models.PhaseGenerate, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, generationOutput(t, names...))
	require.NoError(t, sv.Resolve(ctx, job.ID))

	s, err = sv.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusTDDRed, s.Status)
	return s
}

func TestSubmit_OneJobInFlightPerSession(t *testing.T) {
	sv, m, r, _ := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js")
	ctx := context.Background()

	_, err := sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)

	_, err = sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in flight")
}

func TestSubmit_InvalidBindingRejected(t *testing.T) {
	sv, m, r, _ := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js")

	_, err := sv.Submit(context.Background(), s, models.Phase("deploy"), "sys", "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown phase")
}

func TestSubmit_DispatchFailureMarksJobFailed(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js")
	r.submitErr = fmt.Errorf("runner unreachable")

	_, err := sv.Submit(context.Background(), s, models.PhaseRed, "sys", "prompt")
	require.Error(t, err)

	// The failed dispatch must not leave a running job behind.
	job, err := st.GetRunningJob(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestResolve_CompletedGenerationEntersRed(t *testing.T) {
	sv, m, r, _ := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js", "tests/b.test.js")

	require.NotNil(t, s.Cycle)
	assert.Equal(t, 2, s.Cycle.TotalTests)
	assert.Equal(t, models.PhaseRed, s.Cycle.Phase)
}

// flakyStore fails the first n generation commits, then delegates.
type flakyStore struct {
	store.Store
	failures int
}

func (f *flakyStore) CommitTestGeneration(ctx context.Context, s *models.CodingSession, doc *models.RulesDocument, tests []models.TestCase, entry *models.HistoryEntry) error {
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("disk unavailable")
	}
	return f.Store.CommitTestGeneration(ctx, s, doc, tests, entry)
}

func TestResolve_GenerationCommitFailureLeavesSessionRetryable(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	fs := &flakyStore{Store: st, failures: 1}

	m := cycle.NewMachine(fs, nil, cycle.Config{})
	r := newMockRunner()
	sv := New(fs, r, m, zerolog.New(io.Discard), Config{StaleAfter: 5 * time.Minute})
	ctx := context.Background()

	s, err := m.StartSession(ctx, "proj", "US-1", "User login", models.RoleBackend)
	require.NoError(t, err)
	require.NoError(t, m.BeginTestGeneration(ctx, s))
	job, err := sv.Submit(ctx, s, models.PhaseGenerate, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, generationOutput(t, "tests/a.test.js"))

	// The transition's commit fails transiently. The error surfaces to the
	// caller; the session must not be marked failed.
	require.Error(t, sv.Resolve(ctx, job.ID))

	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusGeneratingTests, s.Status)

	// The drive loop submits a fresh generation job; this time it sticks.
	job2, err := sv.Submit(ctx, s, models.PhaseGenerate, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job2.ID, generationOutput(t, "tests/a.test.js"))
	require.NoError(t, sv.Resolve(ctx, job2.ID))

	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTDDRed, s.Status)
}

func TestResolve_UnparseableGenerationFailsSession(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	ctx := context.Background()

	s, err := m.StartSession(ctx, "proj", "US-1", "User login", models.RoleBackend)
	require.NoError(t, err)
	require.NoError(t, m.BeginTestGeneration(ctx, s))
	job, err := sv.Submit(ctx, s, models.PhaseGenerate, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, "I could not produce tests")

	// Output that can never parse is non-recoverable; the session fails.
	require.NoError(t, sv.Resolve(ctx, job.ID))

	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, s.Status)
	assert.Contains(t, s.LastError, "test generation")
}

func TestResolve_FullPhaseRoundTrip(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js")
	ctx := context.Background()

	// RED observes the failure.
	job, err := sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, phaseOutput(false))
	require.NoError(t, sv.Resolve(ctx, job.ID))
	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusTDDGreen, s.Status)

	// GREEN makes it pass.
	job, err = sv.Submit(ctx, s, models.PhaseGreen, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, phaseOutput(true, "src/auth.js"))
	require.NoError(t, sv.Resolve(ctx, job.ID))
	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusTDDRefactor, s.Status)

	// REFACTOR completes the only test, and with it the session.
	job, err = sv.Submit(ctx, s, models.PhaseRefactor, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, phaseOutput(true))
	require.NoError(t, sv.Resolve(ctx, job.ID))
	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, s.Status)
	assert.Equal(t, 100, s.Progress)
}

func TestResolve_RunningJobIsNoOp(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js")
	ctx := context.Background()

	job, err := sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)
	require.NoError(t, sv.Resolve(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

func TestResolve_FailedGreenJobFeedsStuckCount(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js", "tests/b.test.js")
	ctx := context.Background()

	job, err := sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, phaseOutput(false))
	require.NoError(t, sv.Resolve(ctx, job.ID))

	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	job, err = sv.Submit(ctx, s, models.PhaseGreen, "sys", "prompt")
	require.NoError(t, err)
	r.fail(job.ID, "model error")
	require.NoError(t, sv.Resolve(ctx, job.ID))

	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTDDGreen, s.Status)
	assert.Equal(t, 1, s.Cycle.StuckCount)
	assert.Contains(t, s.LastError, "model error")
}

func sweepAt(t *testing.T, sv *Supervisor, at time.Time, sessionID string) *SweepReport {
	t.Helper()
	report, err := sv.Sweep(context.Background(), at, SweepOptions{SessionID: sessionID})
	require.NoError(t, err)
	return report
}

func TestSweep_FreshJobsUntouched(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js")
	ctx := context.Background()

	job, err := sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)

	report := sweepAt(t, sv, time.Now().UTC().Add(time.Minute), "")
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.TimedOut)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

// TestSweep_TimeoutEscalatesLikeLiveFailure covers a stuck GREEN job: the
// timed-out job goes through the same stuck counting a live failure report
// would, and enough sweeps force an advance past the test.
func TestSweep_TimeoutEscalatesLikeLiveFailure(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js", "tests/b.test.js")
	ctx := context.Background()

	job, err := sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, phaseOutput(false))
	require.NoError(t, sv.Resolve(ctx, job.ID))

	for i := 0; i < cycle.DefaultStuckLimit; i++ {
		s, err = st.GetSession(ctx, s.ID)
		require.NoError(t, err)
		job, err = sv.Submit(ctx, s, models.PhaseGreen, "sys", "prompt")
		require.NoError(t, err)

		report := sweepAt(t, sv, time.Now().UTC().Add(10*time.Minute), "")
		assert.Equal(t, 1, report.TimedOut)
		assert.Equal(t, 1, report.Resolved)
	}

	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTDDRed, s.Status)
	assert.Equal(t, 1, s.Cycle.TestIndex, "third timeout abandons the test")
	assert.Equal(t, 0, s.Cycle.StuckCount)

	entries, err := st.ListHistory(ctx, s.ID)
	require.NoError(t, err)
	var timeouts, advances int
	for _, e := range entries {
		switch e.Action {
		case "job-timeout":
			timeouts++
		case "stuck-advance":
			advances++
		}
	}
	assert.Equal(t, 3, timeouts)
	assert.Equal(t, 1, advances)
}

func TestSweep_RefactorTimeoutAdvances(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js", "tests/b.test.js")
	ctx := context.Background()

	job, err := sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, phaseOutput(false))
	require.NoError(t, sv.Resolve(ctx, job.ID))

	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	job, err = sv.Submit(ctx, s, models.PhaseGreen, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, phaseOutput(true, "src/auth.js"))
	require.NoError(t, sv.Resolve(ctx, job.ID))

	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusTDDRefactor, s.Status)
	_, err = sv.Submit(ctx, s, models.PhaseRefactor, "sys", "prompt")
	require.NoError(t, err)

	report := sweepAt(t, sv, time.Now().UTC().Add(10*time.Minute), "")
	assert.Equal(t, 1, report.Resolved)

	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTDDRed, s.Status)
	assert.Equal(t, 1, s.Cycle.TestIndex)
	assert.Equal(t, 0, s.Cycle.RefactorCount, "a timed-out refactor does not count")
}

// TestSweep_DoubleSweepIdempotent runs the sweep twice over the same stale
// job; the second pass must observe a resolved job and change nothing.
func TestSweep_PausedSessionStaysPaused(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js")
	ctx := context.Background()
	require.NoError(t, m.ObserveRed(ctx, s, false))

	job, err := sv.Submit(ctx, s, models.PhaseGreen, "sys", "prompt")
	require.NoError(t, err)
	require.NoError(t, m.Pause(ctx, s))

	report, err := sv.Sweep(ctx, time.Now().UTC().Add(10*time.Minute), SweepOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.TimedOut)

	// The stale job resolves, but the pause holds: no stuck escalation and
	// no status rewrite, so Resume still restores the pre-pause phase.
	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)

	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, s.Status)
	assert.Equal(t, models.SessionStatusTDDGreen, s.PausedFrom)
	assert.Equal(t, 0, s.Cycle.StuckCount)

	require.NoError(t, m.Resume(ctx, s))
	assert.Equal(t, models.SessionStatusTDDGreen, s.Status)
}

func TestSweep_DoubleSweepIdempotent(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js", "tests/b.test.js")
	ctx := context.Background()

	job, err := sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)
	r.finish(job.ID, phaseOutput(false))
	require.NoError(t, sv.Resolve(ctx, job.ID))
	s, err = st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	_, err = sv.Submit(ctx, s, models.PhaseGreen, "sys", "prompt")
	require.NoError(t, err)

	at := time.Now().UTC().Add(10 * time.Minute)
	first := sweepAt(t, sv, at, "")
	assert.Equal(t, 1, first.Resolved)

	second := sweepAt(t, sv, at, "")
	assert.Equal(t, 0, second.Checked, "resolved job no longer listed as running")

	after, err := st.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Cycle.StuckCount, "stuck count incremented exactly once")

	entries, err := st.ListHistory(ctx, s.ID)
	require.NoError(t, err)
	var timeouts int
	for _, e := range entries {
		if e.Action == "job-timeout" {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts)
}

// A completion callback that lands after the sweep already timed the job out
// must be dropped.
func TestResolve_LateCompletionAfterSweepDropped(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js", "tests/b.test.js")
	ctx := context.Background()

	job, err := sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)

	report := sweepAt(t, sv, time.Now().UTC().Add(10*time.Minute), "")
	require.Equal(t, 1, report.Resolved)

	// The runner finally answers; the resolution must be a no-op.
	r.finish(job.ID, phaseOutput(false))
	require.NoError(t, sv.Resolve(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "timed out")
}

func TestSweep_SessionFilter(t *testing.T) {
	sv, m, r, _ := newTestSupervisor(t)
	a := redSession(t, sv, m, r, "tests/a.test.js")
	b := redSession(t, sv, m, r, "tests/b.test.js")
	ctx := context.Background()

	_, err := sv.Submit(ctx, a, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)
	_, err = sv.Submit(ctx, b, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)

	report := sweepAt(t, sv, time.Now().UTC().Add(10*time.Minute), a.ID)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Resolved)
}

func TestDeleteSession_CancelsRunningJob(t *testing.T) {
	sv, m, r, st := newTestSupervisor(t)
	s := redSession(t, sv, m, r, "tests/a.test.js")
	ctx := context.Background()

	job, err := sv.Submit(ctx, s, models.PhaseRed, "sys", "prompt")
	require.NoError(t, err)

	require.NoError(t, sv.DeleteSession(ctx, s.ID))
	assert.Contains(t, r.cancelled, job.ID)

	_, err = st.GetSession(ctx, s.ID)
	require.Error(t, err)
}
