package cycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redloop/redloop/internal/models"
	"github.com/redloop/redloop/internal/rules"
	"github.com/redloop/redloop/internal/store"
	"github.com/redloop/redloop/internal/stream"
)

// DefaultStuckLimit is how many consecutive GREEN failures are tolerated per
// test before the machine force-advances past it.
const DefaultStuckLimit = 3

// Config holds the machine's tunables.
type Config struct {
	StuckLimit int
}

// Machine owns all legal transitions of a coding session and its TDD cycle.
// Every transition is committed through the store (session snapshot plus
// history entry) before it is reported as successful; a persistence failure
// leaves the session in its prior state.
type Machine struct {
	store  store.Store
	broker *stream.Broker
	cfg    Config
}

// NewMachine creates a state machine over the given store. broker may be nil
// when no streaming consumers exist.
func NewMachine(s store.Store, broker *stream.Broker, cfg Config) *Machine {
	if cfg.StuckLimit <= 0 {
		cfg.StuckLimit = DefaultStuckLimit
	}
	return &Machine{store: s, broker: broker, cfg: cfg}
}

// StuckLimit returns the configured escalation ceiling.
func (m *Machine) StuckLimit() int {
	return m.cfg.StuckLimit
}

// StartSession creates a new pending session for a story.
func (m *Machine) StartSession(ctx context.Context, projectID, storyID, storyTitle string, role models.Role) (*models.CodingSession, error) {
	s := &models.CodingSession{
		ProjectID:  projectID,
		StoryID:    storyID,
		StoryTitle: storyTitle,
		Role:       role,
		Status:     models.SessionStatusPending,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// BeginTestGeneration moves a pending session into generating_tests.
func (m *Machine) BeginTestGeneration(ctx context.Context, s *models.CodingSession) error {
	if s.Status != models.SessionStatusPending {
		return fmt.Errorf("session %s is %s, expected pending", s.ID, s.Status)
	}
	s.Status = models.SessionStatusGeneratingTests
	return m.commit(ctx, s, &models.HistoryEntry{
		SessionID: s.ID,
		Phase:     models.PhaseGenerate,
		Action:    "test-generation-started",
		Result:    models.HistoryResultSuccess,
	})
}

// CompleteTestGeneration parses the generation job's output into the test
// list, locks the rules document, initializes the cycle, and enters RED for
// the first test. tests_generated -> tdd_red is immediate.
func (m *Machine) CompleteTestGeneration(ctx context.Context, s *models.CodingSession, output string) error {
	if s.Status != models.SessionStatusGeneratingTests {
		return fmt.Errorf("session %s is %s, expected generating_tests", s.ID, s.Status)
	}

	tests, err := ParseGeneratedTests(output)
	if err != nil {
		return err
	}

	doc := rules.BuildDocument(s.ID, s.StoryID, s.StoryTitle, s.Role, output)

	prevStatus, prevCycle, prevOutput := s.Status, s.Cycle, s.Output
	s.Cycle = &models.TDDCycle{
		TestIndex:  0,
		Phase:      models.PhaseRed,
		TotalTests: len(tests),
		AllTests:   tests,
	}
	s.Cycle.Denormalize()
	s.Status = models.SessionStatusTDDRed
	s.Output += output

	// Rules, test rows, session snapshot, and history land in one
	// transaction: a failed commit leaves no partial rows behind, so the
	// caller can retry the transition with the same output.
	if err := m.store.CommitTestGeneration(ctx, s, doc, tests, &models.HistoryEntry{
		SessionID: s.ID,
		Phase:     models.PhaseGenerate,
		Action:    "tests-generated",
		Result:    models.HistoryResultSuccess,
	}); err != nil {
		s.Status, s.Cycle, s.Output = prevStatus, prevCycle, prevOutput
		return fmt.Errorf("commit test generation: %w", err)
	}
	m.publish(s, "")
	return nil
}

// ObserveRed records the RED-phase observation for the current test and moves
// the session to GREEN. RED must observe a failure to be meaningful, but an
// unexpectedly passing test is a warning, not an error: the cycle proceeds.
func (m *Machine) ObserveRed(ctx context.Context, s *models.CodingSession, testPassed bool) error {
	if s.Status != models.SessionStatusTDDRed || s.Cycle == nil {
		return fmt.Errorf("session %s is %s, expected tdd_red", s.ID, s.Status)
	}

	action := "red-observed"
	if testPassed {
		action = "red-unexpected-pass"
		s.Output += fmt.Sprintf("\nwarning: test %q passed before implementation\n", s.Cycle.CurrentTestName)
	} else if cur := s.Cycle.Current(); cur != nil {
		// The red mark is permanent until the test goes green: a test the
		// stuck rule later abandons keeps it, recording that it was
		// observed failing but never passed.
		cur.Status = models.TestStatusRed
	}

	s.Cycle.Phase = models.PhaseGreen
	s.Status = models.SessionStatusTDDGreen

	if err := m.commit(ctx, s, &models.HistoryEntry{
		SessionID: s.ID,
		Phase:     models.PhaseRed,
		Action:    action,
		Result:    models.HistoryResultSuccess,
	}); err != nil {
		return err
	}
	m.publish(s, "")
	return nil
}

// CompleteGreen resolves a GREEN attempt: the proposed change set is checked
// against the locked rules first, and only a clean, passing attempt advances
// to REFACTOR. A rejection or failing test feeds the stuck counter.
func (m *Machine) CompleteGreen(ctx context.Context, s *models.CodingSession, changedFiles []string, testPassed bool) error {
	if s.Status != models.SessionStatusTDDGreen || s.Cycle == nil {
		return fmt.Errorf("session %s is %s, expected tdd_green", s.ID, s.Status)
	}
	cur := s.Cycle.Current()
	if cur == nil {
		return fmt.Errorf("session %s has no active test", s.ID)
	}

	doc, err := m.store.GetRules(ctx, s.ID)
	if err != nil {
		return err
	}
	if res := rules.Validate(doc, changedFiles); !res.Valid {
		return m.failGreen(ctx, s, strings.Join(res.Violations, "; "), changedFiles)
	}
	if !testPassed {
		return m.failGreen(ctx, s, fmt.Sprintf("test %q still failing", cur.Name), changedFiles)
	}

	cur.Attempts++
	cur.Status = models.TestStatusGreen
	s.Cycle.TestsPassed++
	s.Cycle.StuckCount = 0
	s.Cycle.Phase = models.PhaseRefactor
	s.Status = models.SessionStatusTDDRefactor
	s.LastError = ""
	s.Progress = progressFor(s.Cycle)
	if len(changedFiles) > 0 {
		s.CurrentFile = changedFiles[len(changedFiles)-1]
	}

	if err := m.commit(ctx, s, &models.HistoryEntry{
		SessionID:     s.ID,
		Phase:         models.PhaseGreen,
		Action:        "green-passed",
		Result:        models.HistoryResultSuccess,
		FilesModified: changedFiles,
	}); err != nil {
		return err
	}

	// Traceability and test status are secondary records; the transition is
	// already committed.
	_ = m.store.RecordTrace(ctx, s.ID, cur.Name, changedFiles)
	_ = m.store.SaveTest(ctx, s.ID, cur)

	m.publish(s, "")
	return nil
}

// failGreen applies one GREEN failure, escalating at the stuck limit, and
// commits the result.
func (m *Machine) failGreen(ctx context.Context, s *models.CodingSession, reason string, changedFiles []string) error {
	entry := ApplyGreenFailure(s, m.cfg.StuckLimit, reason)
	entry.FilesModified = changedFiles
	if err := m.commit(ctx, s, entry); err != nil {
		return err
	}
	m.publish(s, "")
	return nil
}

// CompleteRefactor finishes the REFACTOR phase for the current test and
// advances to the next test, or completes the session after the last one.
func (m *Machine) CompleteRefactor(ctx context.Context, s *models.CodingSession) error {
	if s.Status != models.SessionStatusTDDRefactor || s.Cycle == nil {
		return fmt.Errorf("session %s is %s, expected tdd_refactor", s.ID, s.Status)
	}

	if cur := s.Cycle.Current(); cur != nil {
		cur.Status = models.TestStatusRefactored
		_ = m.store.SaveTest(ctx, s.ID, cur)
	}
	s.Cycle.RefactorCount++
	advance(s)

	if err := m.commit(ctx, s, &models.HistoryEntry{
		SessionID: s.ID,
		Phase:     models.PhaseRefactor,
		Action:    "refactor-completed",
		Result:    models.HistoryResultSuccess,
	}); err != nil {
		return err
	}
	m.publish(s, "")
	return nil
}

// Fail marks a session failed with a human-readable reason. Only used for
// non-recoverable errors; ordinary job failures go through the stuck rule.
func (m *Machine) Fail(ctx context.Context, s *models.CodingSession, reason string) error {
	if s.Status.Terminal() {
		return fmt.Errorf("session %s is already %s", s.ID, s.Status)
	}
	s.Status = models.SessionStatusFailed
	s.LastError = reason
	return m.commit(ctx, s, &models.HistoryEntry{
		SessionID: s.ID,
		Phase:     phaseOf(s),
		Action:    "session-failed",
		Result:    models.HistoryResultFailure,
	})
}

// Pause suspends the session's visible status without touching cycle or job
// state.
func (m *Machine) Pause(ctx context.Context, s *models.CodingSession) error {
	if s.Status.Terminal() || s.Status == models.SessionStatusPaused {
		return fmt.Errorf("session %s is %s and cannot be paused", s.ID, s.Status)
	}
	s.PausedFrom = s.Status
	s.Status = models.SessionStatusPaused
	return m.commit(ctx, s, &models.HistoryEntry{
		SessionID: s.ID,
		Phase:     phaseOf(s),
		Action:    "paused",
		Result:    models.HistoryResultSuccess,
	})
}

// Resume restores the status the session held before Pause.
func (m *Machine) Resume(ctx context.Context, s *models.CodingSession) error {
	if s.Status != models.SessionStatusPaused {
		return fmt.Errorf("session %s is %s, expected paused", s.ID, s.Status)
	}
	s.Status = s.PausedFrom
	if s.Status == "" {
		s.Status = models.SessionStatusPending
	}
	s.PausedFrom = ""
	return m.commit(ctx, s, &models.HistoryEntry{
		SessionID: s.ID,
		Phase:     phaseOf(s),
		Action:    "resumed",
		Result:    models.HistoryResultSuccess,
	})
}

func (m *Machine) commit(ctx context.Context, s *models.CodingSession, entry *models.HistoryEntry) error {
	if err := m.store.CommitTransition(ctx, s, entry); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func (m *Machine) publish(s *models.CodingSession, delta string) {
	if m.broker == nil {
		return
	}
	testProgress := 0
	if s.Cycle != nil && s.Cycle.TotalTests > 0 {
		testProgress = s.Cycle.TestsPassed * 100 / s.Cycle.TotalTests
	}
	m.broker.Publish(stream.Event{
		SessionID:              s.ID,
		Progress:               s.Progress,
		TestProgress:           testProgress,
		ImplementationProgress: s.Progress,
		CurrentFile:            s.CurrentFile,
		OutputDelta:            delta,
	})
}

// --- transition helpers shared with the timeout sweep ---

// ApplyGreenFailure applies exactly one GREEN-attempt failure to the session:
// one attempt, one stuck-count increment, and a forced advance past the
// current test when the count reaches limit. The sweep's timeout path calls
// this too, so a timeout and a live failure report escalate identically.
func ApplyGreenFailure(s *models.CodingSession, limit int, reason string) *models.HistoryEntry {
	c := s.Cycle
	if cur := c.Current(); cur != nil {
		cur.Attempts++
	}
	c.StuckCount++
	s.LastError = reason

	if c.StuckCount >= limit {
		if c.TestIndex == c.TotalTests-1 {
			// Exhausting the budget on the final test leaves nothing to
			// advance to; the session fails with the last error recorded.
			s.Status = models.SessionStatusFailed
			return &models.HistoryEntry{
				SessionID: s.ID,
				Phase:     models.PhaseGreen,
				Action:    "stuck-exhausted",
				Result:    models.HistoryResultFailure,
			}
		}
		// Abandon the current test rather than retrying indefinitely. Its
		// status stays wherever it was (never green).
		advance(s)
		return &models.HistoryEntry{
			SessionID: s.ID,
			Phase:     models.PhaseGreen,
			Action:    "stuck-advance",
			Result:    models.HistoryResultFailure,
		}
	}

	return &models.HistoryEntry{
		SessionID: s.ID,
		Phase:     models.PhaseGreen,
		Action:    "green-failed",
		Result:    models.HistoryResultFailure,
	}
}

// ApplyRefactorTimeout resolves a timed-out REFACTOR job: treat it as a
// refactor failure and move on to the next test (or complete the session
// after the last one). Unlike CompleteRefactor it does not count a refactor.
func ApplyRefactorTimeout(s *models.CodingSession, reason string) *models.HistoryEntry {
	s.LastError = reason
	advance(s)
	return &models.HistoryEntry{
		SessionID: s.ID,
		Phase:     models.PhaseRefactor,
		Action:    "refactor-timeout-advance",
		Result:    models.HistoryResultFailure,
	}
}

// advance moves the cycle to the next test, or completes the session when
// every test has been visited. Advancing past green resets the stuck count.
func advance(s *models.CodingSession) {
	c := s.Cycle
	c.TestIndex++
	c.StuckCount = 0
	c.Denormalize()
	s.Progress = progressFor(c)

	if c.Exhausted() {
		now := time.Now().UTC()
		c.Phase = models.PhaseRefactor
		s.Status = models.SessionStatusCompleted
		s.Progress = 100
		s.CompletedAt = &now
		return
	}

	c.Phase = models.PhaseRed
	s.Status = models.SessionStatusTDDRed
}

// progressFor derives the session's overall percentage from passed tests.
func progressFor(c *models.TDDCycle) int {
	if c == nil || c.TotalTests == 0 {
		return 0
	}
	return c.TestsPassed * 100 / c.TotalTests
}

// phaseOf reports the cycle phase for history purposes, defaulting to the
// generation phase before a cycle exists.
func phaseOf(s *models.CodingSession) models.Phase {
	if s.Cycle != nil {
		return s.Cycle.Phase
	}
	return models.PhaseGenerate
}
