package models

import "time"

// SessionStatus represents the state of a coding session.
type SessionStatus string

const (
	SessionStatusPending         SessionStatus = "pending"
	SessionStatusGeneratingTests SessionStatus = "generating_tests"
	SessionStatusTestsGenerated  SessionStatus = "tests_generated"
	SessionStatusTDDRed          SessionStatus = "tdd_red"
	SessionStatusTDDGreen        SessionStatus = "tdd_green"
	SessionStatusTDDRefactor     SessionStatus = "tdd_refactor"
	SessionStatusCompleted       SessionStatus = "completed"
	SessionStatusFailed          SessionStatus = "failed"
	SessionStatusPaused          SessionStatus = "paused"
	SessionStatusReviewing       SessionStatus = "reviewing"
)

// Terminal reports whether the session can no longer transition.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// Role is the implementation role assigned to a session.
type Role string

const (
	RoleBackend   Role = "backend"
	RoleFrontend  Role = "frontend"
	RoleFullstack Role = "fullstack"
)

// Phase is one of the three TDD phases, plus test generation for job dispatch.
type Phase string

const (
	PhaseGenerate Phase = "generate"
	PhaseRed      Phase = "red"
	PhaseGreen    Phase = "green"
	PhaseRefactor Phase = "refactor"
)

// TestStatus tracks a single test through the cycle.
type TestStatus string

const (
	TestStatusPending    TestStatus = "pending"
	TestStatusRed        TestStatus = "red"
	TestStatusGreen      TestStatus = "green"
	TestStatusRefactored TestStatus = "refactored"
)

// TestCase is one generated test tracked by the cycle.
type TestCase struct {
	Name     string     `json:"name"`
	Code     string     `json:"code"`
	Status   TestStatus `json:"status"`
	Attempts int        `json:"attempts"`
}

// TDDCycle tracks which test is active and in which phase.
// TestIndex ranges 0..TotalTests; TestIndex == TotalTests means the cycle
// is exhausted and the owning session must be completed.
type TDDCycle struct {
	TestIndex       int        `json:"test_index"`
	Phase           Phase      `json:"phase"`
	CurrentTestName string     `json:"current_test_name"`
	CurrentTest     string     `json:"current_test"`
	TestsPassed     int        `json:"tests_passed"`
	TotalTests      int        `json:"total_tests"`
	AllTests        []TestCase `json:"all_tests"`
	RefactorCount   int        `json:"refactor_count"`
	StuckCount      int        `json:"stuck_count"`
}

// Current returns the active test, or nil when the cycle is exhausted.
func (c *TDDCycle) Current() *TestCase {
	if c.TestIndex < 0 || c.TestIndex >= len(c.AllTests) {
		return nil
	}
	return &c.AllTests[c.TestIndex]
}

// Exhausted reports whether every test has been visited.
func (c *TDDCycle) Exhausted() bool {
	return c.TestIndex >= c.TotalTests
}

// Denormalize refreshes CurrentTestName/CurrentTest from AllTests[TestIndex].
func (c *TDDCycle) Denormalize() {
	if t := c.Current(); t != nil {
		c.CurrentTestName = t.Name
		c.CurrentTest = t.Code
	} else {
		c.CurrentTestName = ""
		c.CurrentTest = ""
	}
}

// CodingSession is one AI-assisted implementation session for a story.
type CodingSession struct {
	ID          string
	ProjectID   string
	StoryID     string
	StoryTitle  string
	Role        Role
	Status      SessionStatus
	Progress    int
	CurrentFile string
	Output      string
	LastError   string
	// PausedFrom holds the status to restore on resume; only set while paused.
	PausedFrom  SessionStatus
	Cycle       *TDDCycle
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}
