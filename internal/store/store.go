package store

import (
	"context"

	"github.com/redloop/redloop/internal/models"
)

// Store defines the persistence interface for one project's session data.
// A Store instance is the sole writer of its on-disk file; Open caches one
// instance per project so callers never hold two handles to the same file.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.CodingSession) error
	GetSession(ctx context.Context, id string) (*models.CodingSession, error)
	ListSessions(ctx context.Context, limit int) ([]*models.CodingSession, error)
	UpdateSession(ctx context.Context, s *models.CodingSession) error
	DeleteSession(ctx context.Context, id string) error

	// CommitTransition persists a refreshed session/cycle snapshot together
	// with its history entry in one transaction. A cycle transition is not
	// committed until this succeeds.
	CommitTransition(ctx context.Context, s *models.CodingSession, entry *models.HistoryEntry) error

	// CommitTestGeneration persists the tests-generated transition as one
	// unit: rules document, test rows, session snapshot, and history entry.
	// A failure writes nothing, so the transition stays retryable.
	CommitTestGeneration(ctx context.Context, s *models.CodingSession, doc *models.RulesDocument, tests []models.TestCase, entry *models.HistoryEntry) error

	// Jobs
	CreateJob(ctx context.Context, job *models.AIJob) error
	GetJob(ctx context.Context, id string) (*models.AIJob, error)
	GetRunningJob(ctx context.Context, sessionID string) (*models.AIJob, error)
	ListRunningJobs(ctx context.Context) ([]*models.AIJob, error)
	UpdateJob(ctx context.Context, job *models.AIJob) error

	// ResolveJob atomically writes a job's terminal status together with the
	// session/cycle resolution it triggered. The write is guarded on the job
	// still being 'running': if another path resolved it first, nothing is
	// touched and false is returned, which makes job resolution idempotent.
	ResolveJob(ctx context.Context, job *models.AIJob, s *models.CodingSession, entries []*models.HistoryEntry) (bool, error)

	// Rules
	CreateRules(ctx context.Context, doc *models.RulesDocument) error
	GetRules(ctx context.Context, sessionID string) (*models.RulesDocument, error)

	// History
	AppendHistory(ctx context.Context, entry *models.HistoryEntry) error
	ListHistory(ctx context.Context, sessionID string) ([]*models.HistoryEntry, error)

	// Artifacts
	SaveTest(ctx context.Context, sessionID string, tc *models.TestCase) error
	ListTests(ctx context.Context, sessionID string) ([]*models.TestCase, error)
	SaveCode(ctx context.Context, sessionID, path, content string, phase models.Phase) error
	RecordDecision(ctx context.Context, sessionID, decision, rationale string) error
	RecordTrace(ctx context.Context, sessionID, testName string, files []string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
