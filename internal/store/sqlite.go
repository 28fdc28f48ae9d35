package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/redloop/redloop/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
//
// The engine buffers pages in memory, so every mutating method flushes the
// WAL back into the database file before returning. Skipping the flush risks
// silent data loss if the process dies before the next checkpoint.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Handle cache: one store per project file. Two independently-opened handles
// to the same file would break the single-writer contract.
var (
	cacheMu sync.Mutex
	handles = map[string]*SQLiteStore{}
)

// DBPath derives the store file location from a project root: one file per
// project, named after the project's basename.
func DBPath(projectPath string) string {
	base := filepath.Base(filepath.Clean(projectPath))
	return filepath.Join(projectPath, ".redloop", base+".db")
}

// Open returns the cached store for a project, creating and migrating the
// on-disk file on first use.
func Open(projectPath string) (*SQLiteStore, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if s, ok := handles[abs]; ok {
		return s, nil
	}

	s, err := NewSQLiteStore(DBPath(abs))
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	handles[abs] = s
	return s, nil
}

// CloseProject flushes and closes the cached store for a project, if open.
func CloseProject(projectPath string) error {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return fmt.Errorf("resolve project path: %w", err)
	}

	cacheMu.Lock()
	s, ok := handles[abs]
	delete(handles, abs)
	cacheMu.Unlock()

	if !ok {
		return nil
	}
	return s.Close()
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all access through Go's connection pool.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// withFlush runs a mutation and checkpoints the WAL on every exit path, so
// the file on disk reflects the write before the caller observes success.
func (s *SQLiteStore) withFlush(ctx context.Context, fn func() error) (err error) {
	defer func() {
		if _, ferr := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); ferr != nil && err == nil {
			err = fmt.Errorf("flush store: %w", ferr)
		}
	}()
	return fn()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close flushes and closes the database connection.
func (s *SQLiteStore) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, cs *models.CodingSession) error {
	if cs.ID == "" {
		cs.ID = newULID()
	}
	if cs.Status == "" {
		cs.Status = models.SessionStatusPending
	}
	if cs.Role == "" {
		cs.Role = models.RoleFullstack
	}
	now := time.Now().UTC()
	cs.StartedAt = now
	cs.UpdatedAt = now

	return s.withFlush(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO coding_sessions (id, project_id, story_id, story_title, role, status, progress, current_file, output, last_error, paused_from, started_at, updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cs.ID, cs.ProjectID, cs.StoryID, cs.StoryTitle, string(cs.Role), string(cs.Status),
			cs.Progress, cs.CurrentFile, cs.Output, cs.LastError, string(cs.PausedFrom),
			cs.StartedAt, cs.UpdatedAt, cs.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `id, project_id, story_id, story_title, role, status, progress, current_file, output, last_error, paused_from, started_at, updated_at, completed_at`

func (s *SQLiteStore) scanSession(row interface{ Scan(...any) error }) (*models.CodingSession, error) {
	cs := &models.CodingSession{}
	var role, status, pausedFrom string
	var completedAt sql.NullTime

	err := row.Scan(&cs.ID, &cs.ProjectID, &cs.StoryID, &cs.StoryTitle, &role, &status,
		&cs.Progress, &cs.CurrentFile, &cs.Output, &cs.LastError, &pausedFrom,
		&cs.StartedAt, &cs.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	cs.Role = models.Role(role)
	cs.Status = models.SessionStatus(status)
	cs.PausedFrom = models.SessionStatus(pausedFrom)
	if completedAt.Valid {
		cs.CompletedAt = &completedAt.Time
	}
	return cs, nil
}

// loadCycle attaches the tdd_state snapshot, if one exists.
func (s *SQLiteStore) loadCycle(ctx context.Context, cs *models.CodingSession) error {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT cycle FROM tdd_state WHERE session_id = ?", cs.ID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cycle snapshot: %w", err)
	}

	cycle := &models.TDDCycle{}
	if err := json.Unmarshal([]byte(raw), cycle); err != nil {
		return fmt.Errorf("parse cycle snapshot: %w", err)
	}
	cs.Cycle = cycle
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.CodingSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM coding_sessions WHERE id = ?`, id)

	cs, err := s.scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := s.loadCycle(ctx, cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*models.CodingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM coding_sessions ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.CodingSession
	for rows.Next() {
		cs, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, cs := range sessions {
		if err := s.loadCycle(ctx, cs); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// writeSessionTx writes the session row and its cycle snapshot inside tx.
func writeSessionTx(ctx context.Context, tx *sql.Tx, cs *models.CodingSession) error {
	cs.UpdatedAt = time.Now().UTC()

	result, err := tx.ExecContext(ctx,
		`UPDATE coding_sessions SET story_title=?, role=?, status=?, progress=?, current_file=?, output=?, last_error=?, paused_from=?, updated_at=?, completed_at=? WHERE id=?`,
		cs.StoryTitle, string(cs.Role), string(cs.Status), cs.Progress, cs.CurrentFile,
		cs.Output, cs.LastError, string(cs.PausedFrom), cs.UpdatedAt, cs.CompletedAt, cs.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", cs.ID)
	}

	if cs.Cycle == nil {
		return nil
	}
	raw, err := json.Marshal(cs.Cycle)
	if err != nil {
		return fmt.Errorf("marshal cycle snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tdd_state (session_id, cycle, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET cycle=excluded.cycle, updated_at=excluded.updated_at`,
		cs.ID, string(raw), cs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save cycle snapshot: %w", err)
	}
	return nil
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, entry *models.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = newULID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	files, err := json.Marshal(entry.FilesModified)
	if err != nil {
		files = []byte("[]")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO history (id, session_id, timestamp, phase, action, result, files_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.Timestamp, string(entry.Phase),
		entry.Action, string(entry.Result), string(files),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, cs *models.CodingSession) error {
	return s.withFlush(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := writeSessionTx(ctx, tx, cs); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) CommitTransition(ctx context.Context, cs *models.CodingSession, entry *models.HistoryEntry) error {
	return s.withFlush(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := writeSessionTx(ctx, tx, cs); err != nil {
			return err
		}
		if entry != nil {
			if err := appendHistoryTx(ctx, tx, entry); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CommitTestGeneration persists everything the tests-generated transition
// produces in one transaction: the locked rules document, the generated test
// rows, the refreshed session snapshot, and the history entry. A failure
// writes none of it, so the caller can retry the whole transition.
func (s *SQLiteStore) CommitTestGeneration(ctx context.Context, cs *models.CodingSession, doc *models.RulesDocument, tests []models.TestCase, entry *models.HistoryEntry) error {
	return s.withFlush(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertRules(ctx, tx, doc); err != nil {
			return err
		}
		for i := range tests {
			if err := upsertTest(ctx, tx, cs.ID, &tests[i]); err != nil {
				return err
			}
		}
		if err := writeSessionTx(ctx, tx, cs); err != nil {
			return err
		}
		if entry != nil {
			if err := appendHistoryTx(ctx, tx, entry); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// DeleteSession discards a session and all its rows, cancelling any in-flight
// job association, in one transaction.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return s.withFlush(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, table := range []string{"tdd_state", "rules", "history", "tests", "code", "decisions", "traceability", "ai_jobs"} {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", table), id); err != nil {
				return fmt.Errorf("delete session %s rows: %w", table, err)
			}
		}

		result, err := tx.ExecContext(ctx, "DELETE FROM coding_sessions WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("session not found: %s", id)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// --- Jobs ---

const jobColumns = `id, session_id, phase, status, output, last_error, started_at, finished_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.AIJob) error {
	if job.ID == "" {
		job.ID = newULID()
	}
	if job.Status == "" {
		job.Status = models.JobStatusRunning
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}

	return s.withFlush(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO ai_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.SessionID, string(job.Phase), string(job.Status),
			job.Output, job.LastError, job.StartedAt, job.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		return nil
	})
}

func scanJob(row interface{ Scan(...any) error }) (*models.AIJob, error) {
	job := &models.AIJob{}
	var phase, status string
	var finishedAt sql.NullTime

	err := row.Scan(&job.ID, &job.SessionID, &phase, &status,
		&job.Output, &job.LastError, &job.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	job.Phase = models.Phase(phase)
	job.Status = models.JobStatus(status)
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.AIJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM ai_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) GetRunningJob(ctx context.Context, sessionID string) (*models.AIJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM ai_jobs WHERE session_id = ? AND status = 'running'
		ORDER BY started_at DESC LIMIT 1`, sessionID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get running job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListRunningJobs(ctx context.Context) ([]*models.AIJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM ai_jobs WHERE status = 'running' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*models.AIJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *models.AIJob) error {
	return s.withFlush(ctx, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE ai_jobs SET status=?, output=?, last_error=?, finished_at=? WHERE id=?`,
			string(job.Status), job.Output, job.LastError, job.FinishedAt, job.ID,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("job not found: %s", job.ID)
		}
		return nil
	})
}

func (s *SQLiteStore) ResolveJob(ctx context.Context, job *models.AIJob, cs *models.CodingSession, entries []*models.HistoryEntry) (resolved bool, err error) {
	err = s.withFlush(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// Guard on status so a late callback and the sweep cannot both
		// resolve the same job.
		result, err := tx.ExecContext(ctx,
			`UPDATE ai_jobs SET status=?, output=?, last_error=?, finished_at=? WHERE id=? AND status='running'`,
			string(job.Status), job.Output, job.LastError, job.FinishedAt, job.ID,
		)
		if err != nil {
			return fmt.Errorf("resolve job: %w", err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return nil
		}

		if cs != nil {
			if err := writeSessionTx(ctx, tx, cs); err != nil {
				return err
			}
		}
		for _, entry := range entries {
			if err := appendHistoryTx(ctx, tx, entry); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		resolved = true
		return nil
	})
	return resolved, err
}

// --- Rules ---

// execer runs statements against either the root connection or an open
// transaction, so single writes and transactional commits share one SQL path.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRules(ctx context.Context, db execer, doc *models.RulesDocument) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	testFiles, _ := json.Marshal(doc.LockedTestFiles)
	dirs, _ := json.Marshal(doc.AllowedDirs)
	forbidden, _ := json.Marshal(doc.ForbiddenActions)
	features, _ := json.Marshal(doc.Features)

	// Plain INSERT: once a rules row exists for a session it is immutable,
	// so a second create must fail.
	_, err := db.ExecContext(ctx,
		`INSERT INTO rules (session_id, locked, locked_test_files, allowed_dirs, forbidden_actions, story_id, story_title, features, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.SessionID, boolToInt(doc.Locked), string(testFiles), string(dirs),
		string(forbidden), doc.StoryID, doc.StoryTitle, string(features), doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create rules: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRules(ctx context.Context, doc *models.RulesDocument) error {
	return s.withFlush(ctx, func() error {
		return insertRules(ctx, s.db, doc)
	})
}

func (s *SQLiteStore) GetRules(ctx context.Context, sessionID string) (*models.RulesDocument, error) {
	doc := &models.RulesDocument{}
	var locked int
	var testFiles, dirs, forbidden, features string

	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, locked, locked_test_files, allowed_dirs, forbidden_actions, story_id, story_title, features, created_at
		FROM rules WHERE session_id = ?`, sessionID,
	).Scan(&doc.SessionID, &locked, &testFiles, &dirs, &forbidden,
		&doc.StoryID, &doc.StoryTitle, &features, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rules: %w", err)
	}

	doc.Locked = locked != 0
	_ = json.Unmarshal([]byte(testFiles), &doc.LockedTestFiles)
	_ = json.Unmarshal([]byte(dirs), &doc.AllowedDirs)
	_ = json.Unmarshal([]byte(forbidden), &doc.ForbiddenActions)
	_ = json.Unmarshal([]byte(features), &doc.Features)
	return doc, nil
}

// --- History ---

func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *models.HistoryEntry) error {
	return s.withFlush(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := appendHistoryTx(ctx, tx, entry); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListHistory(ctx context.Context, sessionID string) ([]*models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, timestamp, phase, action, result, files_modified
		FROM history WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.HistoryEntry
	for rows.Next() {
		e := &models.HistoryEntry{}
		var phase, result, files string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &phase, &e.Action, &result, &files); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Phase = models.Phase(phase)
		e.Result = models.HistoryResult(result)
		_ = json.Unmarshal([]byte(files), &e.FilesModified)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Artifacts ---

func upsertTest(ctx context.Context, db execer, sessionID string, tc *models.TestCase) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO tests (id, session_id, name, code, status, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, name) DO UPDATE SET code=excluded.code, status=excluded.status, attempts=excluded.attempts`,
		newULID(), sessionID, tc.Name, tc.Code, string(tc.Status), tc.Attempts,
	)
	if err != nil {
		return fmt.Errorf("save test: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveTest(ctx context.Context, sessionID string, tc *models.TestCase) error {
	return s.withFlush(ctx, func() error {
		return upsertTest(ctx, s.db, sessionID, tc)
	})
}

func (s *SQLiteStore) ListTests(ctx context.Context, sessionID string) ([]*models.TestCase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, code, status, attempts FROM tests WHERE session_id = ? ORDER BY name`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tests []*models.TestCase
	for rows.Next() {
		tc := &models.TestCase{}
		var status string
		if err := rows.Scan(&tc.Name, &tc.Code, &status, &tc.Attempts); err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		tc.Status = models.TestStatus(status)
		tests = append(tests, tc)
	}
	return tests, rows.Err()
}

func (s *SQLiteStore) SaveCode(ctx context.Context, sessionID, path, content string, phase models.Phase) error {
	return s.withFlush(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO code (id, session_id, path, content, phase, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, path) DO UPDATE SET content=excluded.content, phase=excluded.phase, updated_at=excluded.updated_at`,
			newULID(), sessionID, path, content, string(phase), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("save code: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) RecordDecision(ctx context.Context, sessionID, decision, rationale string) error {
	return s.withFlush(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO decisions (id, session_id, decision, rationale, created_at) VALUES (?, ?, ?, ?, ?)`,
			newULID(), sessionID, decision, rationale, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("record decision: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) RecordTrace(ctx context.Context, sessionID, testName string, files []string) error {
	raw, err := json.Marshal(files)
	if err != nil {
		raw = []byte("[]")
	}
	return s.withFlush(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO traceability (id, session_id, test_name, files, created_at) VALUES (?, ?, ?, ?, ?)`,
			newULID(), sessionID, testName, string(raw), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("record trace: %w", err)
		}
		return nil
	})
}
