package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/redloop/redloop/internal/models"
	"github.com/redloop/redloop/internal/store"
	"github.com/redloop/redloop/internal/supervisor"
)

// Server wraps the redloop data layer and exposes it as MCP tools.
type Server struct {
	store store.Store
	sv    *supervisor.Supervisor
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, sv *supervisor.Supervisor) *Server {
	return &Server{store: s, sv: sv}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("redloop", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.cycleStateTool())
	srv.AddTool(s.sessionHistoryTool())
	srv.AddTool(s.sessionRulesTool())
	srv.AddTool(s.runSweepTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type sessionOut struct {
	ID         string `json:"id"`
	StoryID    string `json:"story_id"`
	StoryTitle string `json:"story_title"`
	Role       string `json:"role"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	Phase      string `json:"phase,omitempty"`
	TestsPass  int    `json:"tests_passed"`
	TotalTests int    `json:"total_tests"`
	LastError  string `json:"last_error,omitempty"`
	StartedAt  string `json:"started_at"`
}

func sessionToOut(s *models.CodingSession) sessionOut {
	out := sessionOut{
		ID:         s.ID,
		StoryID:    s.StoryID,
		StoryTitle: s.StoryTitle,
		Role:       string(s.Role),
		Status:     string(s.Status),
		Progress:   s.Progress,
		LastError:  s.LastError,
		StartedAt:  s.StartedAt.UTC().Format(time.RFC3339),
	}
	if s.Cycle != nil {
		out.Phase = string(s.Cycle.Phase)
		out.TestsPass = s.Cycle.TestsPassed
		out.TotalTests = s.Cycle.TotalTests
	}
	return out
}

// tdd_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tdd_list_sessions",
		mcp.WithDescription("List TDD coding sessions for this project. Returns a JSON array with id, story, role, status, phase, and progress."),
		mcp.WithNumber("limit", mcp.Description("Max sessions to return (default 20)")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	sessions, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionToOut(sess)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// tdd_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tdd_session_status",
		mcp.WithDescription("Get a session's status, progress, and any in-flight AI job."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %v", err)), nil
	}

	type jobOut struct {
		ID        string `json:"id"`
		Phase     string `json:"phase"`
		Status    string `json:"status"`
		StartedAt string `json:"started_at"`
	}
	type statusOut struct {
		sessionOut
		Job *jobOut `json:"running_job,omitempty"`
	}

	out := statusOut{sessionOut: sessionToOut(sess)}
	if job, err := s.store.GetRunningJob(ctx, id); err == nil && job != nil {
		out.Job = &jobOut{
			ID:        job.ID,
			Phase:     string(job.Phase),
			Status:    string(job.Status),
			StartedAt: job.StartedAt.UTC().Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// tdd_cycle_state
func (s *Server) cycleStateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tdd_cycle_state",
		mcp.WithDescription("Get a session's full TDD cycle state: phase, test index, per-test status and attempts, stuck and refactor counters."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleCycleState
}

func (s *Server) handleCycleState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %v", err)), nil
	}
	if sess.Cycle == nil {
		return mcp.NewToolResultText(`{"phase":"generate","tests":[]}`), nil
	}

	type testOut struct {
		Name     string `json:"name"`
		Status   string `json:"status"`
		Attempts int    `json:"attempts"`
		Current  bool   `json:"current,omitempty"`
	}
	type cycleOut struct {
		Phase         string    `json:"phase"`
		TestIndex     int       `json:"test_index"`
		TotalTests    int       `json:"total_tests"`
		TestsPassed   int       `json:"tests_passed"`
		StuckCount    int       `json:"stuck_count"`
		RefactorCount int       `json:"refactor_count"`
		Tests         []testOut `json:"tests"`
	}

	c := sess.Cycle
	out := cycleOut{
		Phase:         string(c.Phase),
		TestIndex:     c.TestIndex,
		TotalTests:    c.TotalTests,
		TestsPassed:   c.TestsPassed,
		StuckCount:    c.StuckCount,
		RefactorCount: c.RefactorCount,
		Tests:         make([]testOut, len(c.AllTests)),
	}
	for i, tc := range c.AllTests {
		out.Tests[i] = testOut{
			Name:     tc.Name,
			Status:   string(tc.Status),
			Attempts: tc.Attempts,
			Current:  i == c.TestIndex,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal cycle: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// tdd_session_history
func (s *Server) sessionHistoryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tdd_session_history",
		mcp.WithDescription("Get a session's audit trail of phase transitions, job outcomes, and rule violations, oldest first."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSessionHistory
}

func (s *Server) handleSessionHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	entries, err := s.store.ListHistory(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load history: %v", err)), nil
	}

	type entryOut struct {
		Timestamp string   `json:"timestamp"`
		Phase     string   `json:"phase"`
		Action    string   `json:"action"`
		Result    string   `json:"result"`
		Files     []string `json:"files_modified,omitempty"`
	}
	out := make([]entryOut, len(entries))
	for i, e := range entries {
		out[i] = entryOut{
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Phase:     string(e.Phase),
			Action:    e.Action,
			Result:    string(e.Result),
			Files:     e.FilesModified,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal history: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// tdd_session_rules
func (s *Server) sessionRulesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tdd_session_rules",
		mcp.WithDescription("Get the locked rules document for a session: locked test files, allowed directories, forbidden actions."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSessionRules
}

func (s *Server) handleSessionRules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	doc, err := s.store.GetRules(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load rules: %v", err)), nil
	}
	if doc == nil {
		return mcp.NewToolResultText("null"), nil
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal rules: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// tdd_run_sweep
func (s *Server) runSweepTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("tdd_run_sweep",
		mcp.WithDescription("Run one timeout sweep pass over running AI jobs, recovering any older than the stale threshold. Safe to call repeatedly."),
		mcp.WithString("session_id", mcp.Description("Restrict the sweep to one session")),
	)
	return tool, s.handleRunSweep
}

func (s *Server) handleRunSweep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := supervisor.SweepOptions{
		SessionID: request.GetString("session_id", ""),
	}
	report, err := s.sv.Sweep(ctx, time.Now().UTC(), opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sweep failed: %v", err)), nil
	}

	data, err := json.Marshal(map[string]int{
		"checked":   report.Checked,
		"timed_out": report.TimedOut,
		"resolved":  report.Resolved,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal report: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
