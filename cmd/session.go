package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/redloop/redloop/internal/cycle"
	"github.com/redloop/redloop/internal/models"
	"github.com/redloop/redloop/internal/output"
	"github.com/redloop/redloop/internal/runner"
	"github.com/redloop/redloop/internal/store"
	"github.com/redloop/redloop/internal/stream"
	"github.com/redloop/redloop/internal/supervisor"
)

var (
	sessionStoryID    string
	sessionStoryTitle string
	sessionRole       string
	sessionLimit      int
	sessionPollEvery  time.Duration
	rulesExport       bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage TDD coding sessions",
	Long:  "Create, drive, and inspect AI-assisted TDD coding sessions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a coding session for a story",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStartRun()
	},
}

var sessionRunCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Drive a session until it completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRunRun(cmd.Context(), args[0])
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions for this project",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session status and cycle state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show a session's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionHistoryRun(args[0])
	},
}

var sessionPauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionPauseRun(args[0], true)
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionPauseRun(args[0], false)
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and cancel its in-flight job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionDeleteRun(args[0])
	},
}

var sessionRulesCmd = &cobra.Command{
	Use:   "rules <session-id>",
	Short: "Show a session's locked rules document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRulesRun(args[0])
	},
}

func init() {
	sessionStartCmd.Flags().StringVar(&sessionStoryID, "story", "", "Story ID to implement (required)")
	sessionStartCmd.Flags().StringVar(&sessionStoryTitle, "title", "", "Story title")
	sessionStartCmd.Flags().StringVar(&sessionRole, "role", "fullstack", "Role: backend, frontend, fullstack")
	_ = sessionStartCmd.MarkFlagRequired("story")

	sessionRunCmd.Flags().DurationVar(&sessionPollEvery, "poll", 5*time.Second, "Job poll interval")

	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 20, "Max sessions to show")

	sessionRulesCmd.Flags().BoolVar(&rulesExport, "export", false, "Print the document as YAML")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionRunCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
	sessionCmd.AddCommand(sessionPauseCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionRulesCmd)
	rootCmd.AddCommand(sessionCmd)
}

// newLogger builds the supervisor logger; quiet unless --verbose.
func newLogger() zerolog.Logger {
	if verbose {
		return zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
		})).With().Timestamp().Logger()
	}
	return zerolog.New(io.Discard)
}

// engine bundles the wired-up components commands drive.
type engine struct {
	machine *cycle.Machine
	sv      *supervisor.Supervisor
	broker  *stream.Broker
}

// engineFor wires the state machine and supervisor over a project store.
func engineFor(st store.Store) *engine {
	broker := stream.NewBroker()
	machine := cycle.NewMachine(st, broker, cycle.Config{
		StuckLimit: viper.GetInt("tdd.stuck_limit"),
	})
	run := runner.NewAnthropicRunner(
		viper.GetString("anthropic.api_key"),
		viper.GetString("anthropic.model"),
	)
	sv := supervisor.New(st, run, machine, newLogger(), supervisor.Config{
		StaleAfter: viper.GetDuration("sweep.stale_after"),
		StuckLimit: viper.GetInt("tdd.stuck_limit"),
	})
	return &engine{machine: machine, sv: sv, broker: broker}
}

func sessionStartRun() error {
	st, err := getStore()
	if err != nil {
		return err
	}
	root, err := projectRoot()
	if err != nil {
		return err
	}

	role := models.Role(sessionRole)
	switch role {
	case models.RoleBackend, models.RoleFrontend, models.RoleFullstack:
	default:
		return fmt.Errorf("unknown role: %s", sessionRole)
	}

	ctx := context.Background()
	eng := engineFor(st)

	s, err := eng.machine.StartSession(ctx, root, sessionStoryID, sessionStoryTitle, role)
	if err != nil {
		return err
	}
	if err := eng.machine.BeginTestGeneration(ctx, s); err != nil {
		return err
	}

	system, prompt := generationPrompt(s)
	job, err := eng.sv.Submit(ctx, s, models.PhaseGenerate, system, prompt)
	if err != nil {
		return err
	}

	ui.Success("Session %s started (job %s)", s.ID, job.ID)
	ui.Info("Drive it with: redloop session run %s", s.ID)
	return nil
}

// sessionRunRun drives a session forward: it polls the in-flight job,
// resolves it when it reports back, and submits the next phase's work,
// until the session reaches a terminal status.
func sessionRunRun(ctx context.Context, id string) error {
	st, err := getStore()
	if err != nil {
		return err
	}
	eng := engineFor(st)

	// Surface cycle progress as it is published.
	events, cancel := eng.broker.Subscribe(id)
	defer cancel()
	go func() {
		for ev := range events {
			ui.VerboseLog("progress %d%% (tests %d%%) %s", ev.Progress, ev.TestProgress, ev.CurrentFile)
		}
	}()

	for {
		s, err := st.GetSession(ctx, id)
		if err != nil {
			return err
		}

		switch {
		case s.Status.Terminal():
			if s.Status == models.SessionStatusCompleted {
				ui.Success("Session %s completed (%d%%)", s.ID, s.Progress)
			} else {
				ui.Error("Session %s failed: %s", s.ID, s.LastError)
			}
			return nil
		case s.Status == models.SessionStatusPaused:
			ui.Warning("Session %s is paused", s.ID)
			return nil
		}

		job, err := st.GetRunningJob(ctx, s.ID)
		if err != nil {
			return err
		}

		if job == nil {
			phase := phaseToSubmit(s)
			if phase == "" {
				return fmt.Errorf("session %s is %s with no work to submit", s.ID, s.Status)
			}
			system, prompt := phasePrompt(s, phase)
			if _, err := eng.sv.Submit(ctx, s, phase, system, prompt); err != nil {
				return err
			}
			ui.VerboseLog("submitted %s job", phase)
		} else {
			if err := eng.sv.Resolve(ctx, job.ID); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sessionPollEvery):
		}
	}
}

// phaseToSubmit maps the session's status to the phase needing a job.
func phaseToSubmit(s *models.CodingSession) models.Phase {
	switch s.Status {
	case models.SessionStatusGeneratingTests:
		return models.PhaseGenerate
	case models.SessionStatusTDDRed:
		return models.PhaseRed
	case models.SessionStatusTDDGreen:
		return models.PhaseGreen
	case models.SessionStatusTDDRefactor:
		return models.PhaseRefactor
	}
	return ""
}

func sessionListRun() error {
	st, err := getStore()
	if err != nil {
		return err
	}

	sessions, err := st.ListSessions(context.Background(), sessionLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions")
		return nil
	}

	table := ui.Table([]string{"ID", "STORY", "ROLE", "STATUS", "PHASE", "TESTS", "PROGRESS", "STARTED"})
	for _, s := range sessions {
		phase, tests := "-", "-"
		if s.Cycle != nil {
			phase = string(s.Cycle.Phase)
			tests = fmt.Sprintf("%d/%d", s.Cycle.TestsPassed, s.Cycle.TotalTests)
		}
		_ = table.Append([]string{
			s.ID,
			s.StoryID,
			string(s.Role),
			output.StatusColor(string(s.Status)),
			phase,
			tests,
			fmt.Sprintf("%d%%", s.Progress),
			s.StartedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return table.Render()
}

func sessionShowRun(id string) error {
	st, err := getStore()
	if err != nil {
		return err
	}
	s, err := st.GetSession(context.Background(), id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Session:  %s\n", s.ID)
	fmt.Fprintf(ui.Out, "Story:    %s  %s\n", s.StoryID, s.StoryTitle)
	fmt.Fprintf(ui.Out, "Role:     %s\n", s.Role)
	fmt.Fprintf(ui.Out, "Status:   %s\n", output.StatusColor(string(s.Status)))
	fmt.Fprintf(ui.Out, "Progress: %d%%\n", s.Progress)
	if s.LastError != "" {
		fmt.Fprintf(ui.Out, "Error:    %s\n", output.Red(s.LastError))
	}

	if s.Cycle == nil {
		return nil
	}
	c := s.Cycle
	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "Phase:       %s\n", output.PhaseColor(string(c.Phase)))
	fmt.Fprintf(ui.Out, "Test:        %d/%d  %s\n", c.TestIndex+1, c.TotalTests, c.CurrentTestName)
	fmt.Fprintf(ui.Out, "Passed:      %d   Refactors: %d   Stuck: %d\n", c.TestsPassed, c.RefactorCount, c.StuckCount)

	table := ui.Table([]string{"#", "TEST", "STATUS", "ATTEMPTS"})
	for i, tc := range c.AllTests {
		marker := ""
		if i == c.TestIndex {
			marker = " *"
		}
		_ = table.Append([]string{
			fmt.Sprintf("%d%s", i+1, marker),
			tc.Name,
			output.StatusColor(string(tc.Status)),
			fmt.Sprintf("%d", tc.Attempts),
		})
	}
	fmt.Fprintln(ui.Out)
	return table.Render()
}

func sessionHistoryRun(id string) error {
	st, err := getStore()
	if err != nil {
		return err
	}
	entries, err := st.ListHistory(context.Background(), id)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("No history for session %s", id)
		return nil
	}

	table := ui.Table([]string{"WHEN", "PHASE", "ACTION", "RESULT", "FILES"})
	for _, e := range entries {
		_ = table.Append([]string{
			e.Timestamp.Local().Format("15:04:05"),
			string(e.Phase),
			e.Action,
			output.StatusColor(string(e.Result)),
			strings.Join(e.FilesModified, ", "),
		})
	}
	return table.Render()
}

func sessionPauseRun(id string, pause bool) error {
	st, err := getStore()
	if err != nil {
		return err
	}
	eng := engineFor(st)

	ctx := context.Background()
	s, err := st.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if pause {
		if err := eng.machine.Pause(ctx, s); err != nil {
			return err
		}
		ui.Success("Session %s paused", id)
	} else {
		if err := eng.machine.Resume(ctx, s); err != nil {
			return err
		}
		ui.Success("Session %s resumed (%s)", id, s.Status)
	}
	return nil
}

func sessionDeleteRun(id string) error {
	st, err := getStore()
	if err != nil {
		return err
	}
	eng := engineFor(st)

	if err := eng.sv.DeleteSession(context.Background(), id); err != nil {
		return err
	}
	ui.Success("Session %s deleted", id)
	return nil
}

func sessionRulesRun(id string) error {
	st, err := getStore()
	if err != nil {
		return err
	}
	doc, err := st.GetRules(context.Background(), id)
	if err != nil {
		return err
	}
	if doc == nil {
		ui.Info("No rules document yet (tests not generated)")
		return nil
	}

	if rulesExport {
		data, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal rules: %w", err)
		}
		fmt.Fprint(ui.Out, string(data))
		return nil
	}

	fmt.Fprintf(ui.Out, "Session: %s   Story: %s %s\n", doc.SessionID, doc.StoryID, doc.StoryTitle)
	fmt.Fprintf(ui.Out, "Locked:  %v\n\n", doc.Locked)
	fmt.Fprintln(ui.Out, "Locked test files:")
	for _, f := range doc.LockedTestFiles {
		fmt.Fprintf(ui.Out, "  - %s\n", f)
	}
	fmt.Fprintln(ui.Out, "Allowed directories:")
	for _, d := range doc.AllowedDirs {
		fmt.Fprintf(ui.Out, "  - %s\n", d)
	}
	fmt.Fprintln(ui.Out, "Forbidden actions:")
	for _, a := range doc.ForbiddenActions {
		fmt.Fprintf(ui.Out, "  - %s\n", a)
	}
	return nil
}
