package cmd

import (
	"fmt"
	"strings"

	"github.com/redloop/redloop/internal/models"
)

const generationSystem = `You are a senior engineer practicing strict test-driven development.
Given a user story, write the unit tests that define its behavior. Do not write implementation code.
Respond with ONLY a JSON array of objects, each with "name" (the test file path) and "code" (the full file contents).`

const implementSystem = `You are a senior engineer practicing strict test-driven development.
Write the minimal implementation that makes the current failing test pass. Never modify test files.
Respond with ONLY a JSON object: {"test_passed": bool, "files": ["paths you changed"], "notes": "short summary"}.`

const refactorSystem = `You are a senior engineer practicing strict test-driven development.
Improve the implementation's structure without changing behavior. All tests must keep passing. Never modify test files.
Respond with ONLY a JSON object: {"test_passed": bool, "files": ["paths you changed"], "notes": "short summary"}.`

const verifySystem = `You are a test harness. Report whether the named test currently fails against the existing code.
Respond with ONLY a JSON object: {"test_passed": bool, "notes": "short summary"}.`

func generationPrompt(s *models.CodingSession) (system, prompt string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Story %s: %s\n", s.StoryID, s.StoryTitle)
	fmt.Fprintf(&b, "Role: %s\n", s.Role)
	b.WriteString("Write the failing unit tests for this story.")
	return generationSystem, b.String()
}

// phasePrompt builds the system and user prompts for a TDD phase job.
func phasePrompt(s *models.CodingSession, phase models.Phase) (system, prompt string) {
	if phase == models.PhaseGenerate {
		return generationPrompt(s)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Story %s: %s\n", s.StoryID, s.StoryTitle)
	if s.Cycle != nil {
		if cur := s.Cycle.Current(); cur != nil {
			fmt.Fprintf(&b, "Current test (%d of %d): %s\n\n%s\n", s.Cycle.TestIndex+1, s.Cycle.TotalTests, cur.Name, cur.Code)
		}
	}

	switch phase {
	case models.PhaseRed:
		b.WriteString("\nConfirm this test fails before any implementation exists.")
		return verifySystem, b.String()
	case models.PhaseGreen:
		b.WriteString("\nMake this test pass with the smallest change that works.")
		return implementSystem, b.String()
	case models.PhaseRefactor:
		b.WriteString("\nRefactor the code this test exercises. Keep every test green.")
		return refactorSystem, b.String()
	}
	return implementSystem, b.String()
}
