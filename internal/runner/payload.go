package runner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PhaseResult is the structured payload a RED/GREEN/REFACTOR job reports on
// completion: whether the current test passed, and which files the attempt
// changed.
type PhaseResult struct {
	TestPassed bool     `json:"test_passed"`
	Files      []string `json:"files"`
	Notes      string   `json:"notes"`
}

// ParsePhaseResult decodes a phase job's output, tolerating a markdown code
// fence around the JSON. Callers treat a parse failure as a failed attempt,
// not a fatal error.
func ParsePhaseResult(output string) (*PhaseResult, error) {
	text := strings.TrimSpace(output)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var res PhaseResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return nil, fmt.Errorf("parse phase result as JSON: %w", err)
	}
	return &res, nil
}
