package cycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redloop/redloop/internal/models"
)

// ErrInvalidGeneration marks generation output that cannot be turned into a
// test list. Unlike a persistence failure, retrying the transition with the
// same output cannot succeed.
var ErrInvalidGeneration = errors.New("invalid test generation output")

// generatedTest is the shape the test-generation job returns per test.
type generatedTest struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// ParseGeneratedTests parses a test-generation job's output into the ordered
// test list. The output is a JSON array of {name, code}, possibly wrapped in
// a markdown code fence.
func ParseGeneratedTests(output string) ([]models.TestCase, error) {
	text := stripFences(output)

	var raw []generatedTest
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("%w: parse test list as JSON: %v", ErrInvalidGeneration, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: test generation returned no tests", ErrInvalidGeneration)
	}

	tests := make([]models.TestCase, 0, len(raw))
	for i, t := range raw {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("%w: test %d has no name", ErrInvalidGeneration, i)
		}
		tests = append(tests, models.TestCase{
			Name:   t.Name,
			Code:   t.Code,
			Status: models.TestStatusPending,
		})
	}
	return tests, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
