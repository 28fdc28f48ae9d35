package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/redloop/redloop/internal/models"
)

// Test-file inference is a best-effort pre-processing step that produces a
// RulesDocument when the job runner returns no explicit file metadata. It is
// deliberately kept out of Validate: the validator only ever consumes a
// finished document.

var (
	// File paths mentioned in generated test code: import/require targets,
	// comments like "// file: tests/unit/auth.test.ts", describe headers.
	pathPattern = regexp.MustCompile(`[\w./-]+\.(?:test|spec)\.[jt]sx?|[\w./-]+_test\.go|tests?/[\w./-]+\.[a-z]{2,4}`)
)

// InferTestFiles extracts candidate test file paths from generated test code,
// falling back to a single path derived from the story title when the code
// names none.
func InferTestFiles(testCode, storyTitle string) []string {
	seen := map[string]bool{}
	var files []string
	for _, m := range pathPattern.FindAllString(testCode, -1) {
		m = strings.TrimPrefix(m, "./")
		if !seen[m] {
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)

	if len(files) == 0 && storyTitle != "" {
		files = []string{fmt.Sprintf("tests/unit/%s.test.js", slugify(storyTitle))}
	}
	return files
}

// slugify lowercases a title into a safe file stem.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// allowedDirsFor maps a session role to its implementation whitelist.
func allowedDirsFor(role models.Role) []string {
	backend := []string{"src/", "lib/", "server/", "api/", "internal/"}
	frontend := []string{"src/", "components/", "pages/", "public/", "styles/"}

	switch role {
	case models.RoleBackend:
		return backend
	case models.RoleFrontend:
		return frontend
	default:
		merged := append([]string{}, backend...)
		for _, d := range frontend {
			if !contains(merged, d) {
				merged = append(merged, d)
			}
		}
		return merged
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// BuildDocument constructs the locked rules document for a session from its
// generated test code. Called once, when tests are generated; the document is
// immutable from then on.
func BuildDocument(sessionID, storyID, storyTitle string, role models.Role, testCode string) *models.RulesDocument {
	return &models.RulesDocument{
		SessionID:       sessionID,
		Locked:          true,
		LockedTestFiles: InferTestFiles(testCode, storyTitle),
		AllowedDirs:     allowedDirsFor(role),
		ForbiddenActions: []string{
			"modify locked test files",
			"delete existing tests",
			"change files outside allowed directories",
		},
		StoryID:    storyID,
		StoryTitle: storyTitle,
		CreatedAt:  time.Now().UTC(),
	}
}
