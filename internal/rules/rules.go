package rules

import (
	"fmt"
	"strings"

	"github.com/redloop/redloop/internal/models"
)

// Result is the verdict of validating a proposed change set.
type Result struct {
	Valid      bool
	Violations []string
}

// Validate checks a set of changed file paths against a locked rules
// document. It is a pure function: no storage access, no side effects, and it
// collects every violation rather than stopping at the first.
//
// A nil or unlocked document imposes no restriction; that state only exists
// transiently before rules are created.
func Validate(doc *models.RulesDocument, changedFiles []string) Result {
	if doc == nil || !doc.Locked {
		return Result{Valid: true}
	}

	var violations []string
	for _, file := range changedFiles {
		if locked, name := matchesLockedTest(doc, file); locked {
			violations = append(violations, fmt.Sprintf("Cannot modify locked test file: %s", name))
			continue
		}
		if !allowed(doc, file) {
			violations = append(violations, fmt.Sprintf("File outside allowed directories: %s", file))
		}
	}

	return Result{Valid: len(violations) == 0, Violations: violations}
}

// matchesLockedTest reports whether the path matches a locked test file by
// substring containment in either direction. Generated test lists often carry
// bare filenames while diffs carry repo-relative paths, so containment has to
// run both ways.
func matchesLockedTest(doc *models.RulesDocument, file string) (bool, string) {
	for _, locked := range doc.LockedTestFiles {
		if locked == "" {
			continue
		}
		if strings.Contains(file, locked) || strings.Contains(locked, file) {
			return true, file
		}
	}
	return false, ""
}

// allowed reports whether the path is rooted under a whitelisted directory,
// or is itself a newly-created test file (new tests are always permitted).
func allowed(doc *models.RulesDocument, file string) bool {
	if IsTestFile(file) {
		return true
	}
	for _, dir := range doc.AllowedDirs {
		if dir == "" {
			continue
		}
		prefix := strings.TrimSuffix(dir, "/") + "/"
		if strings.HasPrefix(file, prefix) || strings.HasPrefix(file, dir) {
			return true
		}
	}
	return false
}

// IsTestFile recognizes common test file naming conventions across the
// languages the job runner emits.
func IsTestFile(path string) bool {
	base := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		base = path[idx+1:]
	}
	switch {
	case strings.Contains(path, "tests/"), strings.Contains(path, "test/"),
		strings.Contains(path, "__tests__/"), strings.Contains(path, "spec/"):
		return true
	case strings.Contains(base, ".test."), strings.Contains(base, ".spec."),
		strings.HasSuffix(base, "_test.go"), strings.HasPrefix(base, "test_"):
		return true
	}
	return false
}
