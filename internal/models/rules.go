package models

import "time"

// RulesDocument is the locked policy constraining which files may be touched
// while a session implements its story. Created once when tests are generated
// and read-only thereafter.
type RulesDocument struct {
	SessionID        string    `yaml:"session_id"`
	Locked           bool      `yaml:"locked"`
	LockedTestFiles  []string  `yaml:"locked_test_files"`
	AllowedDirs      []string  `yaml:"allowed_dirs"`
	ForbiddenActions []string  `yaml:"forbidden_actions"`
	StoryID          string    `yaml:"story_id"`
	StoryTitle       string    `yaml:"story_title"`
	Features         []string  `yaml:"features,omitempty"`
	CreatedAt        time.Time `yaml:"created_at"`
}
