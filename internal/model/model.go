// Package model holds the persistent domain types shared by the controller,
// the store, and the HTTP layer.
package model

import (
	"regexp"
	"time"
)

// BuildStatus represents the current status of a build.
type BuildStatus string

const (
	BuildStatusQueued    BuildStatus = "queued"
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSuccess   BuildStatus = "success"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
	BuildStatusTimedOut  BuildStatus = "timed_out"
)

// IsTerminal reports whether the status is final. Terminal builds are
// immutable except for retention-driven deletion.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildStatusSuccess, BuildStatusFailed, BuildStatusCancelled, BuildStatusTimedOut:
		return true
	}
	return false
}

// BuildTrigger records how a build was initiated.
type BuildTrigger string

const (
	TriggerPush        BuildTrigger = "push"
	TriggerPullRequest BuildTrigger = "pull_request"
	TriggerManual      BuildTrigger = "manual"
)

// LogEntryType classifies a build log record.
type LogEntryType string

const (
	LogStepStarted   LogEntryType = "step_started"
	LogStepCompleted LogEntryType = "step_completed"
	LogStepFailed    LogEntryType = "step_failed"
	LogInfo          LogEntryType = "info"
	LogWarning       LogEntryType = "warning"
	LogError         LogEntryType = "error"
	LogDebug         LogEntryType = "debug"
	LogOutput        LogEntryType = "output"
)

// DefaultTimeoutMinutes is the per-build budget when the project does not set one.
const DefaultTimeoutMinutes = 15

// Project binds a forge repository to its build configuration.
type Project struct {
	ID             int64
	Name           string
	RepoExternalID int64  // forge-side repository id
	RepoFullName   string // owner/repo slug
	DefaultBranch  string
	InstallationID int64  // forge app installation for authenticated API calls
	BranchFilter   string // comma-separated exact branch names, case-insensitive
	EnablePRBuilds bool
	TimeoutMinutes int    // wall-clock build budget, default 15
	ImageOverride  string // container image; empty means the configured default
	Profile        string
	WebhookSecret  string
	NotifyOnFinish bool
	LastBuildAt    *time.Time
	CreatedAt      time.Time
}

// Timeout returns the wall-clock budget for one build.
func (p *Project) Timeout() time.Duration {
	minutes := p.TimeoutMinutes
	if minutes <= 0 {
		minutes = DefaultTimeoutMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Build is one execution attempt for a project.
type Build struct {
	ID             int64
	ProjectID      int64
	CommitSHA      string // 40-hex, or "HEAD" for manual triggers that failed resolution
	Branch         string
	CommitMessage  string
	CommitAuthor   string
	PullRequestNum int // 0 when not a PR build
	Status         BuildStatus
	Trigger        BuildTrigger
	StepsTotal     int
	StepsCompleted int
	StepsFailed    int
	ErrorMessage   string
	JobID          string // work-queue job id
	QueuedAt       time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// Duration returns finished-started, or zero while the build is live.
func (b *Build) Duration() time.Duration {
	if b.StartedAt == nil || b.FinishedAt == nil {
		return 0
	}
	return b.FinishedAt.Sub(*b.StartedAt)
}

// Retryable reports whether a new build may be derived from this one.
func (b *Build) Retryable() bool {
	switch b.Status {
	case BuildStatusFailed, BuildStatusCancelled, BuildStatusTimedOut:
		return true
	}
	return false
}

// LogEntry is one append-only record in a build's log stream. Ordering within
// a build is by Sequence, never by Timestamp.
type LogEntry struct {
	BuildID   int64
	Sequence  int32
	Type      LogEntryType
	Message   string
	StepName  string
	Timestamp time.Time
}

// Artifact is metadata for a file copied out of the build container. The
// content lives on disk at <root>/<project_id>/<build_id>/<name>.
type Artifact struct {
	ID        int64
	BuildID   int64
	ProjectID int64
	Name      string
	SizeBytes int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the artifact has passed its retention deadline.
func (a *Artifact) IsExpired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// SecretNamePattern constrains project secret names.
var SecretNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// Secret is a write-only project secret. The value is never stored or
// returned in plaintext; only the name is readable through the API.
type Secret struct {
	ProjectID      int64
	Name           string
	EncryptedValue []byte
	CreatedAt      time.Time
}

// APIToken authenticates API callers. The full token is never stored: Prefix
// is an indexed lookup substring and Hash is an HMAC-SHA256 of the full token.
type APIToken struct {
	ID         int64
	UserID     int64
	Name       string
	Prefix     string
	Hash       []byte
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Settings is the singleton system configuration row.
type Settings struct {
	AllowRegistration bool
	UpdatedAt         time.Time
}

// CommitSHAPattern matches a full 40-hex commit id.
var CommitSHAPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)
