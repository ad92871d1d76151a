// Package logfields keeps log attribute names consistent across packages.
package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID    = "build_id"
	KeyProjectID  = "project_id"
	KeyJobID      = "job_id"
	KeyStep       = "step"
	KeyWorker     = "worker"
	KeyTrigger    = "trigger"
	KeyStatus     = "status"
	KeyCommit     = "commit"
	KeyBranch     = "branch"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id int64) slog.Attr      { return slog.Int64(KeyBuildID, id) }
func ProjectID(id int64) slog.Attr    { return slog.Int64(KeyProjectID, id) }
func JobID(id string) slog.Attr       { return slog.String(KeyJobID, id) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func Worker(id string) slog.Attr      { return slog.String(KeyWorker, id) }
func Trigger(t string) slog.Attr      { return slog.String(KeyTrigger, t) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Commit(sha string) slog.Attr     { return slog.String(KeyCommit, sha) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
