// Package observability carries structured logging context through the build
// pipeline so every record names the build and step it belongs to.
package observability

import (
	"context"
	"log/slog"
)

// LogContext holds structured logging context information.
type LogContext struct {
	BuildID   int64
	ProjectID int64
	Step      string
	WorkerID  string
}

type logContextKeyType string

const logContextKey logContextKeyType = "log-context"

// WithBuildID adds a build ID to the context.
func WithBuildID(ctx context.Context, buildID int64) context.Context {
	lc := extractLogContext(ctx)
	lc.BuildID = buildID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithProjectID adds a project ID to the context.
func WithProjectID(ctx context.Context, projectID int64) context.Context {
	lc := extractLogContext(ctx)
	lc.ProjectID = projectID
	return context.WithValue(ctx, logContextKey, lc)
}

// WithStep adds a step name to the context.
func WithStep(ctx context.Context, step string) context.Context {
	lc := extractLogContext(ctx)
	lc.Step = step
	return context.WithValue(ctx, logContextKey, lc)
}

// WithWorkerID adds a worker ID to the context.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	lc := extractLogContext(ctx)
	lc.WorkerID = workerID
	return context.WithValue(ctx, logContextKey, lc)
}

func extractLogContext(ctx context.Context) LogContext {
	if lc, ok := ctx.Value(logContextKey).(LogContext); ok {
		return lc
	}
	return LogContext{}
}

func getLogAttrs(ctx context.Context) []slog.Attr {
	lc := extractLogContext(ctx)
	attrs := []slog.Attr{}

	if lc.BuildID != 0 {
		attrs = append(attrs, slog.Int64("build.id", lc.BuildID))
	}
	if lc.ProjectID != 0 {
		attrs = append(attrs, slog.Int64("project.id", lc.ProjectID))
	}
	if lc.Step != "" {
		attrs = append(attrs, slog.String("step", lc.Step))
	}
	if lc.WorkerID != "" {
		attrs = append(attrs, slog.String("worker.id", lc.WorkerID))
	}

	return attrs
}

// InfoContext logs an info message with context information.
func InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	slog.LogAttrs(ctx, slog.LevelInfo, msg, append(getLogAttrs(ctx), attrs...)...)
}

// WarnContext logs a warning message with context information.
func WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	slog.LogAttrs(ctx, slog.LevelWarn, msg, append(getLogAttrs(ctx), attrs...)...)
}

// ErrorContext logs an error message with context information.
func ErrorContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	slog.LogAttrs(ctx, slog.LevelError, msg, append(getLogAttrs(ctx), attrs...)...)
}

// DebugContext logs a debug message with context information.
func DebugContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	slog.LogAttrs(ctx, slog.LevelDebug, msg, append(getLogAttrs(ctx), attrs...)...)
}

// GetContext returns the structured log context from the provided context.
func GetContext(ctx context.Context) LogContext {
	return extractLogContext(ctx)
}
