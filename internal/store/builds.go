package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"git.home.luguber.info/inful/ando/internal/model"
)

const buildColumns = `id, project_id, commit_sha, branch, commit_message, commit_author,
	pull_request_no, status, "trigger", steps_total, steps_completed, steps_failed,
	error_message, job_id, queued_at, started_at, finished_at`

// EnqueueBuild inserts a queued build, bumps the project's last_build_at, and
// records the work-queue job id, all in one transaction. registerJob is called
// inside the transaction with the new build id; the job id it returns is
// written back to the row, so a failed registration rolls the build back.
func (s *Store) EnqueueBuild(ctx context.Context, b *model.Build, registerJob func(buildID int64) (string, error)) error {
	if b.QueuedAt.IsZero() {
		b.QueuedAt = time.Now()
	}
	b.Status = model.BuildStatusQueued

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO builds (project_id, commit_sha, branch, commit_message,
				commit_author, pull_request_no, status, "trigger", queued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ProjectID, b.CommitSHA, b.Branch, b.CommitMessage,
			b.CommitAuthor, b.PullRequestNum, b.Status, b.Trigger, b.QueuedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert build: %w", err)
		}
		b.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("build insert id: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE projects SET last_build_at = ? WHERE id = ?`,
			b.QueuedAt.Unix(), b.ProjectID); err != nil {
			return fmt.Errorf("update last_build_at: %w", err)
		}

		jobID, err := registerJob(b.ID)
		if err != nil {
			return fmt.Errorf("register job: %w", err)
		}
		b.JobID = jobID
		if _, err := tx.ExecContext(ctx,
			`UPDATE builds SET job_id = ? WHERE id = ?`, jobID, b.ID); err != nil {
			return fmt.Errorf("write job id: %w", err)
		}
		return nil
	})
}

// GetBuild loads a build by id.
func (s *Store) GetBuild(ctx context.Context, id int64) (*model.Build, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	return scanBuild(row)
}

// ListBuilds returns a project's builds, newest first.
func (s *Store) ListBuilds(ctx context.Context, projectID int64, limit int) ([]*model.Build, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE project_id = ? ORDER BY id DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()
	return collectBuilds(rows)
}

// ListBuildsByStatus returns builds in a given status, oldest first.
func (s *Store) ListBuildsByStatus(ctx context.Context, status model.BuildStatus) ([]*model.Build, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("query builds by status: %w", err)
	}
	defer rows.Close()
	return collectBuilds(rows)
}

// MarkBuildStarted transitions queued -> running. The guard in the WHERE
// clause makes pick-up race-free: the second caller sees ErrNotFound.
func (s *Store) MarkBuildStarted(ctx context.Context, id int64, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		model.BuildStatusRunning, startedAt.Unix(), id, model.BuildStatusQueued)
	if err != nil {
		return fmt.Errorf("mark build started: %w", err)
	}
	return requireRow(res)
}

// FinishBuild transitions a build into a terminal state. Finished builds are
// never mutated again: the WHERE clause refuses rows already terminal.
func (s *Store) FinishBuild(ctx context.Context, b *model.Build) error {
	if !b.Status.IsTerminal() {
		return fmt.Errorf("finish build %d: status %q is not terminal", b.ID, b.Status)
	}
	if b.FinishedAt == nil {
		now := time.Now()
		b.FinishedAt = &now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = ?, steps_total = ?, steps_completed = ?,
			steps_failed = ?, error_message = ?, started_at = COALESCE(started_at, ?),
			finished_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		b.Status, b.StepsTotal, b.StepsCompleted,
		b.StepsFailed, b.ErrorMessage, b.FinishedAt.Unix(),
		b.FinishedAt.Unix(),
		b.ID, model.BuildStatusQueued, model.BuildStatusRunning)
	if err != nil {
		return fmt.Errorf("finish build: %w", err)
	}
	return requireRow(res)
}

// UpdateBuildSteps persists step counters while a build runs.
func (s *Store) UpdateBuildSteps(ctx context.Context, id int64, total, completed, failed int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET steps_total = ?, steps_completed = ?, steps_failed = ?
		WHERE id = ?`, total, completed, failed, id)
	if err != nil {
		return fmt.Errorf("update build steps: %w", err)
	}
	return requireRow(res)
}

// FindRecentDuplicate reports an existing non-cancelled build for the same
// (project, commit) queued within the debounce window, if any.
func (s *Store) FindRecentDuplicate(ctx context.Context, projectID int64, commitSHA string, window time.Duration) (*model.Build, error) {
	cutoff := time.Now().Add(-window).Unix()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE project_id = ? AND commit_sha = ? AND queued_at >= ? AND status != ?
		ORDER BY id DESC LIMIT 1`,
		projectID, commitSHA, cutoff, model.BuildStatusCancelled)
	b, err := scanBuild(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return b, err
}

// RecoverInterrupted finalizes builds a previous process left running.
// Returns the ids it touched.
func (s *Store) RecoverInterrupted(ctx context.Context, message string) ([]int64, error) {
	builds, err := s.ListBuildsByStatus(ctx, model.BuildStatusRunning)
	if err != nil {
		return nil, err
	}
	var ids []int64
	now := time.Now()
	for _, b := range builds {
		b.Status = model.BuildStatusFailed
		b.ErrorMessage = message
		b.FinishedAt = &now
		if err := s.FinishBuild(ctx, b); err != nil {
			return ids, fmt.Errorf("recover build %d: %w", b.ID, err)
		}
		ids = append(ids, b.ID)
	}
	return ids, nil
}

// DeleteBuild removes a build row; log entries and artifact metadata cascade.
func (s *Store) DeleteBuild(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete build: %w", err)
	}
	return requireRow(res)
}

// RecordWebhookDelivery remembers a forge delivery id. It returns false when
// the id was seen before (an exact webhook replay).
func (s *Store) RecordWebhookDelivery(ctx context.Context, deliveryID string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, received_at) VALUES (?, ?)`,
		deliveryID, time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("record delivery: %w", err)
	}
	return true, nil
}

// PruneWebhookDeliveries drops delivery records older than the horizon.
func (s *Store) PruneWebhookDeliveries(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).Unix()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE received_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("prune deliveries: %w", err)
	}
	return nil
}

func scanBuild(row rowScanner) (*model.Build, error) {
	var b model.Build
	var queuedAt int64
	var startedAt, finishedAt sql.NullInt64
	err := row.Scan(&b.ID, &b.ProjectID, &b.CommitSHA, &b.Branch, &b.CommitMessage,
		&b.CommitAuthor, &b.PullRequestNum, &b.Status, &b.Trigger, &b.StepsTotal,
		&b.StepsCompleted, &b.StepsFailed, &b.ErrorMessage, &b.JobID,
		&queuedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan build: %w", err)
	}
	b.QueuedAt = time.Unix(queuedAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		b.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		b.FinishedAt = &t
	}
	return &b, nil
}

func collectBuilds(rows *sql.Rows) ([]*model.Build, error) {
	var builds []*model.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}
