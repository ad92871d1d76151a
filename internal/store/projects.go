package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"git.home.luguber.info/inful/ando/internal/model"
)

const projectColumns = `id, name, repo_external_id, repo_full_name, default_branch,
	installation_id, branch_filter, enable_pr_builds, timeout_minutes, image_override,
	profile, webhook_secret, notify_on_finish, last_build_at, created_at`

// CreateProject inserts a project row and returns it with its id set.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.TimeoutMinutes <= 0 {
		p.TimeoutMinutes = model.DefaultTimeoutMinutes
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (name, repo_external_id, repo_full_name, default_branch,
			installation_id, branch_filter, enable_pr_builds, timeout_minutes,
			image_override, profile, webhook_secret, notify_on_finish, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.RepoExternalID, p.RepoFullName, p.DefaultBranch,
		p.InstallationID, p.BranchFilter, boolInt(p.EnablePRBuilds), p.TimeoutMinutes,
		p.ImageOverride, p.Profile, p.WebhookSecret, boolInt(p.NotifyOnFinish),
		p.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("project for repo %d: %w", p.RepoExternalID, ErrDuplicate)
		}
		return fmt.Errorf("insert project: %w", err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("project insert id: %w", err)
	}
	return nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// GetProjectByRepoID loads a project by the forge-side repository id.
func (s *Store) GetProjectByRepoID(ctx context.Context, repoExternalID int64) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE repo_external_id = ?`, repoExternalID)
	return scanProject(row)
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject persists mutable project configuration.
func (s *Store) UpdateProject(ctx context.Context, p *model.Project) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, default_branch = ?, branch_filter = ?,
			enable_pr_builds = ?, timeout_minutes = ?, image_override = ?,
			profile = ?, webhook_secret = ?, notify_on_finish = ?
		WHERE id = ?`,
		p.Name, p.DefaultBranch, p.BranchFilter,
		boolInt(p.EnablePRBuilds), p.TimeoutMinutes, p.ImageOverride,
		p.Profile, p.WebhookSecret, boolInt(p.NotifyOnFinish), p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireRow(res)
}

// UpdateInstallationID records a changed forge installation id.
func (s *Store) UpdateInstallationID(ctx context.Context, projectID, installationID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET installation_id = ? WHERE id = ?`, installationID, projectID)
	if err != nil {
		return fmt.Errorf("update installation id: %w", err)
	}
	return requireRow(res)
}

// DeleteProject removes a project; builds, log entries, artifact metadata, and
// secrets cascade via foreign keys. Artifact files are the caller's problem.
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	var enablePR, notify int
	var lastBuild sql.NullInt64
	var createdAt int64
	err := row.Scan(&p.ID, &p.Name, &p.RepoExternalID, &p.RepoFullName, &p.DefaultBranch,
		&p.InstallationID, &p.BranchFilter, &enablePR, &p.TimeoutMinutes, &p.ImageOverride,
		&p.Profile, &p.WebhookSecret, &notify, &lastBuild, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.EnablePRBuilds = enablePR != 0
	p.NotifyOnFinish = notify != 0
	p.CreatedAt = time.Unix(createdAt, 0)
	if lastBuild.Valid {
		t := time.Unix(lastBuild.Int64, 0)
		p.LastBuildAt = &t
	}
	return &p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// the driver does not expose a typed code for them.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
