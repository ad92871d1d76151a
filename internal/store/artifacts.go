package store

import (
	"context"
	"fmt"
	"time"

	"git.home.luguber.info/inful/ando/internal/model"
)

const artifactColumns = `id, build_id, project_id, name, size_bytes, created_at, expires_at`

// CreateArtifact registers artifact metadata after extraction.
func (s *Store) CreateArtifact(ctx context.Context, a *model.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO build_artifacts (build_id, project_id, name, size_bytes, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.BuildID, a.ProjectID, a.Name, a.SizeBytes, a.CreatedAt.Unix(), a.ExpiresAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("artifact %q for build %d: %w", a.Name, a.BuildID, ErrDuplicate)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("artifact insert id: %w", err)
	}
	return nil
}

// GetArtifact loads one artifact of a build by name.
func (s *Store) GetArtifact(ctx context.Context, buildID int64, name string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM build_artifacts WHERE build_id = ? AND name = ?`,
		buildID, name)
	return scanArtifact(row)
}

// ListArtifacts returns a build's artifacts ordered by name.
func (s *Store) ListArtifacts(ctx context.Context, buildID int64) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM build_artifacts WHERE build_id = ? ORDER BY name`, buildID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ListExpiredArtifacts returns artifacts past their retention deadline.
// The retention sweeper deletes their files, then the rows.
func (s *Store) ListExpiredArtifacts(ctx context.Context, now time.Time) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM build_artifacts WHERE expires_at < ? ORDER BY expires_at`,
		now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query expired artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// DeleteArtifact removes one artifact row.
func (s *Store) DeleteArtifact(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM build_artifacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return requireRow(res)
}

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	var a model.Artifact
	var createdAt, expiresAt int64
	err := row.Scan(&a.ID, &a.BuildID, &a.ProjectID, &a.Name, &a.SizeBytes, &createdAt, &expiresAt)
	if err != nil {
		return nil, scanErr("artifact", err)
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	a.ExpiresAt = time.Unix(expiresAt, 0)
	return &a, nil
}
