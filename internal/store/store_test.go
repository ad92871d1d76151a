package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ando/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestProject(t *testing.T, s *Store, repoID int64) *model.Project {
	t.Helper()
	p := &model.Project{
		Name:           "demo",
		RepoExternalID: repoID,
		RepoFullName:   "acme/demo",
		DefaultBranch:  "main",
		WebhookSecret:  "wh-secret",
	}
	require.NoError(t, s.CreateProject(context.Background(), p))
	require.NotZero(t, p.ID)
	return p
}

func enqueueTestBuild(t *testing.T, s *Store, projectID int64) *model.Build {
	t.Helper()
	b := &model.Build{
		ProjectID: projectID,
		CommitSHA: "0123456789abcdef0123456789abcdef01234567",
		Branch:    "main",
		Trigger:   model.TriggerPush,
	}
	require.NoError(t, s.EnqueueBuild(context.Background(), b, func(int64) (string, error) {
		return "job-1", nil
	}))
	return b
}

func TestCreateProject_RoundtripAndDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, s, 42)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, "acme/demo", got.RepoFullName)
	assert.Equal(t, model.DefaultTimeoutMinutes, got.TimeoutMinutes)
	assert.Equal(t, "wh-secret", got.WebhookSecret)
	assert.Nil(t, got.LastBuildAt)

	byRepo, err := s.GetProjectByRepoID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRepo.ID)

	dup := &model.Project{Name: "other", RepoExternalID: 42, RepoFullName: "acme/demo"}
	err = s.CreateProject(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.GetProject(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, 1)

	p.BranchFilter = "main, release"
	p.EnablePRBuilds = true
	p.TimeoutMinutes = 45
	require.NoError(t, s.UpdateProject(ctx, p))

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "main, release", got.BranchFilter)
	assert.True(t, got.EnablePRBuilds)
	assert.Equal(t, 45, got.TimeoutMinutes)

	missing := &model.Project{ID: 9999, TimeoutMinutes: 10}
	assert.ErrorIs(t, s.UpdateProject(ctx, missing), ErrNotFound)
}

func TestEnqueueBuild_TransactionalWithJobRegistration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, 1)

	b := enqueueTestBuild(t, s, p.ID)
	assert.Equal(t, model.BuildStatusQueued, b.Status)
	assert.Equal(t, "job-1", b.JobID)

	got, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, model.BuildStatusQueued, got.Status)

	proj, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, proj.LastBuildAt)
}

func TestEnqueueBuild_RegistrationFailureRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, 1)

	b := &model.Build{ProjectID: p.ID, CommitSHA: "HEAD", Trigger: model.TriggerManual}
	err := s.EnqueueBuild(ctx, b, func(int64) (string, error) {
		return "", assert.AnError
	})
	require.Error(t, err)

	builds, err := s.ListBuilds(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, builds)
}

func TestMarkBuildStarted_GuardsQueuedOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, 1)
	b := enqueueTestBuild(t, s, p.ID)

	require.NoError(t, s.MarkBuildStarted(ctx, b.ID, time.Now()))

	// A second pick-up loses the race.
	assert.ErrorIs(t, s.MarkBuildStarted(ctx, b.ID, time.Now()), ErrNotFound)

	got, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestFinishBuild_TerminalOnlyAndImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, 1)
	b := enqueueTestBuild(t, s, p.ID)
	require.NoError(t, s.MarkBuildStarted(ctx, b.ID, time.Now()))

	b.Status = model.BuildStatusRunning
	err := s.FinishBuild(ctx, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not terminal")

	started := time.Now()
	b.StartedAt = &started
	b.Status = model.BuildStatusSuccess
	b.StepsTotal = 3
	b.StepsCompleted = 3
	require.NoError(t, s.FinishBuild(ctx, b))

	got, err := s.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildStatusSuccess, got.Status)
	assert.Equal(t, 3, got.StepsCompleted)
	require.NotNil(t, got.FinishedAt)

	// Terminal rows refuse further transitions.
	b.Status = model.BuildStatusFailed
	assert.ErrorIs(t, s.FinishBuild(ctx, b), ErrNotFound)
}

func TestFindRecentDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, 1)
	b := enqueueTestBuild(t, s, p.ID)

	dup, err := s.FindRecentDuplicate(ctx, p.ID, b.CommitSHA, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, b.ID, dup.ID)

	// A different commit is not a duplicate.
	dup, err = s.FindRecentDuplicate(ctx, p.ID, "ffffffffffffffffffffffffffffffffffffffff", 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, dup)

	// Cancelled builds do not suppress re-triggering.
	b.Status = model.BuildStatusCancelled
	require.NoError(t, s.FinishBuild(ctx, b))
	dup, err = s.FindRecentDuplicate(ctx, p.ID, b.CommitSHA, 10*time.Second)
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestRecoverInterrupted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, 1)

	running := enqueueTestBuild(t, s, p.ID)
	require.NoError(t, s.MarkBuildStarted(ctx, running.ID, time.Now()))

	queued := &model.Build{ProjectID: p.ID, CommitSHA: "HEAD", Trigger: model.TriggerManual}
	require.NoError(t, s.EnqueueBuild(ctx, queued, func(int64) (string, error) { return "job-2", nil }))

	ids, err := s.RecoverInterrupted(ctx, "interrupted by controller restart")
	require.NoError(t, err)
	assert.Equal(t, []int64{running.ID}, ids)

	got, err := s.GetBuild(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildStatusFailed, got.Status)
	assert.Equal(t, "interrupted by controller restart", got.ErrorMessage)

	// Queued builds are left alone; the queue re-enqueues them.
	got, err = s.GetBuild(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BuildStatusQueued, got.Status)
}

func TestRecordWebhookDelivery_DetectsReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fresh, err := s.RecordWebhookDelivery(ctx, "delivery-abc")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.RecordWebhookDelivery(ctx, "delivery-abc")
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, s.PruneWebhookDeliveries(ctx, -time.Second))
	fresh, err = s.RecordWebhookDelivery(ctx, "delivery-abc")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestDeleteProject_CascadesBuilds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p := createTestProject(t, s, 1)
	b := enqueueTestBuild(t, s, p.ID)

	require.NoError(t, s.DeleteProject(ctx, p.ID))

	_, err := s.GetBuild(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
