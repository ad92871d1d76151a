package retention

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ando/internal/model"
	"git.home.luguber.info/inful/ando/internal/store"
	"git.home.luguber.info/inful/ando/internal/workspace"
)

type sweeperFixture struct {
	sweeper *Sweeper
	store   *store.Store
	ws      *workspace.Manager
	proj    *model.Project
	build   *model.Build
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proj := &model.Project{
		Name:           "demo",
		RepoExternalID: 42,
		RepoFullName:   "acme/demo",
		DefaultBranch:  "main",
		WebhookSecret:  "s",
	}
	require.NoError(t, st.CreateProject(context.Background(), proj))

	build := &model.Build{
		ProjectID: proj.ID,
		CommitSHA: "0123456789abcdef0123456789abcdef01234567",
		Branch:    "main",
		Trigger:   model.TriggerPush,
	}
	err = st.EnqueueBuild(context.Background(), build, func(int64) (string, error) {
		return "job-1", nil
	})
	require.NoError(t, err)

	ws := workspace.NewManager(t.TempDir(), t.TempDir())
	sw, err := NewSweeper(st, ws, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return &sweeperFixture{sweeper: sw, store: st, ws: ws, proj: proj, build: build}
}

// addArtifact registers an artifact row and, when content is non-empty,
// writes the backing file.
func (f *sweeperFixture) addArtifact(t *testing.T, name, content string, expiresAt time.Time) string {
	t.Helper()
	path := f.ws.ArtifactPath(f.proj.ID, f.build.ID, name)
	if content != "" {
		_, err := f.ws.ArtifactDir(f.proj.ID, f.build.ID)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	err := f.store.CreateArtifact(context.Background(), &model.Artifact{
		BuildID:   f.build.ID,
		ProjectID: f.proj.ID,
		Name:      name,
		SizeBytes: int64(len(content)),
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	return path
}

func TestSweep_RemovesExpiredArtifacts(t *testing.T) {
	f := newSweeperFixture(t)
	expired := f.addArtifact(t, "old.zip", "stale", time.Now().Add(-time.Hour))
	kept := f.addArtifact(t, "fresh.zip", "good", time.Now().Add(time.Hour))

	f.sweeper.Sweep(context.Background())

	_, err := os.Stat(expired)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(kept)
	assert.NoError(t, err)

	remaining, err := f.store.ListArtifacts(context.Background(), f.build.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh.zip", remaining[0].Name)
}

func TestSweep_MissingFileStillDropsRow(t *testing.T) {
	f := newSweeperFixture(t)
	// Row without a backing file, as after a manual disk cleanup.
	f.addArtifact(t, "gone.tar", "", time.Now().Add(-time.Hour))

	f.sweeper.Sweep(context.Background())

	remaining, err := f.store.ListArtifacts(context.Background(), f.build.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSweep_KeepsRecentDeliveries(t *testing.T) {
	f := newSweeperFixture(t)
	replay, err := f.store.RecordWebhookDelivery(context.Background(), "d-1")
	require.NoError(t, err)
	require.False(t, replay)

	f.sweeper.Sweep(context.Background())

	// The fresh id must survive the prune and still collapse replays.
	replay, err = f.store.RecordWebhookDelivery(context.Background(), "d-1")
	require.NoError(t, err)
	assert.True(t, replay)
}

func TestSweep_EmptyStoreIsQuiet(t *testing.T) {
	f := newSweeperFixture(t)
	f.sweeper.Sweep(context.Background())

	remaining, err := f.store.ListArtifacts(context.Background(), f.build.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestStartStop(t *testing.T) {
	f := newSweeperFixture(t)
	expired := f.addArtifact(t, "old.zip", "stale", time.Now().Add(-time.Hour))

	require.NoError(t, f.sweeper.Start(context.Background()))
	// The first sweep fires immediately.
	require.Eventually(t, func() bool {
		_, err := os.Stat(expired)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.sweeper.Stop())
}
