package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ando/internal/model"
)

func (f *serverFixture) appendLogs(t *testing.T, buildID int64, messages ...string) {
	t.Helper()
	for _, msg := range messages {
		_, err := f.logs.Append(context.Background(), buildID, model.LogOutput, msg, "")
		require.NoError(t, err)
	}
}

func TestGetLogs_CatchUp(t *testing.T) {
	f := newServerFixture(t)
	build := f.enqueueBuild(t)
	require.NoError(t, f.store.MarkBuildStarted(context.Background(), build.ID, time.Now()))
	f.appendLogs(t, build.ID, "one", "two", "three")

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/builds/%d/logs", build.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[struct {
		Entries  []logView `json:"entries"`
		Complete bool      `json:"complete"`
	}](t, rec)
	require.Len(t, resp.Entries, 3)
	assert.Equal(t, int32(1), resp.Entries[0].Sequence)
	assert.Equal(t, "one", resp.Entries[0].Message)
	assert.False(t, resp.Complete)
}

func TestGetLogs_AfterAndLimit(t *testing.T) {
	f := newServerFixture(t)
	build := f.enqueueBuild(t)
	require.NoError(t, f.store.MarkBuildStarted(context.Background(), build.ID, time.Now()))
	f.appendLogs(t, build.ID, "one", "two", "three", "four")

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/builds/%d/logs?after=1&limit=2", build.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[struct {
		Entries  []logView `json:"entries"`
		Complete bool      `json:"complete"`
	}](t, rec)
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, int32(2), resp.Entries[0].Sequence)
	assert.Equal(t, int32(3), resp.Entries[1].Sequence)
}

func TestGetLogs_CompleteAfterFinish(t *testing.T) {
	f := newServerFixture(t)
	build := f.enqueueBuild(t)
	require.NoError(t, f.store.MarkBuildStarted(context.Background(), build.ID, time.Now()))
	f.appendLogs(t, build.ID, "done")
	build.Status = model.BuildStatusSuccess
	require.NoError(t, f.store.FinishBuild(context.Background(), build))
	f.logs.Finalize(build.ID, model.BuildStatusSuccess)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/builds/%d/logs", build.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[struct {
		Entries  []logView `json:"entries"`
		Complete bool      `json:"complete"`
	}](t, rec)
	assert.Len(t, resp.Entries, 1)
	assert.True(t, resp.Complete)
}

func TestStreamLogs_FinishedBuildReplaysAndEnds(t *testing.T) {
	f := newServerFixture(t)
	build := f.enqueueBuild(t)
	require.NoError(t, f.store.MarkBuildStarted(context.Background(), build.ID, time.Now()))
	f.appendLogs(t, build.ID, "compiling", "linking")
	build.Status = model.BuildStatusSuccess
	require.NoError(t, f.store.FinishBuild(context.Background(), build))
	f.logs.Finalize(build.ID, model.BuildStatusSuccess)

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/builds/%d/logs/stream", build.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: log")
	assert.Contains(t, body, `"message":"compiling"`)
	assert.Contains(t, body, `"message":"linking"`)
	assert.Contains(t, body, "event: status")
	assert.Contains(t, body, `{"status":"success"}`)
}

func TestStreamLogs_AfterCursorSkipsReplay(t *testing.T) {
	f := newServerFixture(t)
	build := f.enqueueBuild(t)
	require.NoError(t, f.store.MarkBuildStarted(context.Background(), build.ID, time.Now()))
	f.appendLogs(t, build.ID, "compiling", "linking")
	build.Status = model.BuildStatusSuccess
	require.NoError(t, f.store.FinishBuild(context.Background(), build))
	f.logs.Finalize(build.ID, model.BuildStatusSuccess)

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/builds/%d/logs/stream?after=1", build.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.NotContains(t, body, `"message":"compiling"`)
	assert.Contains(t, body, `"message":"linking"`)
	assert.Contains(t, body, "event: status")
}

func TestStreamLogs_UnknownBuild(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/builds/999/logs/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func (f *serverFixture) createArtifact(t *testing.T, buildID int64, name, content string, expiresAt time.Time) {
	t.Helper()
	dir, err := f.ws.ArtifactDir(f.proj.ID, buildID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	err = f.store.CreateArtifact(context.Background(), &model.Artifact{
		BuildID:   buildID,
		ProjectID: f.proj.ID,
		Name:      name,
		SizeBytes: int64(len(content)),
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
}

func TestListArtifacts(t *testing.T) {
	f := newServerFixture(t)
	build := f.enqueueBuild(t)
	f.createArtifact(t, build.ID, "out.txt", "payload", time.Now().Add(time.Hour))
	f.createArtifact(t, build.ID, "old.txt", "stale", time.Now().Add(-time.Hour))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/builds/%d/artifacts", build.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decodeBody[[]struct {
		Name      string `json:"name"`
		SizeBytes int64  `json:"size_bytes"`
		Expired   bool   `json:"expired"`
	}](t, rec)
	require.Len(t, views, 2)

	byName := map[string]bool{}
	for _, v := range views {
		byName[v.Name] = v.Expired
	}
	assert.False(t, byName["out.txt"])
	assert.True(t, byName["old.txt"])
}

func TestDownloadArtifact(t *testing.T) {
	f := newServerFixture(t)
	build := f.enqueueBuild(t)
	f.createArtifact(t, build.ID, "report.html", "<html>ok</html>", time.Now().Add(time.Hour))

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/builds/%d/artifacts/report.html", build.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="report.html"`,
		rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "<html>ok</html>", rec.Body.String())
}

func TestDownloadArtifact_Unknown(t *testing.T) {
	f := newServerFixture(t)
	build := f.enqueueBuild(t)

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/builds/%d/artifacts/nope.zip", build.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadArtifact_ExpiredIsGone(t *testing.T) {
	f := newServerFixture(t)
	build := f.enqueueBuild(t)
	f.createArtifact(t, build.ID, "old.txt", "stale", time.Now().Add(-time.Minute))

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/builds/%d/artifacts/old.txt", build.ID), nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), "artifact expired")
}
