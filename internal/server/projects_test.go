package server

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProject(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/projects", createProjectRequest{
		Name:           "widget",
		RepoExternalID: 77,
		RepoFullName:   "acme/widget",
		WebhookSecret:  "top-secret",
		EnablePRBuilds: true,
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decodeBody[projectView](t, rec)
	assert.NotZero(t, view.ID)
	assert.Equal(t, "widget", view.Name)
	assert.Equal(t, "main", view.DefaultBranch)
	assert.True(t, view.EnablePRBuilds)
	// The webhook secret is write-only.
	assert.NotContains(t, rec.Body.String(), "top-secret")
}

func TestCreateProject_DuplicateRepo(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/projects", createProjectRequest{
		Name:           "demo-again",
		RepoExternalID: f.proj.RepoExternalID,
		RepoFullName:   f.proj.RepoFullName,
		WebhookSecret:  "s",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateProject_Validation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/projects", createProjectRequest{
		Name:          "no-repo",
		WebhookSecret: "s",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/projects", createProjectRequest{
		Name:           "no-secret",
		RepoExternalID: 88,
		RepoFullName:   "acme/no-secret",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "webhook_secret")
}

func TestListAndGetProject(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decodeBody[[]projectView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, f.proj.ID, views[0].ID)

	rec = f.do(t, http.MethodGet, "/api/projects/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme/demo", decodeBody[projectView](t, rec).RepoFullName)

	rec = f.do(t, http.MethodGet, "/api/projects/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/projects/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteProject_RemovesArtifactFiles(t *testing.T) {
	f := newServerFixture(t)
	build := f.enqueueBuild(t)

	dir, err := f.ws.ArtifactDir(f.proj.ID, build.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dir+"/out.txt", []byte("x"), 0o644))

	rec := f.do(t, http.MethodDelete, "/api/projects/1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	rec = f.do(t, http.MethodGet, "/api/projects/1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecretLifecycle(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPut, "/api/projects/1/secrets/DEPLOY_TOKEN",
		map[string]string{"value": "hunter2"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/projects/1/secrets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"DEPLOY_TOKEN"}, decodeBody[[]string](t, rec))
	// Only names come back, never values.
	assert.NotContains(t, rec.Body.String(), "hunter2")

	// The stored ciphertext must not be the plaintext.
	secrets, err := f.store.ListSecrets(context.Background(), f.proj.ID)
	require.NoError(t, err)
	require.Len(t, secrets, 1)
	assert.NotContains(t, string(secrets[0].EncryptedValue), "hunter2")

	rec = f.do(t, http.MethodDelete, "/api/projects/1/secrets/DEPLOY_TOKEN", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/projects/1/secrets/DEPLOY_TOKEN", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutSecret_Validation(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPut, "/api/projects/1/secrets/lower-case",
		map[string]string{"value": "v"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid secret name")

	rec = f.do(t, http.MethodPut, "/api/projects/1/secrets/EMPTY",
		map[string]string{"value": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "value is required")
}

func TestListSecretNames_EmptyIsArray(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/projects/1/secrets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestProjectView_Timestamps(t *testing.T) {
	f := newServerFixture(t)
	f.enqueueBuild(t)

	rec := f.do(t, http.MethodGet, "/api/projects/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[projectView](t, rec)
	assert.NotNil(t, view.LastBuildAt)
	assert.False(t, view.CreatedAt.IsZero())
}
