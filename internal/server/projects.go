package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/ando/internal/model"
	"git.home.luguber.info/inful/ando/internal/store"
)

// projectView is the API shape of a project. The webhook secret is
// write-only and never appears here.
type projectView struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	RepoExternalID int64      `json:"repo_external_id"`
	RepoFullName   string     `json:"repo_full_name"`
	DefaultBranch  string     `json:"default_branch"`
	BranchFilter   string     `json:"branch_filter,omitempty"`
	EnablePRBuilds bool       `json:"enable_pr_builds"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	ImageOverride  string     `json:"image_override,omitempty"`
	Profile        string     `json:"profile,omitempty"`
	NotifyOnFinish bool       `json:"notify_on_finish"`
	LastBuildAt    *time.Time `json:"last_build_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toProjectView(p *model.Project) projectView {
	return projectView{
		ID:             p.ID,
		Name:           p.Name,
		RepoExternalID: p.RepoExternalID,
		RepoFullName:   p.RepoFullName,
		DefaultBranch:  p.DefaultBranch,
		BranchFilter:   p.BranchFilter,
		EnablePRBuilds: p.EnablePRBuilds,
		TimeoutMinutes: p.TimeoutMinutes,
		ImageOverride:  p.ImageOverride,
		Profile:        p.Profile,
		NotifyOnFinish: p.NotifyOnFinish,
		LastBuildAt:    p.LastBuildAt,
		CreatedAt:      p.CreatedAt,
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list projects failed")
		return
	}
	views := make([]projectView, len(projects))
	for i, p := range projects {
		views[i] = toProjectView(p)
	}
	writeJSON(w, http.StatusOK, views)
}

type createProjectRequest struct {
	Name           string `json:"name"`
	RepoExternalID int64  `json:"repo_external_id"`
	RepoFullName   string `json:"repo_full_name"`
	DefaultBranch  string `json:"default_branch"`
	InstallationID int64  `json:"installation_id"`
	BranchFilter   string `json:"branch_filter"`
	EnablePRBuilds bool   `json:"enable_pr_builds"`
	TimeoutMinutes int    `json:"timeout_minutes"`
	ImageOverride  string `json:"image_override"`
	WebhookSecret  string `json:"webhook_secret"`
	NotifyOnFinish bool   `json:"notify_on_finish"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.RepoExternalID == 0 || !strings.Contains(req.RepoFullName, "/") {
		writeError(w, http.StatusBadRequest, "name, repo_external_id and repo_full_name are required")
		return
	}
	if req.WebhookSecret == "" {
		writeError(w, http.StatusBadRequest, "webhook_secret is required")
		return
	}
	if req.DefaultBranch == "" {
		req.DefaultBranch = "main"
	}

	project := &model.Project{
		Name:           req.Name,
		RepoExternalID: req.RepoExternalID,
		RepoFullName:   req.RepoFullName,
		DefaultBranch:  req.DefaultBranch,
		InstallationID: req.InstallationID,
		BranchFilter:   req.BranchFilter,
		EnablePRBuilds: req.EnablePRBuilds,
		TimeoutMinutes: req.TimeoutMinutes,
		ImageOverride:  req.ImageOverride,
		WebhookSecret:  req.WebhookSecret,
		NotifyOnFinish: req.NotifyOnFinish,
	}
	if err := s.store.CreateProject(r.Context(), project); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "project already exists for repository")
			return
		}
		writeError(w, http.StatusInternalServerError, "create project failed")
		return
	}
	writeJSON(w, http.StatusCreated, toProjectView(project))
}

func (s *Server) loadProject(w http.ResponseWriter, r *http.Request) (*model.Project, bool) {
	id, ok := idParam(r, "projectID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return nil, false
	}
	project, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
		} else {
			writeError(w, http.StatusInternalServerError, "load project failed")
		}
		return nil, false
	}
	return project, true
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toProjectView(project))
}

// handleDeleteProject removes a project; the schema cascades to builds, log
// entries, artifact rows, and secrets, and the artifact files follow.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteProject(r.Context(), project.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "delete project failed")
		return
	}
	if err := s.ws.RemoveProjectArtifacts(project.ID); err != nil {
		s.logger.Warn("remove project artifact files", "project_id", project.ID, "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSecretNames(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	names, err := s.store.ListSecretNames(r.Context(), project.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list secrets failed")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// handlePutSecret stores one secret value. Values are write-only: they are
// encrypted immediately and no endpoint ever returns them.
func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if !model.SecretNamePattern.MatchString(name) {
		writeError(w, http.StatusBadRequest, "invalid secret name")
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	encrypted, err := s.vault.Encrypt([]byte(body.Value))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encrypt failed")
		return
	}
	err = s.store.UpsertSecret(r.Context(), &model.Secret{
		ProjectID:      project.ID,
		Name:           name,
		EncryptedValue: encrypted,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store secret failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	project, ok := s.loadProject(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.store.DeleteSecret(r.Context(), project.ID, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "secret not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete secret failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
