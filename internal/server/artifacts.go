package server

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	artifacts, err := s.store.ListArtifacts(r.Context(), build.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list artifacts failed")
		return
	}
	type view struct {
		Name      string    `json:"name"`
		SizeBytes int64     `json:"size_bytes"`
		CreatedAt time.Time `json:"created_at"`
		ExpiresAt time.Time `json:"expires_at"`
		Expired   bool      `json:"expired"`
	}
	now := time.Now()
	views := make([]view, len(artifacts))
	for i, a := range artifacts {
		views[i] = view{
			Name:      a.Name,
			SizeBytes: a.SizeBytes,
			CreatedAt: a.CreatedAt,
			ExpiresAt: a.ExpiresAt,
			Expired:   a.IsExpired(now),
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	// The URL parameter must stay a bare filename; anything with a path
	// separator cannot match a stored artifact name.
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) {
		writeError(w, http.StatusBadRequest, "invalid artifact name")
		return
	}

	artifact, err := s.store.GetArtifact(r.Context(), build.ID, name)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if artifact.IsExpired(time.Now()) {
		writeError(w, http.StatusGone, "artifact expired")
		return
	}

	path := s.ws.ArtifactPath(build.ProjectID, build.ID, artifact.Name)
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifact.Name+`"`)
	http.ServeFile(w, r, path)
}
