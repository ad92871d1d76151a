package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/ando/internal/ingress"
	"git.home.luguber.info/inful/ando/internal/model"
	"git.home.luguber.info/inful/ando/internal/store"
)

// buildView is the API shape of a build.
type buildView struct {
	ID             int64      `json:"id"`
	ProjectID      int64      `json:"project_id"`
	CommitSHA      string     `json:"commit_sha"`
	Branch         string     `json:"branch"`
	CommitMessage  string     `json:"commit_message,omitempty"`
	CommitAuthor   string     `json:"commit_author,omitempty"`
	PullRequestNum int        `json:"pull_request_number,omitempty"`
	Status         string     `json:"status"`
	Trigger        string     `json:"trigger"`
	StepsTotal     int        `json:"steps_total"`
	StepsCompleted int        `json:"steps_completed"`
	StepsFailed    int        `json:"steps_failed"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	QueuedAt       time.Time  `json:"queued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	DurationMS     int64      `json:"duration_ms,omitempty"`
}

func toBuildView(b *model.Build) buildView {
	return buildView{
		ID:             b.ID,
		ProjectID:      b.ProjectID,
		CommitSHA:      b.CommitSHA,
		Branch:         b.Branch,
		CommitMessage:  b.CommitMessage,
		CommitAuthor:   b.CommitAuthor,
		PullRequestNum: b.PullRequestNum,
		Status:         string(b.Status),
		Trigger:        string(b.Trigger),
		StepsTotal:     b.StepsTotal,
		StepsCompleted: b.StepsCompleted,
		StepsFailed:    b.StepsFailed,
		ErrorMessage:   b.ErrorMessage,
		QueuedAt:       b.QueuedAt,
		StartedAt:      b.StartedAt,
		FinishedAt:     b.FinishedAt,
		DurationMS:     b.Duration().Milliseconds(),
	}
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	projectID, ok := idParam(r, "projectID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	builds, err := s.store.ListBuilds(r.Context(), projectID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list builds failed")
		return
	}
	views := make([]buildView, len(builds))
	for i, b := range builds {
		views[i] = toBuildView(b)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toBuildView(build))
}

func (s *Server) loadBuild(w http.ResponseWriter, r *http.Request) (*model.Build, bool) {
	id, ok := idParam(r, "buildID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid build id")
		return nil, false
	}
	build, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "build not found")
		} else {
			writeError(w, http.StatusInternalServerError, "load build failed")
		}
		return nil, false
	}
	return build, true
}

type triggerRequest struct {
	Branch string `json:"branch"`
	Actor  string `json:"actor"`
}

func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	projectID, ok := idParam(r, "projectID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	var req triggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	buildID, err := s.ingress.TriggerManual(r.Context(), projectID, req.Actor, req.Branch)
	if err != nil {
		var missing *ingress.ErrMissingSecrets
		switch {
		case errors.As(err, &missing):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":           "missing required secrets",
				"missing_secrets": missing.Names,
			})
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "project not found")
		default:
			writeError(w, http.StatusInternalServerError, "trigger failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"buildId": buildID})
}

// handleCancelBuild cancels a queued or running build. Queued builds are
// finalized directly; running builds get their worker context cancelled and
// the orchestrator records the terminal state.
func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	if build.Status.IsTerminal() {
		// Cancel after a terminal state is a no-op, not an error.
		writeJSON(w, http.StatusOK, map[string]string{"status": string(build.Status)})
		return
	}

	if s.canceller.Cancel(build.ID) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		return
	}

	// Not held by any worker: cancel the queued row directly.
	build.Status = model.BuildStatusCancelled
	build.ErrorMessage = "cancelled before start"
	if err := s.cancelQueued(r.Context(), build); err != nil {
		// The guarded update loses when the build went terminal between
		// the load above and now; that is the same no-op as arriving
		// after the fact.
		if errors.Is(err, store.ErrNotFound) {
			if current, err := s.store.GetBuild(r.Context(), build.ID); err == nil && current.Status.IsTerminal() {
				writeJSON(w, http.StatusOK, map[string]string{"status": string(current.Status)})
				return
			}
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.BuildStatusCancelled)})
}

func (s *Server) cancelQueued(ctx context.Context, build *model.Build) error {
	if err := s.store.FinishBuild(ctx, build); err != nil {
		return err
	}
	s.logs.Finalize(build.ID, model.BuildStatusCancelled)
	return nil
}

func (s *Server) handleRetryBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "buildID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid build id")
		return
	}
	newID, err := s.ingress.Retry(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "build not found")
		} else {
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"buildId": newID})
}
