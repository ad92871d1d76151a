package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"git.home.luguber.info/inful/ando/internal/model"
)

// logView is the API shape of one log record.
type logView struct {
	Sequence  int32     `json:"sequence"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	StepName  string    `json:"step_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func toLogView(e *model.LogEntry) logView {
	return logView{
		Sequence:  e.Sequence,
		Type:      string(e.Type),
		Message:   e.Message,
		StepName:  e.StepName,
		Timestamp: e.Timestamp,
	}
}

// handleGetLogs is the durable catch-up endpoint: entries with
// sequence > after, ascending, plus a complete flag when the stream ended.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	after64, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 32)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, complete, err := s.logs.GetSince(r.Context(), build.ID, int32(after64), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read logs failed")
		return
	}
	views := make([]logView, len(entries))
	for i, e := range entries {
		views[i] = toLogView(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":  views,
		"complete": complete,
	})
}

// handleStreamLogs tails a build's log over SSE: replay from ?after, then
// live records, ending with a terminal status event.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	build, ok := s.loadBuild(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	after64, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 32)

	events, cancel, err := s.logs.Subscribe(r.Context(), build.ID, int32(after64))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.Terminal != "" {
				writeSSE(w, "status", map[string]string{"status": string(ev.Terminal)})
				flusher.Flush()
				return
			}
			writeSSE(w, "log", toLogView(ev.Entry))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
