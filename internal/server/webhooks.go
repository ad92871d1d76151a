package server

import (
	"io"
	"net/http"

	"git.home.luguber.info/inful/ando/internal/ingress"
)

// maxWebhookBody bounds webhook payload reads. GitHub caps payloads at 25MB;
// anything bigger is hostile.
const maxWebhookBody = 25 << 20

// handleWebhook verifies and dispatches one forge delivery. Recognized
// events always answer 2xx so the forge does not retry; only malformed
// payloads get a 400.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res := s.ingress.HandleWebhook(r.Context(),
		r.Header.Get("X-GitHub-Event"),
		r.Header.Get("X-GitHub-Delivery"),
		r.Header.Get("X-Hub-Signature-256"),
		body)

	switch res.Kind {
	case ingress.Pong:
		writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
	case ingress.Accepted:
		writeJSON(w, http.StatusOK, map[string]int64{"buildId": res.BuildID})
	case ingress.Ignored:
		writeJSON(w, http.StatusOK, map[string]string{"message": res.Reason})
	case ingress.Unauthorized:
		writeError(w, http.StatusUnauthorized, "invalid signature")
	default:
		writeError(w, http.StatusBadRequest, res.Reason)
	}
}
