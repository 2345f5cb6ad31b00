package httpx

import (
	"net/http"

	"github.com/chen-liangping/Omni/internal/service/webhook"
)

type robotRequest struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Enabled *bool  `json:"enabled"`
}

func (p robotRequest) input() webhook.RobotInput {
	return webhook.RobotInput{Name: p.Name, URL: p.URL, Enabled: p.Enabled}
}

func (r *Router) handleWebhooks(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		robots, err := r.webhook.List(req.Context())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, robots)
	case http.MethodPost:
		var payload robotRequest
		if !decodeJSON(req, &payload) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		robot, err := r.webhook.Create(req.Context(), payload.input())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, robot)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(req.URL.Path, "/webhooks/")
	if len(parts) != 1 {
		r.notFound(w)
		return
	}
	robotID := parts[0]
	switch req.Method {
	case http.MethodPut:
		var payload robotRequest
		if !decodeJSON(req, &payload) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		robot, err := r.webhook.Update(req.Context(), robotID, payload.input())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, robot)
	case http.MethodDelete:
		if err := r.webhook.Delete(req.Context(), robotID); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}
