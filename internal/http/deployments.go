package httpx

import (
	"net/http"
	"strconv"
	"strings"
)

type rollbackRequest struct {
	ReplicaSetID string `json:"replica_set_id"`
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request, projectID string, rest []string) {
	ctx := req.Context()
	switch {
	case len(rest) == 0:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		query := req.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		records, err := r.deploy.List(ctx, projectID, strings.TrimSpace(query.Get("environment")), limit)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	case len(rest) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		record, err := r.deploy.Get(ctx, projectID, rest[0])
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case len(rest) == 2 && rest[1] == "redeploy":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		record, err := r.deploy.Redeploy(ctx, projectID, rest[0])
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, record)
	case len(rest) == 2 && rest[1] == "rollback":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var payload rollbackRequest
		if !decodeJSON(req, &payload) || strings.TrimSpace(payload.ReplicaSetID) == "" {
			writeError(w, http.StatusBadRequest, "replica_set_id is required")
			return
		}
		record, err := r.deploy.Rollback(ctx, projectID, rest[0], strings.TrimSpace(payload.ReplicaSetID))
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case len(rest) == 4 && rest[1] == "pods" && rest[3] == "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		lines, err := r.deploy.PodLogs(ctx, projectID, rest[0], rest[2])
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pod_id": rest[2], "lines": lines})
	default:
		r.notFound(w)
	}
}
