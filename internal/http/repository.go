package httpx

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/chen-liangping/Omni/internal/service/catalog"
)

type createBranchRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (r *Router) handleRepositories(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	catalogs, err := r.catalog.List(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, catalogs)
}

// handleRepository serves /projects/{id}/repository and its children. Branch
// names contain slashes, so single-branch operations take ?name=.
func (r *Router) handleRepository(w http.ResponseWriter, req *http.Request, projectID string, rest []string) {
	ctx := req.Context()
	if len(rest) > 1 {
		r.notFound(w)
		return
	}
	child := ""
	if len(rest) == 1 {
		child = rest[0]
	}
	switch {
	case child == "" && req.Method == http.MethodGet:
		c, err := r.catalog.Get(ctx, projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case child == "" && req.Method == http.MethodPatch:
		var payload catalog.UpdateInput
		if !decodeJSON(req, &payload) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		c, err := r.catalog.Update(ctx, projectID, payload)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case child == "branches":
		r.handleBranches(w, req, projectID)
	case child == "init" && req.Method == http.MethodPost:
		c, err := r.catalog.Initialize(ctx, projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, c.Init)
	case child == "api-calls" && req.Method == http.MethodGet:
		c, err := r.catalog.Get(ctx, projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, c.APICalls)
	case child == "" || child == "init" || child == "api-calls":
		r.methodNotAllowed(w)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleBranches(w http.ResponseWriter, req *http.Request, projectID string) {
	ctx := req.Context()
	switch req.Method {
	case http.MethodGet:
		c, err := r.catalog.Get(ctx, projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, c.Branches)
	case http.MethodPost:
		var payload createBranchRequest
		if !decodeJSON(req, &payload) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		branch, err := r.catalog.CreateBranch(ctx, projectID, payload.Name, payload.Description)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, branch)
	case http.MethodDelete:
		name := strings.TrimSpace(req.URL.Query().Get("name"))
		if name == "" {
			writeError(w, http.StatusBadRequest, "name query parameter is required")
			return
		}
		if err := r.catalog.DeleteBranch(ctx, projectID, name); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

// handleHistory lists operation history. environment may come from the path
// or from ?environment=.
func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request, projectID, environment string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	if environment == "" {
		environment = strings.TrimSpace(query.Get("environment"))
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	entries, err := r.release.History(req.Context(), projectID, environment, limit)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
