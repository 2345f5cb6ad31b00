package httpx

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/chen-liangping/Omni/internal/domain"
)

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (r *Router) handleCommits(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	commits, err := r.commit.List(req.Context(), domain.CommitFilter{
		ProjectID: strings.TrimSpace(query.Get("project_id")),
		Status:    domain.CommitStatus(strings.TrimSpace(query.Get("status"))),
		Limit:     limit,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (r *Router) handleCommitSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(req.URL.Path, "/commits/")
	switch len(parts) {
	case 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		c, err := r.commit.Get(req.Context(), parts[0])
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case 2:
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		var (
			c   *domain.CommitRecord
			err error
		)
		switch parts[1] {
		case "approve":
			c, err = r.commit.Approve(req.Context(), parts[0])
		case "reject":
			var payload rejectRequest
			if !decodeJSON(req, &payload) {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			c, err = r.commit.Reject(req.Context(), parts[0], payload.Reason)
		default:
			r.notFound(w)
			return
		}
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	default:
		r.notFound(w)
	}
}
