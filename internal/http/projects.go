package httpx

import (
	"fmt"
	"net/http"
	"time"

	"github.com/chen-liangping/Omni/internal/domain"
	"github.com/chen-liangping/Omni/internal/service/project"
	"github.com/chen-liangping/Omni/internal/service/release"
	"github.com/chen-liangping/Omni/pkg/timefmt"
)

type createProjectRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	RepoURL      string   `json:"repo_url"`
	Environments []string `json:"environments"`
}

type planRequest struct {
	ID             string   `json:"id"`
	Repo           string   `json:"repo"`
	Branch         string   `json:"branch"`
	Description    string   `json:"description"`
	ScheduledStart string   `json:"scheduled_start"`
	ScheduledEnd   string   `json:"scheduled_end"`
	IsDefault      bool     `json:"is_default"`
	RobotIDs       []string `json:"robot_ids"`
}

type scheduleRequest struct {
	ScheduledStart string `json:"scheduled_start"`
	ScheduledEnd   string `json:"scheduled_end"`
}

type mergeRequest struct {
	Description string `json:"description"`
}

func parseWindow(start, end string) (*time.Time, *time.Time, error) {
	from, err := timefmt.ParseOptional(start, time.UTC)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: scheduled_start: %v", domain.ErrValidation, err)
	}
	to, err := timefmt.ParseOptional(end, time.UTC)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: scheduled_end: %v", domain.ErrValidation, err)
	}
	return from, to, nil
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		projects, err := r.project.List(req.Context())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		var payload createProjectRequest
		if !decodeJSON(req, &payload) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		proj, err := r.project.Create(req.Context(), project.CreateInput{
			ID:           payload.ID,
			Name:         payload.Name,
			RepoURL:      payload.RepoURL,
			Environments: payload.Environments,
		})
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, proj)
	default:
		r.methodNotAllowed(w)
	}
}

// handleProjectSubroutes dispatches everything below /projects/{id}.
func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := splitPath(req.URL.Path, "/projects/")
	if len(parts) == 0 {
		r.notFound(w)
		return
	}
	projectID := parts[0]
	switch {
	case len(parts) == 1:
		r.handleProject(w, req, projectID)
	case parts[1] == "environments":
		r.handleEnvironments(w, req, projectID, parts[2:])
	case parts[1] == "deployments":
		r.handleDeployments(w, req, projectID, parts[2:])
	case parts[1] == "repository":
		r.handleRepository(w, req, projectID, parts[2:])
	case parts[1] == "history" && len(parts) == 2:
		r.handleHistory(w, req, projectID, "")
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	proj, err := r.project.Get(req.Context(), projectID)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request, projectID string, rest []string) {
	switch len(rest) {
	case 0:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		overviews, err := r.release.Overviews(req.Context(), projectID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, overviews)
	case 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		overview, err := r.release.Overview(req.Context(), projectID, rest[0])
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, overview)
	default:
		switch {
		case rest[1] == "bindings":
			r.handleBindings(w, req, projectID, rest[0], rest[2:])
		case rest[1] == "history" && len(rest) == 2:
			r.handleHistory(w, req, projectID, rest[0])
		default:
			r.notFound(w)
		}
	}
}

func (r *Router) handleBindings(w http.ResponseWriter, req *http.Request, projectID, env string, rest []string) {
	switch len(rest) {
	case 0:
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handlePlan(w, req, projectID, env)
	case 1:
		if req.Method != http.MethodDelete {
			r.methodNotAllowed(w)
			return
		}
		if err := r.release.Remove(req.Context(), projectID, env, rest[0]); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	case 2:
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.handleBindingAction(w, req, projectID, env, rest[0], rest[1])
	default:
		r.notFound(w)
	}
}

func (r *Router) handlePlan(w http.ResponseWriter, req *http.Request, projectID, env string) {
	var payload planRequest
	if !decodeJSON(req, &payload) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	start, end, err := parseWindow(payload.ScheduledStart, payload.ScheduledEnd)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	binding, err := r.release.Plan(req.Context(), projectID, env, release.PlanInput{
		ID:             payload.ID,
		Repo:           payload.Repo,
		Branch:         payload.Branch,
		Description:    payload.Description,
		ScheduledStart: start,
		ScheduledEnd:   end,
		IsDefault:      payload.IsDefault,
		RobotIDs:       payload.RobotIDs,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

func (r *Router) handleBindingAction(w http.ResponseWriter, req *http.Request, projectID, env, bindingID, action string) {
	ctx := req.Context()
	switch action {
	case "test-complete":
		binding, err := r.release.MarkTestComplete(ctx, projectID, env, bindingID)
		r.respondBinding(w, req, binding, err)
	case "rollback":
		binding, err := r.release.RollbackTest(ctx, projectID, env, bindingID)
		r.respondBinding(w, req, binding, err)
	case "reject":
		binding, err := r.release.Reject(ctx, projectID, env, bindingID)
		r.respondBinding(w, req, binding, err)
	case "schedule":
		var payload scheduleRequest
		if !decodeJSON(req, &payload) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		start, end, err := parseWindow(payload.ScheduledStart, payload.ScheduledEnd)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		binding, err := r.release.Reschedule(ctx, projectID, env, bindingID, start, end)
		r.respondBinding(w, req, binding, err)
	case "merge":
		var payload mergeRequest
		if !decodeJSON(req, &payload) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		binding, commit, err := r.release.Merge(ctx, projectID, env, bindingID, payload.Description)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"binding": binding, "commit": commit})
	case "activate":
		binding, demoted, err := r.release.ActivateImmediately(ctx, projectID, env, bindingID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if demoted == nil {
			demoted = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"binding": binding, "demoted": demoted})
	default:
		r.notFound(w)
	}
}

func (r *Router) respondBinding(w http.ResponseWriter, req *http.Request, binding *domain.BranchBinding, err error) {
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}
