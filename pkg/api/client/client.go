package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// UserHeader carries the acting user on every request.
const UserHeader = "X-Omni-User"

// Client provides typed access to the Omni API for interactive tools.
type Client struct {
	baseURL    string
	user       string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithUser sets the user recorded as actor for mutations.
func WithUser(user string) Option {
	return func(c *Client) {
		c.user = strings.TrimSpace(user)
	}
}

// WithTimeout overrides the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set(UserHeader, c.user)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

func escape(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// Project is a repository released through a set of environments.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RepoURL      string    `json:"repo_url"`
	Environments []string  `json:"environments"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	RepoURL      string   `json:"repo_url"`
	Environments []string `json:"environments,omitempty"`
}

// ListProjects returns every project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodGet, escape("projects", projectID), nil, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// CreateProject registers a new project.
func (c *Client) CreateProject(ctx context.Context, input CreateProjectInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// Binding is a branch attached to an environment.
type Binding struct {
	ID              string     `json:"id"`
	Repo            string     `json:"repo"`
	Branch          string     `json:"branch"`
	Description     string     `json:"description,omitempty"`
	ScheduledStart  *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time `json:"scheduled_end,omitempty"`
	ActualExpiredAt *time.Time `json:"actual_expired_at,omitempty"`
	IsDefault       bool       `json:"is_default,omitempty"`
	Status          string     `json:"status"`
	TestCompletedAt *time.Time `json:"test_completed_at,omitempty"`
	MergedAt        *time.Time `json:"merged_at,omitempty"`
	RobotIDs        []string   `json:"robot_ids,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Overview is the state of one environment at the server's clock.
type Overview struct {
	ProjectID   string    `json:"project_id"`
	Environment string    `json:"environment"`
	Active      *Binding  `json:"active"`
	Upcoming    []Binding `json:"upcoming"`
	Bindings    []Binding `json:"bindings"`
	Version     int64     `json:"version"`
	At          time.Time `json:"at"`
}

// PlanInput describes a binding to add. Times are RFC3339 or "2006-01-02 15:04" UTC.
type PlanInput struct {
	Repo           string   `json:"repo,omitempty"`
	Branch         string   `json:"branch"`
	Description    string   `json:"description,omitempty"`
	ScheduledStart string   `json:"scheduled_start,omitempty"`
	ScheduledEnd   string   `json:"scheduled_end,omitempty"`
	IsDefault      bool     `json:"is_default,omitempty"`
	RobotIDs       []string `json:"robot_ids,omitempty"`
}

// ListEnvironments returns an overview per environment of the project.
func (c *Client) ListEnvironments(ctx context.Context, projectID string) ([]Overview, error) {
	var out []Overview
	if err := c.do(ctx, http.MethodGet, escape("projects", projectID, "environments"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetEnvironment returns the overview of one environment.
func (c *Client) GetEnvironment(ctx context.Context, projectID, env string) (Overview, error) {
	var out Overview
	if err := c.do(ctx, http.MethodGet, escape("projects", projectID, "environments", env), nil, &out); err != nil {
		return Overview{}, err
	}
	return out, nil
}

// Plan adds a binding to an environment.
func (c *Client) Plan(ctx context.Context, projectID, env string, input PlanInput) (Binding, error) {
	var out Binding
	if err := c.do(ctx, http.MethodPost, escape("projects", projectID, "environments", env, "bindings"), input, &out); err != nil {
		return Binding{}, err
	}
	return out, nil
}

// RemoveBinding deletes a binding.
func (c *Client) RemoveBinding(ctx context.Context, projectID, env, bindingID string) error {
	return c.do(ctx, http.MethodDelete, escape("projects", projectID, "environments", env, "bindings", bindingID), nil, nil)
}

func (c *Client) bindingAction(ctx context.Context, projectID, env, bindingID, action string, body any, v any) error {
	return c.do(ctx, http.MethodPost, escape("projects", projectID, "environments", env, "bindings", bindingID, action), body, v)
}

// MarkTestComplete records that testing of the binding finished.
func (c *Client) MarkTestComplete(ctx context.Context, projectID, env, bindingID string) (Binding, error) {
	var out Binding
	err := c.bindingAction(ctx, projectID, env, bindingID, "test-complete", nil, &out)
	return out, err
}

// RollbackTest returns the binding to testing.
func (c *Client) RollbackTest(ctx context.Context, projectID, env, bindingID string) (Binding, error) {
	var out Binding
	err := c.bindingAction(ctx, projectID, env, bindingID, "rollback", nil, &out)
	return out, err
}

// Reschedule replaces the binding's window. Empty strings clear a bound.
func (c *Client) Reschedule(ctx context.Context, projectID, env, bindingID, start, end string) (Binding, error) {
	var out Binding
	body := map[string]string{"scheduled_start": start, "scheduled_end": end}
	err := c.bindingAction(ctx, projectID, env, bindingID, "schedule", body, &out)
	return out, err
}

// MergeResult pairs the merged binding with the commit awaiting review.
type MergeResult struct {
	Binding Binding `json:"binding"`
	Commit  Commit  `json:"commit"`
}

// Merge submits the binding's branch for review.
func (c *Client) Merge(ctx context.Context, projectID, env, bindingID, description string) (MergeResult, error) {
	var out MergeResult
	err := c.bindingAction(ctx, projectID, env, bindingID, "merge", map[string]string{"description": description}, &out)
	return out, err
}

// ActivateResult reports the activated binding and the ids it displaced.
type ActivateResult struct {
	Binding Binding  `json:"binding"`
	Demoted []string `json:"demoted"`
}

// Activate makes the binding active immediately.
func (c *Client) Activate(ctx context.Context, projectID, env, bindingID string) (ActivateResult, error) {
	var out ActivateResult
	err := c.bindingAction(ctx, projectID, env, bindingID, "activate", nil, &out)
	return out, err
}

// Commit is a merge request awaiting or past review.
type Commit struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Environment    string     `json:"environment"`
	BindingID      string     `json:"binding_id"`
	Repo           string     `json:"repo"`
	Branch         string     `json:"branch"`
	Submitter      string     `json:"submitter"`
	Description    string     `json:"description"`
	CommitID       string     `json:"commit_id"`
	PullRequestURL string     `json:"pull_request_url"`
	Status         string     `json:"status"`
	Reviewer       string     `json:"reviewer,omitempty"`
	RejectReason   string     `json:"reject_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
}

// ListCommits returns commits filtered by status and project; empty values match all.
func (c *Client) ListCommits(ctx context.Context, status, projectID string) ([]Commit, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if projectID != "" {
		query.Set("project_id", projectID)
	}
	path := "/commits"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out []Commit
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApproveCommit approves a pending commit.
func (c *Client) ApproveCommit(ctx context.Context, commitID string) (Commit, error) {
	var out Commit
	err := c.do(ctx, http.MethodPost, escape("commits", commitID, "approve"), nil, &out)
	return out, err
}

// RejectCommit rejects a pending commit with an optional reason.
func (c *Client) RejectCommit(ctx context.Context, commitID, reason string) (Commit, error) {
	var out Commit
	err := c.do(ctx, http.MethodPost, escape("commits", commitID, "reject"), map[string]string{"reason": reason}, &out)
	return out, err
}

// Deployment is a simulated deploy record.
type Deployment struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	DeployID    string    `json:"deploy_id"`
	Environment string    `json:"environment"`
	Status      string    `json:"status"`
	Duration    string    `json:"duration"`
	DeployedAt  time.Time `json:"deployed_at"`
	Commit      struct {
		Hash   string `json:"hash"`
		Author string `json:"author"`
	} `json:"commit"`
}

// ListDeployments returns deploy records of a project, newest first.
func (c *Client) ListDeployments(ctx context.Context, projectID, env string) ([]Deployment, error) {
	path := escape("projects", projectID, "deployments")
	if env != "" {
		path += "?environment=" + url.QueryEscape(env)
	}
	var out []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Redeploy ships the commit of a deploy record again.
func (c *Client) Redeploy(ctx context.Context, projectID, recordID string) (Deployment, error) {
	var out Deployment
	err := c.do(ctx, http.MethodPost, escape("projects", projectID, "deployments", recordID, "redeploy"), nil, &out)
	return out, err
}

// HistoryEntry is one recorded environment operation.
type HistoryEntry struct {
	ID          string    `json:"id"`
	Environment string    `json:"environment"`
	Action      string    `json:"action"`
	BindingID   string    `json:"binding_id,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	Commit      string    `json:"commit,omitempty"`
	Operator    string    `json:"operator"`
	At          time.Time `json:"at"`
}

// ListHistory returns the operation history of a project, newest first. An
// empty env covers every environment; a non-positive limit uses the server default.
func (c *Client) ListHistory(ctx context.Context, projectID, env string, limit int) ([]HistoryEntry, error) {
	query := url.Values{}
	if env != "" {
		query.Set("environment", env)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := escape("projects", projectID, "history")
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out []HistoryEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Branch is a repository branch in the project catalog.
type Branch struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsDefault   bool      `json:"is_default,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Rules       []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"rules,omitempty"`
}

// InitStatus is the initialization state of a repository.
type InitStatus struct {
	Status string `json:"status"`
	Target string `json:"target,omitempty"`
	Error  string `json:"error,omitempty"`
	Steps  []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	} `json:"steps"`
}

// ListBranches returns the branches in a project's repository catalog.
func (c *Client) ListBranches(ctx context.Context, projectID string) ([]Branch, error) {
	var out []Branch
	if err := c.do(ctx, http.MethodGet, escape("projects", projectID, "repository", "branches"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateBranch adds a branch to a project's repository catalog.
func (c *Client) CreateBranch(ctx context.Context, projectID, name, description string) (Branch, error) {
	var out Branch
	body := map[string]string{"name": name, "description": description}
	err := c.do(ctx, http.MethodPost, escape("projects", projectID, "repository", "branches"), body, &out)
	return out, err
}

// DeleteBranch removes a branch from a project's repository catalog.
func (c *Client) DeleteBranch(ctx context.Context, projectID, name string) error {
	path := escape("projects", projectID, "repository", "branches") + "?name=" + url.QueryEscape(name)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// InitRepository runs repository initialization and returns its outcome.
func (c *Client) InitRepository(ctx context.Context, projectID string) (InitStatus, error) {
	var out InitStatus
	err := c.do(ctx, http.MethodPost, escape("projects", projectID, "repository", "init"), nil, &out)
	return out, err
}
