package domain

import "time"

// RepoCategory classifies the repository behind a project.
type RepoCategory string

const (
	RepoCategoryFrontendMicro RepoCategory = "frontend-micro"
	RepoCategoryBackendMicro  RepoCategory = "backend-micro"
	RepoCategoryFrontendOnly  RepoCategory = "frontend-only"
)

// Valid reports whether the category is known.
func (c RepoCategory) Valid() bool {
	switch c {
	case RepoCategoryFrontendMicro, RepoCategoryBackendMicro, RepoCategoryFrontendOnly:
		return true
	}
	return false
}

// RepoVisibility is the hosting visibility of a repository.
type RepoVisibility string

const (
	RepoPrivate RepoVisibility = "private"
	RepoPublic  RepoVisibility = "public"
)

// Valid reports whether the visibility is known.
func (v RepoVisibility) Valid() bool {
	return v == RepoPrivate || v == RepoPublic
}

// InitStatus tracks repository initialization and its steps.
type InitStatus string

const (
	InitPending InitStatus = "pending"
	InitSuccess InitStatus = "success"
	InitFailed  InitStatus = "failed"
)

// ProtectionRule is one branch protection setting injected at initialization.
type ProtectionRule struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Locked      bool   `json:"locked"`
}

// RepoBranch is a branch known to the catalog. Names are unique per repository.
type RepoBranch struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	IsDefault   bool             `json:"is_default,omitempty"`
	Rules       []ProtectionRule `json:"rules,omitempty"`
	CreatedBy   string           `json:"created_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Protected reports whether a protection rule forbids deleting the branch.
func (b RepoBranch) Protected() bool {
	for _, r := range b.Rules {
		if r.ID == RuleRestrictDeletion && r.Enabled {
			return true
		}
	}
	return false
}

// RuleRestrictDeletion is the rule id that blocks branch deletion.
const RuleRestrictDeletion = "restrict-deletion"

// InitStep is one stage of repository initialization.
type InitStep struct {
	Name   string     `json:"name"`
	Status InitStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// RepoInit is the initialization state of a repository.
type RepoInit struct {
	Status     InitStatus `json:"status"`
	Steps      []InitStep `json:"steps"`
	Target     string     `json:"target,omitempty"`
	Error      string     `json:"error,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// APICall records one catalog operation and its outcome.
type APICall struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Actor  string    `json:"actor,omitempty"`
	At     time.Time `json:"at"`
}

// API call outcomes.
const (
	APICallSuccess = "success"
	APICallFailed  = "failed"
)

// RepoCatalog is the repository record of a project: metadata, branches,
// initialization and the recent API calls made against it.
type RepoCatalog struct {
	ProjectID  string         `json:"project_id"`
	Category   RepoCategory   `json:"category"`
	Visibility RepoVisibility `json:"visibility"`
	Branches   []RepoBranch   `json:"branches"`
	Init       RepoInit       `json:"init"`
	APICalls   []APICall      `json:"api_calls"`
	Version    int64          `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Branch returns the index of the named branch, or -1.
func (c RepoCatalog) Branch(name string) int {
	for i, b := range c.Branches {
		if b.Name == name {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the catalog.
func (c RepoCatalog) Clone() RepoCatalog {
	out := c
	if c.Branches != nil {
		out.Branches = make([]RepoBranch, len(c.Branches))
		for i, b := range c.Branches {
			b.Rules = append([]ProtectionRule(nil), b.Rules...)
			out.Branches[i] = b
		}
	}
	out.Init.Steps = append([]InitStep(nil), c.Init.Steps...)
	out.Init.FinishedAt = cloneTime(c.Init.FinishedAt)
	out.APICalls = append([]APICall(nil), c.APICalls...)
	return out
}
