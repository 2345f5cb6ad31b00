package domain

import "time"

// BranchStatus enumerates the lifecycle states of a branch binding.
type BranchStatus string

const (
	BranchStatusTesting   BranchStatus = "testing"
	BranchStatusCompleted BranchStatus = "completed"
	BranchStatusMerged    BranchStatus = "merged"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s BranchStatus) Valid() bool {
	switch s {
	case BranchStatusTesting, BranchStatusCompleted, BranchStatusMerged:
		return true
	}
	return false
}

// BranchBinding attaches a repository branch to one environment.
type BranchBinding struct {
	ID              string       `json:"id"`
	Repo            string       `json:"repo"`
	Branch          string       `json:"branch"`
	Description     string       `json:"description,omitempty"`
	ScheduledStart  *time.Time   `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time   `json:"scheduled_end,omitempty"`
	ActualExpiredAt *time.Time   `json:"actual_expired_at,omitempty"`
	IsDefault       bool         `json:"is_default,omitempty"`
	Status          BranchStatus `json:"status"`
	TestCompletedAt *time.Time   `json:"test_completed_at,omitempty"`
	MergedAt        *time.Time   `json:"merged_at,omitempty"`
	RobotIDs        []string     `json:"robot_ids,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// SameBranch reports whether both bindings point at the same repository branch.
func (b BranchBinding) SameBranch(repo, branch string) bool {
	return b.Repo == repo && b.Branch == branch
}

// Clone returns a deep copy so callers can mutate the result freely.
func (b BranchBinding) Clone() BranchBinding {
	out := b
	out.ScheduledStart = cloneTime(b.ScheduledStart)
	out.ScheduledEnd = cloneTime(b.ScheduledEnd)
	out.ActualExpiredAt = cloneTime(b.ActualExpiredAt)
	out.TestCompletedAt = cloneTime(b.TestCompletedAt)
	out.MergedAt = cloneTime(b.MergedAt)
	if b.RobotIDs != nil {
		out.RobotIDs = append([]string(nil), b.RobotIDs...)
	}
	return out
}

// EnvironmentRef identifies one environment of a project.
type EnvironmentRef struct {
	ProjectID   string `json:"project_id"`
	Environment string `json:"environment"`
}

// EnvironmentState owns the ordered binding list of one environment.
// Insertion order is significant: it breaks ties between identical start times.
type EnvironmentState struct {
	ProjectID       string          `json:"project_id"`
	Environment     string          `json:"environment"`
	Bindings        []BranchBinding `json:"bindings"`
	ActiveBindingID string          `json:"active_binding_id,omitempty"`
	EvaluatedAt     *time.Time      `json:"evaluated_at,omitempty"`
	Version         int64           `json:"version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Ref returns the environment reference of the state.
func (s EnvironmentState) Ref() EnvironmentRef {
	return EnvironmentRef{ProjectID: s.ProjectID, Environment: s.Environment}
}

// Index returns the position of the binding with the given id, or -1.
func (s EnvironmentState) Index(id string) int {
	for i := range s.Bindings {
		if s.Bindings[i].ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the state.
func (s EnvironmentState) Clone() EnvironmentState {
	out := s
	out.EvaluatedAt = cloneTime(s.EvaluatedAt)
	if s.Bindings != nil {
		out.Bindings = make([]BranchBinding, len(s.Bindings))
		for i, b := range s.Bindings {
			out.Bindings[i] = b.Clone()
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to the UTC form of t.
func TimePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
