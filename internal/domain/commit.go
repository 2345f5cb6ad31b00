package domain

import "time"

// CommitStatus enumerates approval states of a merge request record.
type CommitStatus string

const (
	CommitStatusPending  CommitStatus = "pending"
	CommitStatusApproved CommitStatus = "approved"
	CommitStatusRejected CommitStatus = "rejected"
)

// CommitRecord is the fabricated merge request emitted when a binding is merged.
type CommitRecord struct {
	ID             string       `json:"id"`
	ProjectID      string       `json:"project_id"`
	Environment    string       `json:"environment"`
	BindingID      string       `json:"binding_id"`
	Repo           string       `json:"repo"`
	Branch         string       `json:"branch"`
	Submitter      string       `json:"submitter"`
	Description    string       `json:"description"`
	CommitID       string       `json:"commit_id"`
	PullRequestURL string       `json:"pull_request_url"`
	Status         CommitStatus `json:"status"`
	Reviewer       string       `json:"reviewer,omitempty"`
	RejectReason   string       `json:"reject_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ReviewedAt     *time.Time   `json:"reviewed_at,omitempty"`
}

// CommitFilter narrows commit listings.
type CommitFilter struct {
	ProjectID string
	Status    CommitStatus
	Limit     int
}

// Matches reports whether the record satisfies the filter.
func (f CommitFilter) Matches(c CommitRecord) bool {
	if f.ProjectID != "" && c.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}

// Clone returns a deep copy of the record.
func (c CommitRecord) Clone() CommitRecord {
	out := c
	out.ReviewedAt = cloneTime(c.ReviewedAt)
	return out
}
