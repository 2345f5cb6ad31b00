package domain

import "time"

// DefaultEnvironments are created for a project when none are supplied.
var DefaultEnvironments = []string{"stg", "prod"}

// Project describes a deployable unit bound to one repository.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RepoURL      string    `json:"repo_url"`
	Environments []string  `json:"environments"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasEnvironment reports whether the project declares the environment tag.
func (p Project) HasEnvironment(env string) bool {
	for _, e := range p.Environments {
		if e == env {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the project.
func (p Project) Clone() Project {
	out := p
	out.Environments = append([]string(nil), p.Environments...)
	return out
}
