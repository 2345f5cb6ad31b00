package domain

import "time"

// History actions. Scheduled activations are recorded as HistoryAuto; every
// other action names the command a user ran.
const (
	HistoryAuto         = "auto_update"
	HistoryPlanned      = "planned"
	HistoryRemoved      = "removed"
	HistoryRescheduled  = "rescheduled"
	HistoryTestComplete = "test_completed"
	HistoryRolledBack   = "rolled_back"
	HistoryMerged       = "merged"
	HistoryActivated    = "manual_link"
	HistoryRejected     = "rejected"
)

// HistoryEntry is one operation recorded against an environment.
type HistoryEntry struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Environment string    `json:"environment"`
	Action      string    `json:"action"`
	BindingID   string    `json:"binding_id,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	Commit      string    `json:"commit,omitempty"`
	Operator    string    `json:"operator"`
	At          time.Time `json:"at"`
}

// HistoryFilter narrows history listings. An empty Environment matches every environment.
type HistoryFilter struct {
	ProjectID   string
	Environment string
	Limit       int
}

// Matches reports whether the entry passes the filter.
func (f HistoryFilter) Matches(e HistoryEntry) bool {
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	return f.Environment == "" || e.Environment == f.Environment
}
