// Package lifecycle decides which branch binding is active in an environment and applies the
// testing, merge and activation transitions to an environment's binding list.
//
// Every function takes the evaluation instant explicitly and mutates only the state it is given;
// callers persist the result atomically.
package lifecycle

import (
	"sort"
	"time"

	"github.com/chen-liangping/Omni/internal/domain"
)

// expired reports whether a binding's planned end or recorded demotion has passed.
func expired(b domain.BranchBinding, now time.Time) bool {
	if b.ScheduledEnd != nil && !b.ScheduledEnd.After(now) {
		return true
	}
	if b.ActualExpiredAt != nil && !b.ActualExpiredAt.After(now) {
		return true
	}
	return false
}

// qualifies is the active predicate: started, not expired, not merged.
func qualifies(b domain.BranchBinding, now time.Time) bool {
	if b.Status == domain.BranchStatusMerged {
		return false
	}
	if b.ScheduledStart == nil || b.ScheduledStart.After(now) {
		return false
	}
	return !expired(b, now)
}

// scheduledWinner returns the index of the qualifying binding with the latest start.
// Equal starts resolve to the binding inserted last.
func scheduledWinner(bindings []domain.BranchBinding, now time.Time) int {
	best := -1
	for i := range bindings {
		if !qualifies(bindings[i], now) {
			continue
		}
		if best < 0 || !bindings[i].ScheduledStart.Before(*bindings[best].ScheduledStart) {
			best = i
		}
	}
	return best
}

func fallbackDefault(bindings []domain.BranchBinding, now time.Time) int {
	for i := range bindings {
		b := bindings[i]
		if b.IsDefault && b.Status != domain.BranchStatusMerged && !expired(b, now) {
			return i
		}
	}
	return -1
}

func activeIndex(state domain.EnvironmentState, now time.Time) int {
	if idx := scheduledWinner(state.Bindings, now); idx >= 0 {
		return idx
	}
	return fallbackDefault(state.Bindings, now)
}

// Active returns a copy of the binding the environment is running at now, or nil.
func Active(state domain.EnvironmentState, now time.Time) *domain.BranchBinding {
	idx := activeIndex(state, now)
	if idx < 0 {
		return nil
	}
	b := state.Bindings[idx].Clone()
	return &b
}

// IsActive reports whether the binding with the given id is the active one at now.
func IsActive(state domain.EnvironmentState, id string, now time.Time) bool {
	idx := activeIndex(state, now)
	return idx >= 0 && state.Bindings[idx].ID == id
}

// Upcoming lists bindings scheduled to start after now, earliest first. Demoted bindings
// and the default currently standing in as active are left out.
func Upcoming(state domain.EnvironmentState, now time.Time) []domain.BranchBinding {
	out := make([]domain.BranchBinding, 0)
	active := activeIndex(state, now)
	for i, b := range state.Bindings {
		if i == active || b.Status == domain.BranchStatusMerged || b.ScheduledStart == nil || expired(b, now) {
			continue
		}
		if b.ScheduledStart.After(now) {
			out = append(out, b.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScheduledStart.Before(*out[j].ScheduledStart)
	})
	return out
}

// Reconcile demotes every qualifying binding except the scheduled winner by stamping
// ActualExpiredAt with now. It returns the ids of the demoted bindings.
func Reconcile(state *domain.EnvironmentState, now time.Time) []string {
	winner := scheduledWinner(state.Bindings, now)
	if winner < 0 {
		return nil
	}
	var demoted []string
	for i := range state.Bindings {
		if i == winner || !qualifies(state.Bindings[i], now) {
			continue
		}
		state.Bindings[i].ActualExpiredAt = domain.TimePtr(now)
		demoted = append(demoted, state.Bindings[i].ID)
	}
	return demoted
}

// Evaluation summarizes one evaluation tick of an environment.
type Evaluation struct {
	Active     *domain.BranchBinding
	PreviousID string
	Demoted    []string
	Changed    bool
}

// Evaluate reconciles the state and records which binding is active at now.
func Evaluate(state *domain.EnvironmentState, now time.Time) Evaluation {
	result := Evaluation{PreviousID: state.ActiveBindingID}
	result.Demoted = Reconcile(state, now)
	result.Active = Active(*state, now)
	currentID := ""
	if result.Active != nil {
		currentID = result.Active.ID
	}
	result.Changed = currentID != state.ActiveBindingID
	state.ActiveBindingID = currentID
	state.EvaluatedAt = domain.TimePtr(now)
	return result
}
