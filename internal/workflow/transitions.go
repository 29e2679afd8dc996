package workflow

import (
	"errors"
	"fmt"

	"github.com/parkside-labs/labbook/internal/experiments"
	"github.com/parkside-labs/labbook/internal/users"
)

// ErrNotFound indicates the experiment is absent from the record store.
var ErrNotFound = errors.New("workflow: experiment not found")

// ErrStatusConflict indicates a concurrent transition won the version race.
var ErrStatusConflict = errors.New("workflow: experiment status changed concurrently")

// InvalidTransitionError reports a (from, to) pair outside the transition
// table, carrying enough context for the caller to explain the rejection.
type InvalidTransitionError struct {
	From experiments.Status
	To   experiments.Status
	Role users.Role
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("workflow: transition %s -> %s is not allowed (role %s)", e.From, e.To, e.Role)
}

// UnauthorizedError reports a caller whose role may not perform an otherwise
// valid transition, or a call without an authenticated actor.
type UnauthorizedError struct {
	Role users.Role
	From experiments.Status
	To   experiments.Status
}

func (e *UnauthorizedError) Error() string {
	if e.From == "" && e.To == "" {
		return "workflow: authenticated caller required"
	}
	return fmt.Sprintf("workflow: role %s may not transition %s -> %s", e.Role, e.From, e.To)
}

type transitionKey struct {
	from experiments.Status
	to   experiments.Status
}

var editorRoles = []users.Role{users.RoleResearcher, users.RolePI, users.RoleAdmin}
var reviewerRoles = []users.Role{users.RolePI, users.RoleAdmin}
var anyRole = []users.Role{users.RoleResearcher, users.RolePI, users.RoleAdmin, users.RoleViewer}

// transitionTable is the closed set of allowed (from, to) pairs with the
// roles permitted to perform each. Admin override is handled separately.
var transitionTable = map[transitionKey][]users.Role{
	{experiments.StatusDraft, experiments.StatusInProgress}:    editorRoles,
	{experiments.StatusInProgress, experiments.StatusReview}:   editorRoles,
	{experiments.StatusReview, experiments.StatusCompleted}:    reviewerRoles,
	{experiments.StatusReview, experiments.StatusRejected}:     reviewerRoles,
	{experiments.StatusRejected, experiments.StatusInProgress}: anyRole,
	{experiments.StatusCompleted, experiments.StatusLocked}:    reviewerRoles,
}

// ValidateTransition decides whether role may move an experiment from one
// status to another. Admin may force any transition except into draft; draft
// is a terminal-origin state with no path back. A pair present in the table
// but attempted by an insufficient role yields UnauthorizedError; a pair
// absent from the table yields InvalidTransitionError.
func ValidateTransition(from, to experiments.Status, role users.Role) error {
	if role == users.RoleAdmin && to != experiments.StatusDraft {
		return nil
	}

	allowed, known := transitionTable[transitionKey{from: from, to: to}]
	if !known {
		return &InvalidTransitionError{From: from, To: to, Role: role}
	}
	for _, candidate := range allowed {
		if candidate == role {
			return nil
		}
	}
	return &UnauthorizedError{Role: role, From: from, To: to}
}
