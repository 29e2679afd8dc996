package workflow

import (
	"errors"
	"testing"

	"github.com/parkside-labs/labbook/internal/experiments"
	"github.com/parkside-labs/labbook/internal/users"
)

var allStatuses = []experiments.Status{
	experiments.StatusDraft,
	experiments.StatusInProgress,
	experiments.StatusReview,
	experiments.StatusRejected,
	experiments.StatusCompleted,
	experiments.StatusLocked,
}

var allRoles = []users.Role{
	users.RoleAdmin,
	users.RolePI,
	users.RoleResearcher,
	users.RoleViewer,
}

func TestValidateTransitionAllowedPairs(t *testing.T) {
	testCases := []struct {
		name string
		from experiments.Status
		to   experiments.Status
		role users.Role
	}{
		{name: "researcher starts draft", from: experiments.StatusDraft, to: experiments.StatusInProgress, role: users.RoleResearcher},
		{name: "pi starts draft", from: experiments.StatusDraft, to: experiments.StatusInProgress, role: users.RolePI},
		{name: "researcher submits for review", from: experiments.StatusInProgress, to: experiments.StatusReview, role: users.RoleResearcher},
		{name: "pi approves", from: experiments.StatusReview, to: experiments.StatusCompleted, role: users.RolePI},
		{name: "pi rejects", from: experiments.StatusReview, to: experiments.StatusRejected, role: users.RolePI},
		{name: "viewer resumes rejected", from: experiments.StatusRejected, to: experiments.StatusInProgress, role: users.RoleViewer},
		{name: "researcher resumes rejected", from: experiments.StatusRejected, to: experiments.StatusInProgress, role: users.RoleResearcher},
		{name: "pi locks completed", from: experiments.StatusCompleted, to: experiments.StatusLocked, role: users.RolePI},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateTransition(tc.from, tc.to, tc.role); err != nil {
				t.Fatalf("expected transition to be allowed, got %v", err)
			}
		})
	}
}

func TestValidateTransitionRoleInsufficient(t *testing.T) {
	testCases := []struct {
		name string
		from experiments.Status
		to   experiments.Status
		role users.Role
	}{
		{name: "viewer cannot start draft", from: experiments.StatusDraft, to: experiments.StatusInProgress, role: users.RoleViewer},
		{name: "viewer cannot submit", from: experiments.StatusInProgress, to: experiments.StatusReview, role: users.RoleViewer},
		{name: "researcher cannot approve", from: experiments.StatusReview, to: experiments.StatusCompleted, role: users.RoleResearcher},
		{name: "researcher cannot reject", from: experiments.StatusReview, to: experiments.StatusRejected, role: users.RoleResearcher},
		{name: "viewer cannot lock", from: experiments.StatusCompleted, to: experiments.StatusLocked, role: users.RoleViewer},
		{name: "researcher cannot lock", from: experiments.StatusCompleted, to: experiments.StatusLocked, role: users.RoleResearcher},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTransition(tc.from, tc.to, tc.role)
			var unauthorized *UnauthorizedError
			if !errors.As(err, &unauthorized) {
				t.Fatalf("expected UnauthorizedError, got %v", err)
			}
			if unauthorized.From != tc.from || unauthorized.To != tc.to || unauthorized.Role != tc.role {
				t.Fatalf("unexpected error detail: %+v", unauthorized)
			}
		})
	}
}

func TestValidateTransitionOffTablePairs(t *testing.T) {
	testCases := []struct {
		name string
		from experiments.Status
		to   experiments.Status
		role users.Role
	}{
		{name: "draft cannot skip to review", from: experiments.StatusDraft, to: experiments.StatusReview, role: users.RolePI},
		{name: "draft cannot skip to completed", from: experiments.StatusDraft, to: experiments.StatusCompleted, role: users.RolePI},
		{name: "review cannot return to draft", from: experiments.StatusReview, to: experiments.StatusDraft, role: users.RolePI},
		{name: "completed cannot reopen", from: experiments.StatusCompleted, to: experiments.StatusInProgress, role: users.RolePI},
		{name: "locked is terminal", from: experiments.StatusLocked, to: experiments.StatusInProgress, role: users.RolePI},
		{name: "rejected cannot be locked", from: experiments.StatusRejected, to: experiments.StatusLocked, role: users.RolePI},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTransition(tc.from, tc.to, tc.role)
			var invalid *InvalidTransitionError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidTransitionError, got %v", err)
			}
			if invalid.From != tc.from || invalid.To != tc.to {
				t.Fatalf("unexpected error detail: %+v", invalid)
			}
		})
	}
}

func TestValidateTransitionAdminOverride(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if from == to {
				continue
			}
			err := ValidateTransition(from, to, users.RoleAdmin)
			if to == experiments.StatusDraft {
				var invalid *InvalidTransitionError
				if !errors.As(err, &invalid) {
					t.Fatalf("%s -> draft: expected InvalidTransitionError, got %v", from, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("%s -> %s: expected admin override, got %v", from, to, err)
			}
		}
	}
}

// Exhaustive sweep: every (from, to, role) combination resolves to exactly
// one of allowed, unauthorized or invalid, and non-admin outcomes agree with
// the transition table.
func TestValidateTransitionSweepIsTotal(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			for _, role := range allRoles {
				err := ValidateTransition(from, to, role)
				if err == nil {
					continue
				}
				var invalid *InvalidTransitionError
				var unauthorized *UnauthorizedError
				if !errors.As(err, &invalid) && !errors.As(err, &unauthorized) {
					t.Fatalf("%s -> %s as %s: unexpected error type %T", from, to, role, err)
				}
				if errors.As(err, &unauthorized) {
					if _, known := transitionTable[transitionKey{from: from, to: to}]; !known {
						t.Fatalf("%s -> %s as %s: unauthorized reported for off-table pair", from, to, role)
					}
				}
			}
		}
	}
}
