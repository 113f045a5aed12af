// Package approval enforces reviewer envelopes on high-risk actions.
package approval

import (
	"strings"

	"bid-evaluation-service/internal/apperr"
)

// Envelope carries the reviewer identities attached to a request.
type Envelope struct {
	Reason      string `json:"reason"`
	ReviewerID  string `json:"reviewer_id"`
	ReviewerID2 string `json:"reviewer_id_2,omitempty"`
}

// Reviewers lists the distinct non-empty reviewers in e.
func (e Envelope) Reviewers() []string {
	out := make([]string, 0, 2)
	if r := strings.TrimSpace(e.ReviewerID); r != "" {
		out = append(out, r)
	}
	if r := strings.TrimSpace(e.ReviewerID2); r != "" && r != strings.TrimSpace(e.ReviewerID) {
		out = append(out, r)
	}
	return out
}

// Policy names the actions that need one or two approvers.
type Policy struct {
	required map[string]struct{}
	dual     map[string]struct{}
}

func NewPolicy(requiredActions, dualActions []string) Policy {
	p := Policy{required: make(map[string]struct{}), dual: make(map[string]struct{})}
	for _, a := range requiredActions {
		p.required[strings.TrimSpace(a)] = struct{}{}
	}
	for _, a := range dualActions {
		a = strings.TrimSpace(a)
		p.required[a] = struct{}{}
		p.dual[a] = struct{}{}
	}
	return p
}

// RequiresDual reports whether action needs a second distinct reviewer.
func (p Policy) RequiresDual(action string) bool {
	_, ok := p.dual[action]
	return ok
}

// Check validates e for action and returns APPROVAL_REQUIRED when it falls short.
func (p Policy) Check(action string, e Envelope) error {
	if _, ok := p.required[action]; !ok {
		return nil
	}
	if strings.TrimSpace(e.Reason) == "" || strings.TrimSpace(e.ReviewerID) == "" {
		return apperr.Validation(apperr.CodeApprovalRequired, "reviewer_id and reason are required").
			WithDetails(map[string]any{"action": action})
	}
	if !p.RequiresDual(action) {
		return nil
	}
	second := strings.TrimSpace(e.ReviewerID2)
	if second == "" || second == strings.TrimSpace(e.ReviewerID) {
		return apperr.Validation(apperr.CodeApprovalRequired, "a second distinct reviewer_id_2 is required").
			WithDetails(map[string]any{"action": action})
	}
	return nil
}
