package changerequest

import (
	"errors"
	"time"

	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
)

// Status represents the lifecycle state of a change request.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusPendingReview Status = "pending_review"
	StatusPendingQuorum Status = "pending_quorum"
	StatusApproved      Status = "approved"
	StatusDenied        Status = "denied"
	StatusCommitted     Status = "committed"
	StatusCancelled     Status = "cancelled"
)

// Direction distinguishes requests that grant a permission from requests
// that revoke one.
type Direction string

const (
	DirectionAssign   Direction = "assign"
	DirectionUnassign Direction = "unassign"
)

// SubjectType names the record class a request mutates.
type SubjectType string

const (
	SubjectUser   SubjectType = "user"
	SubjectClient SubjectType = "client"
)

var (
	// ErrInvalidTransition indicates an operation was invoked on a request
	// that is not in the required precondition state.
	ErrInvalidTransition = errors.New("change request status transition not allowed")
	// ErrNotFound indicates the request is not tracked.
	ErrNotFound = errors.New("change request not found")
)

// transitions is the legal forward graph. Cancellation is additionally
// allowed from every non-terminal state.
var transitions = map[Status][]Status{
	StatusDraft:         {StatusPendingReview, StatusDenied, StatusCancelled},
	StatusPendingReview: {StatusPendingQuorum, StatusDenied, StatusCancelled},
	StatusPendingQuorum: {StatusApproved, StatusCancelled},
	StatusApproved:      {StatusCommitted, StatusCancelled},
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusDenied, StatusCommitted, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to target is legal.
func (s Status) CanTransition(target Status) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// ChangeRequest is one staged, not-yet-effective permission mutation. The
// identity server is the system of record; this is the tracked local view.
type ChangeRequest struct {
	ID          string            `json:"id"`
	ActionType  string            `json:"action_type"`
	Direction   Direction         `json:"direction"`
	SubjectType SubjectType       `json:"subject_type"`
	SubjectID   string            `json:"subject_id"`
	Field       string            `json:"field,omitempty"`
	Access      permission.Access `json:"access"`
	RoleRef     string            `json:"role_ref,omitempty"`
	Status      Status            `json:"status"`
	Approvals   []string          `json:"approvals"`
	Threshold   int               `json:"threshold"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Transition moves the request to target or fails with
// ErrInvalidTransition. Terminal states are immutable.
func (cr *ChangeRequest) Transition(target Status) error {
	if !cr.Status.CanTransition(target) {
		return ErrInvalidTransition
	}
	cr.Status = target
	return nil
}

// RecordApproval appends partyID to the ordered approval set. Recording
// the same party twice is a no-op. Returns true when the approval was
// newly recorded.
func (cr *ChangeRequest) RecordApproval(partyID string) bool {
	for _, p := range cr.Approvals {
		if p == partyID {
			return false
		}
	}
	cr.Approvals = append(cr.Approvals, partyID)
	return true
}

// QuorumReached reports whether enough distinct parties have signed off.
func (cr *ChangeRequest) QuorumReached() bool {
	return len(cr.Approvals) >= cr.Threshold
}

// Ref is the permission reference this request targets on the identity
// server.
func (cr *ChangeRequest) Ref() string {
	if cr.RoleRef != "" {
		return cr.RoleRef
	}
	mode := permission.ModeRead
	if cr.Access.Write {
		mode = permission.ModeWrite
	}
	return cr.Field + "." + string(mode)
}
