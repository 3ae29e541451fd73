package services

import (
	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
)

// ChangeRequestTransitionedEvent is published whenever a tracked request
// changes status. Carries a snapshot so subscribers never observe later
// mutations.
type ChangeRequestTransitionedEvent struct {
	Previous changerequest.Status         `json:"previous"`
	Request  *changerequest.ChangeRequest `json:"request"`
}

// ApprovalRecordedEvent is published when a quorum party signs off on a
// pending request.
type ApprovalRecordedEvent struct {
	Party   string                       `json:"party"`
	Request *changerequest.ChangeRequest `json:"request"`
}

// ReconcileCompletedEvent is published after a reconciliation pass settles
// the tracked list against the identity server.
type ReconcileCompletedEvent struct {
	SubjectID string `json:"subject_id"`
	Cancelled int    `json:"cancelled"`
	Staged    int    `json:"staged"`
}
