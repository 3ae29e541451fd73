package services

import (
	"sync"

	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
)

// Tracker guards the shared change request list. The quorum state machine
// mutates request status while reconciliation swaps list membership, so
// both go through the same lock.
type Tracker struct {
	mu   sync.RWMutex
	list *changerequest.List
}

func NewTracker() *Tracker {
	return &Tracker{list: changerequest.NewList()}
}

// Update runs fn with exclusive access to the list.
func (t *Tracker) Update(fn func(l *changerequest.List) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.list)
}

// View runs fn with shared read access to the list.
func (t *Tracker) View(fn func(l *changerequest.List)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.list)
}

// Snapshot returns deep copies of the tracked requests in order.
func (t *Tracker) Snapshot() []*changerequest.ChangeRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*changerequest.ChangeRequest, 0, t.list.Len())
	for _, cr := range t.list.All() {
		out = append(out, cloneRequest(cr))
	}
	return out
}

func cloneRequest(cr *changerequest.ChangeRequest) *changerequest.ChangeRequest {
	clone := *cr
	clone.Approvals = append([]string(nil), cr.Approvals...)
	return &clone
}
