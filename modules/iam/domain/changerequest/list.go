package changerequest

// List is the ordered set of tracked change requests for one subject, with
// an active pointer that advances strictly in creation order. Membership
// is owned by the reconciliation flow; request status is mutated by the
// quorum state machine.
type List struct {
	items  []*ChangeRequest
	active int
}

func NewList() *List {
	return &List{}
}

// Replace swaps the tracked set for a fresh one and resets the active
// pointer to the first entry.
func (l *List) Replace(items []*ChangeRequest) {
	l.items = items
	l.active = 0
}

// All returns the tracked requests in creation order.
func (l *List) All() []*ChangeRequest {
	out := make([]*ChangeRequest, len(l.items))
	copy(out, l.items)
	return out
}

// NonTerminal returns tracked requests that are still in flight.
func (l *List) NonTerminal() []*ChangeRequest {
	var out []*ChangeRequest
	for _, cr := range l.items {
		if !cr.Status.Terminal() {
			out = append(out, cr)
		}
	}
	return out
}

// ByID returns the tracked request with the given id.
func (l *List) ByID(id string) (*ChangeRequest, error) {
	for _, cr := range l.items {
		if cr.ID == id {
			return cr, nil
		}
	}
	return nil, ErrNotFound
}

// Active returns the request the UI currently operates on, or nil when
// the list is exhausted.
func (l *List) Active() *ChangeRequest {
	if l.active < 0 || l.active >= len(l.items) {
		return nil
	}
	return l.items[l.active]
}

// IsActive reports whether id is the currently active request.
func (l *List) IsActive(id string) bool {
	active := l.Active()
	return active != nil && active.ID == id
}

// Advance moves the active pointer to the next entry. Committing request
// k advances to k+1 only when k was active; callers check IsActive first.
func (l *List) Advance() {
	if l.active < len(l.items) {
		l.active++
	}
}

// Len returns the number of tracked requests.
func (l *List) Len() int {
	return len(l.items)
}
