package services_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity"
	"github.com/iota-uz/iam-demo/modules/iam/services"
	"github.com/iota-uz/iam-demo/pkg/eventbus"
)

// fakeClient records every identity server call in order and fails the
// ops listed in fail.
type fakeClient struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	list  []*changerequest.ChangeRequest
}

func newFakeClient() *fakeClient {
	return &fakeClient{fail: map[string]error{}}
}

func (f *fakeClient) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	for prefix, err := range f.fail {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			return err
		}
	}
	return nil
}

func (f *fakeClient) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeClient) Authenticate(context.Context, string, string) (*identity.Identity, error) {
	return nil, nil
}
func (f *fakeClient) Refresh(context.Context) (*identity.Identity, error) { return nil, nil }
func (f *fakeClient) Logout()                                             {}

func (f *fakeClient) Claims(context.Context, string) (permission.Set, []string, error) {
	return nil, nil, nil
}

func (f *fakeClient) ListRequests(context.Context, string) ([]*changerequest.ChangeRequest, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list, nil
}

func (f *fakeClient) Assign(_ context.Context, _, ref string) error {
	return f.record("assign:" + ref)
}

func (f *fakeClient) Unassign(_ context.Context, _, ref string) error {
	return f.record("unassign:" + ref)
}

func (f *fakeClient) Sign(_ context.Context, requestID, _ string) error {
	return f.record("sign:" + requestID)
}

func (f *fakeClient) Decide(_ context.Context, requestID, actor string, approve bool) error {
	return f.record(fmt.Sprintf("decide:%s:%s:%t", requestID, actor, approve))
}

func (f *fakeClient) Commit(_ context.Context, requestID, _ string) error {
	return f.record("commit:" + requestID)
}

func (f *fakeClient) Cancel(_ context.Context, requestID, _ string) error {
	return f.record("cancel:" + requestID)
}

func quietBus(t *testing.T) eventbus.EventBus {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return eventbus.NewEventPublisher(logger)
}

func newRequest(id string, status changerequest.Status) *changerequest.ChangeRequest {
	return &changerequest.ChangeRequest{
		ID:          id,
		ActionType:  "assign-permission",
		Direction:   changerequest.DirectionAssign,
		SubjectType: changerequest.SubjectUser,
		SubjectID:   "subject-1",
		Field:       "dob",
		Access:      permission.Access{Read: true},
		Status:      status,
		Approvals:   []string{},
		Threshold:   3,
		CreatedAt:   time.Now(),
	}
}

func seedTracker(t *testing.T, requests ...*changerequest.ChangeRequest) *services.Tracker {
	t.Helper()
	tracker := services.NewTracker()
	err := tracker.Update(func(l *changerequest.List) error {
		l.Replace(requests)
		return nil
	})
	if err != nil {
		t.Fatalf("seed tracker: %v", err)
	}
	return tracker
}
