package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
	"github.com/iota-uz/iam-demo/modules/iam/services"
)

func trackedStatus(t *testing.T, tracker *services.Tracker, id string) changerequest.Status {
	t.Helper()
	var status changerequest.Status
	tracker.View(func(l *changerequest.List) {
		cr, err := l.ByID(id)
		require.NoError(t, err)
		status = cr.Status
	})
	return status
}

func TestReviewMovesDraftIntoQuorum(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	tracker := seedTracker(t, newRequest("cr-1", changerequest.StatusDraft))
	svc := services.NewQuorumService(client, tracker, quietBus(t))

	require.NoError(t, svc.Review(context.Background(), "cr-1", "alice"))

	require.Equal(t, changerequest.StatusPendingQuorum, trackedStatus(t, tracker, "cr-1"))
	tracker.View(func(l *changerequest.List) {
		cr, err := l.ByID("cr-1")
		require.NoError(t, err)
		require.Equal(t, []string{"alice"}, cr.Approvals)
	})
	require.Equal(t, []string{"sign:cr-1", "decide:cr-1:alice:true"}, client.recorded())
}

func TestReviewRejectsRequestsPastReview(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	tracker := seedTracker(t,
		newRequest("cr-1", changerequest.StatusPendingQuorum),
		newRequest("cr-2", changerequest.StatusCommitted),
	)
	svc := services.NewQuorumService(client, tracker, quietBus(t))

	err := svc.Review(context.Background(), "cr-1", "alice")
	require.ErrorIs(t, err, changerequest.ErrInvalidTransition)
	err = svc.Review(context.Background(), "cr-2", "alice")
	require.ErrorIs(t, err, changerequest.ErrInvalidTransition)
	require.Empty(t, client.recorded())
}

func TestReviewResumesAfterFailedDecide(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.fail["decide:cr-1"] = context.DeadlineExceeded
	tracker := seedTracker(t, newRequest("cr-1", changerequest.StatusDraft))
	svc := services.NewQuorumService(client, tracker, quietBus(t))
	ctx := context.Background()

	err := svc.Review(ctx, "cr-1", "alice")
	require.Error(t, err)
	require.Equal(t, changerequest.StatusPendingReview, trackedStatus(t, tracker, "cr-1"))

	// The retry must not sign a second time.
	delete(client.fail, "decide:cr-1")
	require.NoError(t, svc.Review(ctx, "cr-1", "alice"))
	require.Equal(t, changerequest.StatusPendingQuorum, trackedStatus(t, tracker, "cr-1"))
	require.Equal(t, []string{
		"sign:cr-1",
		"decide:cr-1:alice:true",
		"decide:cr-1:alice:true",
	}, client.recorded())
}

func TestReviewFailedSignLeavesDraft(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.fail["sign:cr-1"] = context.DeadlineExceeded
	tracker := seedTracker(t, newRequest("cr-1", changerequest.StatusDraft))
	svc := services.NewQuorumService(client, tracker, quietBus(t))

	err := svc.Review(context.Background(), "cr-1", "alice")
	require.Error(t, err)
	require.Equal(t, changerequest.StatusDraft, trackedStatus(t, tracker, "cr-1"))
}

func TestRecordApprovalReachesQuorum(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	cr := newRequest("cr-1", changerequest.StatusPendingQuorum)
	cr.Approvals = []string{"alice"}
	tracker := seedTracker(t, cr)
	svc := services.NewQuorumService(client, tracker, quietBus(t))
	ctx := context.Background()

	require.NoError(t, svc.RecordApproval(ctx, "cr-1", "bob"))
	require.Equal(t, changerequest.StatusPendingQuorum, trackedStatus(t, tracker, "cr-1"))

	// Duplicate approvals never count twice.
	require.NoError(t, svc.RecordApproval(ctx, "cr-1", "bob"))
	require.Equal(t, changerequest.StatusPendingQuorum, trackedStatus(t, tracker, "cr-1"))

	require.NoError(t, svc.RecordApproval(ctx, "cr-1", "carol"))
	require.Equal(t, changerequest.StatusApproved, trackedStatus(t, tracker, "cr-1"))
}

func TestRecordApprovalDroppedAfterSettlement(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	tracker := seedTracker(t, newRequest("cr-1", changerequest.StatusCancelled))
	svc := services.NewQuorumService(client, tracker, quietBus(t))

	require.NoError(t, svc.RecordApproval(context.Background(), "cr-1", "bob"))
	require.Empty(t, client.recorded())

	// Untracked requests are dropped too: the schedule may outlive a
	// reconcile that replaced the list.
	require.NoError(t, svc.RecordApproval(context.Background(), "cr-gone", "bob"))
	require.Empty(t, client.recorded())
}

func TestCommitRequiresApprovedStatus(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	tracker := seedTracker(t, newRequest("cr-1", changerequest.StatusPendingQuorum))
	svc := services.NewQuorumService(client, tracker, quietBus(t))

	err := svc.Commit(context.Background(), "cr-1")
	require.ErrorIs(t, err, changerequest.ErrInvalidTransition)
	require.Empty(t, client.recorded())
}

func TestCommitAdvancesActivePointer(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	first := newRequest("cr-1", changerequest.StatusApproved)
	second := newRequest("cr-2", changerequest.StatusPendingQuorum)
	tracker := seedTracker(t, first, second)
	svc := services.NewQuorumService(client, tracker, quietBus(t))

	require.NoError(t, svc.Commit(context.Background(), "cr-1"))

	require.Equal(t, changerequest.StatusCommitted, trackedStatus(t, tracker, "cr-1"))
	tracker.View(func(l *changerequest.List) {
		require.True(t, l.IsActive("cr-2"))
	})
}

func TestCommitOfInactiveRequestKeepsPointer(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	first := newRequest("cr-1", changerequest.StatusPendingQuorum)
	second := newRequest("cr-2", changerequest.StatusApproved)
	tracker := seedTracker(t, first, second)
	svc := services.NewQuorumService(client, tracker, quietBus(t))

	require.NoError(t, svc.Commit(context.Background(), "cr-2"))

	tracker.View(func(l *changerequest.List) {
		require.True(t, l.IsActive("cr-1"))
	})
}

func TestCommitFailedExternalCallKeepsApproved(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.fail["commit:cr-1"] = context.DeadlineExceeded
	tracker := seedTracker(t, newRequest("cr-1", changerequest.StatusApproved))
	svc := services.NewQuorumService(client, tracker, quietBus(t))

	err := svc.Commit(context.Background(), "cr-1")
	require.Error(t, err)
	require.Equal(t, changerequest.StatusApproved, trackedStatus(t, tracker, "cr-1"))
	tracker.View(func(l *changerequest.List) {
		require.True(t, l.IsActive("cr-1"))
	})
}

func TestDenyOnlyBeforeQuorum(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	draft := newRequest("cr-1", changerequest.StatusDraft)
	pending := newRequest("cr-2", changerequest.StatusPendingQuorum)
	tracker := seedTracker(t, draft, pending)
	svc := services.NewQuorumService(client, tracker, quietBus(t))
	ctx := context.Background()

	require.NoError(t, svc.Deny(ctx, "cr-1", "alice"))
	require.Equal(t, changerequest.StatusDenied, trackedStatus(t, tracker, "cr-1"))

	err := svc.Deny(ctx, "cr-2", "alice")
	require.ErrorIs(t, err, changerequest.ErrInvalidTransition)
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	t.Parallel()
	for _, status := range []changerequest.Status{
		changerequest.StatusDraft,
		changerequest.StatusPendingReview,
		changerequest.StatusPendingQuorum,
		changerequest.StatusApproved,
	} {
		client := newFakeClient()
		tracker := seedTracker(t, newRequest("cr-1", status))
		svc := services.NewQuorumService(client, tracker, quietBus(t))

		require.NoError(t, svc.Cancel(context.Background(), "cr-1"), "from %s", status)
		require.Equal(t, changerequest.StatusCancelled, trackedStatus(t, tracker, "cr-1"))
	}
}

func TestCancelRejectsTerminalStates(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	tracker := seedTracker(t, newRequest("cr-1", changerequest.StatusCommitted))
	svc := services.NewQuorumService(client, tracker, quietBus(t))

	err := svc.Cancel(context.Background(), "cr-1")
	require.ErrorIs(t, err, changerequest.ErrInvalidTransition)
	require.Empty(t, client.recorded())
}

func TestTransitionsPublishEvents(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	tracker := seedTracker(t, newRequest("cr-1", changerequest.StatusDraft))
	bus := quietBus(t)
	svc := services.NewQuorumService(client, tracker, bus)

	events := make(chan services.ChangeRequestTransitionedEvent, 4)
	bus.Subscribe(func(ev services.ChangeRequestTransitionedEvent) {
		events <- ev
	})

	require.NoError(t, svc.Review(context.Background(), "cr-1", "alice"))

	first := <-events
	require.Equal(t, changerequest.StatusDraft, first.Previous)
	require.Equal(t, changerequest.StatusPendingReview, first.Request.Status)
	second := <-events
	require.Equal(t, changerequest.StatusPendingQuorum, second.Request.Status)
}
