package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
	"github.com/iota-uz/iam-demo/modules/iam/services"
)

func TestReconcileNoChangesMakesNoCalls(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	tracker := services.NewTracker()
	svc := services.NewReconcileService(client, tracker, quietBus(t))

	current := permission.Set{"cc": {Read: true}}
	err := svc.Reconcile(context.Background(), "subject-1", current.Clone(), current)
	require.NoError(t, err)
	require.Empty(t, client.recorded())
}

func TestReconcileCancelsBeforeStaging(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	staged := newRequest("cr-new", changerequest.StatusDraft)
	client.list = []*changerequest.ChangeRequest{staged}
	tracker := seedTracker(t, newRequest("cr-old", changerequest.StatusPendingQuorum))
	svc := services.NewReconcileService(client, tracker, quietBus(t))

	desired := permission.Set{"cc": {Read: true}, "dob": {Read: true}}
	current := permission.Set{"cc": {Read: true}}
	require.NoError(t, svc.Reconcile(context.Background(), "subject-1", desired, current))

	calls := client.recorded()
	require.Equal(t, []string{"cancel:cr-old", "assign:dob.read", "list"}, calls)

	tracker.View(func(l *changerequest.List) {
		require.Equal(t, 1, l.Len())
		require.True(t, l.IsActive("cr-new"))
	})
}

func TestReconcileStagesOneRequestPerDelta(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	tracker := services.NewTracker()
	svc := services.NewReconcileService(client, tracker, quietBus(t))

	desired := permission.Set{"dob": {Read: true, Write: true}}
	current := permission.Set{"cc": {Read: true}}
	require.NoError(t, svc.Reconcile(context.Background(), "subject-1", desired, current))

	calls := client.recorded()
	require.Len(t, calls, 4)
	require.ElementsMatch(t, calls[:3], []string{
		"unassign:cc.read",
		"assign:dob.read",
		"assign:dob.write",
	})
	require.Equal(t, "list", calls[3])
}

func TestReconcileRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.fail["assign:dob.read"] = context.DeadlineExceeded
	tracked := newRequest("cr-old", changerequest.StatusPendingQuorum)
	tracker := seedTracker(t, tracked)
	svc := services.NewReconcileService(client, tracker, quietBus(t))

	desired := permission.Set{"dob": {Read: true}}
	err := svc.Reconcile(context.Background(), "subject-1", desired, permission.Set{})
	require.ErrorIs(t, err, services.ErrReconcileFailed)

	tracker.View(func(l *changerequest.List) {
		require.Equal(t, 1, l.Len())
		cr, lookupErr := l.ByID("cr-old")
		require.NoError(t, lookupErr)
		require.Equal(t, changerequest.StatusPendingQuorum, cr.Status)
	})
}

func TestReconcileDropsSettledRequestsFromFetch(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.list = []*changerequest.ChangeRequest{
		newRequest("cr-done", changerequest.StatusCommitted),
		newRequest("cr-live", changerequest.StatusDraft),
	}
	tracker := services.NewTracker()
	svc := services.NewReconcileService(client, tracker, quietBus(t))

	desired := permission.Set{"dob": {Read: true}}
	require.NoError(t, svc.Reconcile(context.Background(), "subject-1", desired, permission.Set{}))

	tracker.View(func(l *changerequest.List) {
		require.Equal(t, 1, l.Len())
		require.True(t, l.IsActive("cr-live"))
	})
}
