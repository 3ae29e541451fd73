package services_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity"
	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity/sim"
	"github.com/iota-uz/iam-demo/modules/iam/services"
)

type workflow struct {
	client    identity.Client
	factory   func() identity.Client
	tracker   *services.Tracker
	quorum    *services.QuorumService
	reconcile *services.ReconcileService
	simulator *services.ApprovalSimulator
	clock     *clockwork.FakeClock
}

// newWorkflow wires the full approval pipeline against an in-process
// identity server, the way the application module assembles it.
func newWorkflow(t *testing.T) *workflow {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	srv := httptest.NewServer(sim.New(sim.Options{Realm: "demo", Threshold: 3, Logger: logger}).Router())
	t.Cleanup(srv.Close)

	factory := func() identity.Client {
		return identity.NewHTTPClient(identity.Config{
			BaseURL:    srv.URL,
			Realm:      "demo",
			ClientID:   "iam-demo",
			HTTPClient: srv.Client(),
		})
	}
	client := factory()
	_, err := client.Authenticate(context.Background(), "alice", "demo")
	require.NoError(t, err)

	bus := quietBus(t)
	tracker := services.NewTracker()
	quorum := services.NewQuorumService(client, tracker, bus)
	reconcile := services.NewReconcileService(client, tracker, bus)

	clock := clockwork.NewFakeClock()
	simulator := services.NewApprovalSimulator(services.ApprovalSimulatorOptions{
		Pool:      []string{"alice", "bob", "carol", "dave", "erin"},
		Threshold: 3,
		BaseDelay: time.Second,
		Selector:  orderedSelector,
		Clock:     clock,
		Logger:    logger,
	})
	simulator.Bind(quorum)
	quorum.SetScheduler(simulator)
	reconcile.SetScheduler(simulator)
	t.Cleanup(simulator.Shutdown)

	return &workflow{
		client:    client,
		factory:   factory,
		tracker:   tracker,
		quorum:    quorum,
		reconcile: reconcile,
		simulator: simulator,
		clock:     clock,
	}
}

func (w *workflow) activeRequest(t *testing.T) *changerequest.ChangeRequest {
	t.Helper()
	var cr *changerequest.ChangeRequest
	w.tracker.View(func(l *changerequest.List) {
		cr = l.Active()
	})
	require.NotNil(t, cr)
	return cr
}

func (w *workflow) status(t *testing.T, id string) changerequest.Status {
	t.Helper()
	return trackedStatus(t, w.tracker, id)
}

// subjectID resolves a username through a throwaway login so the admin
// client's own session is left intact.
func subjectID(t *testing.T, w *workflow, username string) string {
	t.Helper()
	lookup := w.factory()
	id, err := lookup.Authenticate(context.Background(), username, "demo")
	require.NoError(t, err)
	lookup.Logout()
	return id.SubjectID
}

func TestGrantWorkflowEndToEnd(t *testing.T) {
	t.Parallel()
	w := newWorkflow(t)
	ctx := context.Background()
	target := subjectID(t, w, "bob")

	// Stage: one draft request for the dob.read grant.
	desired := permission.Set{"cc": {Read: true}, "dob": {Read: true}}
	current := permission.Set{"cc": {Read: true}}
	require.NoError(t, w.reconcile.Reconcile(ctx, target, desired, current))

	cr := w.activeRequest(t)
	require.Equal(t, changerequest.StatusDraft, cr.Status)
	require.Equal(t, "dob.read", cr.Ref())

	// Review: self approval counts, two simulated parties pending.
	require.NoError(t, w.quorum.Review(ctx, cr.ID, "alice"))
	require.Equal(t, changerequest.StatusPendingQuorum, w.status(t, cr.ID))

	// Quorum fills in as the schedule fires.
	w.clock.BlockUntil(1)
	w.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		approvals := 0
		w.tracker.View(func(l *changerequest.List) {
			if req, err := l.ByID(cr.ID); err == nil {
				approvals = len(req.Approvals)
			}
		})
		return approvals == 2
	}, time.Second, time.Millisecond)

	w.clock.BlockUntil(1)
	w.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return w.status(t, cr.ID) == changerequest.StatusApproved
	}, time.Second, time.Millisecond)

	// Approval parks the request; nothing commits on its own.
	require.Equal(t, changerequest.StatusApproved, w.status(t, cr.ID))

	require.NoError(t, w.quorum.Commit(ctx, cr.ID))
	require.Equal(t, changerequest.StatusCommitted, w.status(t, cr.ID))

	// The identity server applied the grant.
	grants, _, err := w.client.Claims(ctx, target)
	require.NoError(t, err)
	require.True(t, grants.Get("dob").Read)

	// Committed requests are settled for good.
	err = w.quorum.Cancel(ctx, cr.ID)
	require.ErrorIs(t, err, changerequest.ErrInvalidTransition)
}

func TestCancelHaltsSimulatedApprovals(t *testing.T) {
	t.Parallel()
	w := newWorkflow(t)
	ctx := context.Background()
	target := subjectID(t, w, "carol")

	desired := permission.Set{"cc": {Read: true}, "dob": {Write: true}}
	current := permission.Set{"cc": {Read: true}}
	require.NoError(t, w.reconcile.Reconcile(ctx, target, desired, current))

	cr := w.activeRequest(t)
	require.NoError(t, w.quorum.Review(ctx, cr.ID, "alice"))
	w.clock.BlockUntil(1)

	require.NoError(t, w.quorum.Cancel(ctx, cr.ID))
	require.Equal(t, changerequest.StatusCancelled, w.status(t, cr.ID))

	// No simulated approval lands after cancellation.
	w.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	w.tracker.View(func(l *changerequest.List) {
		req, err := l.ByID(cr.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"alice"}, req.Approvals)
	})
}

func TestReconcileCancelsInFlightBeforeRestaging(t *testing.T) {
	t.Parallel()
	w := newWorkflow(t)
	ctx := context.Background()
	target := subjectID(t, w, "dave")

	// First pass stages dob.read and its review is underway.
	current := permission.Set{"cc": {Read: true}}
	require.NoError(t, w.reconcile.Reconcile(ctx, target,
		permission.Set{"cc": {Read: true}, "dob": {Read: true}}, current))
	first := w.activeRequest(t)
	require.NoError(t, w.quorum.Review(ctx, first.ID, "alice"))
	w.clock.BlockUntil(1)

	// Operator changes their mind: dob.write instead.
	require.NoError(t, w.reconcile.Reconcile(ctx, target,
		permission.Set{"cc": {Read: true}, "dob": {Write: true}}, current))

	second := w.activeRequest(t)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, "dob.write", second.Ref())
	require.Equal(t, changerequest.StatusDraft, second.Status)

	// The superseded request is cancelled on the server and untracked
	// locally; its pending schedule never fires.
	remote, err := w.client.ListRequests(ctx, target)
	require.NoError(t, err)
	for _, req := range remote {
		if req.ID == first.ID {
			require.Equal(t, changerequest.StatusCancelled, req.Status)
		}
	}
	w.clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, changerequest.StatusDraft, w.status(t, second.ID))
}
