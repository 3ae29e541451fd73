package services

import (
	"context"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity"
	"github.com/iota-uz/iam-demo/pkg/eventbus"
	"github.com/iota-uz/iam-demo/pkg/metrics"
)

// ErrReconcileFailed wraps any failure during a reconciliation pass. The
// tracked list is restored to its pre-reconcile state when it is returned.
var ErrReconcileFailed = errors.New("permission reconciliation failed")

// ReconcileService converges the identity server's staged change requests
// onto an operator-selected desired permission set. It never mutates
// requests in place: stale in-flight requests are cancelled, then one
// fresh request is staged per changed (field, mode) pair, and the
// server's resulting list becomes the tracked list.
type ReconcileService struct {
	client    identity.Client
	tracker   *Tracker
	scheduler ApprovalScheduler
	publisher eventbus.EventBus
}

func NewReconcileService(client identity.Client, tracker *Tracker, publisher eventbus.EventBus) *ReconcileService {
	return &ReconcileService{
		client:    client,
		tracker:   tracker,
		scheduler: noopScheduler{},
		publisher: publisher,
	}
}

// SetScheduler wires the approval simulator so cancelled requests stop
// receiving simulated approvals.
func (s *ReconcileService) SetScheduler(scheduler ApprovalScheduler) {
	s.scheduler = scheduler
}

// Reconcile stages the change requests needed to move current to desired
// for subjectID. When nothing changed and nothing is in flight it makes no
// external call. On any failure the tracked list is rolled back and the
// error wraps ErrReconcileFailed.
func (s *ReconcileService) Reconcile(ctx context.Context, subjectID string, desired, current permission.Set) error {
	deltas := permission.Diff(desired, current)

	return s.tracker.Update(func(l *changerequest.List) error {
		stale := l.NonTerminal()
		if len(deltas) == 0 && len(stale) == 0 {
			return nil
		}

		backup := l.All()
		if err := s.apply(ctx, l, subjectID, deltas, stale); err != nil {
			l.Replace(backup)
			metrics.ObserveReconcile("error")
			return errors.Wrap(ErrReconcileFailed, err.Error())
		}
		metrics.ObserveReconcile("ok")
		s.publisher.Publish(ReconcileCompletedEvent{
			SubjectID: subjectID,
			Cancelled: len(stale),
			Staged:    len(deltas),
		})
		return nil
	})
}

func (s *ReconcileService) apply(
	ctx context.Context,
	l *changerequest.List,
	subjectID string,
	deltas []permission.Delta,
	stale []*changerequest.ChangeRequest,
) error {
	// Stale requests are withdrawn before anything new is staged so the
	// server never holds two in-flight requests for the same reference.
	g, cancelCtx := errgroup.WithContext(ctx)
	for _, cr := range stale {
		g.Go(func() error {
			s.scheduler.Halt(cr.ID)
			if err := s.client.Cancel(cancelCtx, cr.ID, cr.ActionType); err != nil {
				return errors.Wrapf(err, "cancel request %s", cr.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, stageCtx := errgroup.WithContext(ctx)
	for _, delta := range deltas {
		g.Go(func() error {
			var err error
			if delta.Grant {
				err = s.client.Assign(stageCtx, subjectID, delta.Ref())
			} else {
				err = s.client.Unassign(stageCtx, subjectID, delta.Ref())
			}
			if err != nil {
				return errors.Wrapf(err, "stage %s", delta.Ref())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// The identity server is the system of record: the tracked list is
	// whatever it reports after staging, not a local projection.
	fetched, err := s.client.ListRequests(ctx, subjectID)
	if err != nil {
		return errors.Wrap(err, "fetch staged requests")
	}
	l.Replace(onlyInFlight(fetched))
	return nil
}

// onlyInFlight drops settled requests so the active pointer starts on the
// first request that still needs attention.
func onlyInFlight(requests []*changerequest.ChangeRequest) []*changerequest.ChangeRequest {
	out := make([]*changerequest.ChangeRequest, 0, len(requests))
	for _, cr := range requests {
		if !cr.Status.Terminal() {
			out = append(out, cr)
		}
	}
	return out
}
