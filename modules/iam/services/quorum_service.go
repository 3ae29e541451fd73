package services

import (
	"context"
	"errors"

	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity"
	"github.com/iota-uz/iam-demo/pkg/eventbus"
	"github.com/iota-uz/iam-demo/pkg/metrics"
)

// ApprovalScheduler drives background approvals for a request that reached
// the pending quorum state.
type ApprovalScheduler interface {
	Schedule(requestID, initiator string)
	Halt(requestID string)
}

// noopScheduler satisfies ApprovalScheduler when no simulator is wired,
// e.g. in tests that drive approvals by hand.
type noopScheduler struct{}

func (noopScheduler) Schedule(string, string) {}
func (noopScheduler) Halt(string)             {}

// QuorumService runs the change request state machine over the tracked
// list. Every lifecycle operation calls the identity server first and
// mutates local state only after the call succeeds, so a failed call
// leaves the tracked request where it was.
type QuorumService struct {
	client    identity.Client
	tracker   *Tracker
	publisher eventbus.EventBus
	scheduler ApprovalScheduler
}

func NewQuorumService(client identity.Client, tracker *Tracker, publisher eventbus.EventBus) *QuorumService {
	return &QuorumService{
		client:    client,
		tracker:   tracker,
		publisher: publisher,
		scheduler: noopScheduler{},
	}
}

// SetScheduler wires the approval simulator. Separate from the constructor
// because the simulator needs the service as its approval recorder.
func (s *QuorumService) SetScheduler(scheduler ApprovalScheduler) {
	s.scheduler = scheduler
}

func (s *QuorumService) transition(cr *changerequest.ChangeRequest, target changerequest.Status) error {
	previous := cr.Status
	if err := cr.Transition(target); err != nil {
		return err
	}
	metrics.ObserveTransition(string(previous), string(target))
	s.publisher.Publish(ChangeRequestTransitionedEvent{
		Previous: previous,
		Request:  cloneRequest(cr),
	})
	return nil
}

// Review signs a draft request as the reviewing party and moves it into
// the pending quorum state. The reviewer's own approval counts toward the
// threshold; the remaining approvals arrive through the scheduler. A
// request stuck in pending review after a failed decide call may be
// reviewed again; the already-signed step is skipped on the retry.
func (s *QuorumService) Review(ctx context.Context, requestID, actor string) error {
	err := s.tracker.Update(func(l *changerequest.List) error {
		cr, err := l.ByID(requestID)
		if err != nil {
			return err
		}
		switch cr.Status {
		case changerequest.StatusDraft:
			if err := s.client.Sign(ctx, cr.ID, cr.ActionType); err != nil {
				return err
			}
			if err := s.transition(cr, changerequest.StatusPendingReview); err != nil {
				return err
			}
		case changerequest.StatusPendingReview:
		default:
			return changerequest.ErrInvalidTransition
		}
		if err := s.client.Decide(ctx, cr.ID, actor, true); err != nil {
			return err
		}
		if err := s.transition(cr, changerequest.StatusPendingQuorum); err != nil {
			return err
		}
		cr.RecordApproval(actor)
		return nil
	})
	if err != nil {
		return err
	}
	s.scheduler.Schedule(requestID, actor)
	return nil
}

// Deny rejects a request that has not yet entered the quorum phase.
func (s *QuorumService) Deny(ctx context.Context, requestID, actor string) error {
	return s.tracker.Update(func(l *changerequest.List) error {
		cr, err := l.ByID(requestID)
		if err != nil {
			return err
		}
		if cr.Status != changerequest.StatusDraft && cr.Status != changerequest.StatusPendingReview {
			return changerequest.ErrInvalidTransition
		}
		if err := s.client.Decide(ctx, cr.ID, actor, false); err != nil {
			return err
		}
		s.scheduler.Halt(requestID)
		return s.transition(cr, changerequest.StatusDenied)
	})
}

// RecordApproval registers one quorum party's sign-off. Approvals against
// settled requests are silently dropped: a cancellation that raced a
// scheduled approval is not an error. Recording the same party twice is a
// no-op. The request moves to approved when the threshold is met.
func (s *QuorumService) RecordApproval(ctx context.Context, requestID, party string) error {
	return s.tracker.Update(func(l *changerequest.List) error {
		cr, err := l.ByID(requestID)
		if errors.Is(err, changerequest.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cr.Status != changerequest.StatusPendingQuorum {
			return nil
		}
		if err := s.client.Decide(ctx, cr.ID, party, true); err != nil {
			return err
		}
		if !cr.RecordApproval(party) {
			return nil
		}
		metrics.ObserveSimulatedApproval()
		s.publisher.Publish(ApprovalRecordedEvent{Party: party, Request: cloneRequest(cr)})
		if cr.QuorumReached() {
			return s.transition(cr, changerequest.StatusApproved)
		}
		return nil
	})
}

// Commit applies an approved request on the identity server and settles it
// locally. Committing never happens automatically: approval parks the
// request until an operator commits. The active pointer advances only when
// the committed request was the active one.
func (s *QuorumService) Commit(ctx context.Context, requestID string) error {
	return s.tracker.Update(func(l *changerequest.List) error {
		cr, err := l.ByID(requestID)
		if err != nil {
			return err
		}
		if cr.Status != changerequest.StatusApproved {
			return changerequest.ErrInvalidTransition
		}
		if err := s.client.Commit(ctx, cr.ID, cr.ActionType); err != nil {
			return err
		}
		wasActive := l.IsActive(cr.ID)
		if err := s.transition(cr, changerequest.StatusCommitted); err != nil {
			return err
		}
		if wasActive {
			l.Advance()
		}
		return nil
	})
}

// Cancel withdraws a request from any non-terminal state and halts any
// in-flight approval schedule for it.
func (s *QuorumService) Cancel(ctx context.Context, requestID string) error {
	return s.tracker.Update(func(l *changerequest.List) error {
		cr, err := l.ByID(requestID)
		if err != nil {
			return err
		}
		if cr.Status.Terminal() {
			return changerequest.ErrInvalidTransition
		}
		if err := s.client.Cancel(ctx, cr.ID, cr.ActionType); err != nil {
			return err
		}
		s.scheduler.Halt(requestID)
		return s.transition(cr, changerequest.StatusCancelled)
	})
}
