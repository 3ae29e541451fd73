package services

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ApprovalRecorder receives the simulated parties' sign-offs. Satisfied by
// QuorumService.
type ApprovalRecorder interface {
	RecordApproval(ctx context.Context, requestID, party string) error
}

// PartySelector picks n distinct parties from pool, never returning
// exclude. Injectable so tests get a deterministic pick order.
type PartySelector func(pool []string, exclude string, n int) []string

// RandomPartySelector selects without replacement in shuffled order.
func RandomPartySelector(pool []string, exclude string, n int) []string {
	candidates := make([]string, 0, len(pool))
	for _, p := range pool {
		if p != exclude {
			candidates = append(candidates, p)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// ApprovalSimulatorOptions configure the staggered approval schedule.
type ApprovalSimulatorOptions struct {
	// Pool is the full set of quorum parties, initiator included.
	Pool []string
	// Threshold is the quorum size. The initiator's own approval already
	// counts, so the simulator contributes Threshold-1 parties.
	Threshold int
	// BaseDelay spaces the simulated approvals; party i signs after
	// BaseDelay*(i+1) relative to the previous approval.
	BaseDelay time.Duration
	Selector  PartySelector
	Clock     clockwork.Clock
	Logger    *logrus.Logger
}

// ApprovalSimulator fakes the remaining quorum parties. Each scheduled
// request gets one goroutine that sleeps between approvals and aborts as
// soon as the schedule is halted.
type ApprovalSimulator struct {
	pool      []string
	threshold int
	baseDelay time.Duration
	selector  PartySelector
	clock     clockwork.Clock
	logger    *logrus.Logger

	recorder ApprovalRecorder

	mu     sync.Mutex
	active map[string]chan struct{}
	wg     sync.WaitGroup
}

func NewApprovalSimulator(opts ApprovalSimulatorOptions) *ApprovalSimulator {
	if opts.Selector == nil {
		opts.Selector = RandomPartySelector
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 1500 * time.Millisecond
	}
	return &ApprovalSimulator{
		pool:      opts.Pool,
		threshold: opts.Threshold,
		baseDelay: opts.BaseDelay,
		selector:  opts.Selector,
		clock:     opts.Clock,
		logger:    opts.Logger,
		active:    make(map[string]chan struct{}),
	}
}

// Bind wires the recorder after construction; the recorder (the quorum
// service) itself needs the simulator as its scheduler.
func (s *ApprovalSimulator) Bind(recorder ApprovalRecorder) {
	s.recorder = recorder
}

// Schedule starts the staggered approval run for requestID. A second call
// for a request whose run is still in flight is ignored.
func (s *ApprovalSimulator) Schedule(requestID, initiator string) {
	parties := s.selector(s.pool, initiator, s.threshold-1)
	if len(parties) == 0 || s.recorder == nil {
		return
	}

	s.mu.Lock()
	if _, running := s.active[requestID]; running {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.active[requestID] = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(requestID, parties, stop)
}

func (s *ApprovalSimulator) run(requestID string, parties []string, stop chan struct{}) {
	defer s.wg.Done()
	defer s.release(requestID)

	for i, party := range parties {
		select {
		case <-stop:
			return
		case <-s.clock.After(s.baseDelay * time.Duration(i+1)):
		}
		if err := s.recorder.RecordApproval(context.Background(), requestID, party); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"request": requestID,
				"party":   party,
			}).Warn("simulated approval failed")
			return
		}
	}
}

// Halt aborts the remaining approvals for requestID. Safe to call for
// requests that were never scheduled.
func (s *ApprovalSimulator) Halt(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.active[requestID]; ok {
		close(stop)
		delete(s.active, requestID)
	}
}

func (s *ApprovalSimulator) release(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, requestID)
}

// Shutdown halts every schedule and waits for in-flight runs to exit.
func (s *ApprovalSimulator) Shutdown() {
	s.mu.Lock()
	for id, stop := range s.active {
		close(stop)
		delete(s.active, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
