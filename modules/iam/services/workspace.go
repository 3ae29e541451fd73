package services

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iam-demo/pkg/eventbus"
)

// Workspace bundles the per-session approval pipeline. Each admin session
// gets its own tracked list, quorum state machine, and approval schedule,
// all bound to the session's identity client.
type Workspace struct {
	Tracker   *Tracker
	Quorum    *QuorumService
	Reconcile *ReconcileService
	Simulator *ApprovalSimulator
}

// WorkspaceOptions configure how session workspaces are assembled.
type WorkspaceOptions struct {
	Publisher eventbus.EventBus
	Logger    *logrus.Logger
	Pool      []string
	Threshold int
	BaseDelay time.Duration
	Clock     clockwork.Clock
}

// WorkspaceManager creates and caches one workspace per session.
type WorkspaceManager struct {
	opts WorkspaceOptions

	mu         sync.Mutex
	workspaces map[string]*Workspace
}

func NewWorkspaceManager(opts WorkspaceOptions) *WorkspaceManager {
	return &WorkspaceManager{
		opts:       opts,
		workspaces: make(map[string]*Workspace),
	}
}

// For returns the session's workspace, assembling it on first use.
func (m *WorkspaceManager) For(sess *Session) *Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ws, ok := m.workspaces[sess.SID]; ok {
		return ws
	}

	tracker := NewTracker()
	quorum := NewQuorumService(sess.Client, tracker, m.opts.Publisher)
	reconcile := NewReconcileService(sess.Client, tracker, m.opts.Publisher)
	simulator := NewApprovalSimulator(ApprovalSimulatorOptions{
		Pool:      m.opts.Pool,
		Threshold: m.opts.Threshold,
		BaseDelay: m.opts.BaseDelay,
		Clock:     m.opts.Clock,
		Logger:    m.opts.Logger,
	})
	simulator.Bind(quorum)
	quorum.SetScheduler(simulator)
	reconcile.SetScheduler(simulator)

	ws := &Workspace{
		Tracker:   tracker,
		Quorum:    quorum,
		Reconcile: reconcile,
		Simulator: simulator,
	}
	m.workspaces[sess.SID] = ws
	return ws
}

// Close tears down the session's workspace, halting any approval
// schedules still in flight.
func (m *WorkspaceManager) Close(sid string) {
	m.mu.Lock()
	ws, ok := m.workspaces[sid]
	delete(m.workspaces, sid)
	m.mu.Unlock()
	if ok {
		ws.Simulator.Shutdown()
	}
}
