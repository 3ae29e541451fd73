package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity"
	"github.com/iota-uz/iam-demo/pkg/constants"
)

var (
	// ErrInvalidCredentials indicates the identity server rejected the
	// login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionExpired indicates the session outlived its lifetime or was
	// revoked.
	ErrSessionExpired = errors.New("session expired")
	// ErrNoSession indicates no session was attached to the context.
	ErrNoSession = errors.New("no session in context")
)

// ClientFactory builds a fresh identity client for one session. Each
// session owns its own client so credentials and token state never cross
// sessions.
type ClientFactory func() identity.Client

// Session binds an authenticated identity to its dedicated identity
// client for the lifetime of a login.
type Session struct {
	SID       string
	Client    identity.Client
	CreatedAt time.Time
	ExpiresAt time.Time

	// identity is swapped on refresh while request handlers read it, so
	// access goes through the atomic pointer.
	identity atomic.Pointer[identity.Identity]
}

// Identity returns the identity from the most recent login or refresh.
// Callers needing several fields should read it once and keep the
// snapshot.
func (s *Session) Identity() *identity.Identity {
	return s.identity.Load()
}

// WithSession attaches the session to the context.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, constants.SessionKey, sess)
}

// UseSession returns the session attached by the auth middleware.
func UseSession(ctx context.Context) (*Session, error) {
	sess, ok := ctx.Value(constants.SessionKey).(*Session)
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// AuthService owns the in-memory session store. Sessions are the only
// local user state: identity, roles, and grants all come from the
// identity server's tokens.
type AuthService struct {
	factory  ClientFactory
	lifetime time.Duration
	logger   *logrus.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewAuthService(factory ClientFactory, lifetime time.Duration, logger *logrus.Logger) *AuthService {
	return &AuthService{
		factory:  factory,
		lifetime: lifetime,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Login authenticates against the identity server and opens a session
// with its own dedicated client.
func (s *AuthService) Login(ctx context.Context, username, password string) (*Session, error) {
	client := s.factory()
	id, err := client.Authenticate(ctx, username, password)
	if err != nil {
		s.logger.WithError(err).WithField("username", username).Warn("login rejected")
		return nil, ErrInvalidCredentials
	}
	now := time.Now()
	sess := &Session{
		SID:       uuid.NewString(),
		Client:    client,
		CreatedAt: now,
		ExpiresAt: now.Add(s.lifetime),
	}
	sess.identity.Store(id)
	s.mu.Lock()
	s.sessions[sess.SID] = sess
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"username": id.Username,
		"subject":  id.SubjectID,
	}).Info("session opened")
	return sess, nil
}

// Find resolves a session id, evicting it when expired.
func (s *AuthService) Find(sid string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sid]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoSession
	}
	if time.Now().After(sess.ExpiresAt) {
		s.Logout(sid)
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Refresh re-acquires the session's token so claims reflect committed
// permission changes.
func (s *AuthService) Refresh(ctx context.Context, sid string) (*identity.Identity, error) {
	sess, err := s.Find(sid)
	if err != nil {
		return nil, err
	}
	id, err := sess.Client.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	sess.identity.Store(id)
	return id, nil
}

// Logout closes the session and disposes its identity client.
func (s *AuthService) Logout(sid string) {
	s.mu.Lock()
	sess, ok := s.sessions[sid]
	delete(s.sessions, sid)
	s.mu.Unlock()
	if ok {
		sess.Client.Logout()
		s.logger.WithField("subject", sess.Identity().SubjectID).Info("session closed")
	}
}
