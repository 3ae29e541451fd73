package services_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity"
	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity/sim"
	"github.com/iota-uz/iam-demo/modules/iam/services"
)

func newAuthService(t *testing.T, lifetime time.Duration) *services.AuthService {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	srv := httptest.NewServer(sim.New(sim.Options{Realm: "demo", Logger: logger}).Router())
	t.Cleanup(srv.Close)
	factory := func() identity.Client {
		return identity.NewHTTPClient(identity.Config{
			BaseURL:    srv.URL,
			Realm:      "demo",
			ClientID:   "iam-demo",
			HTTPClient: srv.Client(),
		})
	}
	return services.NewAuthService(factory, lifetime, logger)
}

func TestLoginOpensSession(t *testing.T) {
	t.Parallel()
	auth := newAuthService(t, time.Hour)

	sess, err := auth.Login(context.Background(), "alice", "demo")
	require.NoError(t, err)
	require.NotEmpty(t, sess.SID)
	require.Equal(t, "alice", sess.Identity().Username)
	require.NotNil(t, sess.Client)

	found, err := auth.Find(sess.SID)
	require.NoError(t, err)
	require.Same(t, sess, found)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	t.Parallel()
	auth := newAuthService(t, time.Hour)

	_, err := auth.Login(context.Background(), "alice", "nope")
	require.ErrorIs(t, err, services.ErrInvalidCredentials)
}

func TestEachSessionGetsItsOwnClient(t *testing.T) {
	t.Parallel()
	auth := newAuthService(t, time.Hour)
	ctx := context.Background()

	first, err := auth.Login(ctx, "alice", "demo")
	require.NoError(t, err)
	second, err := auth.Login(ctx, "bob", "demo")
	require.NoError(t, err)
	require.NotSame(t, first.Client, second.Client)

	// Closing one session leaves the other usable.
	auth.Logout(first.SID)
	_, _, err = second.Client.Claims(ctx, second.Identity().SubjectID)
	require.NoError(t, err)
	_, _, err = first.Client.Claims(ctx, first.Identity().SubjectID)
	require.ErrorIs(t, err, identity.ErrNotAuthenticated)
}

func TestFindEvictsExpiredSessions(t *testing.T) {
	t.Parallel()
	auth := newAuthService(t, time.Millisecond)

	sess, err := auth.Login(context.Background(), "carol", "demo")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = auth.Find(sess.SID)
	require.ErrorIs(t, err, services.ErrSessionExpired)

	_, err = auth.Find(sess.SID)
	require.ErrorIs(t, err, services.ErrNoSession)
}

func TestRefreshUpdatesSessionIdentity(t *testing.T) {
	t.Parallel()
	auth := newAuthService(t, time.Hour)
	ctx := context.Background()

	sess, err := auth.Login(ctx, "dave", "demo")
	require.NoError(t, err)
	original := sess.Identity()

	refreshed, err := auth.Refresh(ctx, sess.SID)
	require.NoError(t, err)
	require.Equal(t, original.SubjectID, refreshed.SubjectID)
	require.Same(t, refreshed, sess.Identity())
}

func TestRefreshIsSafeUnderConcurrentReads(t *testing.T) {
	t.Parallel()
	auth := newAuthService(t, time.Hour)
	ctx := context.Background()

	sess, err := auth.Login(ctx, "erin", "demo")
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := auth.Refresh(ctx, sess.SID); err != nil {
				return
			}
		}
	}()

	// Handlers read the identity from the session pointer while refresh
	// swaps it; the race detector flags any unsynchronized access here.
	for range 200 {
		id := sess.Identity()
		require.Equal(t, "erin", id.Username)
		require.NotEmpty(t, id.SubjectID)
	}
	close(stop)
	wg.Wait()
}

func TestSessionContextRoundTrip(t *testing.T) {
	t.Parallel()

	_, err := services.UseSession(context.Background())
	require.ErrorIs(t, err, services.ErrNoSession)

	sess := &services.Session{SID: "sid-1"}
	ctx := services.WithSession(context.Background(), sess)
	got, err := services.UseSession(ctx)
	require.NoError(t, err)
	require.Same(t, sess, got)
}
