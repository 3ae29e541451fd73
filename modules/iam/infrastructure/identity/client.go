package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/oauth2"

	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
)

// Client is the demo's view of the external identity server. One client is
// created at session start and disposed at logout; all request state lives
// on the server, the client is a thin authenticated transport.
type Client interface {
	Authenticate(ctx context.Context, username, password string) (*Identity, error)
	Refresh(ctx context.Context) (*Identity, error)
	Logout()

	Claims(ctx context.Context, subjectID string) (permission.Set, []string, error)
	ListRequests(ctx context.Context, subjectID string) ([]*changerequest.ChangeRequest, error)
	Assign(ctx context.Context, subjectID, ref string) error
	Unassign(ctx context.Context, subjectID, ref string) error
	Sign(ctx context.Context, requestID, actionType string) error
	Decide(ctx context.Context, requestID, actor string, approve bool) error
	Commit(ctx context.Context, requestID, actionType string) error
	Cancel(ctx context.Context, requestID, actionType string) error
}

// Config describes the realm endpoint the HTTP client talks to.
type Config struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

type httpClient struct {
	cfg    Config
	http   *http.Client
	oauth  *oauth2.Config
	mu     sync.RWMutex
	source oauth2.TokenSource
}

// NewHTTPClient builds an unauthenticated client for the configured realm.
func NewHTTPClient(cfg Config) Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	realmURL := fmt.Sprintf("%s/realms/%s", cfg.BaseURL, cfg.Realm)
	return &httpClient{
		cfg:  cfg,
		http: hc,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  realmURL + "/protocol/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func (c *httpClient) Authenticate(ctx context.Context, username, password string) (*Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	token, err := c.oauth.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return nil, errors.Wrap(err, "password grant")
	}
	identity, err := parseIdentity(token)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.source = c.oauth.TokenSource(context.WithValue(context.Background(), oauth2.HTTPClient, c.http), token)
	c.mu.Unlock()
	return identity, nil
}

// Refresh forces a token refresh so claims reflect server-side permission
// changes, e.g. after a committed change request.
func (c *httpClient) Refresh(ctx context.Context) (*Identity, error) {
	c.mu.RLock()
	source := c.source
	c.mu.RUnlock()
	if source == nil {
		return nil, ErrNotAuthenticated
	}
	current, err := source.Token()
	if err != nil {
		return nil, errors.Wrap(err, "read session token")
	}
	// Invalidate the access token so the refresh grant is exercised and a
	// token with fresh claims is issued.
	stale := *current
	stale.Expiry = time.Now().Add(-time.Minute)
	refreshCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
	refreshed, err := c.oauth.TokenSource(refreshCtx, &stale).Token()
	if err != nil {
		return nil, errors.Wrap(ErrAuthExpired, err.Error())
	}
	identity, err := parseIdentity(refreshed)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.source = c.oauth.TokenSource(refreshCtx, refreshed)
	c.mu.Unlock()
	return identity, nil
}

func (c *httpClient) Logout() {
	c.mu.Lock()
	c.source = nil
	c.mu.Unlock()
}

func (c *httpClient) realmPath(format string, args ...any) string {
	return fmt.Sprintf("%s/realms/%s%s", c.cfg.BaseURL, c.cfg.Realm, fmt.Sprintf(format, args...))
}

func (c *httpClient) do(ctx context.Context, op, method, url string, payload, out any) error {
	c.mu.RLock()
	source := c.source
	c.mu.RUnlock()
	if source == nil {
		return ErrNotAuthenticated
	}
	token, err := source.Token()
	if err != nil {
		return errors.Wrap(ErrAuthExpired, err.Error())
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	token.SetAuthHeader(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "identity: %s", op)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &CallError{Op: op, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(ErrUnexpectedShape, err.Error())
		}
	}
	return nil
}

func (c *httpClient) Claims(ctx context.Context, subjectID string) (permission.Set, []string, error) {
	var out struct {
		Grants permission.Set `json:"grants"`
		Roles  []string       `json:"roles"`
	}
	url := c.realmPath("/subjects/%s/claims", subjectID)
	if err := c.do(ctx, "fetch claims", http.MethodGet, url, nil, &out); err != nil {
		return nil, nil, err
	}
	if out.Grants == nil {
		out.Grants = permission.Set{}
	}
	return out.Grants, out.Roles, nil
}

func (c *httpClient) ListRequests(ctx context.Context, subjectID string) ([]*changerequest.ChangeRequest, error) {
	var out struct {
		Requests []*changerequest.ChangeRequest `json:"requests"`
	}
	url := c.realmPath("/subjects/%s/change-requests", subjectID)
	if err := c.do(ctx, "list change requests", http.MethodGet, url, nil, &out); err != nil {
		return nil, err
	}
	for _, cr := range out.Requests {
		if err := validateWireRequest(cr); err != nil {
			return nil, err
		}
	}
	return out.Requests, nil
}

func (c *httpClient) Assign(ctx context.Context, subjectID, ref string) error {
	url := c.realmPath("/subjects/%s/permissions:assign", subjectID)
	return c.do(ctx, "assign permission", http.MethodPost, url, map[string]string{"ref": ref}, nil)
}

func (c *httpClient) Unassign(ctx context.Context, subjectID, ref string) error {
	url := c.realmPath("/subjects/%s/permissions:unassign", subjectID)
	return c.do(ctx, "unassign permission", http.MethodPost, url, map[string]string{"ref": ref}, nil)
}

func (c *httpClient) Sign(ctx context.Context, requestID, actionType string) error {
	url := c.realmPath("/change-requests/%s:sign", requestID)
	return c.do(ctx, "sign change request", http.MethodPost, url, map[string]string{"action_type": actionType}, nil)
}

func (c *httpClient) Decide(ctx context.Context, requestID, actor string, approve bool) error {
	url := c.realmPath("/change-requests/%s:decision", requestID)
	payload := map[string]any{"actor": actor, "approve": approve}
	return c.do(ctx, "record decision", http.MethodPost, url, payload, nil)
}

func (c *httpClient) Commit(ctx context.Context, requestID, actionType string) error {
	url := c.realmPath("/change-requests/%s:commit", requestID)
	return c.do(ctx, "commit change request", http.MethodPost, url, map[string]string{"action_type": actionType}, nil)
}

func (c *httpClient) Cancel(ctx context.Context, requestID, actionType string) error {
	url := c.realmPath("/change-requests/%s:cancel", requestID)
	return c.do(ctx, "cancel change request", http.MethodPost, url, map[string]string{"action_type": actionType}, nil)
}

// validateWireRequest rejects server responses that do not match the
// documented change request shape.
func validateWireRequest(cr *changerequest.ChangeRequest) error {
	if cr == nil || cr.ID == "" {
		return errors.Wrap(ErrUnexpectedShape, "change request without id")
	}
	switch cr.Status {
	case changerequest.StatusDraft, changerequest.StatusPendingReview,
		changerequest.StatusPendingQuorum, changerequest.StatusApproved,
		changerequest.StatusDenied, changerequest.StatusCommitted,
		changerequest.StatusCancelled:
	default:
		return errors.Wrapf(ErrUnexpectedShape, "change request %s has unknown status %q", cr.ID, cr.Status)
	}
	if cr.Threshold < 1 {
		return errors.Wrapf(ErrUnexpectedShape, "change request %s has invalid threshold %d", cr.ID, cr.Threshold)
	}
	return nil
}
