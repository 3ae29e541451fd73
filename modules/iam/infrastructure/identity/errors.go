package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired indicates the session token was rejected by the
	// identity server; the caller must re-authenticate.
	ErrAuthExpired = errors.New("identity: session token expired or invalid")
	// ErrNotAuthenticated indicates no session has been started on the
	// client.
	ErrNotAuthenticated = errors.New("identity: client has no active session")
	// ErrUnexpectedShape indicates a response that does not match the
	// documented contract.
	ErrUnexpectedShape = errors.New("identity: unexpected response shape")
)

// CallError reports a non-success response from the identity server for a
// named operation. The local request state is never advanced on a
// CallError, so retries are safe.
type CallError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("identity: %s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsCallError reports whether err is a failed identity server call and
// returns it when so.
func IsCallError(err error) (*CallError, bool) {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr, true
	}
	return nil, false
}
