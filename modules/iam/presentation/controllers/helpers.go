package controllers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iam-demo/modules/iam/services"
	"github.com/iota-uz/iam-demo/pkg/authz"
	"github.com/iota-uz/iam-demo/pkg/composables"
	"github.com/iota-uz/iam-demo/pkg/httpapi"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := httpapi.WriteJSON(w, status, payload); err != nil {
		panic(err)
	}
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	_ = httpapi.WriteError(w, status, code, message, nil)
}

// requireSession resolves the session cookie and attaches the session to
// the request context. Requests without a live session get a 401.
func requireSession(auth *services.AuthService, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(cookieName)
			if err != nil {
				writeAPIError(w, http.StatusUnauthorized, "IAM_UNAUTHENTICATED", "login required")
				return
			}
			sess, err := auth.Find(cookie.Value)
			if err != nil {
				writeAPIError(w, http.StatusUnauthorized, "IAM_SESSION_EXPIRED", "session expired, login again")
				return
			}
			next.ServeHTTP(w, r.WithContext(services.WithSession(r.Context(), sess)))
		})
	}
}

// ensureAuthz checks the session's roles against the policy table and
// writes the error response itself. Returns the session on success.
func ensureAuthz(w http.ResponseWriter, r *http.Request, checker *authz.Service, object, action string) (*services.Session, bool) {
	sess, err := services.UseSession(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, "IAM_UNAUTHENTICATED", "login required")
		return nil, false
	}
	err = checker.Authorize(r.Context(), authz.Request{
		Roles:  sess.Identity().Roles,
		Object: object,
		Action: action,
	})
	if err != nil {
		composables.UseLogger(r.Context()).WithError(err).WithFields(logrus.Fields{
			"object": object,
			"action": action,
		}).Warn("authorization denied")
		writeAPIError(w, http.StatusForbidden, "IAM_FORBIDDEN", "insufficient role")
		return nil, false
	}
	return sess, true
}
