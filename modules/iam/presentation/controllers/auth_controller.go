package controllers

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/iota-uz/iam-demo/modules/iam/services"
	"github.com/iota-uz/iam-demo/pkg/application"
	"github.com/iota-uz/iam-demo/pkg/composables"
	"github.com/iota-uz/iam-demo/pkg/configuration"
	"github.com/iota-uz/iam-demo/pkg/httpapi"
)

// AuthController exposes login, logout, and session introspection.
type AuthController struct {
	app      application.Application
	basePath string
	auth     *services.AuthService
	manager  *services.WorkspaceManager
	validate *validator.Validate
	cfg      *configuration.Configuration
}

func NewAuthController(app application.Application) application.Controller {
	return &AuthController{
		app:      app,
		basePath: "/iam/api/auth",
		auth:     app.Service(services.AuthService{}).(*services.AuthService),
		manager:  app.Service(services.WorkspaceManager{}).(*services.WorkspaceManager),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      configuration.Use(),
	}
}

func (c *AuthController) Key() string {
	return c.basePath
}

func (c *AuthController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.HandleFunc("/login", c.login).Methods(http.MethodPost)

	authed := router.NewRoute().Subrouter()
	authed.Use(requireSession(c.auth, c.cfg.SidCookieKey))
	authed.HandleFunc("/logout", c.logout).Methods(http.MethodPost)
	authed.HandleFunc("/session", c.session).Methods(http.MethodGet)
	authed.HandleFunc("/refresh", c.refresh).Methods(http.MethodPost)
}

type loginRequest struct {
	Username string `json:"username" validate:"required,min=1,max=64"`
	Password string `json:"password" validate:"required,min=1,max=128"`
}

type sessionResponse struct {
	Username string                 `json:"username"`
	Subject  string                 `json:"subject"`
	Roles    []string               `json:"roles"`
	Grants   map[string]grantedPair `json:"grants"`
}

type grantedPair struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

func sessionPayload(sess *services.Session) sessionResponse {
	id := sess.Identity()
	grants := make(map[string]grantedPair, len(id.Grants))
	for field, access := range id.Grants {
		grants[field] = grantedPair{Read: access.Read, Write: access.Write}
	}
	return sessionResponse{
		Username: id.Username,
		Subject:  id.SubjectID,
		Roles:    id.Roles,
		Grants:   grants,
	}
}

func (c *AuthController) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "IAM_INVALID_BODY", err.Error())
		return
	}
	if err := c.validate.Struct(req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "IAM_INVALID_BODY", "username and password are required")
		return
	}

	sess, err := c.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, "IAM_BAD_CREDENTIALS", "invalid username or password")
		return
	}

	http.SetCookie(w, c.sessionCookie(sess.SID, sess.ExpiresAt))
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (c *AuthController) logout(w http.ResponseWriter, r *http.Request) {
	sess, err := services.UseSession(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, "IAM_UNAUTHENTICATED", "login required")
		return
	}
	c.manager.Close(sess.SID)
	c.auth.Logout(sess.SID)
	http.SetCookie(w, c.sessionCookie("", time.Unix(0, 0)))
	writeJSON(w, http.StatusNoContent, nil)
}

func (c *AuthController) session(w http.ResponseWriter, r *http.Request) {
	sess, err := services.UseSession(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, "IAM_UNAUTHENTICATED", "login required")
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

// refresh re-reads the token so newly committed grants show up in the
// session without a fresh login.
func (c *AuthController) refresh(w http.ResponseWriter, r *http.Request) {
	sess, err := services.UseSession(r.Context())
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, "IAM_UNAUTHENTICATED", "login required")
		return
	}
	if _, err := c.auth.Refresh(r.Context(), sess.SID); err != nil {
		composables.UseLogger(r.Context()).WithError(err).Warn("token refresh failed")
		writeAPIError(w, http.StatusUnauthorized, "IAM_SESSION_EXPIRED", "token refresh failed, login again")
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (c *AuthController) sessionCookie(value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     c.cfg.SidCookieKey,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   c.cfg.Scheme() == "https",
	}
}
