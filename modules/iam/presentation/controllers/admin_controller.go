package controllers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity"
	"github.com/iota-uz/iam-demo/modules/iam/permissions"
	"github.com/iota-uz/iam-demo/modules/iam/services"
	"github.com/iota-uz/iam-demo/pkg/application"
	"github.com/iota-uz/iam-demo/pkg/authz"
	"github.com/iota-uz/iam-demo/pkg/composables"
	"github.com/iota-uz/iam-demo/pkg/configuration"
	"github.com/iota-uz/iam-demo/pkg/httpapi"
)

// AdminController drives the permission management workflow: staging
// change requests against the identity server and walking each one
// through review, quorum, and commit.
type AdminController struct {
	app      application.Application
	basePath string
	auth     *services.AuthService
	manager  *services.WorkspaceManager
	checker  *authz.Service
	validate *validator.Validate
	cfg      *configuration.Configuration
}

func NewAdminController(app application.Application) application.Controller {
	return &AdminController{
		app:      app,
		basePath: "/iam/api/admin",
		auth:     app.Service(services.AuthService{}).(*services.AuthService),
		manager:  app.Service(services.WorkspaceManager{}).(*services.WorkspaceManager),
		checker:  app.Service(authz.Service{}).(*authz.Service),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      configuration.Use(),
	}
}

func (c *AdminController) Key() string {
	return c.basePath
}

func (c *AdminController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.Use(requireSession(c.auth, c.cfg.SidCookieKey))
	router.HandleFunc("/subjects/{id}/claims", c.subjectClaims).Methods(http.MethodGet)
	router.HandleFunc("/reconcile", c.reconcile).Methods(http.MethodPost)
	router.HandleFunc("/requests", c.listRequests).Methods(http.MethodGet)
	router.HandleFunc("/requests/{id}/review", c.review).Methods(http.MethodPost)
	router.HandleFunc("/requests/{id}/deny", c.deny).Methods(http.MethodPost)
	router.HandleFunc("/requests/{id}/commit", c.commit).Methods(http.MethodPost)
	router.HandleFunc("/requests/{id}/cancel", c.cancel).Methods(http.MethodPost)
}

func (c *AdminController) subjectClaims(w http.ResponseWriter, r *http.Request) {
	sess, ok := ensureAuthz(w, r, c.checker, permissions.ObjectPermissions, permissions.ActionManage)
	if !ok {
		return
	}
	grants, roles, err := sess.Client.Claims(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		c.writeIdentityError(w, r, "fetch claims", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"grants": grants,
		"roles":  roles,
	})
}

type reconcileRequest struct {
	SubjectID string                 `json:"subject_id" validate:"required"`
	Desired   map[string]grantedPair `json:"desired" validate:"required,dive,keys,oneof=dob cc,endkeys"`
}

func (c *AdminController) reconcile(w http.ResponseWriter, r *http.Request) {
	sess, ok := ensureAuthz(w, r, c.checker, permissions.ObjectPermissions, permissions.ActionManage)
	if !ok {
		return
	}
	var req reconcileRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "IAM_INVALID_BODY", err.Error())
		return
	}
	if err := c.validate.Struct(req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "IAM_INVALID_BODY", "subject_id and known desired fields are required")
		return
	}

	desired := make(permission.Set, len(req.Desired))
	for field, pair := range req.Desired {
		desired[field] = permission.Access{Read: pair.Read, Write: pair.Write}
	}

	// The identity server's current claims are the reconcile baseline.
	current, _, err := sess.Client.Claims(r.Context(), req.SubjectID)
	if err != nil {
		c.writeIdentityError(w, r, "fetch claims", err)
		return
	}

	workspace := c.manager.For(sess)
	if err := workspace.Reconcile.Reconcile(r.Context(), req.SubjectID, desired, current); err != nil {
		composables.UseLogger(r.Context()).WithError(err).Error("reconcile failed")
		writeAPIError(w, http.StatusBadGateway, "IAM_RECONCILE_FAILED", "reconciliation failed, tracked requests were restored")
		return
	}
	c.writeRequests(w, workspace)
}

func (c *AdminController) listRequests(w http.ResponseWriter, r *http.Request) {
	sess, ok := ensureAuthz(w, r, c.checker, permissions.ObjectRequests, permissions.ActionManage)
	if !ok {
		return
	}
	c.writeRequests(w, c.manager.For(sess))
}

func (c *AdminController) review(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(w, r, func(ws *services.Workspace, sess *services.Session, id string) error {
		return ws.Quorum.Review(r.Context(), id, sess.Identity().Username)
	})
}

func (c *AdminController) deny(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(w, r, func(ws *services.Workspace, sess *services.Session, id string) error {
		return ws.Quorum.Deny(r.Context(), id, sess.Identity().Username)
	})
}

func (c *AdminController) commit(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(w, r, func(ws *services.Workspace, sess *services.Session, id string) error {
		return ws.Quorum.Commit(r.Context(), id)
	})
}

func (c *AdminController) cancel(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(w, r, func(ws *services.Workspace, sess *services.Session, id string) error {
		return ws.Quorum.Cancel(r.Context(), id)
	})
}

func (c *AdminController) lifecycle(
	w http.ResponseWriter,
	r *http.Request,
	op func(ws *services.Workspace, sess *services.Session, id string) error,
) {
	sess, ok := ensureAuthz(w, r, c.checker, permissions.ObjectRequests, permissions.ActionManage)
	if !ok {
		return
	}
	workspace := c.manager.For(sess)
	err := op(workspace, sess, mux.Vars(r)["id"])
	switch {
	case errors.Is(err, changerequest.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "IAM_REQUEST_NOT_FOUND", "change request is not tracked")
	case errors.Is(err, changerequest.ErrInvalidTransition):
		writeAPIError(w, http.StatusConflict, "IAM_INVALID_STATE", "operation not allowed in the request's current state")
	case err != nil:
		c.writeIdentityError(w, r, "lifecycle call", err)
	default:
		c.writeRequests(w, workspace)
	}
}

type requestsResponse struct {
	Requests []*changerequest.ChangeRequest `json:"requests"`
	ActiveID string                         `json:"active_id,omitempty"`
}

func (c *AdminController) writeRequests(w http.ResponseWriter, workspace *services.Workspace) {
	payload := requestsResponse{Requests: workspace.Tracker.Snapshot()}
	workspace.Tracker.View(func(l *changerequest.List) {
		if active := l.Active(); active != nil {
			payload.ActiveID = active.ID
		}
	})
	writeJSON(w, http.StatusOK, payload)
}

func (c *AdminController) writeIdentityError(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger := composables.UseLogger(r.Context()).WithError(err)
	if errors.Is(err, identity.ErrAuthExpired) {
		logger.Warn("identity token expired")
		writeAPIError(w, http.StatusUnauthorized, "IAM_SESSION_EXPIRED", "identity token expired, login again")
		return
	}
	if callErr, ok := identity.IsCallError(err); ok {
		logger.WithField("status", callErr.StatusCode).Error("identity server call failed")
		writeAPIError(w, http.StatusBadGateway, "IAM_IDENTITY_ERROR", "identity server rejected the "+op)
		return
	}
	logger.Error("identity server unreachable")
	writeAPIError(w, http.StatusBadGateway, "IAM_IDENTITY_ERROR", "identity server call failed")
}
