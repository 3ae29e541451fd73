package controllers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/iota-uz/iam-demo/modules/iam/permissions"
	"github.com/iota-uz/iam-demo/modules/iam/services"
	"github.com/iota-uz/iam-demo/pkg/application"
	"github.com/iota-uz/iam-demo/pkg/authz"
	"github.com/iota-uz/iam-demo/pkg/configuration"
	"github.com/iota-uz/iam-demo/pkg/httpapi"
)

// ProfileController serves the logged-in subject's profile with field
// visibility driven entirely by the token's permission claims.
type ProfileController struct {
	app      application.Application
	basePath string
	auth     *services.AuthService
	profiles *services.ProfileService
	checker  *authz.Service
	validate *validator.Validate
	cfg      *configuration.Configuration
}

func NewProfileController(app application.Application) application.Controller {
	return &ProfileController{
		app:      app,
		basePath: "/iam/api/profile",
		auth:     app.Service(services.AuthService{}).(*services.AuthService),
		profiles: app.Service(services.ProfileService{}).(*services.ProfileService),
		checker:  app.Service(authz.Service{}).(*authz.Service),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      configuration.Use(),
	}
}

func (c *ProfileController) Key() string {
	return c.basePath
}

func (c *ProfileController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.Use(requireSession(c.auth, c.cfg.SidCookieKey))
	router.HandleFunc("", c.view).Methods(http.MethodGet)
	router.HandleFunc("", c.update).Methods(http.MethodPut)
}

type profileResponse struct {
	Username string               `json:"username"`
	Subject  string               `json:"subject"`
	Fields   []services.FieldView `json:"fields"`
}

func (c *ProfileController) view(w http.ResponseWriter, r *http.Request) {
	sess, ok := ensureAuthz(w, r, c.checker, permissions.ObjectProfile, permissions.ActionRead)
	if !ok {
		return
	}
	id := sess.Identity()
	writeJSON(w, http.StatusOK, profileResponse{
		Username: id.Username,
		Subject:  id.SubjectID,
		Fields:   c.profiles.View(id, id.Grants),
	})
}

type profileUpdateRequest struct {
	Fields map[string]string `json:"fields" validate:"required,min=1,dive,keys,oneof=dob cc,endkeys,max=256"`
}

func (c *ProfileController) update(w http.ResponseWriter, r *http.Request) {
	sess, ok := ensureAuthz(w, r, c.checker, permissions.ObjectProfile, permissions.ActionWrite)
	if !ok {
		return
	}
	var req profileUpdateRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "IAM_INVALID_BODY", err.Error())
		return
	}
	if err := c.validate.Struct(req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "IAM_INVALID_BODY", "fields must name known profile fields")
		return
	}

	id := sess.Identity()
	err := c.profiles.Update(id, id.Grants, req.Fields)
	if errors.Is(err, services.ErrFieldForbidden) {
		writeAPIError(w, http.StatusForbidden, "IAM_CLAIM_MISSING", err.Error())
		return
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "IAM_PROFILE_ERROR", "profile update failed")
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Username: id.Username,
		Subject:  id.SubjectID,
		Fields:   c.profiles.View(id, id.Grants),
	})
}
