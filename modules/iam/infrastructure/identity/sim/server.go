// Package sim is an in-process stand-in for the external identity server.
// It owns the authoritative copy of subjects, grants, and change requests,
// issues HS256-signed access tokens, and enforces the same lifecycle rules
// the real server would.
package sim

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iam-demo/modules/iam/domain/changerequest"
	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
	"github.com/iota-uz/iam-demo/pkg/httpapi"
)

const defaultTokenTTL = 5 * time.Minute

// Subject is a seeded account in the simulated realm.
type Subject struct {
	ID       string
	Username string
	Password string
	Roles    []string
	Grants   permission.Set
}

// Options configure a simulated realm.
type Options struct {
	Realm      string
	SigningKey []byte
	Threshold  int
	TokenTTL   time.Duration
	Logger     *logrus.Logger
	// Subjects overrides the default demo accounts when non-empty.
	Subjects []Subject
}

// Server holds the realm state. All handlers are safe for concurrent use.
type Server struct {
	realm      string
	signingKey []byte
	threshold  int
	tokenTTL   time.Duration
	logger     *logrus.Logger

	mu       sync.Mutex
	subjects map[string]*Subject // by username
	byID     map[string]*Subject
	requests map[string]*changerequest.ChangeRequest
	refresh  map[string]string // refresh token -> username
}

// DefaultSubjects returns the demo accounts the realm seeds when Options
// provides none. Every account authenticates with the password "demo".
func DefaultSubjects() []Subject {
	names := []string{"alice", "bob", "carol", "dave", "erin"}
	out := make([]Subject, 0, len(names))
	for _, name := range names {
		roles := []string{"user"}
		if name == "alice" {
			roles = []string{"admin", "user"}
		}
		out = append(out, Subject{
			ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(),
			Username: name,
			Password: "demo",
			Roles:    roles,
			Grants:   permission.Set{"cc": {Read: true}},
		})
	}
	return out
}

// New builds a simulated realm with the given options.
func New(opts Options) *Server {
	if opts.Realm == "" {
		opts.Realm = "demo"
	}
	if len(opts.SigningKey) == 0 {
		opts.SigningKey = []byte(uuid.NewString())
	}
	if opts.Threshold < 1 {
		opts.Threshold = 3
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	seeds := opts.Subjects
	if len(seeds) == 0 {
		seeds = DefaultSubjects()
	}
	s := &Server{
		realm:      opts.Realm,
		signingKey: opts.SigningKey,
		threshold:  opts.Threshold,
		tokenTTL:   opts.TokenTTL,
		logger:     opts.Logger,
		subjects:   make(map[string]*Subject, len(seeds)),
		byID:       make(map[string]*Subject, len(seeds)),
		requests:   make(map[string]*changerequest.ChangeRequest),
		refresh:    make(map[string]string),
	}
	for i := range seeds {
		sub := seeds[i]
		if sub.Grants == nil {
			sub.Grants = permission.Set{}
		}
		s.subjects[sub.Username] = &sub
		s.byID[sub.ID] = &sub
	}
	return s
}

// Router mounts the realm API.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	realm := r.PathPrefix("/realms/" + s.realm).Subrouter()
	realm.HandleFunc("/protocol/token", s.token).Methods(http.MethodPost)

	authed := realm.NewRoute().Subrouter()
	authed.Use(s.requireToken)
	authed.HandleFunc("/subjects/{id}/claims", s.claims).Methods(http.MethodGet)
	authed.HandleFunc("/subjects/{id}/change-requests", s.listRequests).Methods(http.MethodGet)
	authed.HandleFunc("/subjects/{id}/permissions:assign", s.stageChange(changerequest.DirectionAssign)).Methods(http.MethodPost)
	authed.HandleFunc("/subjects/{id}/permissions:unassign", s.stageChange(changerequest.DirectionUnassign)).Methods(http.MethodPost)
	authed.HandleFunc("/change-requests/{id:[^:]+}:sign", s.sign).Methods(http.MethodPost)
	authed.HandleFunc("/change-requests/{id:[^:]+}:decision", s.decide).Methods(http.MethodPost)
	authed.HandleFunc("/change-requests/{id:[^:]+}:commit", s.commit).Methods(http.MethodPost)
	authed.HandleFunc("/change-requests/{id:[^:]+}:cancel", s.cancel).Methods(http.MethodPost)
	return r
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string                       `json:"preferred_username"`
	Roles             []string                     `json:"roles"`
	Grants            map[string]permission.Access `json:"grants"`
}

func (s *Server) issueToken(w http.ResponseWriter, sub *Subject) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "sim/" + s.realm,
			Subject:   sub.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
		PreferredUsername: sub.Username,
		Roles:             sub.Roles,
		Grants:            sub.Grants.Clone(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, "server_error", "token signing failed", nil)
		return
	}
	refreshToken := uuid.NewString()
	s.refresh[refreshToken] = sub.Username

	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int(s.tokenTTL.Seconds()),
		"refresh_token": refreshToken,
	})
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed form body", nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.PostFormValue("grant_type") {
	case "password":
		sub, ok := s.subjects[r.PostFormValue("username")]
		if !ok || sub.Password != r.PostFormValue("password") {
			httpapi.WriteError(w, http.StatusUnauthorized, "invalid_grant", "invalid credentials", nil)
			return
		}
		s.issueToken(w, sub)
	case "refresh_token":
		username, ok := s.refresh[r.PostFormValue("refresh_token")]
		if !ok {
			httpapi.WriteError(w, http.StatusUnauthorized, "invalid_grant", "unknown refresh token", nil)
			return
		}
		delete(s.refresh, r.PostFormValue("refresh_token"))
		s.issueToken(w, s.subjects[username])
	default:
		httpapi.WriteError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type", nil)
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			httpapi.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
			return
		}
		claims := &tokenClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return s.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			httpapi.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) claims(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byID[mux.Vars(r)["id"]]
	if !ok {
		httpapi.WriteError(w, http.StatusNotFound, "not_found", "unknown subject", nil)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"grants": sub.Grants.Clone(),
		"roles":  sub.Roles,
	})
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subjectID := mux.Vars(r)["id"]
	if _, ok := s.byID[subjectID]; !ok {
		httpapi.WriteError(w, http.StatusNotFound, "not_found", "unknown subject", nil)
		return
	}
	out := make([]*changerequest.ChangeRequest, 0)
	for _, cr := range s.requests {
		if cr.SubjectID == subjectID {
			clone := *cr
			clone.Approvals = append([]string(nil), cr.Approvals...)
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (s *Server) stageChange(direction changerequest.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref string `json:"ref"`
		}
		if err := httpapi.DecodeJSON(r, &body); err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
			return
		}
		field, mode, ok := splitRef(body.Ref)
		if !ok {
			httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", "ref must be field.read or field.write", nil)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		subjectID := mux.Vars(r)["id"]
		if _, present := s.byID[subjectID]; !present {
			httpapi.WriteError(w, http.StatusNotFound, "not_found", "unknown subject", nil)
			return
		}
		cr := &changerequest.ChangeRequest{
			ID:          uuid.NewString(),
			ActionType:  string(direction) + "-permission",
			Direction:   direction,
			SubjectType: changerequest.SubjectUser,
			SubjectID:   subjectID,
			Field:       field,
			Access:      permission.Access{Read: mode == permission.ModeRead, Write: mode == permission.ModeWrite},
			Status:      changerequest.StatusDraft,
			Approvals:   []string{},
			Threshold:   s.threshold,
			CreatedAt:   time.Now(),
		}
		s.requests[cr.ID] = cr
		httpapi.WriteJSON(w, http.StatusCreated, cr)
	}
}

func (s *Server) sign(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cr, ok := s.requests[mux.Vars(r)["id"]]
	if !ok {
		httpapi.WriteError(w, http.StatusNotFound, "not_found", "unknown change request", nil)
		return
	}
	if cr.Status != changerequest.StatusDraft {
		httpapi.WriteError(w, http.StatusConflict, "invalid_state", "request is not signable", nil)
		return
	}
	cr.Status = changerequest.StatusPendingReview
	httpapi.WriteJSON(w, http.StatusOK, cr)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor   string `json:"actor"`
		Approve bool   `json:"approve"`
	}
	if err := httpapi.DecodeJSON(r, &body); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	if body.Actor == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", "actor is required", nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cr, ok := s.requests[mux.Vars(r)["id"]]
	if !ok {
		httpapi.WriteError(w, http.StatusNotFound, "not_found", "unknown change request", nil)
		return
	}
	if cr.Status.Terminal() || cr.Status == changerequest.StatusApproved {
		httpapi.WriteError(w, http.StatusConflict, "invalid_state", "request no longer accepts decisions", nil)
		return
	}
	if !body.Approve {
		cr.Status = changerequest.StatusDenied
		httpapi.WriteJSON(w, http.StatusOK, cr)
		return
	}
	if cr.Status == changerequest.StatusPendingReview {
		cr.Status = changerequest.StatusPendingQuorum
	}
	cr.RecordApproval(body.Actor)
	if cr.Status == changerequest.StatusPendingQuorum && cr.QuorumReached() {
		cr.Status = changerequest.StatusApproved
	}
	httpapi.WriteJSON(w, http.StatusOK, cr)
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cr, ok := s.requests[mux.Vars(r)["id"]]
	if !ok {
		httpapi.WriteError(w, http.StatusNotFound, "not_found", "unknown change request", nil)
		return
	}
	if cr.Status != changerequest.StatusApproved {
		httpapi.WriteError(w, http.StatusConflict, "invalid_state", "request is not approved", nil)
		return
	}
	sub, ok := s.byID[cr.SubjectID]
	if !ok {
		httpapi.WriteError(w, http.StatusConflict, "invalid_state", "subject no longer exists", nil)
		return
	}
	access := sub.Grants.Get(cr.Field)
	grant := cr.Direction == changerequest.DirectionAssign
	if cr.Access.Read {
		access.Read = grant
	}
	if cr.Access.Write {
		access.Write = grant
	}
	sub.Grants[cr.Field] = access
	cr.Status = changerequest.StatusCommitted
	s.logger.WithFields(logrus.Fields{
		"request": cr.ID,
		"subject": sub.Username,
		"ref":     cr.Ref(),
	}).Info("committed change request")
	httpapi.WriteJSON(w, http.StatusOK, cr)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cr, ok := s.requests[mux.Vars(r)["id"]]
	if !ok {
		httpapi.WriteError(w, http.StatusNotFound, "not_found", "unknown change request", nil)
		return
	}
	if cr.Status.Terminal() {
		httpapi.WriteError(w, http.StatusConflict, "invalid_state", "request already settled", nil)
		return
	}
	cr.Status = changerequest.StatusCancelled
	httpapi.WriteJSON(w, http.StatusOK, cr)
}

func splitRef(ref string) (string, permission.Mode, bool) {
	idx := strings.LastIndex(ref, ".")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	field, mode := ref[:idx], permission.Mode(ref[idx+1:])
	if mode != permission.ModeRead && mode != permission.ModeWrite {
		return "", "", false
	}
	return field, mode, true
}
