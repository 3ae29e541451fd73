package authz

import (
	"context"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/sirupsen/logrus"
)

// The demo enforces a flat RBAC model: a subject is a role claim carried by
// the session, objects are API surfaces, actions are verbs.
const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// Policy is one allow rule: role may perform action on object.
type Policy struct {
	Role   string
	Object string
	Action string
}

// Request is a single authorization question against the enforcer.
type Request struct {
	Roles  []string
	Object string
	Action string
}

type forbiddenError struct {
	req Request
}

func (e forbiddenError) Error() string {
	return fmt.Sprintf("authz: roles %v denied %s on %s", e.req.Roles, e.req.Action, e.req.Object)
}

// IsForbidden reports whether err is an authorization denial.
func IsForbidden(err error) bool {
	_, ok := err.(forbiddenError)
	return ok
}

// Service provides helpers for enforcing authorization decisions.
type Service struct {
	enforcer *casbin.SyncedEnforcer
	logger   *logrus.Entry
}

// NewService constructs a Service from the embedded model and the given
// policy rules.
func NewService(logger *logrus.Logger, policies []Policy) (*Service, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("authz: failed to parse model: %w", err)
	}
	enf, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: failed to initialize enforcer: %w", err)
	}
	for _, p := range policies {
		if _, err := enf.AddPolicy(p.Role, p.Object, p.Action); err != nil {
			return nil, fmt.Errorf("authz: failed to add policy %+v: %w", p, err)
		}
	}

	var entry *logrus.Entry
	if logger != nil {
		entry = logger.WithField("component", "authz")
	} else {
		entry = logrus.WithField("component", "authz")
	}
	return &Service{enforcer: enf, logger: entry}, nil
}

// Check reports whether any of the request's roles is allowed.
func (s *Service) Check(ctx context.Context, req Request) (bool, error) {
	for _, role := range req.Roles {
		res, err := s.enforcer.Enforce(role, req.Object, req.Action)
		if err != nil {
			return false, fmt.Errorf("authz: enforce failed: %w", err)
		}
		if res {
			return true, nil
		}
	}
	return false, nil
}

// Authorize returns an error if the request is denied.
func (s *Service) Authorize(ctx context.Context, req Request) error {
	allowed, err := s.Check(ctx, req)
	if err != nil {
		return err
	}
	if !allowed {
		s.logger.WithContext(ctx).WithFields(logrus.Fields{
			"roles":  req.Roles,
			"object": req.Object,
			"action": req.Action,
		}).Warn("authz denied request")
		return forbiddenError{req: req}
	}
	return nil
}
