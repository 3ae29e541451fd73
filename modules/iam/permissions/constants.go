// Package permissions declares the authorization objects and actions the
// iam module enforces, plus the default role policies.
package permissions

import "github.com/iota-uz/iam-demo/pkg/authz"

const (
	ObjectProfile     = "iam.profile"
	ObjectRequests    = "iam.requests"
	ObjectPermissions = "iam.permissions"

	ActionRead   = "read"
	ActionWrite  = "write"
	ActionManage = "manage"

	RoleAdmin = "admin"
	RoleUser  = "user"
)

// DefaultPolicies grants admins full control over permissions and change
// requests; ordinary users only touch their own profile.
func DefaultPolicies() []authz.Policy {
	return []authz.Policy{
		{Role: RoleAdmin, Object: ObjectPermissions, Action: ActionManage},
		{Role: RoleAdmin, Object: ObjectRequests, Action: ActionManage},
		{Role: RoleAdmin, Object: ObjectProfile, Action: ActionRead},
		{Role: RoleUser, Object: ObjectProfile, Action: ActionRead},
		{Role: RoleUser, Object: ObjectProfile, Action: ActionWrite},
	}
}
