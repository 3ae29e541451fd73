package identity

import (
	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
)

// Identity is the authenticated party as described by its access token.
type Identity struct {
	SubjectID string
	Username  string
	Roles     []string
	Grants    permission.Set
	Token     *oauth2.Token
}

// accessClaims is the claim set the identity server embeds in access
// tokens.
type accessClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string                       `json:"preferred_username"`
	Roles             []string                     `json:"roles"`
	Grants            map[string]permission.Access `json:"grants"`
}

// parseIdentity extracts the identity from a raw access token. The token
// signature is not verified locally: claims are display and gating hints
// only, the identity server enforces access on every call.
func parseIdentity(token *oauth2.Token) (*Identity, error) {
	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.AccessToken, claims); err != nil {
		return nil, errors.Wrap(err, "parse access token")
	}
	if claims.Subject == "" {
		return nil, errors.Wrap(ErrUnexpectedShape, "access token has no subject")
	}
	grants := make(permission.Set, len(claims.Grants))
	for field, access := range claims.Grants {
		grants[field] = access
	}
	return &Identity{
		SubjectID: claims.Subject,
		Username:  claims.PreferredUsername,
		Roles:     claims.Roles,
		Grants:    grants,
		Token:     token,
	}, nil
}
