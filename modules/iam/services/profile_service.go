package services

import (
	"errors"
	"fmt"
	"sync"

	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
	"github.com/iota-uz/iam-demo/modules/iam/infrastructure/identity"
)

// ErrFieldForbidden indicates the identity's claims do not allow the
// attempted field access.
var ErrFieldForbidden = errors.New("profile field access forbidden")

// SensitiveFields are the profile fields gated by permission claims.
var SensitiveFields = []string{"dob", "cc"}

// Profile holds the demo subject's stored record. Sensitive values are
// returned only when the viewing identity carries the read claim.
type Profile struct {
	SubjectID string
	Username  string
	Fields    map[string]string
}

// FieldView is one profile field as seen through the viewer's claims.
type FieldView struct {
	Name     string `json:"name"`
	Value    string `json:"value,omitempty"`
	Readable bool   `json:"readable"`
	Writable bool   `json:"writable"`
}

// ProfileService stores the demo profile records in memory and applies
// claim gating on every read and write.
type ProfileService struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewProfileService() *ProfileService {
	return &ProfileService{profiles: make(map[string]*Profile)}
}

func (s *ProfileService) profile(id *identity.Identity) *Profile {
	if p, ok := s.profiles[id.SubjectID]; ok {
		return p
	}
	p := &Profile{
		SubjectID: id.SubjectID,
		Username:  id.Username,
		Fields: map[string]string{
			"dob": "1990-04-12",
			"cc":  "4111 1111 1111 1111",
		},
	}
	s.profiles[id.SubjectID] = p
	return p
}

// View returns the profile the identity is allowed to see. Fields without
// the read claim stay listed but masked, so the UI can render a locked
// placeholder.
func (s *ProfileService) View(id *identity.Identity, grants permission.Set) []FieldView {
	s.mu.Lock()
	p := s.profile(id)
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FieldView, 0, len(SensitiveFields))
	for _, field := range SensitiveFields {
		access := grants.Get(field)
		view := FieldView{
			Name:     field,
			Readable: access.Read,
			Writable: access.Write,
		}
		if access.Read {
			view.Value = p.Fields[field]
		}
		out = append(out, view)
	}
	return out
}

// Update writes the given fields if and only if every one of them carries
// the write claim. Partial updates are rejected outright.
func (s *ProfileService) Update(id *identity.Identity, grants permission.Set, changes map[string]string) error {
	for field := range changes {
		if !grants.Get(field).Write {
			return fmt.Errorf("%w: %s", ErrFieldForbidden, field)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profile(id)
	for field, value := range changes {
		p.Fields[field] = value
	}
	return nil
}
