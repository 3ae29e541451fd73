package permission

import "sort"

// Access is the read/write capability pair for a single sensitive field.
type Access struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// Set maps sensitive field names (e.g. "dob", "cc") to their access pair.
type Set map[string]Access

// Mode is one side of an access pair.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Delta is a single (field, mode) difference between a desired and a
// current permission set.
type Delta struct {
	Field string
	Mode  Mode
	// Grant is true when the delta requires an assign call, false for
	// unassign.
	Grant bool
}

// Ref is the permission reference understood by the identity server, e.g.
// "dob.read".
func (d Delta) Ref() string {
	return d.Field + "." + string(d.Mode)
}

// Get returns the access pair for field; absent fields grant nothing.
func (s Set) Get(field string) Access {
	return s[field]
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets grant exactly the same access. Fields
// absent from one set compare equal to an all-false access pair in the
// other.
func (s Set) Equal(other Set) bool {
	return len(Diff(s, other)) == 0
}

// Diff computes the deltas required to move current to desired, ordered by
// field then mode for deterministic call sequences. Fields present in only
// one set are treated as {read:false, write:false} in the other.
func Diff(desired, current Set) []Delta {
	fields := make(map[string]struct{}, len(desired)+len(current))
	for f := range desired {
		fields[f] = struct{}{}
	}
	for f := range current {
		fields[f] = struct{}{}
	}

	ordered := make([]string, 0, len(fields))
	for f := range fields {
		ordered = append(ordered, f)
	}
	sort.Strings(ordered)

	var deltas []Delta
	for _, f := range ordered {
		want, have := desired.Get(f), current.Get(f)
		if want.Read != have.Read {
			deltas = append(deltas, Delta{Field: f, Mode: ModeRead, Grant: want.Read})
		}
		if want.Write != have.Write {
			deltas = append(deltas, Delta{Field: f, Mode: ModeWrite, Grant: want.Write})
		}
	}
	return deltas
}
