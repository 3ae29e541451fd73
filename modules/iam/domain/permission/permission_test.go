package permission_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iota-uz/iam-demo/modules/iam/domain/permission"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	current := permission.Set{
		"dob": {Read: true, Write: false},
		"cc":  {Read: false, Write: true},
	}
	require.Empty(t, permission.Diff(current.Clone(), current))
	require.True(t, current.Equal(current.Clone()))
}

func TestDiff_SingleGrant(t *testing.T) {
	t.Parallel()
	current := permission.Set{
		"dob": {Read: false, Write: false},
		"cc":  {Read: false, Write: true},
	}
	desired := permission.Set{
		"dob": {Read: true, Write: false},
		"cc":  {Read: false, Write: true},
	}

	deltas := permission.Diff(desired, current)
	require.Len(t, deltas, 1)
	require.Equal(t, "dob", deltas[0].Field)
	require.Equal(t, permission.ModeRead, deltas[0].Mode)
	require.True(t, deltas[0].Grant)
	require.Equal(t, "dob.read", deltas[0].Ref())
}

func TestDiff_MixedDirectionsOrdered(t *testing.T) {
	t.Parallel()
	current := permission.Set{
		"cc":  {Read: true, Write: true},
		"dob": {Read: false, Write: false},
	}
	desired := permission.Set{
		"cc":  {Read: false, Write: true},
		"dob": {Read: true, Write: true},
	}

	deltas := permission.Diff(desired, current)
	require.Len(t, deltas, 3)
	// Sorted by field then mode.
	require.Equal(t, "cc.read", deltas[0].Ref())
	require.False(t, deltas[0].Grant)
	require.Equal(t, "dob.read", deltas[1].Ref())
	require.True(t, deltas[1].Grant)
	require.Equal(t, "dob.write", deltas[2].Ref())
	require.True(t, deltas[2].Grant)
}

func TestDiff_AbsentFieldsAreUngranted(t *testing.T) {
	t.Parallel()
	deltas := permission.Diff(permission.Set{"dob": {Read: true}}, permission.Set{})
	require.Len(t, deltas, 1)
	require.Equal(t, "dob.read", deltas[0].Ref())

	deltas = permission.Diff(permission.Set{}, permission.Set{"dob": {Read: true}})
	require.Len(t, deltas, 1)
	require.False(t, deltas[0].Grant)
}
