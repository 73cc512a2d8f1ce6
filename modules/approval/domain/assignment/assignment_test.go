package assignment

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTargetType(t *testing.T) {
	require.True(t, TargetOrganisation.Valid())
	require.True(t, TargetPosition.Valid())
	require.True(t, TargetAudience.Valid())
	require.False(t, TargetType("team").Valid())

	require.True(t, TargetOrganisation.Hierarchical())
	require.True(t, TargetPosition.Hierarchical())
	require.False(t, TargetAudience.Hierarchical())
}

func TestNewStartsInDraft(t *testing.T) {
	a := New(uuid.New(), uuid.New(), TargetOrganisation, uuid.New(), false, "  APPR-0001  ")
	require.Equal(t, StatusDraft, a.Status())
	require.Equal(t, "APPR-0001", a.IDNumber())
	require.True(t, a.IsZero())
}

func TestLifecycleTransitions(t *testing.T) {
	a := Hydrate(uuid.New(), uuid.New(), uuid.New(), TargetPosition, uuid.New(),
		StatusDraft, false, "APPR-0002", time.Now(), time.Now())

	require.True(t, a.CanActivate())
	require.True(t, a.CanDelete())
	require.True(t, a.CanArchive())

	active := a.WithStatus(StatusActive)
	require.False(t, active.CanActivate())
	require.False(t, active.CanDelete())
	require.True(t, active.CanArchive())

	archived := active.WithStatus(StatusArchived)
	require.False(t, archived.CanArchive())
	require.False(t, archived.CanActivate())
	require.False(t, archived.CanDelete())

	// WithStatus copies; the original is untouched.
	require.Equal(t, StatusDraft, a.Status())
}
