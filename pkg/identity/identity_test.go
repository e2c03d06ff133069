package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSourceResolvesRoles(t *testing.T) {
	src := NewStaticSource()
	src.SetActor("u-1001", "viewer", "editor")

	roles, err := src.ResolveRoles(context.Background(), "u-1001")
	require.NoError(t, err)
	assert.Equal(t, []string{"viewer", "editor"}, roles)
}

func TestStaticSourceUnknownActor(t *testing.T) {
	src := NewStaticSource()

	_, err := src.ResolveRoles(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, IsUnresolved(err), "expected a resolution error, got %v", err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestStaticSourceRemoveActor(t *testing.T) {
	src := NewStaticSource()
	src.SetActor("u-1001", "viewer")
	src.RemoveActor("u-1001")

	_, err := src.ResolveRoles(context.Background(), "u-1001")
	assert.True(t, IsUnresolved(err))
}

func TestStaticSourcePermissions(t *testing.T) {
	src := NewStaticSource()
	src.SetRole("viewer",
		Permission{Action: "read", Resource: "docs/**", Effect: EffectAllow},
		Permission{Action: "read", Resource: "docs/secrets/**", Effect: EffectDeny},
	)

	perms, err := src.GetPermissions(context.Background(), "viewer")
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.Equal(t, EffectDeny, perms[1].Effect)

	// Unknown roles grant nothing and are not an error.
	perms, err = src.GetPermissions(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestStaticSourceReturnsCopies(t *testing.T) {
	src := NewStaticSource()
	src.SetActor("u-1001", "viewer")

	roles, err := src.ResolveRoles(context.Background(), "u-1001")
	require.NoError(t, err)
	roles[0] = "admin"

	again, err := src.ResolveRoles(context.Background(), "u-1001")
	require.NoError(t, err)
	assert.Equal(t, []string{"viewer"}, again, "caller mutation must not leak into the source")
}
