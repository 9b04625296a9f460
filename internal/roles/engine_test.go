package roles

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealcoord/internal/domain"
	"dealcoord/internal/store/sqlite"
)

func TestResolvePrefersCaseAssignments(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "roles.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))

	engine, err := New(store, map[string][]string{"Partner": {"default-partner", "default-partner"}})
	require.NoError(t, err)

	ids, err := engine.Resolve(ctx, "deal-1", domain.RolePartner)
	require.NoError(t, err)
	assert.Equal(t, []string{"default-partner"}, ids)

	require.NoError(t, engine.Assign(ctx, "deal-1", domain.RolePartner, "pat"))
	ids, err = engine.Resolve(ctx, "deal-1", domain.RolePartner)
	require.NoError(t, err)
	assert.Equal(t, []string{"pat"}, ids)

	ids, err = engine.Resolve(ctx, "deal-1", domain.RoleExpert)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = engine.Resolve(ctx, "deal-1", domain.Role("ceo"))
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestNewRejectsUnknownDefaultRole(t *testing.T) {
	_, err := New(nil, map[string][]string{"janitor": {"x"}})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
