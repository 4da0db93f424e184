//go:build integration

package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metexplorer.io/met/internal/testutil"
)

func TestPGStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewPGStore(testutil.OpenPGXPool(t, "repo"))
	})
}

func TestPGStore_EnsureOutsideTransaction(t *testing.T) {
	ctx := context.Background()
	s := NewPGStore(testutil.OpenPGXPool(t, "repo_vocab"))

	err := s.InTx(ctx, func(tx Store) error {
		_, err := tx.EnsureCategory(ctx, "http://refeds.org/category/research-and-scholarship")
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	cats, err := s.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 1)
}

func TestPGStore_TopEntities(t *testing.T) {
	ctx := context.Background()
	s := NewPGStore(testutil.OpenPGXPool(t, "repo_top"))
	a := seedFederation(t, s, "Alpha")
	b := seedFederation(t, s, "Beta")

	shared, _, err := s.FindOrCreateEntity(ctx, "https://shared.example.org")
	require.NoError(t, err)
	local, _, err := s.FindOrCreateEntity(ctx, "https://local.example.org")
	require.NoError(t, err)
	for _, fedID := range []int64{a.ID, b.ID} {
		_, err = s.UpsertMembership(ctx, fedID, shared.ID, nil)
		require.NoError(t, err)
	}
	_, err = s.UpsertMembership(ctx, a.ID, local.ID, nil)
	require.NoError(t, err)

	top, err := s.TopEntities(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "https://shared.example.org", top[0].Identifier)
	assert.Equal(t, []string{"Alpha", "Beta"}, top[0].Federations)
}
