package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metexplorer.io/met/internal/domain"
	apperrors "metexplorer.io/met/internal/pkg/errors"
)

func seedFederation(t *testing.T, s Store, name string) *domain.Federation {
	t.Helper()
	f := &domain.Federation{Name: name, Source: "https://md.example.org/" + domain.Slugify(name) + ".xml"}
	require.NoError(t, s.UpsertFederation(context.Background(), f))
	return f
}

func TestMemStore_UpsertFederation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	f := seedFederation(t, s, "SWAMID Test")
	assert.Equal(t, "swamid-test", f.Slug)
	assert.NotZero(t, f.ID)

	f.URL = "https://swamid.se"
	f.RawMetadata = []byte("ignored on upsert")
	require.NoError(t, s.UpsertFederation(ctx, f))

	got, err := s.GetFederationBySlug(ctx, "swamid-test")
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, "https://swamid.se", got.URL)
	assert.Empty(t, got.RawMetadata)

	_, err = s.GetFederationBySlug(ctx, "nope")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeFederationNotFound))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemStore_FindOrCreateEntityIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	e1, created, err := s.FindOrCreateEntity(ctx, "https://IdP.example.org/shibboleth")
	require.NoError(t, err)
	assert.True(t, created)

	e2, created, err := s.FindOrCreateEntity(ctx, "https://idp.example.org/SHIBBOLETH")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e1.ID, e2.ID)
	assert.Equal(t, "https://IdP.example.org/shibboleth", e2.Identifier)
}

func TestMemStore_InTxRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	f := seedFederation(t, s, "Rollback")

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx Store) error {
		e, _, err := tx.FindOrCreateEntity(ctx, "https://sp.example.org")
		require.NoError(t, err)
		_, err = tx.UpsertMembership(ctx, f.ID, e.ID, nil)
		require.NoError(t, err)
		_, err = tx.EnsureCategory(ctx, "http://refeds.org/category/research-and-scholarship")
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetEntity(ctx, "https://sp.example.org")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	refs, err := s.ListMemberRefs(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, refs)

	cats, err := s.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 1, "vocabulary writes survive rollback")
}

func TestMemStore_RollbackRestoresWholeState(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.InTx(ctx, func(Store) error {
		seedFederation(t, s, "Outside")
		return errors.New("boom")
	})
	require.Error(t, err)

	_, err = s.GetFederationBySlug(ctx, "outside")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemStore_NestedTxRollsBackOnlyInnerLevel(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.InTx(ctx, func(tx Store) error {
		_, _, err := tx.FindOrCreateEntity(ctx, "https://kept.example.org")
		require.NoError(t, err)

		inner := tx.InTx(ctx, func(sp Store) error {
			_, _, err := sp.FindOrCreateEntity(ctx, "https://dropped.example.org")
			require.NoError(t, err)
			return errors.New("skip")
		})
		assert.Error(t, inner)
		return nil
	})
	require.NoError(t, err)

	_, err = s.GetEntity(ctx, "https://kept.example.org")
	assert.NoError(t, err)
	_, err = s.GetEntity(ctx, "https://dropped.example.org")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemStore_InTxRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	assert.Panics(t, func() {
		_ = s.InTx(ctx, func(tx Store) error {
			_, _, _ = tx.FindOrCreateEntity(ctx, "https://panic.example.org")
			panic("boom")
		})
	})
	_, err := s.GetEntity(ctx, "https://panic.example.org")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// txMu must have been released.
	require.NoError(t, s.InTx(ctx, func(Store) error { return nil }))
}

func TestMemStore_MembershipCategoriesReplace(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	f := seedFederation(t, s, "Categories")
	e, _, err := s.FindOrCreateEntity(ctx, "https://idp.example.org")
	require.NoError(t, err)

	rs, err := s.EnsureCategory(ctx, "http://refeds.org/category/research-and-scholarship")
	require.NoError(t, err)
	coco, err := s.EnsureCategory(ctx, "http://www.geant.net/uri/dataprotection-code-of-conduct/v1")
	require.NoError(t, err)

	reg := time.Date(2015, 3, 4, 10, 11, 12, 0, time.UTC)
	mid, err := s.UpsertMembership(ctx, f.ID, e.ID, &reg)
	require.NoError(t, err)
	require.NoError(t, s.ReplaceMembershipCategories(ctx, mid, []int64{rs.ID, coco.ID}))
	require.NoError(t, s.ReplaceMembershipCategories(ctx, mid, []int64{coco.ID}))

	ids, err := s.MembershipCategoryIDs(ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, []int64{coco.ID}, ids)

	again, err := s.UpsertMembership(ctx, f.ID, e.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, mid, again)

	feds, err := s.EntityFederations(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, feds, 1)
	assert.Nil(t, feds[0].RegistrationInstant)

	n, err := s.DeleteOrphanCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemStore_CountMembers(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	f := seedFederation(t, s, "Counts")
	idp, err := s.EnsureEntityType(ctx, domain.DescriptorIDP, "IDP")
	require.NoError(t, err)
	sp, err := s.EnsureEntityType(ctx, domain.DescriptorSP, "SP")
	require.NoError(t, err)

	add := func(id string, typeID int64, protocols string, reg *time.Time) {
		e, _, err := s.FindOrCreateEntity(ctx, id)
		require.NoError(t, err)
		e.DisplayProtocols = protocols
		require.NoError(t, s.UpdateEntity(ctx, e))
		require.NoError(t, s.AddEntityTypes(ctx, e.ID, []int64{typeID}))
		_, err = s.UpsertMembership(ctx, f.ID, e.ID, reg)
		require.NoError(t, err)
	}
	old := time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC)
	add("https://idp1.example.org", idp.ID, domain.ProtocolSAML20, &old)
	add("https://idp2.example.org", idp.ID, domain.ProtocolSAML11+" "+domain.ProtocolSAML20, nil)
	add("https://sp1.example.org", sp.ID, domain.ProtocolSAML20, &old)

	tests := []struct {
		name string
		q    domain.CountQuery
		want int64
	}{
		{"all", domain.CountQuery{FederationID: f.ID}, 3},
		{"idp", domain.CountQuery{FederationID: f.ID, Descriptor: domain.DescriptorIDP}, 2},
		{"idp saml1", domain.CountQuery{FederationID: f.ID, Descriptor: domain.DescriptorIDP, Protocol: domain.ProtocolSAML11}, 1},
		{"unknown type", domain.CountQuery{FederationID: f.ID, Descriptor: domain.DescriptorPDP}, 0},
		{"registered before 2013", domain.CountQuery{FederationID: f.ID, RegisteredBefore: ptr(time.Date(2013, 1, 1, 0, 0, 0, 0, time.UTC))}, 2},
		{"registered before same day", domain.CountQuery{FederationID: f.ID, RegisteredBefore: &old}, 0},
		{"other federation", domain.CountQuery{FederationID: f.ID + 100}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CountMembers(ctx, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemStore_ReplaceDayStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	f := seedFederation(t, s, "Stats")
	day := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.ReplaceDayStats(ctx, f.ID, day, []domain.EntityStat{
		{Feature: "sp", Value: 1}, {Feature: "idp", Value: 2},
	}))
	require.NoError(t, s.ReplaceDayStats(ctx, f.ID, day.Add(3*time.Hour), []domain.EntityStat{
		{Feature: "sp", Value: 5},
	}))

	stats, err := s.ListStats(ctx, domain.StatFilter{FederationID: f.ID})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(5), stats[0].Value)
	assert.True(t, stats[0].Time.Equal(day))

	err = s.ReplaceDayStats(ctx, f.ID, day, []domain.EntityStat{{Feature: "sp"}, {Feature: "sp"}})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
	stats, err = s.ListStats(ctx, domain.StatFilter{FederationID: f.ID})
	require.NoError(t, err)
	assert.Len(t, stats, 1, "failed replace rolls back")

	latest, err := s.LatestStatTime(ctx, f.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Equal(day))
}

func TestMemStore_TopEntitiesAndOrphans(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a := seedFederation(t, s, "Alpha")
	b := seedFederation(t, s, "Beta")
	idp, err := s.EnsureEntityType(ctx, domain.DescriptorIDP, "IDP")
	require.NoError(t, err)

	shared, _, err := s.FindOrCreateEntity(ctx, "https://shared.example.org")
	require.NoError(t, err)
	require.NoError(t, s.AddEntityTypes(ctx, shared.ID, []int64{idp.ID}))
	local, _, err := s.FindOrCreateEntity(ctx, "https://local.example.org")
	require.NoError(t, err)
	_, _, err = s.FindOrCreateEntity(ctx, "https://orphan.example.org")
	require.NoError(t, err)

	for _, fedID := range []int64{a.ID, b.ID} {
		_, err = s.UpsertMembership(ctx, fedID, shared.ID, nil)
		require.NoError(t, err)
	}
	_, err = s.UpsertMembership(ctx, a.ID, local.ID, nil)
	require.NoError(t, err)

	top, err := s.TopEntities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "https://shared.example.org", top[0].Identifier)
	assert.Equal(t, []string{"Alpha", "Beta"}, top[0].Federations)
	assert.Equal(t, []string{"IDP"}, top[0].Types)

	n, err := s.DeleteOrphanEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.GetEntity(ctx, "https://orphan.example.org")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemStore_Notifications(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	old := &domain.Notification{Subject: "old", Read: true, CreatedAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, s.InsertNotification(ctx, old))
	require.NoError(t, s.InsertNotification(ctx, &domain.Notification{Subject: "new"}))

	unread, err := s.ListNotifications(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "new", unread[0].Subject)

	require.NoError(t, s.MarkNotificationRead(ctx, unread[0].ID))
	unread, err = s.ListNotifications(ctx, true, 10)
	require.NoError(t, err)
	assert.Empty(t, unread)
	assert.ErrorIs(t, s.MarkNotificationRead(ctx, uuid.New()), apperrors.ErrNotFound)

	n, err := s.DeleteReadNotificationsBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func ptr[T any](v T) *T { return &v }
