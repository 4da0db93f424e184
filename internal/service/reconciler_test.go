package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metexplorer.io/met/internal/domain"
	apperrors "metexplorer.io/met/internal/pkg/errors"
	"metexplorer.io/met/internal/repository"
)

func TestReconcile_CreatesEntitiesAndMemberships(t *testing.T) {
	ctx := context.Background()
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")
	vocab := NewVocabulary(s)

	res := reconcile(t, s, vocab, fed, federationDoc("_v1", exampleIdP, exampleSP))

	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Updated)
	assert.Zero(t, res.Removed)
	assert.Empty(t, res.Skipped)

	idp, err := s.GetEntity(ctx, exampleIdP.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"en": "Example IdP"}, idp.Name)
	assert.Equal(t, fedRA, idp.RegistrationAuthority)
	assert.Equal(t, domain.ProtocolSAML20+" "+domain.ProtocolShib10, idp.DisplayProtocols)
	assert.Equal(t, []string{domain.DescriptorAA, domain.DescriptorIDP}, typeNames(t, s, exampleIdP.ID))

	m, ok := membershipOf(t, s, fed.ID, exampleIdP.ID)
	require.True(t, ok)
	require.NotNil(t, m.RegistrationInstant)
	assert.Equal(t, time.Date(2015, 6, 15, 0, 0, 0, 0, time.UTC), *m.RegistrationInstant)
	assert.Equal(t, []string{catRS}, categoryURIs(t, s, m.MembershipID))

	sp, ok := membershipOf(t, s, fed.ID, exampleSP.ID)
	require.True(t, ok)
	assert.Empty(t, categoryURIs(t, s, sp.MembershipID))
}

func TestReconcile_RefreshedFederation(t *testing.T) {
	ctx := context.Background()
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")
	vocab := NewVocabulary(s)

	reconcile(t, s, vocab, fed, federationDoc("_v1", exampleSP, exampleIdP))

	renamed := exampleIdP
	renamed.ID = "https://IDP.EXAMPLE.ORG/idp"
	renamed.Name = "Renamed IdP"
	renamed.Roles = []string{domain.DescriptorIDP}
	newcomer := testEntity{ID: "https://new.example.org/sp", Roles: []string{domain.DescriptorSP}}

	res := reconcile(t, s, vocab, fed, federationDoc("_v2", renamed, newcomer))

	assert.Equal(t, int64(1), res.Removed)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 1, res.Created)
	assert.Empty(t, res.Skipped)

	// The dropped entity keeps its row, only the membership is gone.
	_, err := s.GetEntity(ctx, exampleSP.ID)
	require.NoError(t, err)
	_, ok := membershipOf(t, s, fed.ID, exampleSP.ID)
	assert.False(t, ok)

	idp, err := s.GetEntity(ctx, exampleIdP.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"en": "Renamed IdP"}, idp.Name)
	assert.Equal(t, []string{domain.DescriptorAA, domain.DescriptorIDP}, typeNames(t, s, exampleIdP.ID))

	refs, err := s.ListMemberRefs(ctx, fed.ID)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

// upsertRecorder records the order in which entity rows are locked.
type upsertRecorder struct {
	repository.Store
	order *[]string
}

func (s *upsertRecorder) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return s.Store.InTx(ctx, func(tx repository.Store) error {
		return fn(&upsertRecorder{Store: tx, order: s.order})
	})
}

func (s *upsertRecorder) FindOrCreateEntity(ctx context.Context, identifier string) (*domain.Entity, bool, error) {
	*s.order = append(*s.order, identifier)
	return s.Store.FindOrCreateEntity(ctx, identifier)
}

func TestReconcile_UpsertsInIdentifierOrder(t *testing.T) {
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")
	vocab := NewVocabulary(s)

	var order []string
	rec := &upsertRecorder{Store: s, order: &order}
	raw := federationDoc("_v1",
		testEntity{ID: "https://zeta.example.org/sp", Roles: []string{domain.DescriptorSP}},
		testEntity{ID: "https://Beta.example.org/sp", Roles: []string{domain.DescriptorSP}},
		testEntity{ID: "https://alpha.example.org/sp", Roles: []string{domain.DescriptorSP}},
	)
	doc := parseDoc(t, raw)

	res, err := NewReconciler(vocab).Reconcile(context.Background(), rec, fed, doc)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, []string{
		"https://alpha.example.org/sp",
		"https://Beta.example.org/sp",
		"https://zeta.example.org/sp",
	}, order)
	assert.Equal(t, "https://zeta.example.org/sp", doc.EntityIDs()[0], "document order is left alone")
}

func TestReconcile_RemovesAbsentMembershipsOnly(t *testing.T) {
	ctx := context.Background()
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")
	vocab := NewVocabulary(s)

	reconcile(t, s, vocab, fed, federationDoc("_v1", exampleIdP, exampleSP))
	res := reconcile(t, s, vocab, fed, federationDoc("_v2", exampleIdP))

	assert.Equal(t, int64(1), res.Removed)
	refs, err := s.ListMemberRefs(ctx, fed.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, exampleIdP.ID, refs[0].Identifier)

	// The entity row outlives its membership until cleanup.
	_, err = s.GetEntity(ctx, exampleSP.ID)
	require.NoError(t, err)
	_, ok := membershipOf(t, s, fed.ID, exampleSP.ID)
	assert.False(t, ok)
}

func TestReconcile_TypesAreAdditive(t *testing.T) {
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")
	vocab := NewVocabulary(s)

	reconcile(t, s, vocab, fed, federationDoc("_v1", exampleIdP))

	asSP := exampleIdP
	asSP.Roles = []string{domain.DescriptorSP}
	reconcile(t, s, vocab, fed, federationDoc("_v2", asSP))

	assert.Equal(t,
		[]string{domain.DescriptorAA, domain.DescriptorIDP, domain.DescriptorSP},
		typeNames(t, s, exampleIdP.ID),
	)
}

func TestReconcile_CategoriesAreReplaced(t *testing.T) {
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")
	vocab := NewVocabulary(s)

	tests := []struct {
		name       string
		categories []string
		want       []string
	}{
		{name: "initial", categories: []string{catRS, catCoCo}, want: []string{catRS, catCoCo}},
		{name: "replaced", categories: []string{catSirtfi}, want: []string{catSirtfi}},
		{name: "cleared", categories: nil, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := exampleIdP
			e.Categories = tt.categories
			reconcile(t, s, vocab, fed, federationDoc("_"+tt.name, e))

			m, ok := membershipOf(t, s, fed.ID, e.ID)
			require.True(t, ok)
			assert.ElementsMatch(t, tt.want, categoryURIs(t, s, m.MembershipID))
		})
	}
}

func TestReconcile_EmptyValuesDoNotOverwrite(t *testing.T) {
	ctx := context.Background()
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")
	vocab := NewVocabulary(s)

	reconcile(t, s, vocab, fed, federationDoc("_v1", exampleIdP))

	bare := testEntity{ID: exampleIdP.ID, Roles: exampleIdP.Roles, Protocols: exampleIdP.Protocols}
	res := reconcile(t, s, vocab, fed, federationDoc("_v2", bare))
	assert.Zero(t, res.Updated)

	idp, err := s.GetEntity(ctx, exampleIdP.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"en": "Example IdP"}, idp.Name)
	assert.Equal(t, fedRA, idp.RegistrationAuthority)

	// The registration instant follows the document, including its absence.
	m, ok := membershipOf(t, s, fed.ID, exampleIdP.ID)
	require.True(t, ok)
	assert.Nil(t, m.RegistrationInstant)
}

func TestReconcile_SecondRunIsNoop(t *testing.T) {
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")
	vocab := NewVocabulary(s)

	raw := federationDoc("_v1", exampleIdP, exampleSP)
	reconcile(t, s, vocab, fed, raw)
	res := reconcile(t, s, vocab, fed, raw)

	assert.Zero(t, res.Created)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Removed)
}

func TestReconcile_DetectsChangedAttributes(t *testing.T) {
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")
	vocab := NewVocabulary(s)

	reconcile(t, s, vocab, fed, federationDoc("_v1", exampleIdP, exampleSP))

	renamed := exampleSP
	renamed.Name = "Wiki 2"
	res := reconcile(t, s, vocab, fed, federationDoc("_v2", exampleIdP, renamed))

	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Created)
}

func TestReconcile_IdentifierIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")
	vocab := NewVocabulary(s)

	first := testEntity{ID: "https://SP.example.org/sp", Roles: []string{domain.DescriptorSP}}
	second := testEntity{ID: "https://sp.example.org/SP", Roles: []string{domain.DescriptorSP}}

	reconcile(t, s, vocab, fed, federationDoc("_v1", first))
	res := reconcile(t, s, vocab, fed, federationDoc("_v2", second))

	assert.Zero(t, res.Removed)
	assert.Zero(t, res.Created)
	refs, err := s.ListMemberRefs(ctx, fed.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, first.ID, refs[0].Identifier)
}

func TestReconcile_SkipsFailingEntity(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemStore()
	fed := seedFederation(t, mem, "Example Federation", "")
	vocab := NewVocabulary(mem)
	s := &faultyStore{Store: mem, failOn: exampleSP.ID}

	res := reconcile(t, s, vocab, fed, federationDoc("_v1", exampleSP, exampleIdP))

	require.Len(t, res.Skipped, 1)
	skipped := res.Skipped[0]
	assert.Equal(t, exampleSP.ID, skipped.Identifier)
	assert.True(t, apperrors.HasCode(skipped.Err, apperrors.CodeReconcileFailed))
	assert.ErrorIs(t, skipped.Err, errDiskFull)
	assert.Equal(t, 1, res.Created)

	// The failing entity's savepoint was rolled back; the other committed.
	_, err := mem.GetEntity(ctx, exampleSP.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, ok := membershipOf(t, mem, fed.ID, exampleIdP.ID)
	assert.True(t, ok)
}

func TestReconcile_VocabularyIsShared(t *testing.T) {
	ctx := context.Background()
	s := repository.NewMemStore()
	a := seedFederation(t, s, "Alpha", "")
	b := seedFederation(t, s, "Beta", "")
	vocab := NewVocabulary(s)

	reconcile(t, s, vocab, a, federationDoc("_a", exampleIdP))
	misses := vocab.Misses()
	reconcile(t, s, vocab, b, federationDoc("_b", exampleIdP))

	assert.Equal(t, misses, vocab.Misses())
	types, err := s.ListEntityTypes(ctx)
	require.NoError(t, err)
	assert.Len(t, types, 2)
}
