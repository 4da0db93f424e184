package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metexplorer.io/met/internal/domain"
	apperrors "metexplorer.io/met/internal/pkg/errors"
	"metexplorer.io/met/internal/repository"
)

const testSource = "https://md.example.org/federation.xml"

type refreshEnv struct {
	store     *repository.MemStore
	fetcher   *fakeFetcher
	refresher *Refresher
	vocab     *Vocabulary
	fed       *domain.Federation
	now       time.Time
}

func newRefreshEnv(t *testing.T, source string) *refreshEnv {
	t.Helper()
	s := repository.NewMemStore()
	env := &refreshEnv{
		store:   s,
		fetcher: newFakeFetcher(),
		vocab:   NewVocabulary(s),
		fed:     seedFederation(t, s, "Example Federation", source),
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.refresher = NewRefresher(s, env.fetcher)
	env.refresher.now = func() time.Time { return env.now }
	return env
}

func (env *refreshEnv) refresh(t *testing.T, force bool) *RefreshOutcome {
	t.Helper()
	out, err := env.refresher.Refresh(context.Background(), env.vocab, env.fed, force)
	require.NoError(t, err)
	return out
}

func (env *refreshEnv) stored(t *testing.T) *domain.Federation {
	t.Helper()
	f, err := env.store.GetFederationBySlug(context.Background(), env.fed.Slug)
	require.NoError(t, err)
	return f
}

func TestRefresh_NewDocument(t *testing.T) {
	env := newRefreshEnv(t, testSource)
	raw := federationDoc("_v1", exampleIdP, exampleSP)
	env.fetcher.set(testSource, raw)

	out := env.refresh(t, false)

	assert.Equal(t, RefreshUpdated, out.Status)
	assert.Equal(t, "_v1", out.FileID)
	assert.Equal(t, 2, out.Entities)
	require.NotNil(t, out.Reconcile)
	assert.Equal(t, 2, out.Reconcile.Created)

	got := env.stored(t)
	assert.Equal(t, raw, got.RawMetadata)
	assert.Equal(t, "_v1", got.FileID)
	assert.Equal(t, fedRA, got.RegistrationAuthority)
	require.NotNil(t, got.MetadataUpdate)
	assert.True(t, env.now.Equal(*got.MetadataUpdate))

	assert.Equal(t, "_v1", env.fed.FileID)
	assert.Equal(t, raw, env.fed.RawMetadata)
}

func TestRefresh_UnchangedDocumentSkipsReconcile(t *testing.T) {
	env := newRefreshEnv(t, testSource)
	raw := federationDoc("_v1", exampleIdP)
	env.fetcher.set(testSource, raw)
	env.refresh(t, false)
	first := env.stored(t).MetadataUpdate

	// Trailing whitespace and CRLF do not count as a change.
	env.fetcher.set(testSource, append(raw, []byte("\r\n  \n")...))
	env.now = env.now.Add(24 * time.Hour)
	out := env.refresh(t, false)

	assert.Equal(t, RefreshUnchanged, out.Status)
	assert.Nil(t, out.Reconcile)
	assert.Equal(t, first, env.stored(t).MetadataUpdate)
}

func TestRefresh_SameFingerprintSkipsReconcile(t *testing.T) {
	env := newRefreshEnv(t, testSource)
	env.fetcher.set(testSource, federationDoc("_v1", exampleIdP))
	env.refresh(t, false)

	// Same root ID, different content.
	changed := federationDoc("_v1", exampleIdP, exampleSP)
	env.fetcher.set(testSource, changed)
	env.now = env.now.Add(time.Hour)
	out := env.refresh(t, false)

	assert.Equal(t, RefreshSameFingerprint, out.Status)
	assert.Nil(t, out.Reconcile)
	got := env.stored(t)
	assert.Equal(t, changed, got.RawMetadata)
	require.NotNil(t, got.MetadataUpdate)
	assert.True(t, env.now.Equal(*got.MetadataUpdate), "storing new bytes stamps the update time")
	assert.True(t, env.now.Equal(*env.fed.MetadataUpdate))

	refs, err := env.store.ListMemberRefs(context.Background(), env.fed.ID)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestRefresh_ForceReprocesses(t *testing.T) {
	env := newRefreshEnv(t, testSource)
	raw := federationDoc("_v1", exampleIdP)
	env.fetcher.set(testSource, raw)
	env.refresh(t, false)

	env.now = env.now.Add(time.Hour)
	out := env.refresh(t, true)

	assert.Equal(t, RefreshUpdated, out.Status)
	require.NotNil(t, out.Reconcile)
	assert.Zero(t, out.Reconcile.Created)
	assert.True(t, env.now.Equal(*env.stored(t).MetadataUpdate))
}

func TestRefresh_ChangedFingerprintReconciles(t *testing.T) {
	env := newRefreshEnv(t, testSource)
	env.fetcher.set(testSource, federationDoc("_v1", exampleIdP, exampleSP))
	env.refresh(t, false)

	env.fetcher.set(testSource, federationDoc("_v2", exampleIdP))
	out := env.refresh(t, false)

	assert.Equal(t, RefreshUpdated, out.Status)
	assert.Equal(t, int64(1), out.Reconcile.Removed)
	assert.Equal(t, "_v2", env.stored(t).FileID)
}

func TestRefresh_WithoutSource(t *testing.T) {
	t.Run("no stored document", func(t *testing.T) {
		env := newRefreshEnv(t, "")
		out := env.refresh(t, false)
		assert.Equal(t, RefreshNoDocument, out.Status)
		assert.Zero(t, env.fetcher.calls)
	})

	t.Run("stored document is reused", func(t *testing.T) {
		env := newRefreshEnv(t, "")
		raw := federationDoc("_v1", exampleIdP)
		env.fed.RawMetadata = raw
		require.NoError(t, env.store.SaveFederationDocument(context.Background(), env.fed))

		// Never reported as changed unless forced.
		out := env.refresh(t, false)
		assert.Equal(t, RefreshUnchanged, out.Status)

		out = env.refresh(t, true)
		assert.Equal(t, RefreshUpdated, out.Status)
		assert.Equal(t, 1, out.Reconcile.Created)
		assert.Zero(t, env.fetcher.calls)
	})
}

func TestRefresh_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeFetcher)
		code  string
	}{
		{
			name:  "fetch failure",
			setup: func(f *fakeFetcher) { f.fail(testSource, errors.New("connection refused")) },
			code:  apperrors.CodeFetchFailed,
		},
		{
			name:  "malformed xml",
			setup: func(f *fakeFetcher) { f.set(testSource, []byte("<md:EntitiesDescriptor")) },
			code:  apperrors.CodeInvalidDocument,
		},
		{
			name: "single entity document",
			setup: func(f *fakeFetcher) {
				f.set(testSource, []byte(`<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://sp.example.org"/>`))
			},
			code: apperrors.CodeInvalidDocument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newRefreshEnv(t, testSource)
			tt.setup(env.fetcher)

			_, err := env.refresher.Refresh(context.Background(), env.vocab, env.fed, false)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, tt.code), err.Error())

			got := env.stored(t)
			assert.False(t, got.HasDocument())
			assert.Empty(t, got.FileID)
		})
	}
}

func TestRefresh_FailureRollsBackFederation(t *testing.T) {
	ctx := context.Background()
	env := newRefreshEnv(t, testSource)
	env.fetcher.set(testSource, federationDoc("_v1", exampleIdP))

	failing := &failingSaveStore{Store: env.store}
	r := NewRefresher(failing, env.fetcher)
	_, err := r.Refresh(ctx, env.vocab, env.fed, false)
	require.ErrorIs(t, err, errDiskFull)

	_, err = env.store.GetEntity(ctx, exampleIdP.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Empty(t, env.fed.FileID)
	assert.False(t, env.stored(t).HasDocument())
}

type failingSaveStore struct {
	repository.Store
}

func (s *failingSaveStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return s.Store.InTx(ctx, func(tx repository.Store) error {
		return fn(&failingSaveStore{Store: tx})
	})
}

func (s *failingSaveStore) SaveFederationDocument(context.Context, *domain.Federation) error {
	return errDiskFull
}
