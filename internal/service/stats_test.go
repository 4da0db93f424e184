package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metexplorer.io/met/internal/config"
	"metexplorer.io/met/internal/domain"
	"metexplorer.io/met/internal/repository"
)

func day(s string) time.Time {
	t, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

type statsEnv struct {
	store  *repository.MemStore
	fed    *domain.Federation
	engine *StatsEngine
	now    time.Time
}

// newStatsEnv seeds a federation with an IdP registered in 2015 and an SP
// registered on 2024-02-27.
func newStatsEnv(t *testing.T, specs []FeatureSpec) *statsEnv {
	t.Helper()
	s := repository.NewMemStore()
	fed := seedFederation(t, s, "Example Federation", "")

	sp := exampleSP
	sp.Registered = "2024-02-27T10:00:00Z"
	raw := federationDoc("_v1", exampleIdP, sp)
	reconcile(t, s, NewVocabulary(s), fed, raw)
	fed.RawMetadata = raw

	env := &statsEnv{
		store: s,
		fed:   fed,
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.engine = NewStatsEngine(s, NewFeatureRegistry(), specs, day("2024-02-25"))
	env.engine.now = func() time.Time { return env.now }
	return env
}

func (env *statsEnv) series(t *testing.T, feature string) map[string]int64 {
	t.Helper()
	rows, err := env.store.ListStats(context.Background(), domain.StatFilter{FederationID: env.fed.ID, Feature: feature})
	require.NoError(t, err)
	out := map[string]int64{}
	for _, r := range rows {
		_, dup := out[r.Time.Format(time.DateOnly)]
		require.False(t, dup, "duplicate row for %s on %s", feature, r.Time)
		out[r.Time.Format(time.DateOnly)] = r.Value
	}
	return out
}

func TestBackfill_FromEpochThroughYesterday(t *testing.T) {
	env := newStatsEnv(t, []FeatureSpec{
		{Name: "sp", Lookback: true},
		{Name: "idp", Lookback: false},
	})

	res, err := env.engine.Backfill(context.Background(), env.fed)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Days)
	assert.Equal(t, day("2024-02-25"), res.From)
	assert.Equal(t, day("2024-02-29"), res.To)
	assert.Equal(t, map[string]int64{"sp": 1, "idp": 1}, res.Computed)
	assert.Empty(t, res.NotComputed)

	// The SP only counts on days after its registration date.
	assert.Equal(t, map[string]int64{
		"2024-02-25": 0,
		"2024-02-26": 0,
		"2024-02-27": 0,
		"2024-02-28": 1,
		"2024-02-29": 1,
	}, env.series(t, "sp"))

	for d, v := range env.series(t, "idp") {
		assert.Equal(t, int64(1), v, d)
	}
}

func TestBackfill_LookbackExcludesUnregistered(t *testing.T) {
	ctx := context.Background()
	env := newStatsEnv(t, []FeatureSpec{{Name: "sp", Lookback: true}, {Name: "sp_saml2", Lookback: false}})

	// An SP without a registration instant never counts under lookback.
	e, _, err := env.store.FindOrCreateEntity(ctx, "https://unregistered.example.org/sp")
	require.NoError(t, err)
	typeID, err := NewVocabulary(env.store).EntityTypeID(ctx, domain.DescriptorSP)
	require.NoError(t, err)
	require.NoError(t, env.store.AddEntityTypes(ctx, e.ID, []int64{typeID}))
	e.DisplayProtocols = domain.ProtocolSAML20
	require.NoError(t, env.store.UpdateEntity(ctx, e))
	_, err = env.store.UpsertMembership(ctx, env.fed.ID, e.ID, nil)
	require.NoError(t, err)

	res, err := env.engine.Backfill(ctx, env.fed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Computed["sp"])
	assert.Equal(t, int64(2), res.Computed["sp_saml2"])
}

func TestBackfill_ResumesFromLatestDay(t *testing.T) {
	ctx := context.Background()
	env := newStatsEnv(t, []FeatureSpec{{Name: "idp", Lookback: true}})

	_, err := env.engine.Backfill(ctx, env.fed)
	require.NoError(t, err)

	env.now = env.now.Add(48 * time.Hour)
	res, err := env.engine.Backfill(ctx, env.fed)
	require.NoError(t, err)

	// The latest stored day is recomputed, then the two new days.
	assert.Equal(t, 3, res.Days)
	assert.Equal(t, day("2024-02-29"), res.From)
	assert.Equal(t, day("2024-03-02"), res.To)
	assert.Len(t, env.series(t, "idp"), 7)
}

func TestBackfill_ProtocolFeatures(t *testing.T) {
	env := newStatsEnv(t, []FeatureSpec{
		{Name: "idp_shib1"},
		{Name: "idp_saml1"},
		{Name: "sp_saml2"},
		{Name: "aa"},
	})

	res, err := env.engine.Backfill(context.Background(), env.fed)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"idp_shib1": 1,
		"idp_saml1": 0,
		"sp_saml2":  1,
		"aa":        1,
	}, res.Computed)
}

func TestBackfill_UnknownFeatureIsReported(t *testing.T) {
	env := newStatsEnv(t, []FeatureSpec{{Name: "sp"}, {Name: "mystery"}})

	assert.Equal(t, []string{"mystery"}, env.engine.NotComputed())

	res, err := env.engine.Backfill(context.Background(), env.fed)
	require.NoError(t, err)
	assert.Equal(t, []string{"mystery"}, res.NotComputed)
	assert.NotContains(t, res.Computed, "mystery")
	assert.Empty(t, env.series(t, "mystery"))
}

func TestBackfill_SkipsFederationWithoutDocument(t *testing.T) {
	env := newStatsEnv(t, []FeatureSpec{{Name: "sp"}})
	env.fed.RawMetadata = nil

	res, err := env.engine.Backfill(context.Background(), env.fed)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Days)
	assert.Empty(t, env.series(t, "sp"))
}

func TestBackfill_CancelledContext(t *testing.T) {
	env := newStatsEnv(t, []FeatureSpec{{Name: "sp"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.engine.Backfill(ctx, env.fed)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFeatureRegistry(t *testing.T) {
	r := NewFeatureRegistry()
	assert.Equal(t, []string{
		"aa", "idp", "idp_saml1", "idp_saml2", "idp_shib1",
		"sp", "sp_saml1", "sp_saml2", "sp_shib1",
	}, r.Names())

	r.Register("pdp", CountFeature(domain.DescriptorPDP, ""))
	_, ok := r.Lookup("pdp")
	assert.True(t, ok)
	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestFeatureSpecs(t *testing.T) {
	specs := FeatureSpecs(config.DefaultFeatures())
	require.Len(t, specs, 9)
	assert.Equal(t, FeatureSpec{Name: "sp", Lookback: true}, specs[0])

	engine := NewStatsEngine(repository.NewMemStore(), NewFeatureRegistry(), specs, day("2010-01-01"))
	assert.Empty(t, engine.NotComputed())
}
