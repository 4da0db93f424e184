package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"metexplorer.io/met/internal/config"
	"metexplorer.io/met/internal/domain"
	apperrors "metexplorer.io/met/internal/pkg/errors"
	"metexplorer.io/met/internal/pkg/logger"
	"metexplorer.io/met/internal/repository"
)

// FeatureFunc computes one statistic. q carries the federation and, for
// lookback features on past days, the registration cut-off.
type FeatureFunc func(ctx context.Context, store repository.StatsStore, q domain.CountQuery) (int64, error)

// CountFeature counts members with the descriptor kind and, if protocol is
// non-empty, whose display protocols contain it.
func CountFeature(descriptor, protocol string) FeatureFunc {
	return func(ctx context.Context, store repository.StatsStore, q domain.CountQuery) (int64, error) {
		q.Descriptor = descriptor
		q.Protocol = protocol
		return store.CountMembers(ctx, q)
	}
}

// FeatureRegistry maps feature names to their computation.
type FeatureRegistry struct {
	funcs map[string]FeatureFunc
}

// NewFeatureRegistry returns a registry with the built-in features.
func NewFeatureRegistry() *FeatureRegistry {
	r := &FeatureRegistry{funcs: map[string]FeatureFunc{}}
	r.Register("sp", CountFeature(domain.DescriptorSP, ""))
	r.Register("idp", CountFeature(domain.DescriptorIDP, ""))
	r.Register("aa", CountFeature(domain.DescriptorAA, ""))
	r.Register("sp_saml1", CountFeature(domain.DescriptorSP, domain.ProtocolSAML11))
	r.Register("sp_saml2", CountFeature(domain.DescriptorSP, domain.ProtocolSAML20))
	r.Register("sp_shib1", CountFeature(domain.DescriptorSP, domain.ProtocolShib10))
	r.Register("idp_saml1", CountFeature(domain.DescriptorIDP, domain.ProtocolSAML11))
	r.Register("idp_saml2", CountFeature(domain.DescriptorIDP, domain.ProtocolSAML20))
	r.Register("idp_shib1", CountFeature(domain.DescriptorIDP, domain.ProtocolShib10))
	return r
}

// Register adds or replaces a feature.
func (r *FeatureRegistry) Register(name string, fn FeatureFunc) {
	r.funcs[name] = fn
}

// Lookup returns the feature registered under name.
func (r *FeatureRegistry) Lookup(name string) (FeatureFunc, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered feature names, sorted.
func (r *FeatureRegistry) Names() []string {
	return slices.Sorted(maps.Keys(r.funcs))
}

// FeatureSpec is one configured statistic.
type FeatureSpec struct {
	Name     string
	Lookback bool
}

// FeatureSpecs converts configured features, keeping their order.
func FeatureSpecs(cfg []config.FeatureConfig) []FeatureSpec {
	out := make([]FeatureSpec, 0, len(cfg))
	for _, f := range cfg {
		out = append(out, FeatureSpec{Name: f.Name, Lookback: f.Lookback})
	}
	return out
}

// BackfillResult summarizes one federation backfill.
type BackfillResult struct {
	Days int
	From time.Time
	To   time.Time
	// Computed holds the values of the last computed day.
	Computed    map[string]int64
	NotComputed []string
	// Skipped is set when the federation never stored a document.
	Skipped bool
}

type resolvedFeature struct {
	FeatureSpec
	fn FeatureFunc
}

// StatsEngine computes daily statistics for federations.
type StatsEngine struct {
	store       repository.Store
	features    []resolvedFeature
	notComputed []string
	epoch       time.Time
	now         func() time.Time
}

// NewStatsEngine resolves specs against registry. Names without a
// registered computation are reported by NotComputed and every
// BackfillResult, never as an error.
func NewStatsEngine(store repository.Store, registry *FeatureRegistry, specs []FeatureSpec, epoch time.Time) *StatsEngine {
	e := &StatsEngine{store: store, epoch: domain.DateOnly(epoch), now: time.Now}
	for _, spec := range specs {
		fn, ok := registry.Lookup(spec.Name)
		if !ok {
			logger.Warn("Statistics feature has no computation",
				zap.String("feature", spec.Name),
				zap.Error(apperrors.UnknownFeature(spec.Name)),
			)
			e.notComputed = append(e.notComputed, spec.Name)
			continue
		}
		e.features = append(e.features, resolvedFeature{FeatureSpec: spec, fn: fn})
	}
	return e
}

// NotComputed returns the configured features without a computation.
func (e *StatsEngine) NotComputed() []string {
	return slices.Clone(e.notComputed)
}

// Backfill computes every day from the latest stored statistic, or the
// epoch, through yesterday. Each day replaces any rows stored for it.
func (e *StatsEngine) Backfill(ctx context.Context, fed *domain.Federation) (*BackfillResult, error) {
	res := &BackfillResult{Computed: map[string]int64{}, NotComputed: e.NotComputed()}
	if !fed.HasDocument() {
		res.Skipped = true
		return res, nil
	}

	start := e.epoch
	latest, err := e.store.LatestStatTime(ctx, fed.ID)
	if err != nil {
		return nil, fmt.Errorf("backfill %s: %w", fed.Slug, err)
	}
	if latest != nil {
		start = domain.DateOnly(*latest)
	}

	// Lookback applies to days strictly before this instant.
	threshold := e.now().UTC().Add(-24 * time.Hour)
	end := domain.DateOnly(threshold)
	res.From, res.To = start, end

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stats, computed, err := e.computeDay(ctx, fed, day, threshold)
		if err != nil {
			return nil, fmt.Errorf("backfill %s on %s: %w", fed.Slug, day.Format(time.DateOnly), err)
		}
		if err := e.store.ReplaceDayStats(ctx, fed.ID, day, stats); err != nil {
			return nil, fmt.Errorf("backfill %s on %s: %w", fed.Slug, day.Format(time.DateOnly), err)
		}
		res.Computed = computed
		res.Days++
	}

	logger.ForFederation(fed.Slug).Info("Statistics backfilled",
		zap.Int("days", res.Days),
		zap.Time("from", res.From),
		zap.Time("to", res.To),
		zap.Strings("not_computed", res.NotComputed),
	)
	return res, nil
}

func (e *StatsEngine) computeDay(ctx context.Context, fed *domain.Federation, day, threshold time.Time) ([]domain.EntityStat, map[string]int64, error) {
	stats := make([]domain.EntityStat, 0, len(e.features))
	computed := make(map[string]int64, len(e.features))
	for _, f := range e.features {
		q := domain.CountQuery{FederationID: fed.ID}
		if f.Lookback && day.Before(threshold) {
			cutoff := day
			q.RegisteredBefore = &cutoff
		}
		v, err := f.fn(ctx, e.store, q)
		if err != nil {
			return nil, nil, fmt.Errorf("feature %s: %w", f.Name, err)
		}
		stats = append(stats, domain.EntityStat{
			FederationID: fed.ID,
			Feature:      f.Name,
			Time:         day,
			Value:        v,
		})
		computed[f.Name] = v
	}
	return stats, computed, nil
}
