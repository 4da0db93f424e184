package service

import (
	"context"
	"time"

	"metexplorer.io/met/internal/domain"
	"metexplorer.io/met/internal/repository"
)

const (
	defaultTopLimit = 10
	maxTopLimit     = 100
)

// EntityDetail is an entity with its memberships and the federation whose
// metadata is authoritative for it.
type EntityDetail struct {
	Entity        *domain.Entity                `json:"entity"`
	Protocols     []string                      `json:"protocols,omitempty"`
	Federations   []domain.FederationMembership `json:"federations"`
	Authoritative *domain.FederationMembership  `json:"authoritative,omitempty"`
}

// Explorer answers read-only queries for the operational API and CLI.
type Explorer struct {
	store repository.Store
}

// NewExplorer creates an Explorer.
func NewExplorer(store repository.Store) *Explorer {
	return &Explorer{store: store}
}

// Federations lists every federation.
func (x *Explorer) Federations(ctx context.Context) ([]*domain.Federation, error) {
	return x.store.ListFederations(ctx)
}

// Federation returns the federation with slug or FEDERATION_NOT_FOUND.
func (x *Explorer) Federation(ctx context.Context, slug string) (*domain.Federation, error) {
	return x.store.GetFederationBySlug(ctx, slug)
}

// FederationStats returns the stored statistics of one federation, ordered
// by day. Empty feature selects every feature; nil bounds are open.
func (x *Explorer) FederationStats(ctx context.Context, slug, feature string, from, to *time.Time) ([]domain.EntityStat, error) {
	fed, err := x.Federation(ctx, slug)
	if err != nil {
		return nil, err
	}
	return x.store.ListStats(ctx, domain.StatFilter{
		FederationID: fed.ID,
		Feature:      feature,
		From:         from,
		To:           to,
	})
}

// TopEntities returns the entities with the most federation memberships.
// limit is clamped to [1, 100]; zero selects 10.
func (x *Explorer) TopEntities(ctx context.Context, limit int) ([]domain.EntitySummary, error) {
	switch {
	case limit <= 0:
		limit = defaultTopLimit
	case limit > maxTopLimit:
		limit = maxTopLimit
	}
	return x.store.TopEntities(ctx, limit)
}

// Entity returns an entity with its memberships, resolving the
// authoritative federation by registration authority.
func (x *Explorer) Entity(ctx context.Context, identifier string) (*EntityDetail, error) {
	e, err := x.store.GetEntity(ctx, identifier)
	if err != nil {
		return nil, err
	}
	feds, err := x.store.EntityFederations(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	d := &EntityDetail{Entity: e, Protocols: e.ReadableProtocols(), Federations: feds}
	if m, ok := domain.AuthoritativeFederation(e, feds); ok {
		d.Authoritative = &m
	}
	return d, nil
}
