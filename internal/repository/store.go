// Package repository persists federations, entities and statistics.
//
// Two implementations share the Store contract: PGStore on PostgreSQL via
// pgx, and MemStore, a test double.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"metexplorer.io/met/internal/domain"
)

// MemberRef identifies a current member of a federation.
type MemberRef struct {
	EntityID   int64
	Identifier string
}

// FederationStore reads and writes federations.
type FederationStore interface {
	ListFederations(ctx context.Context) ([]*domain.Federation, error)
	GetFederationBySlug(ctx context.Context, slug string) (*domain.Federation, error)
	// UpsertFederation creates or updates the operator-managed fields of f,
	// keyed by slug. f.ID and timestamps are filled in.
	UpsertFederation(ctx context.Context, f *domain.Federation) error
	// SaveFederationDocument persists the document-driven fields of f:
	// registration authority, certstats, file id, raw metadata and
	// metadata update time.
	SaveFederationDocument(ctx context.Context, f *domain.Federation) error
}

// EntityStore reads and writes entities and their memberships.
type EntityStore interface {
	ListMemberRefs(ctx context.Context, federationID int64) ([]MemberRef, error)
	DeleteMemberships(ctx context.Context, federationID int64, entityIDs []int64) (int64, error)
	// FindOrCreateEntity matches identifier case-insensitively. created
	// reports whether a new row was inserted.
	FindOrCreateEntity(ctx context.Context, identifier string) (e *domain.Entity, created bool, err error)
	GetEntity(ctx context.Context, identifier string) (*domain.Entity, error)
	UpdateEntity(ctx context.Context, e *domain.Entity) error
	EntityTypeIDs(ctx context.Context, entityID int64) ([]int64, error)
	AddEntityTypes(ctx context.Context, entityID int64, typeIDs []int64) error
	// UpsertMembership creates or fetches the (federation, entity) membership
	// and overwrites its registration instant. It returns the membership id.
	UpsertMembership(ctx context.Context, federationID, entityID int64, registered *time.Time) (int64, error)
	// ReplaceMembershipCategories makes the membership's category set equal
	// to categoryIDs.
	ReplaceMembershipCategories(ctx context.Context, membershipID int64, categoryIDs []int64) error
	MembershipCategoryIDs(ctx context.Context, membershipID int64) ([]int64, error)
	EntityFederations(ctx context.Context, entityID int64) ([]domain.FederationMembership, error)
	TopEntities(ctx context.Context, limit int) ([]domain.EntitySummary, error)
	DeleteOrphanEntities(ctx context.Context) (int64, error)
}

// VocabularyStore holds the entity type and category lookup tables.
//
// Ensure methods always commit immediately, even when called on a store
// bound to a transaction, so that returned ids stay valid for the rest of
// the run.
type VocabularyStore interface {
	EnsureEntityType(ctx context.Context, xmlName, label string) (*domain.EntityType, error)
	EnsureCategory(ctx context.Context, categoryID string) (*domain.EntityCategory, error)
	ListEntityTypes(ctx context.Context) ([]domain.EntityType, error)
	ListCategories(ctx context.Context) ([]domain.EntityCategory, error)
	DeleteOrphanCategories(ctx context.Context) (int64, error)
}

// StatsStore reads and writes daily statistics.
type StatsStore interface {
	LatestStatTime(ctx context.Context, federationID int64) (*time.Time, error)
	// ReplaceDayStats atomically replaces every row of (federation, day).
	ReplaceDayStats(ctx context.Context, federationID int64, day time.Time, stats []domain.EntityStat) error
	CountMembers(ctx context.Context, q domain.CountQuery) (int64, error)
	ListStats(ctx context.Context, filter domain.StatFilter) ([]domain.EntityStat, error)
}

// NotificationStore is the operator inbox.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n *domain.Notification) error
	ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]domain.Notification, error)
	// MarkNotificationRead returns ErrNotFound for an unknown id.
	MarkNotificationRead(ctx context.Context, id uuid.UUID) error
	DeleteReadNotificationsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence contract.
type Store interface {
	FederationStore
	EntityStore
	VocabularyStore
	StatsStore
	NotificationStore

	// InTx runs fn against a store bound to one transaction. Nested calls
	// open a savepoint; an error returned by fn rolls back only that level.
	InTx(ctx context.Context, fn func(Store) error) error
}
