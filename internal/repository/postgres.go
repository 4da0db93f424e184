package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"metexplorer.io/met/internal/domain"
	apperrors "metexplorer.io/met/internal/pkg/errors"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db   DBTX
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore on pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{db: pool, pool: pool}
}

var _ Store = (*PGStore)(nil)

// InTx implements Store. A store already bound to a transaction opens a
// savepoint.
func (s *PGStore) InTx(ctx context.Context, fn func(Store) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&PGStore{db: tx, pool: s.pool})
	})
}

// autocommit returns the handle used for writes that must not join the
// current transaction.
func (s *PGStore) autocommit() DBTX {
	if s.pool != nil {
		return s.pool
	}
	return s.db
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.Postgres)
}

// ---- federations ----

const federationColumns = `id, name, slug, url, fee_schedule_url, COALESCE(type, ''), is_interfederation,
	country, source, registration_authority, file_id, raw_metadata, metadata_update, certstats,
	created_at, updated_at`

func scanFederation(row pgx.Row) (*domain.Federation, error) {
	var (
		f       domain.Federation
		fedType string
	)
	err := row.Scan(&f.ID, &f.Name, &f.Slug, &f.URL, &f.FeeScheduleURL, &fedType, &f.IsInterfederation,
		&f.Country, &f.Source, &f.RegistrationAuthority, &f.FileID, &f.RawMetadata, &f.MetadataUpdate,
		&f.CertStats, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Type = domain.FederationType(fedType)
	return &f, nil
}

func (s *PGStore) ListFederations(ctx context.Context) ([]*domain.Federation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+federationColumns+` FROM federations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list federations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Federation
	for rows.Next() {
		f, err := scanFederation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan federation: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PGStore) GetFederationBySlug(ctx context.Context, slug string) (*domain.Federation, error) {
	f, err := scanFederation(s.db.QueryRow(ctx, `SELECT `+federationColumns+` FROM federations WHERE slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.FederationNotFound(slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get federation %s: %w", slug, err)
	}
	return f, nil
}

func (s *PGStore) UpsertFederation(ctx context.Context, f *domain.Federation) error {
	if f.Slug == "" {
		f.Slug = domain.Slugify(f.Name)
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO federations (name, slug, url, fee_schedule_url, type, is_interfederation, country, source)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			url = EXCLUDED.url,
			fee_schedule_url = EXCLUDED.fee_schedule_url,
			type = EXCLUDED.type,
			is_interfederation = EXCLUDED.is_interfederation,
			country = EXCLUDED.country,
			source = EXCLUDED.source,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		f.Name, f.Slug, f.URL, f.FeeScheduleURL, string(f.Type), f.IsInterfederation, f.Country, f.Source,
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert federation %s: %w", f.Slug, err)
	}
	return nil
}

func (s *PGStore) SaveFederationDocument(ctx context.Context, f *domain.Federation) error {
	err := s.db.QueryRow(ctx, `
		UPDATE federations SET
			registration_authority = $2,
			certstats = $3,
			file_id = $4,
			raw_metadata = $5,
			metadata_update = $6,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		f.ID, f.RegistrationAuthority, f.CertStats, f.FileID, f.RawMetadata, f.MetadataUpdate,
	).Scan(&f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.FederationNotFound(f.Slug)
	}
	if err != nil {
		return fmt.Errorf("save federation document %s: %w", f.Slug, err)
	}
	return nil
}

// ---- entities ----

const entityColumns = `id, identifier, name, registration_authority, certstats, display_protocols, created_at, updated_at`

func scanEntity(row pgx.Row) (*domain.Entity, error) {
	var e domain.Entity
	err := row.Scan(&e.ID, &e.Identifier, &e.Name, &e.RegistrationAuthority, &e.CertStats,
		&e.DisplayProtocols, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PGStore) ListMemberRefs(ctx context.Context, federationID int64) ([]MemberRef, error) {
	rows, err := s.db.Query(ctx, `
		SELECT e.id, e.identifier
		FROM entity_federations m
		JOIN entities e ON e.id = m.entity_id
		WHERE m.federation_id = $1
		ORDER BY m.id`, federationID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (MemberRef, error) {
		var ref MemberRef
		err := row.Scan(&ref.EntityID, &ref.Identifier)
		return ref, err
	})
}

func (s *PGStore) DeleteMemberships(ctx context.Context, federationID int64, entityIDs []int64) (int64, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx,
		`DELETE FROM entity_federations WHERE federation_id = $1 AND entity_id = ANY($2)`,
		federationID, entityIDs)
	if err != nil {
		return 0, fmt.Errorf("delete memberships: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) FindOrCreateEntity(ctx context.Context, identifier string) (*domain.Entity, bool, error) {
	e, err := scanEntity(s.db.QueryRow(ctx, `
		INSERT INTO entities (identifier) VALUES ($1)
		ON CONFLICT ((lower(identifier))) DO NOTHING
		RETURNING `+entityColumns, identifier))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("create entity %s: %w", identifier, err)
	}
	e, err = s.GetEntity(ctx, identifier)
	if err != nil {
		return nil, false, err
	}
	return e, false, nil
}

func (s *PGStore) GetEntity(ctx context.Context, identifier string) (*domain.Entity, error) {
	e, err := scanEntity(s.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE lower(identifier) = lower($1)`, identifier))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", identifier, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", identifier, err)
	}
	return e, nil
}

func (s *PGStore) UpdateEntity(ctx context.Context, e *domain.Entity) error {
	name := e.Name
	if name == nil {
		name = map[string]string{}
	}
	err := s.db.QueryRow(ctx, `
		UPDATE entities SET
			identifier = $2,
			name = $3,
			registration_authority = $4,
			certstats = $5,
			display_protocols = $6,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		e.ID, e.Identifier, name, e.RegistrationAuthority, e.CertStats, e.DisplayProtocols,
	).Scan(&e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("entity %d: %w", e.ID, apperrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update entity %s: %w", e.Identifier, err)
	}
	return nil
}

func (s *PGStore) EntityTypeIDs(ctx context.Context, entityID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT entity_type_id FROM entity_entity_types WHERE entity_id = $1 ORDER BY entity_type_id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list entity types: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *PGStore) AddEntityTypes(ctx context.Context, entityID int64, typeIDs []int64) error {
	if len(typeIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO entity_entity_types (entity_id, entity_type_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`, entityID, typeIDs)
	if err != nil {
		return fmt.Errorf("add entity types: %w", err)
	}
	return nil
}

func (s *PGStore) UpsertMembership(ctx context.Context, federationID, entityID int64, registered *time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO entity_federations (entity_id, federation_id, registration_instant)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, federation_id)
		DO UPDATE SET registration_instant = EXCLUDED.registration_instant
		RETURNING id`, entityID, federationID, registered).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert membership: %w", err)
	}
	return id, nil
}

func (s *PGStore) ReplaceMembershipCategories(ctx context.Context, membershipID int64, categoryIDs []int64) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM membership_categories WHERE membership_id = $1`, membershipID); err != nil {
		return fmt.Errorf("clear membership categories: %w", err)
	}
	if len(categoryIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO membership_categories (membership_id, category_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING`, membershipID, categoryIDs)
	if err != nil {
		return fmt.Errorf("add membership categories: %w", err)
	}
	return nil
}

func (s *PGStore) MembershipCategoryIDs(ctx context.Context, membershipID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT category_id FROM membership_categories WHERE membership_id = $1 ORDER BY category_id`, membershipID)
	if err != nil {
		return nil, fmt.Errorf("list membership categories: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *PGStore) EntityFederations(ctx context.Context, entityID int64) ([]domain.FederationMembership, error) {
	rows, err := s.db.Query(ctx, `
		SELECT m.id, f.id, f.slug, f.name, f.registration_authority, m.registration_instant
		FROM entity_federations m
		JOIN federations f ON f.id = m.federation_id
		WHERE m.entity_id = $1
		ORDER BY m.id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list entity federations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.FederationMembership, error) {
		var m domain.FederationMembership
		err := row.Scan(&m.MembershipID, &m.FederationID, &m.Slug, &m.Name, &m.RegistrationAuthority, &m.RegistrationInstant)
		return m, err
	})
}

func (s *PGStore) TopEntities(ctx context.Context, limit int) ([]domain.EntitySummary, error) {
	b := builder()
	e := b.Table("entities")
	m := b.Table("entity_federations")
	query, args := b.Select(e.C("id"), e.C("identifier"), e.C("name"), entsql.As(entsql.Count(m.C("id")), "memberships")).
		From(e).
		Join(m).On(e.C("id"), m.C("entity_id")).
		GroupBy(e.C("id")).
		OrderBy(entsql.Desc("memberships"), e.C("identifier")).
		Limit(limit).
		Query()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("top entities: %w", err)
	}
	var (
		ids []int64
		out []domain.EntitySummary
	)
	for rows.Next() {
		var (
			id    int64
			count int64
			sum   domain.EntitySummary
		)
		if err := rows.Scan(&id, &sum.Identifier, &sum.Name, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan top entity: %w", err)
		}
		ids = append(ids, id)
		out = append(out, sum)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("top entities: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	index := make(map[int64]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	err = s.eachLabel(ctx, `
		SELECT et.entity_id, t.name
		FROM entity_entity_types et
		JOIN entity_types t ON t.id = et.entity_type_id
		WHERE et.entity_id = ANY($1)
		ORDER BY t.name`, ids, func(id int64, label string) {
		out[index[id]].Types = append(out[index[id]].Types, label)
	})
	if err != nil {
		return nil, err
	}
	err = s.eachLabel(ctx, `
		SELECT m.entity_id, f.name
		FROM entity_federations m
		JOIN federations f ON f.id = m.federation_id
		WHERE m.entity_id = ANY($1)
		ORDER BY f.name`, ids, func(id int64, label string) {
		out[index[id]].Federations = append(out[index[id]].Federations, label)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) eachLabel(ctx context.Context, query string, ids []int64, fn func(int64, string)) error {
	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("query labels: %w", err)
	}
	var (
		id    int64
		label string
	)
	_, err = pgx.ForEachRow(rows, []any{&id, &label}, func() error {
		fn(id, label)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan labels: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteOrphanEntities(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM entities e
		WHERE NOT EXISTS (SELECT 1 FROM entity_federations m WHERE m.entity_id = e.id)`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan entities: %w", err)
	}
	return tag.RowsAffected(), nil
}
