package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"metexplorer.io/met/internal/domain"
	apperrors "metexplorer.io/met/internal/pkg/errors"
)

// ---- vocabulary ----

func (s *PGStore) EnsureEntityType(ctx context.Context, xmlName, label string) (*domain.EntityType, error) {
	db := s.autocommit()
	var t domain.EntityType
	err := db.QueryRow(ctx, `
		INSERT INTO entity_types (xml_name, name) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
		RETURNING id, xml_name, name`, xmlName, label).Scan(&t.ID, &t.XMLName, &t.Name)
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("create entity type %s: %w", xmlName, err)
	}
	err = db.QueryRow(ctx,
		`SELECT id, xml_name, name FROM entity_types WHERE xml_name = $1`, xmlName).Scan(&t.ID, &t.XMLName, &t.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entity type %s: label %q already taken", xmlName, label)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity type %s: %w", xmlName, err)
	}
	return &t, nil
}

func (s *PGStore) EnsureCategory(ctx context.Context, categoryID string) (*domain.EntityCategory, error) {
	db := s.autocommit()
	var c domain.EntityCategory
	err := db.QueryRow(ctx, `
		INSERT INTO entity_categories (category_id) VALUES ($1)
		ON CONFLICT (category_id) DO NOTHING
		RETURNING id, category_id, COALESCE(name, '')`, categoryID).Scan(&c.ID, &c.CategoryID, &c.Name)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("create category %s: %w", categoryID, err)
	}
	err = db.QueryRow(ctx,
		`SELECT id, category_id, COALESCE(name, '') FROM entity_categories WHERE category_id = $1`,
		categoryID).Scan(&c.ID, &c.CategoryID, &c.Name)
	if err != nil {
		return nil, fmt.Errorf("get category %s: %w", categoryID, err)
	}
	return &c, nil
}

func (s *PGStore) ListEntityTypes(ctx context.Context) ([]domain.EntityType, error) {
	rows, err := s.db.Query(ctx, `SELECT id, xml_name, name FROM entity_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list entity types: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.EntityType, error) {
		var t domain.EntityType
		err := row.Scan(&t.ID, &t.XMLName, &t.Name)
		return t, err
	})
}

func (s *PGStore) ListCategories(ctx context.Context) ([]domain.EntityCategory, error) {
	rows, err := s.db.Query(ctx, `SELECT id, category_id, COALESCE(name, '') FROM entity_categories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.EntityCategory, error) {
		var c domain.EntityCategory
		err := row.Scan(&c.ID, &c.CategoryID, &c.Name)
		return c, err
	})
}

func (s *PGStore) DeleteOrphanCategories(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM entity_categories c
		WHERE NOT EXISTS (SELECT 1 FROM membership_categories mc WHERE mc.category_id = c.id)`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan categories: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---- statistics ----

func (s *PGStore) LatestStatTime(ctx context.Context, federationID int64) (*time.Time, error) {
	var latest *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT max(time) FROM entity_stats WHERE federation_id = $1`, federationID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("latest stat time: %w", err)
	}
	if latest != nil {
		t := latest.UTC()
		latest = &t
	}
	return latest, nil
}

func (s *PGStore) ReplaceDayStats(ctx context.Context, federationID int64, day time.Time, stats []domain.EntityStat) error {
	day = domain.DateOnly(day)
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`DELETE FROM entity_stats WHERE federation_id = $1 AND time >= $2 AND time < $3`,
			federationID, day, day.AddDate(0, 0, 1))
		if err != nil {
			return fmt.Errorf("delete day stats: %w", err)
		}
		if len(stats) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, st := range stats {
			batch.Queue(`INSERT INTO entity_stats (federation_id, feature, time, value) VALUES ($1, $2, $3, $4)`,
				federationID, st.Feature, day, st.Value)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert day stats: %w", err)
		}
		return nil
	})
}

// CountMembers counts distinct member entities of a federation.
func (s *PGStore) CountMembers(ctx context.Context, q domain.CountQuery) (int64, error) {
	b := builder()
	m := b.Table("entity_federations")
	sel := b.Select(entsql.Count(entsql.Distinct(m.C("entity_id")))).
		From(m).
		Where(entsql.EQ(m.C("federation_id"), q.FederationID))

	if q.Descriptor != "" {
		et := b.Table("entity_entity_types")
		t := b.Table("entity_types")
		sel.Join(et).On(m.C("entity_id"), et.C("entity_id")).
			Join(t).On(et.C("entity_type_id"), t.C("id")).
			Where(entsql.EQ(t.C("xml_name"), q.Descriptor))
	}
	if q.Protocol != "" {
		e := b.Table("entities")
		sel.Join(e).On(m.C("entity_id"), e.C("id")).
			Where(entsql.Contains(e.C("display_protocols"), q.Protocol))
	}
	if q.RegisteredBefore != nil {
		sel.Where(entsql.LT(m.C("registration_instant"), domain.DateOnly(*q.RegisteredBefore)))
	}

	query, args := sel.Query()
	var n int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

func (s *PGStore) ListStats(ctx context.Context, filter domain.StatFilter) ([]domain.EntityStat, error) {
	b := builder()
	t := b.Table("entity_stats")
	sel := b.Select(t.C("id"), t.C("federation_id"), t.C("feature"), t.C("time"), t.C("value")).
		From(t).
		Where(entsql.EQ(t.C("federation_id"), filter.FederationID)).
		OrderBy(t.C("feature"), t.C("time"))
	if filter.Feature != "" {
		sel.Where(entsql.EQ(t.C("feature"), filter.Feature))
	}
	if filter.From != nil {
		sel.Where(entsql.GTE(t.C("time"), *filter.From))
	}
	if filter.To != nil {
		sel.Where(entsql.LTE(t.C("time"), *filter.To))
	}

	query, args := sel.Query()
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.EntityStat, error) {
		var st domain.EntityStat
		err := row.Scan(&st.ID, &st.FederationID, &st.Feature, &st.Time, &st.Value)
		st.Time = st.Time.UTC()
		return st, err
	})
}

// ---- notifications ----

func (s *PGStore) InsertNotification(ctx context.Context, n *domain.Notification) error {
	if n.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("notification id: %w", err)
		}
		n.ID = id
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.autocommit().Exec(ctx, `
		INSERT INTO notifications (id, subject, message, federation, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.Subject, n.Message, n.Federation, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PGStore) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]domain.Notification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, subject, message, federation, read, created_at
		FROM notifications
		WHERE NOT ($1 AND read)
		ORDER BY created_at DESC
		LIMIT $2`, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Notification, error) {
		var n domain.Notification
		err := row.Scan(&n.ID, &n.Subject, &n.Message, &n.Federation, &n.Read, &n.CreatedAt)
		return n, err
	})
}

func (s *PGStore) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	tag, err := s.autocommit().Exec(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, apperrors.ErrNotFound)
	}
	return nil
}

func (s *PGStore) DeleteReadNotificationsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM notifications WHERE read AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
