package repository

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"metexplorer.io/met/internal/domain"
	apperrors "metexplorer.io/met/internal/pkg/errors"
)

// MemStore is an in-memory Store for tests. Transactions are serialized
// and roll back by restoring a snapshot of the whole state, so a rollback
// also discards writes made outside the transaction meanwhile. Vocabulary
// and notification writes are never rolled back, matching PGStore.
type MemStore struct {
	st    *memState
	depth int
}

type memState struct {
	mu   sync.Mutex
	txMu sync.Mutex
	seq  int64

	tables        memTables
	types         map[int64]domain.EntityType
	categories    map[int64]domain.EntityCategory
	notifications []domain.Notification
}

type memTables struct {
	federations          map[int64]domain.Federation
	entities             map[int64]domain.Entity
	byIdentifier         map[string]int64
	entityTypes          map[int64]map[int64]struct{}
	memberships          map[int64]domain.Membership
	membershipCategories map[int64]map[int64]struct{}
	stats                map[int64]domain.EntityStat
}

func (t memTables) clone() memTables {
	out := memTables{
		federations:          maps.Clone(t.federations),
		entities:             maps.Clone(t.entities),
		byIdentifier:         maps.Clone(t.byIdentifier),
		entityTypes:          make(map[int64]map[int64]struct{}, len(t.entityTypes)),
		memberships:          maps.Clone(t.memberships),
		membershipCategories: make(map[int64]map[int64]struct{}, len(t.membershipCategories)),
		stats:                maps.Clone(t.stats),
	}
	for k, v := range t.entityTypes {
		out.entityTypes[k] = maps.Clone(v)
	}
	for k, v := range t.membershipCategories {
		out.membershipCategories[k] = maps.Clone(v)
	}
	return out
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{st: &memState{
		tables: memTables{
			federations:          map[int64]domain.Federation{},
			entities:             map[int64]domain.Entity{},
			byIdentifier:         map[string]int64{},
			entityTypes:          map[int64]map[int64]struct{}{},
			memberships:          map[int64]domain.Membership{},
			membershipCategories: map[int64]map[int64]struct{}{},
			stats:                map[int64]domain.EntityStat{},
		},
		types:      map[int64]domain.EntityType{},
		categories: map[int64]domain.EntityCategory{},
	}}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) lock() func() {
	s.st.mu.Lock()
	return s.st.mu.Unlock
}

func (s *MemStore) nextID() int64 {
	s.st.seq++
	return s.st.seq
}

// InTx implements Store.
func (s *MemStore) InTx(ctx context.Context, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.depth == 0 {
		s.st.txMu.Lock()
		defer s.st.txMu.Unlock()
	}

	s.st.mu.Lock()
	saved := s.st.tables.clone()
	s.st.mu.Unlock()

	committed := false
	defer func() {
		if !committed {
			s.st.mu.Lock()
			s.st.tables = saved
			s.st.mu.Unlock()
		}
	}()

	if err := fn(&MemStore{st: s.st, depth: s.depth + 1}); err != nil {
		return err
	}
	committed = true
	return nil
}

// ---- federations ----

func cloneFederation(f domain.Federation) *domain.Federation {
	f.RawMetadata = slices.Clone(f.RawMetadata)
	if f.MetadataUpdate != nil {
		t := *f.MetadataUpdate
		f.MetadataUpdate = &t
	}
	return &f
}

func (s *MemStore) ListFederations(ctx context.Context) ([]*domain.Federation, error) {
	defer s.lock()()
	out := make([]*domain.Federation, 0, len(s.st.tables.federations))
	for _, f := range s.st.tables.federations {
		out = append(out, cloneFederation(f))
	}
	slices.SortFunc(out, func(a, b *domain.Federation) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *MemStore) GetFederationBySlug(ctx context.Context, slug string) (*domain.Federation, error) {
	defer s.lock()()
	for _, f := range s.st.tables.federations {
		if f.Slug == slug {
			return cloneFederation(f), nil
		}
	}
	return nil, apperrors.FederationNotFound(slug)
}

func (s *MemStore) UpsertFederation(ctx context.Context, f *domain.Federation) error {
	defer s.lock()()
	if f.Slug == "" {
		f.Slug = domain.Slugify(f.Name)
	}
	now := time.Now().UTC()
	for id, cur := range s.st.tables.federations {
		if cur.Name == f.Name && cur.Slug != f.Slug {
			return fmt.Errorf("upsert federation %s: name %q: %w", f.Slug, f.Name, apperrors.ErrConflict)
		}
		if cur.Slug != f.Slug {
			continue
		}
		cur.Name = f.Name
		cur.URL = f.URL
		cur.FeeScheduleURL = f.FeeScheduleURL
		cur.Type = f.Type
		cur.IsInterfederation = f.IsInterfederation
		cur.Country = f.Country
		cur.Source = f.Source
		cur.UpdatedAt = now
		s.st.tables.federations[id] = cur
		f.ID, f.CreatedAt, f.UpdatedAt = id, cur.CreatedAt, now
		return nil
	}

	f.ID = s.nextID()
	f.CreatedAt, f.UpdatedAt = now, now
	stored := *cloneFederation(*f)
	stored.RegistrationAuthority, stored.CertStats, stored.FileID = "", "", ""
	stored.RawMetadata, stored.MetadataUpdate = nil, nil
	s.st.tables.federations[f.ID] = stored
	return nil
}

func (s *MemStore) SaveFederationDocument(ctx context.Context, f *domain.Federation) error {
	defer s.lock()()
	cur, ok := s.st.tables.federations[f.ID]
	if !ok {
		return apperrors.FederationNotFound(f.Slug)
	}
	cur.RegistrationAuthority = f.RegistrationAuthority
	cur.CertStats = f.CertStats
	cur.FileID = f.FileID
	cur.RawMetadata = slices.Clone(f.RawMetadata)
	cur.MetadataUpdate = nil
	if f.MetadataUpdate != nil {
		t := *f.MetadataUpdate
		cur.MetadataUpdate = &t
	}
	cur.UpdatedAt = time.Now().UTC()
	f.UpdatedAt = cur.UpdatedAt
	s.st.tables.federations[f.ID] = cur
	return nil
}

// ---- entities ----

func cloneEntity(e domain.Entity) *domain.Entity {
	e.Name = maps.Clone(e.Name)
	return &e
}

func (s *MemStore) ListMemberRefs(ctx context.Context, federationID int64) ([]MemberRef, error) {
	defer s.lock()()
	var out []MemberRef
	for _, m := range s.sortedMemberships() {
		if m.FederationID != federationID {
			continue
		}
		out = append(out, MemberRef{EntityID: m.EntityID, Identifier: s.st.tables.entities[m.EntityID].Identifier})
	}
	return out, nil
}

func (s *MemStore) sortedMemberships() []domain.Membership {
	out := slices.Collect(maps.Values(s.st.tables.memberships))
	slices.SortFunc(out, func(a, b domain.Membership) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *MemStore) deleteMembership(id int64) {
	delete(s.st.tables.memberships, id)
	delete(s.st.tables.membershipCategories, id)
}

func (s *MemStore) DeleteMemberships(ctx context.Context, federationID int64, entityIDs []int64) (int64, error) {
	defer s.lock()()
	var n int64
	for id, m := range s.st.tables.memberships {
		if m.FederationID == federationID && slices.Contains(entityIDs, m.EntityID) {
			s.deleteMembership(id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) FindOrCreateEntity(ctx context.Context, identifier string) (*domain.Entity, bool, error) {
	defer s.lock()()
	key := domain.NormalizeIdentifier(identifier)
	if id, ok := s.st.tables.byIdentifier[key]; ok {
		return cloneEntity(s.st.tables.entities[id]), false, nil
	}
	now := time.Now().UTC()
	e := domain.Entity{
		ID:         s.nextID(),
		Identifier: identifier,
		Name:       map[string]string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.st.tables.entities[e.ID] = e
	s.st.tables.byIdentifier[key] = e.ID
	return cloneEntity(e), true, nil
}

func (s *MemStore) GetEntity(ctx context.Context, identifier string) (*domain.Entity, error) {
	defer s.lock()()
	id, ok := s.st.tables.byIdentifier[domain.NormalizeIdentifier(identifier)]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", identifier, apperrors.ErrNotFound)
	}
	return cloneEntity(s.st.tables.entities[id]), nil
}

func (s *MemStore) UpdateEntity(ctx context.Context, e *domain.Entity) error {
	defer s.lock()()
	cur, ok := s.st.tables.entities[e.ID]
	if !ok {
		return fmt.Errorf("entity %d: %w", e.ID, apperrors.ErrNotFound)
	}
	oldKey := domain.NormalizeIdentifier(cur.Identifier)
	newKey := domain.NormalizeIdentifier(e.Identifier)
	if other, taken := s.st.tables.byIdentifier[newKey]; taken && other != e.ID {
		return fmt.Errorf("update entity %s: %w", e.Identifier, apperrors.ErrAlreadyExists)
	}
	e.UpdatedAt = time.Now().UTC()
	stored := *cloneEntity(*e)
	if stored.Name == nil {
		stored.Name = map[string]string{}
	}
	stored.CreatedAt = cur.CreatedAt
	s.st.tables.entities[e.ID] = stored
	delete(s.st.tables.byIdentifier, oldKey)
	s.st.tables.byIdentifier[newKey] = e.ID
	return nil
}

func (s *MemStore) EntityTypeIDs(ctx context.Context, entityID int64) ([]int64, error) {
	defer s.lock()()
	return slices.Sorted(maps.Keys(s.st.tables.entityTypes[entityID])), nil
}

func (s *MemStore) AddEntityTypes(ctx context.Context, entityID int64, typeIDs []int64) error {
	defer s.lock()()
	if _, ok := s.st.tables.entities[entityID]; !ok {
		return fmt.Errorf("entity %d: %w", entityID, apperrors.ErrNotFound)
	}
	set := s.st.tables.entityTypes[entityID]
	if set == nil {
		set = map[int64]struct{}{}
		s.st.tables.entityTypes[entityID] = set
	}
	for _, id := range typeIDs {
		if _, ok := s.st.types[id]; !ok {
			return fmt.Errorf("entity type %d: %w", id, apperrors.ErrNotFound)
		}
		set[id] = struct{}{}
	}
	return nil
}

func (s *MemStore) UpsertMembership(ctx context.Context, federationID, entityID int64, registered *time.Time) (int64, error) {
	defer s.lock()()
	if _, ok := s.st.tables.federations[federationID]; !ok {
		return 0, fmt.Errorf("federation %d: %w", federationID, apperrors.ErrNotFound)
	}
	if _, ok := s.st.tables.entities[entityID]; !ok {
		return 0, fmt.Errorf("entity %d: %w", entityID, apperrors.ErrNotFound)
	}
	var reg *time.Time
	if registered != nil {
		d := domain.DateOnly(*registered)
		reg = &d
	}
	for id, m := range s.st.tables.memberships {
		if m.FederationID == federationID && m.EntityID == entityID {
			m.RegistrationInstant = reg
			s.st.tables.memberships[id] = m
			return id, nil
		}
	}
	m := domain.Membership{
		ID:                  s.nextID(),
		EntityID:            entityID,
		FederationID:        federationID,
		RegistrationInstant: reg,
	}
	s.st.tables.memberships[m.ID] = m
	return m.ID, nil
}

func (s *MemStore) ReplaceMembershipCategories(ctx context.Context, membershipID int64, categoryIDs []int64) error {
	defer s.lock()()
	if _, ok := s.st.tables.memberships[membershipID]; !ok {
		return fmt.Errorf("membership %d: %w", membershipID, apperrors.ErrNotFound)
	}
	set := make(map[int64]struct{}, len(categoryIDs))
	for _, id := range categoryIDs {
		if _, ok := s.st.categories[id]; !ok {
			return fmt.Errorf("category %d: %w", id, apperrors.ErrNotFound)
		}
		set[id] = struct{}{}
	}
	s.st.tables.membershipCategories[membershipID] = set
	return nil
}

func (s *MemStore) MembershipCategoryIDs(ctx context.Context, membershipID int64) ([]int64, error) {
	defer s.lock()()
	return slices.Sorted(maps.Keys(s.st.tables.membershipCategories[membershipID])), nil
}

func (s *MemStore) EntityFederations(ctx context.Context, entityID int64) ([]domain.FederationMembership, error) {
	defer s.lock()()
	var out []domain.FederationMembership
	for _, m := range s.sortedMemberships() {
		if m.EntityID != entityID {
			continue
		}
		f := s.st.tables.federations[m.FederationID]
		out = append(out, domain.FederationMembership{
			MembershipID:          m.ID,
			FederationID:          f.ID,
			Slug:                  f.Slug,
			Name:                  f.Name,
			RegistrationAuthority: f.RegistrationAuthority,
			RegistrationInstant:   m.RegistrationInstant,
		})
	}
	return out, nil
}

func (s *MemStore) TopEntities(ctx context.Context, limit int) ([]domain.EntitySummary, error) {
	defer s.lock()()
	counts := map[int64]int{}
	feds := map[int64][]string{}
	for _, m := range s.st.tables.memberships {
		counts[m.EntityID]++
		feds[m.EntityID] = append(feds[m.EntityID], s.st.tables.federations[m.FederationID].Name)
	}
	ids := slices.Collect(maps.Keys(counts))
	slices.SortFunc(ids, func(a, b int64) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(s.st.tables.entities[a].Identifier, s.st.tables.entities[b].Identifier)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]domain.EntitySummary, 0, len(ids))
	for _, id := range ids {
		e := s.st.tables.entities[id]
		var types []string
		for typeID := range s.st.tables.entityTypes[id] {
			types = append(types, s.st.types[typeID].Name)
		}
		slices.Sort(types)
		names := feds[id]
		slices.Sort(names)
		out = append(out, domain.EntitySummary{
			Identifier:  e.Identifier,
			Name:        maps.Clone(e.Name),
			Types:       types,
			Federations: names,
		})
	}
	return out, nil
}

func (s *MemStore) DeleteOrphanEntities(ctx context.Context) (int64, error) {
	defer s.lock()()
	used := map[int64]bool{}
	for _, m := range s.st.tables.memberships {
		used[m.EntityID] = true
	}
	var n int64
	for id, e := range s.st.tables.entities {
		if used[id] {
			continue
		}
		delete(s.st.tables.entities, id)
		delete(s.st.tables.byIdentifier, domain.NormalizeIdentifier(e.Identifier))
		delete(s.st.tables.entityTypes, id)
		n++
	}
	return n, nil
}

// ---- vocabulary ----

func (s *MemStore) EnsureEntityType(ctx context.Context, xmlName, label string) (*domain.EntityType, error) {
	defer s.lock()()
	for _, t := range s.st.types {
		if t.XMLName == xmlName {
			return &t, nil
		}
	}
	for _, t := range s.st.types {
		if t.Name == label {
			return nil, fmt.Errorf("entity type %s: label %q already taken", xmlName, label)
		}
	}
	t := domain.EntityType{ID: s.nextID(), XMLName: xmlName, Name: label}
	s.st.types[t.ID] = t
	return &t, nil
}

func (s *MemStore) EnsureCategory(ctx context.Context, categoryID string) (*domain.EntityCategory, error) {
	defer s.lock()()
	for _, c := range s.st.categories {
		if c.CategoryID == categoryID {
			return &c, nil
		}
	}
	c := domain.EntityCategory{ID: s.nextID(), CategoryID: categoryID}
	s.st.categories[c.ID] = c
	return &c, nil
}

func (s *MemStore) ListEntityTypes(ctx context.Context) ([]domain.EntityType, error) {
	defer s.lock()()
	out := slices.Collect(maps.Values(s.st.types))
	slices.SortFunc(out, func(a, b domain.EntityType) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemStore) ListCategories(ctx context.Context) ([]domain.EntityCategory, error) {
	defer s.lock()()
	out := slices.Collect(maps.Values(s.st.categories))
	slices.SortFunc(out, func(a, b domain.EntityCategory) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemStore) DeleteOrphanCategories(ctx context.Context) (int64, error) {
	defer s.lock()()
	used := map[int64]bool{}
	for _, set := range s.st.tables.membershipCategories {
		for id := range set {
			used[id] = true
		}
	}
	var n int64
	for id := range s.st.categories {
		if !used[id] {
			delete(s.st.categories, id)
			n++
		}
	}
	return n, nil
}

// ---- statistics ----

func (s *MemStore) LatestStatTime(ctx context.Context, federationID int64) (*time.Time, error) {
	defer s.lock()()
	var latest *time.Time
	for _, st := range s.st.tables.stats {
		if st.FederationID != federationID {
			continue
		}
		if latest == nil || st.Time.After(*latest) {
			t := st.Time
			latest = &t
		}
	}
	return latest, nil
}

func (s *MemStore) ReplaceDayStats(ctx context.Context, federationID int64, day time.Time, stats []domain.EntityStat) error {
	return s.InTx(ctx, func(Store) error {
		defer s.lock()()
		day = domain.DateOnly(day)
		next := day.AddDate(0, 0, 1)
		for id, st := range s.st.tables.stats {
			if st.FederationID == federationID && !st.Time.Before(day) && st.Time.Before(next) {
				delete(s.st.tables.stats, id)
			}
		}
		for _, st := range stats {
			for _, cur := range s.st.tables.stats {
				if cur.FederationID == federationID && cur.Feature == st.Feature && cur.Time.Equal(day) {
					return fmt.Errorf("stat %s on %s: %w", st.Feature, day.Format(time.DateOnly), apperrors.ErrAlreadyExists)
				}
			}
			row := domain.EntityStat{
				ID:           s.nextID(),
				FederationID: federationID,
				Feature:      st.Feature,
				Time:         day,
				Value:        st.Value,
			}
			s.st.tables.stats[row.ID] = row
		}
		return nil
	})
}

func (s *MemStore) CountMembers(ctx context.Context, q domain.CountQuery) (int64, error) {
	defer s.lock()()
	var typeID int64 = -1
	if q.Descriptor != "" {
		for _, t := range s.st.types {
			if t.XMLName == q.Descriptor {
				typeID = t.ID
			}
		}
		if typeID < 0 {
			return 0, nil
		}
	}

	seen := map[int64]struct{}{}
	for _, m := range s.st.tables.memberships {
		if m.FederationID != q.FederationID {
			continue
		}
		if q.RegisteredBefore != nil {
			if m.RegistrationInstant == nil || !m.RegistrationInstant.Before(domain.DateOnly(*q.RegisteredBefore)) {
				continue
			}
		}
		if q.Descriptor != "" {
			if _, ok := s.st.tables.entityTypes[m.EntityID][typeID]; !ok {
				continue
			}
		}
		if q.Protocol != "" && !strings.Contains(s.st.tables.entities[m.EntityID].DisplayProtocols, q.Protocol) {
			continue
		}
		seen[m.EntityID] = struct{}{}
	}
	return int64(len(seen)), nil
}

func (s *MemStore) ListStats(ctx context.Context, filter domain.StatFilter) ([]domain.EntityStat, error) {
	defer s.lock()()
	var out []domain.EntityStat
	for _, st := range s.st.tables.stats {
		switch {
		case st.FederationID != filter.FederationID:
		case filter.Feature != "" && st.Feature != filter.Feature:
		case filter.From != nil && st.Time.Before(*filter.From):
		case filter.To != nil && st.Time.After(*filter.To):
		default:
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b domain.EntityStat) int {
		if c := cmp.Compare(a.Feature, b.Feature); c != 0 {
			return c
		}
		return a.Time.Compare(b.Time)
	})
	return out, nil
}

// ---- notifications ----

func (s *MemStore) InsertNotification(ctx context.Context, n *domain.Notification) error {
	defer s.lock()()
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
	s.st.notifications = append(s.st.notifications, *n)
	return nil
}

func (s *MemStore) ListNotifications(ctx context.Context, unreadOnly bool, limit int) ([]domain.Notification, error) {
	defer s.lock()()
	var out []domain.Notification
	for i := len(s.st.notifications) - 1; i >= 0; i-- {
		n := s.st.notifications[i]
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	defer s.lock()()
	for i := range s.st.notifications {
		if s.st.notifications[i].ID == id {
			s.st.notifications[i].Read = true
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", id, apperrors.ErrNotFound)
}

func (s *MemStore) DeleteReadNotificationsBefore(ctx context.Context, before time.Time) (int64, error) {
	defer s.lock()()
	kept := s.st.notifications[:0]
	var n int64
	for _, item := range s.st.notifications {
		if item.Read && item.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, item)
	}
	s.st.notifications = kept
	return n, nil
}
