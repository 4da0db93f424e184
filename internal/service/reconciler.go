package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"metexplorer.io/met/internal/domain"
	"metexplorer.io/met/internal/metadata"
	apperrors "metexplorer.io/met/internal/pkg/errors"
	"metexplorer.io/met/internal/pkg/logger"
	"metexplorer.io/met/internal/repository"
)

// SkippedEntity is an entity whose reconciliation failed and was rolled
// back without aborting the federation.
type SkippedEntity struct {
	Identifier string
	Err        error
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Removed int64
	Updated int
	Created int
	Skipped []SkippedEntity
}

// Reconciler applies a parsed federation document to the stored entities
// and memberships of that federation.
type Reconciler struct {
	vocab *Vocabulary
}

// NewReconciler creates a Reconciler resolving lookups through vocab.
func NewReconciler(vocab *Vocabulary) *Reconciler {
	return &Reconciler{vocab: vocab}
}

// Reconcile makes fed's memberships match doc.
//
// Memberships of entities absent from doc are deleted; the entities stay.
// Every entity in doc is then processed, ordered by normalized identifier,
// inside its own savepoint: entity
// types are only ever added, membership categories are replaced. A failing
// entity is logged and reported in Skipped.
func (r *Reconciler) Reconcile(ctx context.Context, store repository.Store, fed *domain.Federation, doc *metadata.Document) (*ReconcileResult, error) {
	log := logger.ForFederation(fed.Slug)
	res := &ReconcileResult{}

	removed, err := r.removeAbsent(ctx, store, fed, doc)
	if err != nil {
		return nil, err
	}
	res.Removed = removed

	for _, id := range upsertOrder(doc.EntityIDs()) {
		rec, ok := doc.Entity(id)
		if !ok {
			continue
		}

		var updated, created bool
		err := store.InTx(ctx, func(sp repository.Store) error {
			var err error
			updated, created, err = r.reconcileEntity(ctx, sp, fed, rec)
			return err
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			skipErr := apperrors.ReconcileFailed(id, err)
			log.Warn("Entity skipped", zap.String("entity_id", id), zap.Error(err))
			res.Skipped = append(res.Skipped, SkippedEntity{Identifier: id, Err: skipErr})
			continue
		}
		if updated {
			res.Updated++
		}
		if created {
			res.Created++
		}
	}

	log.Info("Federation entities reconciled",
		zap.Int("entities", doc.Len()),
		zap.Int64("removed", res.Removed),
		zap.Int("updated", res.Updated),
		zap.Int("created", res.Created),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

func (r *Reconciler) removeAbsent(ctx context.Context, store repository.Store, fed *domain.Federation, doc *metadata.Document) (int64, error) {
	refs, err := store.ListMemberRefs(ctx, fed.ID)
	if err != nil {
		return 0, fmt.Errorf("list members of %s: %w", fed.Slug, err)
	}
	var gone []int64
	for _, ref := range refs {
		if _, ok := doc.Entity(ref.Identifier); !ok {
			gone = append(gone, ref.EntityID)
		}
	}
	removed, err := store.DeleteMemberships(ctx, fed.ID, gone)
	if err != nil {
		return 0, fmt.Errorf("remove members of %s: %w", fed.Slug, err)
	}
	return removed, nil
}

func (r *Reconciler) reconcileEntity(ctx context.Context, store repository.Store, fed *domain.Federation, rec *metadata.EntityRecord) (updated, created bool, err error) {
	e, created, err := store.FindOrCreateEntity(ctx, rec.EntityID)
	if err != nil {
		return false, false, err
	}
	if domain.NormalizeIdentifier(e.Identifier) != domain.NormalizeIdentifier(rec.EntityID) {
		return false, false, apperrors.IdentityMismatch(e.Identifier, rec.EntityID)
	}

	before := e.Snapshot()
	e.Merge(rec.Attributes())
	updated = created || before.Differs(e)
	if updated {
		if err := store.UpdateEntity(ctx, e); err != nil {
			return false, false, err
		}
	}

	if err := r.addTypes(ctx, store, e.ID, rec.Types); err != nil {
		return false, false, err
	}

	membershipID, err := store.UpsertMembership(ctx, fed.ID, e.ID, rec.RegistrationDate())
	if err != nil {
		return false, false, err
	}

	categoryIDs := make([]int64, 0, len(rec.Categories))
	for _, uri := range rec.Categories {
		id, err := r.vocab.CategoryID(ctx, uri)
		if err != nil {
			return false, false, err
		}
		categoryIDs = append(categoryIDs, id)
	}
	if err := store.ReplaceMembershipCategories(ctx, membershipID, categoryIDs); err != nil {
		return false, false, err
	}
	return updated, created, nil
}

func (r *Reconciler) addTypes(ctx context.Context, store repository.Store, entityID int64, descriptors []string) error {
	if len(descriptors) == 0 {
		return nil
	}
	current, err := store.EntityTypeIDs(ctx, entityID)
	if err != nil {
		return err
	}
	have := make(map[int64]bool, len(current))
	for _, id := range current {
		have[id] = true
	}

	var missing []int64
	for _, d := range descriptors {
		id, err := r.vocab.EntityTypeID(ctx, d)
		if err != nil {
			return err
		}
		if !have[id] {
			have[id] = true
			missing = append(missing, id)
		}
	}
	return store.AddEntityTypes(ctx, entityID, missing)
}

// upsertOrder returns ids sorted by normalized identifier. Federations
// refreshed concurrently share entity rows; taking their row locks in one
// global order keeps their transactions from deadlocking.
func upsertOrder(ids []string) []string {
	out := slices.Clone(ids)
	slices.SortStableFunc(out, func(a, b string) int {
		return strings.Compare(domain.NormalizeIdentifier(a), domain.NormalizeIdentifier(b))
	})
	return out
}
