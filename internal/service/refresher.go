package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"metexplorer.io/met/internal/domain"
	"metexplorer.io/met/internal/fetch"
	"metexplorer.io/met/internal/metadata"
	apperrors "metexplorer.io/met/internal/pkg/errors"
	"metexplorer.io/met/internal/pkg/logger"
	"metexplorer.io/met/internal/repository"
)

// RefreshStatus classifies a successful refresh.
type RefreshStatus string

const (
	// RefreshUpdated means the document was stored and reconciled.
	RefreshUpdated RefreshStatus = "updated"
	// RefreshUnchanged means the fetched bytes matched the stored document.
	RefreshUnchanged RefreshStatus = "unchanged"
	// RefreshSameFingerprint means the bytes changed but the document
	// fingerprint did not; only the bytes were stored.
	RefreshSameFingerprint RefreshStatus = "same_fingerprint"
	// RefreshNoDocument means there is neither a source nor a stored document.
	RefreshNoDocument RefreshStatus = "no_document"
)

// RefreshOutcome describes one federation refresh.
type RefreshOutcome struct {
	Status    RefreshStatus
	FileID    string
	Entities  int
	Reconcile *ReconcileResult
}

// Refresher fetches a federation's document and drives reconciliation
// when it changed.
type Refresher struct {
	store   repository.Store
	fetcher fetch.Fetcher
	now     func() time.Time
}

// NewRefresher creates a Refresher.
func NewRefresher(store repository.Store, fetcher fetch.Fetcher) *Refresher {
	return &Refresher{store: store, fetcher: fetcher, now: time.Now}
}

// Refresh brings fed up to date with its metadata source. On success fed
// reflects the stored state. Fetch failures return a METADATA_FETCH_FAILED
// error and unusable documents a METADATA_INVALID error; nothing is written
// in either case.
func (r *Refresher) Refresh(ctx context.Context, vocab *Vocabulary, fed *domain.Federation, force bool) (*RefreshOutcome, error) {
	log := logger.ForFederation(fed.Slug)

	raw, err := r.load(ctx, fed)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		log.Info("Federation has no metadata source and no stored document")
		return &RefreshOutcome{Status: RefreshNoDocument}, nil
	}

	if !force && fed.HasDocument() && metadata.SameContent(raw, fed.RawMetadata) {
		log.Debug("Metadata unchanged", zap.Int("bytes", len(raw)))
		return &RefreshOutcome{Status: RefreshUnchanged, FileID: fed.FileID}, nil
	}

	parsed := metadata.Parse(raw)
	switch parsed.Kind {
	case metadata.KindFederation:
	case metadata.KindEntity:
		return nil, apperrors.InvalidDocument(fed.Slug, "document root is an EntityDescriptor, not an EntitiesDescriptor")
	default:
		return nil, apperrors.InvalidDocument(fed.Slug, parsed.Reason)
	}
	doc := parsed.Document

	updated := *fed
	outcome := &RefreshOutcome{FileID: doc.FileID, Entities: doc.Len()}
	err = r.store.InTx(ctx, func(tx repository.Store) error {
		now := r.now().UTC()
		updated.RawMetadata = raw
		updated.MetadataUpdate = &now

		if !force && fed.FileID != "" && doc.FileID == fed.FileID {
			outcome.Status = RefreshSameFingerprint
			return tx.SaveFederationDocument(ctx, &updated)
		}

		updated.ApplyDescriptor(doc.Descriptor())
		res, err := NewReconciler(vocab).Reconcile(ctx, tx, &updated, doc)
		if err != nil {
			return err
		}
		outcome.Status = RefreshUpdated
		outcome.Reconcile = res
		return tx.SaveFederationDocument(ctx, &updated)
	})
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", fed.Slug, err)
	}

	*fed = updated
	log.Info("Federation refreshed",
		zap.String("status", string(outcome.Status)),
		zap.String("file_id", outcome.FileID),
		zap.Int("entities", outcome.Entities),
		zap.Int("skipped_entities", doc.Skipped),
		zap.Bool("force", force),
	)
	return outcome, nil
}

// load returns the current bytes for fed: fetched from its source, or the
// stored document when it has none. It returns nil when neither exists.
func (r *Refresher) load(ctx context.Context, fed *domain.Federation) ([]byte, error) {
	if strings.TrimSpace(fed.Source) == "" {
		if !fed.HasDocument() {
			return nil, nil
		}
		return fed.RawMetadata, nil
	}
	raw, err := r.fetcher.Fetch(ctx, fed.Slug, fed.Source)
	if err != nil {
		return nil, apperrors.FetchFailed(fed.Slug, err)
	}
	return raw, nil
}
