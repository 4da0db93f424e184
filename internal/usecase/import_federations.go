package usecase

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"metexplorer.io/met/internal/domain"
	apperrors "metexplorer.io/met/internal/pkg/errors"
	"metexplorer.io/met/internal/pkg/logger"
	"metexplorer.io/met/internal/repository"
)

// FederationSeed is one federation of a seed file.
type FederationSeed struct {
	Name              string `yaml:"name" validate:"required"`
	Slug              string `yaml:"slug" validate:"omitempty,max=64"`
	URL               string `yaml:"url" validate:"omitempty,url"`
	FeeScheduleURL    string `yaml:"fee_schedule_url" validate:"omitempty,url"`
	Type              string `yaml:"type" validate:"omitempty,oneof=hub-and-spoke mesh"`
	IsInterfederation bool   `yaml:"is_interfederation"`
	Country           string `yaml:"country" validate:"omitempty,len=2"`
	Source            string `yaml:"source"`
}

// SeedFile is the document read by ImportFederations.
type SeedFile struct {
	Federations []FederationSeed `yaml:"federations" validate:"required,min=1,dive"`
}

var seedValidate = validator.New()

// ParseSeedFile decodes and validates a YAML seed file. Unknown keys are
// rejected so that typos do not silently drop fields.
func ParseSeedFile(r io.Reader) (*SeedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f SeedFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "seed file is empty")
		}
		return nil, apperrors.Wrap(err, apperrors.CodeValidationFailed, "decode seed file", http.StatusBadRequest)
	}
	if err := seedValidate.Struct(&f); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeValidationFailed, err.Error(), http.StatusBadRequest)
	}

	slugs := make(map[string]string, len(f.Federations))
	for _, s := range f.Federations {
		slug := s.Slug
		if slug == "" {
			slug = domain.Slugify(s.Name)
		}
		if prev, dup := slugs[slug]; dup {
			return nil, apperrors.Conflict(apperrors.CodeFederationExists,
				fmt.Sprintf("federations %q and %q share slug %q", prev, s.Name, slug))
		}
		slugs[slug] = s.Name
	}
	return &f, nil
}

// ImportResult counts imported federations.
type ImportResult struct {
	Created int
	Updated int
}

// ImportFederations upserts every federation of f in one transaction,
// keyed by slug. Document-driven fields are left untouched.
func ImportFederations(ctx context.Context, store repository.Store, f *SeedFile) (*ImportResult, error) {
	res := &ImportResult{}
	err := store.InTx(ctx, func(tx repository.Store) error {
		existing, err := tx.ListFederations(ctx)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(existing))
		for _, fed := range existing {
			known[fed.Slug] = true
		}

		for _, s := range f.Federations {
			fed := &domain.Federation{
				Name:              s.Name,
				Slug:              s.Slug,
				URL:               s.URL,
				FeeScheduleURL:    s.FeeScheduleURL,
				Type:              domain.FederationType(s.Type),
				IsInterfederation: s.IsInterfederation,
				Country:           s.Country,
				Source:            s.Source,
			}
			if fed.Slug == "" {
				fed.Slug = domain.Slugify(fed.Name)
			}
			if err := tx.UpsertFederation(ctx, fed); err != nil {
				return fmt.Errorf("import %s: %w", fed.Slug, err)
			}
			if known[fed.Slug] {
				res.Updated++
			} else {
				res.Created++
			}
			logger.Debug("Federation imported", zap.String("federation", fed.Slug), zap.Bool("created", !known[fed.Slug]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Federations imported", zap.Int("created", res.Created), zap.Int("updated", res.Updated))
	return res, nil
}
