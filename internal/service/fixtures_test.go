package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"metexplorer.io/met/internal/domain"
	"metexplorer.io/met/internal/metadata"
	"metexplorer.io/met/internal/repository"
)

const (
	catRS     = "http://refeds.org/category/research-and-scholarship"
	catCoCo   = "http://www.geant.net/uri/dataprotection-code-of-conduct/v1"
	catSirtfi = "https://refeds.org/sirtfi"

	fedRA = "https://fed.example.org/"
)

type testEntity struct {
	ID         string
	Roles      []string
	Protocols  string
	Name       string
	RA         string
	Registered string
	Categories []string
}

func (e testEntity) xml() string {
	var b strings.Builder
	fmt.Fprintf(&b, "  <md:EntityDescriptor entityID=%q>\n", e.ID)
	if e.RA != "" || len(e.Categories) > 0 {
		b.WriteString("    <md:Extensions>\n")
		if e.RA != "" {
			fmt.Fprintf(&b, "      <mdrpi:RegistrationInfo registrationAuthority=%q registrationInstant=%q/>\n", e.RA, e.Registered)
		}
		if len(e.Categories) > 0 {
			b.WriteString("      <mdattr:EntityAttributes>\n        <saml:Attribute Name=\"http://macedir.org/entity-category\">\n")
			for _, c := range e.Categories {
				fmt.Fprintf(&b, "          <saml:AttributeValue>%s</saml:AttributeValue>\n", c)
			}
			b.WriteString("        </saml:Attribute>\n      </mdattr:EntityAttributes>\n")
		}
		b.WriteString("    </md:Extensions>\n")
	}
	protocols := e.Protocols
	if protocols == "" {
		protocols = domain.ProtocolSAML20
	}
	for _, role := range e.Roles {
		fmt.Fprintf(&b, "    <md:%s protocolSupportEnumeration=%q>\n", role, protocols)
		if e.Name != "" {
			fmt.Fprintf(&b, "      <md:Extensions><mdui:UIInfo><mdui:DisplayName xml:lang=\"en\">%s</mdui:DisplayName></mdui:UIInfo></md:Extensions>\n", e.Name)
		}
		fmt.Fprintf(&b, "    </md:%s>\n", role)
	}
	b.WriteString("  </md:EntityDescriptor>\n")
	return b.String()
}

// federationDoc renders an EntitiesDescriptor. An empty rootID leaves the
// fingerprint to the document digest.
func federationDoc(rootID string, entities ...testEntity) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<md:EntitiesDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata"
    xmlns:mdui="urn:oasis:names:tc:SAML:metadata:ui"
    xmlns:mdrpi="urn:oasis:names:tc:SAML:metadata:rpi"
    xmlns:mdattr="urn:oasis:names:tc:SAML:metadata:attribute"
    xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"
    Name="urn:example:federation"`)
	if rootID != "" {
		fmt.Fprintf(&b, " ID=%q", rootID)
	}
	b.WriteString(">\n")
	fmt.Fprintf(&b, "  <md:Extensions><mdrpi:RegistrationInfo registrationAuthority=%q/></md:Extensions>\n", fedRA)
	for _, e := range entities {
		b.WriteString(e.xml())
	}
	b.WriteString("</md:EntitiesDescriptor>\n")
	return []byte(b.String())
}

var (
	exampleIdP = testEntity{
		ID:         "https://idp.example.org/idp",
		Roles:      []string{domain.DescriptorIDP, domain.DescriptorAA},
		Protocols:  domain.ProtocolSAML20 + " " + domain.ProtocolShib10,
		Name:       "Example IdP",
		RA:         fedRA,
		Registered: "2015-06-15T08:30:45Z",
		Categories: []string{catRS},
	}
	exampleSP = testEntity{
		ID:         "https://sp.example.com/shibboleth",
		Roles:      []string{domain.DescriptorSP},
		Name:       "Wiki",
		RA:         fedRA,
		Registered: "2020-01-10T00:00:00Z",
	}
)

func parseDoc(t *testing.T, raw []byte) *metadata.Document {
	t.Helper()
	out := metadata.Parse(raw)
	require.Equal(t, metadata.KindFederation, out.Kind, out.Reason)
	return out.Document
}

func seedFederation(t *testing.T, s repository.Store, name, source string) *domain.Federation {
	t.Helper()
	f := &domain.Federation{Name: name, Source: source}
	require.NoError(t, s.UpsertFederation(context.Background(), f))
	return f
}

func reconcile(t *testing.T, s repository.Store, vocab *Vocabulary, fed *domain.Federation, raw []byte) *ReconcileResult {
	t.Helper()
	ctx := context.Background()
	doc := parseDoc(t, raw)
	var res *ReconcileResult
	err := s.InTx(ctx, func(tx repository.Store) error {
		var err error
		res, err = NewReconciler(vocab).Reconcile(ctx, tx, fed, doc)
		return err
	})
	require.NoError(t, err)
	return res
}

func membershipOf(t *testing.T, s repository.Store, fedID int64, identifier string) (domain.FederationMembership, bool) {
	t.Helper()
	ctx := context.Background()
	e, err := s.GetEntity(ctx, identifier)
	require.NoError(t, err)
	feds, err := s.EntityFederations(ctx, e.ID)
	require.NoError(t, err)
	for _, m := range feds {
		if m.FederationID == fedID {
			return m, true
		}
	}
	return domain.FederationMembership{}, false
}

func typeNames(t *testing.T, s repository.Store, identifier string) []string {
	t.Helper()
	ctx := context.Background()
	e, err := s.GetEntity(ctx, identifier)
	require.NoError(t, err)
	ids, err := s.EntityTypeIDs(ctx, e.ID)
	require.NoError(t, err)
	all, err := s.ListEntityTypes(ctx)
	require.NoError(t, err)
	var out []string
	for _, et := range all {
		if slices.Contains(ids, et.ID) {
			out = append(out, et.XMLName)
		}
	}
	slices.Sort(out)
	return out
}

func categoryURIs(t *testing.T, s repository.Store, membershipID int64) []string {
	t.Helper()
	ctx := context.Background()
	ids, err := s.MembershipCategoryIDs(ctx, membershipID)
	require.NoError(t, err)
	all, err := s.ListCategories(ctx)
	require.NoError(t, err)
	out := []string{}
	for _, c := range all {
		if slices.Contains(ids, c.ID) {
			out = append(out, c.CategoryID)
		}
	}
	slices.Sort(out)
	return out
}

// faultyStore fails UpdateEntity for one identifier, after the entity row
// was created inside the caller's savepoint.
type faultyStore struct {
	repository.Store
	failOn string
}

var errDiskFull = errors.New("disk full")

func (s *faultyStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return s.Store.InTx(ctx, func(tx repository.Store) error {
		return fn(&faultyStore{Store: tx, failOn: s.failOn})
	})
}

func (s *faultyStore) UpdateEntity(ctx context.Context, e *domain.Entity) error {
	if domain.NormalizeIdentifier(e.Identifier) == domain.NormalizeIdentifier(s.failOn) {
		return errDiskFull
	}
	return s.Store.UpdateEntity(ctx, e)
}

// fakeFetcher serves documents by source descriptor.
type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string][]byte
	errs  map[string]error
	calls int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{docs: map[string][]byte{}, errs: map[string]error{}}
}

func (f *fakeFetcher) set(source string, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[source] = raw
}

func (f *fakeFetcher) fail(source string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[source] = err
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, source string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[source]; ok {
		return nil, err
	}
	raw, ok := f.docs[source]
	if !ok {
		return nil, fmt.Errorf("no document at %s", source)
	}
	return slices.Clone(raw), nil
}
