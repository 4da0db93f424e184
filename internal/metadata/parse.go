// Package metadata parses SAML metadata documents.
//
// Parse classifies a document as a federation aggregate, a single entity or
// invalid, and exposes the entity attribute records of valid documents. The
// package also merges several feeds into one aggregate (Merge) and compares
// documents (SameContent, Fingerprint).
package metadata

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"metexplorer.io/met/internal/domain"
)

// Kind classifies a parsed document.
type Kind int

const (
	KindInvalid Kind = iota
	KindEntity
	KindFederation
)

func (k Kind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindFederation:
		return "federation"
	default:
		return "invalid"
	}
}

// Outcome is the tagged result of Parse. Document is nil when Kind is
// KindInvalid, in which case Reason explains why.
type Outcome struct {
	Kind     Kind
	Reason   string
	Document *Document
}

// Document is a parsed metadata document.
type Document struct {
	Kind Kind

	// Federation-level fields, set for EntitiesDescriptor roots.
	Name                  string
	ID                    string
	ValidUntil            *time.Time
	CacheDuration         string
	Publisher             string
	PublicationInstant    *time.Time
	RegistrationAuthority string
	CertStats             string

	// FileID is the content fingerprint.
	FileID string

	// Skipped lists EntityDescriptor elements without an entityID.
	Skipped int

	ids     []string
	records map[string]*EntityRecord
}

// EntityIDs returns entity identifiers in document order. Identifiers that
// repeat with different case keep their first occurrence.
func (d *Document) EntityIDs() []string {
	return d.ids
}

// Len returns the number of distinct entities.
func (d *Document) Len() int {
	return len(d.ids)
}

// Entity returns the record for id, compared case-insensitively.
func (d *Document) Entity(id string) (*EntityRecord, bool) {
	r, ok := d.records[domain.NormalizeIdentifier(id)]
	return r, ok
}

// Descriptor returns the federation-level fields merged onto a Federation.
func (d *Document) Descriptor() domain.FederationDescriptor {
	return domain.FederationDescriptor{
		RegistrationAuthority: d.RegistrationAuthority,
		CertStats:             d.CertStats,
		FileID:                d.FileID,
	}
}

// Parse parses raw metadata bytes. It never returns a nil Document for a
// non-invalid Kind.
func Parse(raw []byte) Outcome {
	sc, err := scan(raw)
	if err != nil {
		return Outcome{Kind: KindInvalid, Reason: err.Error()}
	}

	doc := &Document{
		Kind:    sc.kind,
		FileID:  Fingerprint(raw, sc.rootID),
		records: make(map[string]*EntityRecord, len(sc.entities)),
	}
	if sc.kind == KindFederation {
		doc.Name = sc.name
		doc.ID = sc.rootID
		doc.ValidUntil = parseInstant(sc.validUntil)
		doc.CacheDuration = sc.cacheDuration
		if pi := sc.ext.PublicationInfo; pi != nil {
			doc.Publisher = strings.TrimSpace(pi.Publisher)
			doc.PublicationInstant = parseInstant(pi.CreationInstant)
		}
		switch {
		case sc.ext.RegistrationInfo != nil && strings.TrimSpace(sc.ext.RegistrationInfo.Authority) != "":
			doc.RegistrationAuthority = strings.TrimSpace(sc.ext.RegistrationInfo.Authority)
		default:
			doc.RegistrationAuthority = doc.Publisher
		}
		refs := make([]certificateRef, 0, len(sc.sig.Certificates))
		for _, c := range sc.sig.Certificates {
			refs = append(refs, certificateRef{use: "signing", data: c})
		}
		doc.CertStats = summarizeCertificates(refs)
	}

	for i := range sc.entities {
		e := &sc.entities[i]
		rec := newEntityRecord(&e.desc, e.raw)
		if rec.EntityID == "" {
			doc.Skipped++
			continue
		}
		key := domain.NormalizeIdentifier(rec.EntityID)
		if _, dup := doc.records[key]; dup {
			continue
		}
		doc.records[key] = rec
		doc.ids = append(doc.ids, rec.EntityID)
	}

	return Outcome{Kind: sc.kind, Document: doc}
}

type scannedEntity struct {
	desc  entityDescriptorXML
	raw   []byte
	types []string
}

type scanResult struct {
	raw           []byte
	kind          Kind
	name          string
	rootID        string
	validUntil    string
	cacheDuration string
	ext           groupExtensionsXML
	sig           signatureXML
	nsDecls       []xml.Attr
	entities      []scannedEntity
}

var errNoRoot = errors.New("document has no root element")

func isMD(n xml.Name, local string) bool {
	return n.Space == NSMetadata && n.Local == local
}

func scan(raw []byte) (*scanResult, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty document")
	}
	sc := &scanResult{raw: raw}
	dec := xml.NewDecoder(bytes.NewReader(raw))

	for {
		off := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, errNoRoot
		}
		if err != nil {
			return nil, fmt.Errorf("malformed XML: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch {
		case isMD(start.Name, "EntitiesDescriptor"):
			sc.kind = KindFederation
			sc.rootID = attr(start, "ID")
			sc.name = attr(start, "Name")
			sc.validUntil = attr(start, "validUntil")
			sc.cacheDuration = attr(start, "cacheDuration")
			if err := sc.walkGroup(dec, start, true); err != nil {
				return nil, fmt.Errorf("malformed XML: %w", err)
			}
		case isMD(start.Name, "EntityDescriptor"):
			sc.kind = KindEntity
			sc.rootID = attr(start, "ID")
			sc.collectNamespaces(start)
			if err := sc.decodeEntity(dec, start, off); err != nil {
				return nil, fmt.Errorf("malformed XML: %w", err)
			}
		default:
			return nil, fmt.Errorf("root element {%s}%s is not SAML metadata", start.Name.Space, start.Name.Local)
		}
		if err := trailing(dec); err != nil {
			return nil, fmt.Errorf("malformed XML: %w", err)
		}
		return sc, nil
	}
}

// trailing rejects content after the root element.
func trailing(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			return errors.New("multiple root elements")
		}
	}
}

func (sc *scanResult) walkGroup(dec *xml.Decoder, start xml.StartElement, top bool) error {
	sc.collectNamespaces(start)
	for {
		off := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case isMD(t.Name, "EntityDescriptor"):
				if err := sc.decodeEntity(dec, t, off); err != nil {
					return err
				}
			case isMD(t.Name, "EntitiesDescriptor"):
				if err := sc.walkGroup(dec, t, false); err != nil {
					return err
				}
			case top && isMD(t.Name, "Extensions"):
				if err := dec.DecodeElement(&sc.ext, &t); err != nil {
					return err
				}
			case top && t.Name.Space == NSDSig && t.Name.Local == "Signature":
				if err := dec.DecodeElement(&sc.sig, &t); err != nil {
					return err
				}
			default:
				if err := dec.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			return nil
		}
	}
}

func (sc *scanResult) decodeEntity(dec *xml.Decoder, start xml.StartElement, off int64) error {
	var desc entityDescriptorXML
	if err := dec.DecodeElement(&desc, &start); err != nil {
		return err
	}
	e := scannedEntity{desc: desc, raw: sc.raw[off:dec.InputOffset()]}
	for _, r := range desc.roles() {
		e.types = append(e.types, r.kind)
	}
	sc.entities = append(sc.entities, e)
	return nil
}

// collectNamespaces records xmlns declarations so extracted fragments can be
// re-rooted.
func (sc *scanResult) collectNamespaces(start xml.StartElement) {
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			sc.nsDecls = append(sc.nsDecls, a)
		}
	}
}

func attr(start xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local && (a.Name.Space == "" || a.Name.Space == start.Name.Space) {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}
