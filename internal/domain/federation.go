// Package domain provides the domain model of the metadata explorer.
//
// Repository and service layers exchange these types; the XML-level
// representation lives in the metadata package.
package domain

import (
	"strings"
	"time"
	"unicode"
)

// FederationType is the topology a federation declares.
type FederationType string

const (
	FederationTypeNone        FederationType = ""
	FederationTypeHubAndSpoke FederationType = "hub-and-spoke"
	FederationTypeMesh        FederationType = "mesh"
)

// Valid reports whether t is a known federation type.
func (t FederationType) Valid() bool {
	switch t {
	case FederationTypeNone, FederationTypeHubAndSpoke, FederationTypeMesh:
		return true
	}
	return false
}

// Federation is a named metadata-publishing authority.
type Federation struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	Slug              string         `json:"slug"`
	URL               string         `json:"url,omitempty"`
	FeeScheduleURL    string         `json:"fee_schedule_url,omitempty"`
	Type              FederationType `json:"type,omitempty"`
	IsInterfederation bool           `json:"is_interfederation"`
	Country           string         `json:"country,omitempty"`

	// Source is the metadata source descriptor, e.g.
	// "https://a.example/md.xml;SP|https://b.example/md.xml".
	Source string `json:"source,omitempty"`

	RegistrationAuthority string     `json:"registration_authority,omitempty"`
	FileID                string     `json:"file_id,omitempty"`
	RawMetadata           []byte     `json:"-"`
	MetadataUpdate        *time.Time `json:"metadata_update,omitempty"`
	CertStats             string     `json:"certstats,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasDocument reports whether a metadata document was ever stored.
func (f *Federation) HasDocument() bool {
	return len(f.RawMetadata) > 0
}

// FederationDescriptor holds the federation-level fields a document may
// carry. Empty fields never overwrite stored values.
type FederationDescriptor struct {
	RegistrationAuthority string
	CertStats             string
	FileID                string
}

// ApplyDescriptor merges d into f, overwriting only with non-empty values.
func (f *Federation) ApplyDescriptor(d FederationDescriptor) {
	if d.RegistrationAuthority != "" {
		f.RegistrationAuthority = d.RegistrationAuthority
	}
	if d.CertStats != "" {
		f.CertStats = d.CertStats
	}
	if d.FileID != "" {
		f.FileID = d.FileID
	}
}

const maxSlugLen = 200

// Slugify derives the federation slug from its name: lowercase ASCII
// letters and digits, other runs collapsed to a single dash.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}
