package domain

import (
	"maps"
	"strings"
	"time"
)

// Descriptor kinds, keyed by their SAML metadata element name.
const (
	DescriptorIDP            = "IDPSSODescriptor"
	DescriptorSP             = "SPSSODescriptor"
	DescriptorAA             = "AttributeAuthorityDescriptor"
	DescriptorAuthnAuthority = "AuthnAuthorityDescriptor"
	DescriptorPDP            = "PDPDescriptor"
)

// DescriptorLabels maps descriptor element names to display labels.
var DescriptorLabels = map[string]string{
	DescriptorIDP:            "IDP",
	DescriptorSP:             "SP",
	DescriptorAA:             "AA",
	DescriptorAuthnAuthority: "AuthnAuthority",
	DescriptorPDP:            "PDP",
}

// Protocol support enumeration values with a readable name.
const (
	ProtocolSAML11 = "urn:oasis:names:tc:SAML:1.1:protocol"
	ProtocolSAML20 = "urn:oasis:names:tc:SAML:2.0:protocol"
	ProtocolShib10 = "urn:mace:shibboleth:1.0"
)

// ReadableProtocols maps protocol identifiers to display names.
var ReadableProtocols = map[string]string{
	ProtocolSAML11: "SAML 1.1",
	ProtocolSAML20: "SAML 2.0",
	ProtocolShib10: "Shibboleth 1.0",
}

// CategoryAttributeName is the entity attribute carrying entity categories.
const CategoryAttributeName = "http://macedir.org/entity-category"

// NormalizeIdentifier returns the canonical form used for entity identity.
func NormalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Entity is a federation participant.
type Entity struct {
	ID                    int64             `json:"id"`
	Identifier            string            `json:"entityid"`
	Name                  map[string]string `json:"name,omitempty"`
	RegistrationAuthority string            `json:"registration_authority,omitempty"`
	CertStats             string            `json:"certstats,omitempty"`
	DisplayProtocols      string            `json:"display_protocols,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// ReadableProtocols returns the display names of the entity's protocols.
func (e *Entity) ReadableProtocols() []string {
	if e.DisplayProtocols == "" {
		return nil
	}
	fields := strings.Fields(e.DisplayProtocols)
	out := make([]string, 0, len(fields))
	for _, p := range fields {
		if name, ok := ReadableProtocols[p]; ok {
			out = append(out, name)
			continue
		}
		out = append(out, p)
	}
	return out
}

// EntitySnapshot captures the fields used for change detection.
type EntitySnapshot struct {
	Identifier            string
	Name                  map[string]string
	RegistrationAuthority string
	CertStats             string
	DisplayProtocols      string
}

// Snapshot copies the change-detection fields of e.
func (e *Entity) Snapshot() EntitySnapshot {
	return EntitySnapshot{
		Identifier:            e.Identifier,
		Name:                  maps.Clone(e.Name),
		RegistrationAuthority: e.RegistrationAuthority,
		CertStats:             e.CertStats,
		DisplayProtocols:      e.DisplayProtocols,
	}
}

// Differs reports whether any tracked field of e differs from s.
func (s EntitySnapshot) Differs(e *Entity) bool {
	return s.Identifier != e.Identifier ||
		!maps.Equal(s.Name, e.Name) ||
		s.RegistrationAuthority != e.RegistrationAuthority ||
		s.CertStats != e.CertStats ||
		s.DisplayProtocols != e.DisplayProtocols
}

// EntityAttributes is the subset of a parsed entity record merged onto the
// stored Entity.
type EntityAttributes struct {
	Identifier            string
	Name                  map[string]string
	RegistrationAuthority string
	CertStats             string
	DisplayProtocols      string
}

// Merge applies a onto e. Empty incoming values never overwrite.
func (e *Entity) Merge(a EntityAttributes) {
	if len(a.Name) > 0 {
		e.Name = maps.Clone(a.Name)
	}
	if a.CertStats != "" {
		e.CertStats = a.CertStats
	}
	if a.DisplayProtocols != "" {
		e.DisplayProtocols = a.DisplayProtocols
	}
	if a.RegistrationAuthority != "" {
		e.RegistrationAuthority = a.RegistrationAuthority
	}
}

// EntityType maps a descriptor element name to a display label.
type EntityType struct {
	ID      int64  `json:"id"`
	XMLName string `json:"xml_name"`
	Name    string `json:"name"`
}

// EntityCategory is a category URI with an optional display name.
type EntityCategory struct {
	ID         int64  `json:"id"`
	CategoryID string `json:"category_id"`
	Name       string `json:"name,omitempty"`
}

// Membership joins an Entity to a Federation.
type Membership struct {
	ID                  int64      `json:"id"`
	EntityID            int64      `json:"entity_id"`
	FederationID        int64      `json:"federation_id"`
	RegistrationInstant *time.Time `json:"registration_instant,omitempty"`
}

// MemberEntity is an entity as seen through one federation membership.
type MemberEntity struct {
	Entity
	MembershipID        int64
	RegistrationInstant *time.Time
	Types               []string
}

// EntitySummary is a ranked entity listing row.
type EntitySummary struct {
	Identifier  string            `json:"entityid"`
	Name        map[string]string `json:"name,omitempty"`
	Types       []string          `json:"types"`
	Federations []string          `json:"federations"`
}

// DateOnly truncates t to the UTC calendar day.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// FederationMembership is one federation an entity belongs to, in
// membership order.
type FederationMembership struct {
	MembershipID          int64      `json:"-"`
	FederationID          int64      `json:"federation_id"`
	Slug                  string     `json:"slug"`
	Name                  string     `json:"name"`
	RegistrationAuthority string     `json:"registration_authority,omitempty"`
	RegistrationInstant   *time.Time `json:"registration_instant,omitempty"`
}

// AuthoritativeFederation picks the membership whose federation registration
// authority matches the entity's, falling back to the first membership.
func AuthoritativeFederation(e *Entity, memberships []FederationMembership) (FederationMembership, bool) {
	if len(memberships) == 0 {
		return FederationMembership{}, false
	}
	if e.RegistrationAuthority != "" {
		for _, m := range memberships {
			if m.RegistrationAuthority == e.RegistrationAuthority {
				return m, true
			}
		}
	}
	return memberships[0], true
}
