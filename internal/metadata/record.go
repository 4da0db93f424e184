package metadata

import (
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"metexplorer.io/met/internal/domain"
)

// CategorySupportAttributeName carries the categories an entity supports.
const CategorySupportAttributeName = "http://macedir.org/entity-category-support"

// RequestedAttribute is an attribute requested by a service.
type RequestedAttribute struct {
	Name         string `json:"name"`
	FriendlyName string `json:"friendly_name,omitempty"`
}

// RequestedAttributes splits requested attributes by isRequired.
type RequestedAttributes struct {
	Required []RequestedAttribute `json:"required,omitempty"`
	Optional []RequestedAttribute `json:"optional,omitempty"`
}

// Organization is the organization block of one language.
type Organization struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Contact is a ContactPerson entry.
type Contact struct {
	Type        string `json:"type"`
	GivenName   string `json:"given_name,omitempty"`
	SurName     string `json:"sur_name,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name"`
}

// Logo is an mdui:Logo entry.
type Logo struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Lang   string `json:"lang,omitempty"`
}

// EntityRecord is the attribute dictionary of one EntityDescriptor.
type EntityRecord struct {
	EntityID              string                  `json:"entityid"`
	Types                 []string                `json:"entity_types"`
	DisplayName           map[string]string       `json:"display_name,omitempty"`
	Description           map[string]string       `json:"description,omitempty"`
	InfoURL               map[string]string       `json:"info_url,omitempty"`
	PrivacyURL            map[string]string       `json:"privacy_url,omitempty"`
	RegistrationAuthority string                  `json:"registration_authority,omitempty"`
	RegistrationInstant   *time.Time              `json:"registration_instant,omitempty"`
	RegistrationPolicy    map[string]string       `json:"registration_policy,omitempty"`
	Protocols             []string                `json:"protocols,omitempty"`
	Languages             []string                `json:"languages,omitempty"`
	Scopes                []string                `json:"scopes,omitempty"`
	RequestedAttributes   RequestedAttributes     `json:"attr_requested"`
	Organization          map[string]Organization `json:"organization,omitempty"`
	Contacts              []Contact               `json:"contacts,omitempty"`
	Logos                 []Logo                  `json:"logos,omitempty"`
	Categories            []string                `json:"entity_categories,omitempty"`
	CategorySupport       []string                `json:"entity_category_support,omitempty"`
	CertStats             string                  `json:"certstats,omitempty"`
	XML                   []byte                  `json:"-"`
}

// Attributes returns the fields merged onto the stored Entity.
func (r *EntityRecord) Attributes() domain.EntityAttributes {
	return domain.EntityAttributes{
		Identifier:            r.EntityID,
		Name:                  r.DisplayName,
		RegistrationAuthority: r.RegistrationAuthority,
		CertStats:             r.CertStats,
		DisplayProtocols:      strings.Join(r.Protocols, " "),
	}
}

// HasType reports whether the entity has the descriptor kind.
func (r *EntityRecord) HasType(descriptor string) bool {
	return slices.Contains(r.Types, descriptor)
}

// RegistrationDate returns the registration instant truncated to the day.
func (r *EntityRecord) RegistrationDate() *time.Time {
	if r.RegistrationInstant == nil {
		return nil
	}
	d := domain.DateOnly(*r.RegistrationInstant)
	return &d
}

type role struct {
	kind string
	desc roleDescriptorXML
}

func (x *entityDescriptorXML) roles() []role {
	var out []role
	add := func(kind string, rs []roleDescriptorXML) {
		for _, r := range rs {
			out = append(out, role{kind: kind, desc: r})
		}
	}
	add(domain.DescriptorIDP, x.IDPSSO)
	add(domain.DescriptorSP, x.SPSSO)
	add(domain.DescriptorAA, x.AA)
	add(domain.DescriptorAuthnAuthority, x.AuthnAuthority)
	add(domain.DescriptorPDP, x.PDP)
	return out
}

func newEntityRecord(x *entityDescriptorXML, raw []byte) *EntityRecord {
	r := &EntityRecord{
		EntityID:           strings.TrimSpace(x.EntityID),
		DisplayName:        map[string]string{},
		Description:        map[string]string{},
		InfoURL:            map[string]string{},
		PrivacyURL:         map[string]string{},
		RegistrationPolicy: map[string]string{},
		Organization:       map[string]Organization{},
		XML:                raw,
	}

	var certs []certificateRef
	langs := map[string]struct{}{}
	seenAttr := map[string]struct{}{}

	for _, rl := range x.roles() {
		if !slices.Contains(r.Types, rl.kind) {
			r.Types = append(r.Types, rl.kind)
		}
		for _, p := range strings.Fields(rl.desc.ProtocolSupport) {
			if !slices.Contains(r.Protocols, p) {
				r.Protocols = append(r.Protocols, p)
			}
		}
		for _, kd := range rl.desc.KeyDescriptors {
			for _, c := range kd.Certificates {
				certs = append(certs, certificateRef{use: kd.Use, data: c})
			}
		}
		for _, acs := range rl.desc.AttributeConsumingServices {
			for _, ra := range acs.RequestedAttributes {
				name := strings.TrimSpace(ra.Name)
				if name == "" {
					continue
				}
				if _, dup := seenAttr[name]; dup {
					continue
				}
				seenAttr[name] = struct{}{}
				attr := RequestedAttribute{Name: name, FriendlyName: strings.TrimSpace(ra.FriendlyName)}
				if isTrue(ra.IsRequired) {
					r.RequestedAttributes.Required = append(r.RequestedAttributes.Required, attr)
				} else {
					r.RequestedAttributes.Optional = append(r.RequestedAttributes.Optional, attr)
				}
			}
		}
		ext := rl.desc.Extensions
		if ext == nil {
			continue
		}
		for _, s := range ext.Scopes {
			v := strings.TrimSpace(s.Value)
			if v != "" && !slices.Contains(r.Scopes, v) {
				r.Scopes = append(r.Scopes, v)
			}
		}
		if ui := ext.UIInfo; ui != nil {
			mergeLocalized(r.DisplayName, ui.DisplayNames, langs)
			mergeLocalized(r.Description, ui.Descriptions, langs)
			mergeLocalized(r.InfoURL, ui.InformationURLs, nil)
			mergeLocalized(r.PrivacyURL, ui.PrivacyStatementURLs, nil)
			for _, l := range ui.Logos {
				u := strings.TrimSpace(l.URL)
				if u == "" {
					continue
				}
				r.Logos = append(r.Logos, Logo{URL: u, Width: atoi(l.Width), Height: atoi(l.Height), Lang: l.Lang})
			}
		}
	}

	if org := x.Organization; org != nil {
		names := map[string]string{}
		displays := map[string]string{}
		urls := map[string]string{}
		mergeLocalized(names, org.Names, langs)
		mergeLocalized(displays, org.DisplayNames, langs)
		mergeLocalized(urls, org.URLs, nil)
		for _, m := range []map[string]string{names, displays, urls} {
			for lang := range m {
				r.Organization[lang] = Organization{Name: names[lang], DisplayName: displays[lang], URL: urls[lang]}
			}
		}
		if len(r.DisplayName) == 0 {
			for lang, v := range displays {
				r.DisplayName[lang] = v
			}
		}
	}

	for _, c := range x.Contacts {
		r.Contacts = append(r.Contacts, newContact(c))
	}

	if ext := x.Extensions; ext != nil {
		if ri := ext.RegistrationInfo; ri != nil {
			r.RegistrationAuthority = strings.TrimSpace(ri.Authority)
			r.RegistrationInstant = parseInstant(ri.Instant)
			mergeLocalized(r.RegistrationPolicy, ri.Policies, nil)
		}
		if ea := ext.EntityAttributes; ea != nil {
			for _, a := range ea.Attributes {
				switch a.Name {
				case domain.CategoryAttributeName:
					r.Categories = appendValues(r.Categories, a.Values)
				case CategorySupportAttributeName:
					r.CategorySupport = appendValues(r.CategorySupport, a.Values)
				}
			}
		}
	}

	r.Languages = sortedKeys(langs)
	r.CertStats = summarizeCertificates(certs)
	return r
}

func newContact(c contactXML) Contact {
	out := Contact{
		Type:      strings.TrimSpace(c.Type),
		GivenName: strings.TrimSpace(c.GivenName),
		SurName:   strings.TrimSpace(c.SurName),
	}
	if len(c.Emails) > 0 {
		out.Email = strings.TrimSpace(c.Emails[0])
	}
	if out.Type == "" {
		out.Type = "undefined"
	}
	switch {
	case out.GivenName != "" && out.SurName != "":
		out.DisplayName = out.GivenName + " " + out.SurName
	case out.GivenName != "":
		out.DisplayName = out.GivenName
	case out.SurName != "":
		out.DisplayName = out.SurName
	default:
		out.DisplayName = emailAddress(out.Email)
	}
	return out
}

// emailAddress strips a mailto: scheme and any query from an address.
func emailAddress(s string) string {
	if u, err := url.Parse(s); err == nil && u.Scheme == "mailto" {
		if u.Opaque != "" {
			return u.Opaque
		}
		return u.Path
	}
	addr, _, _ := strings.Cut(s, "?")
	return addr
}

// mergeLocalized adds values per language, first value wins.
func mergeLocalized(dst map[string]string, src []localizedXML, langs map[string]struct{}) {
	for _, l := range src {
		v := strings.TrimSpace(l.Value)
		if v == "" {
			continue
		}
		lang := strings.TrimSpace(l.Lang)
		if langs != nil && lang != "" {
			langs[lang] = struct{}{}
		}
		if _, ok := dst[lang]; !ok {
			dst[lang] = v
		}
	}
}

func appendValues(dst []string, values []string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

// parseInstant reads an ISO-8601 instant truncated to whole seconds, UTC.
func parseInstant(s string) *time.Time {
	s = strings.TrimSpace(s)
	if len(s) < 19 {
		return nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s[:19], time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

func isTrue(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
