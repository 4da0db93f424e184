package metadata

// XML namespaces of SAML metadata and its common extensions.
const (
	NSMetadata  = "urn:oasis:names:tc:SAML:2.0:metadata"
	NSAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
	NSUI        = "urn:oasis:names:tc:SAML:metadata:ui"
	NSRPI       = "urn:oasis:names:tc:SAML:metadata:rpi"
	NSAttr      = "urn:oasis:names:tc:SAML:metadata:attribute"
	NSShibMD    = "urn:mace:shibboleth:metadata:1.0"
	NSDSig      = "http://www.w3.org/2000/09/xmldsig#"
)

// Decoding targets. Attribute-bearing numeric fields are kept as strings so
// a malformed value on one element never fails the whole document.

type localizedXML struct {
	Lang  string `xml:"lang,attr"`
	Value string `xml:",chardata"`
}

type registrationInfoXML struct {
	Authority string         `xml:"registrationAuthority,attr"`
	Instant   string         `xml:"registrationInstant,attr"`
	Policies  []localizedXML `xml:"urn:oasis:names:tc:SAML:metadata:rpi RegistrationPolicy"`
}

type publicationInfoXML struct {
	Publisher       string `xml:"publisher,attr"`
	CreationInstant string `xml:"creationInstant,attr"`
	PublicationID   string `xml:"publicationId,attr"`
}

type samlAttributeXML struct {
	Name         string   `xml:"Name,attr"`
	FriendlyName string   `xml:"FriendlyName,attr"`
	IsRequired   string   `xml:"isRequired,attr"`
	Values       []string `xml:"urn:oasis:names:tc:SAML:2.0:assertion AttributeValue"`
}

type entityAttributesXML struct {
	Attributes []samlAttributeXML `xml:"urn:oasis:names:tc:SAML:2.0:assertion Attribute"`
}

type entityExtensionsXML struct {
	RegistrationInfo *registrationInfoXML `xml:"urn:oasis:names:tc:SAML:metadata:rpi RegistrationInfo"`
	EntityAttributes *entityAttributesXML `xml:"urn:oasis:names:tc:SAML:metadata:attribute EntityAttributes"`
}

type groupExtensionsXML struct {
	RegistrationInfo *registrationInfoXML `xml:"urn:oasis:names:tc:SAML:metadata:rpi RegistrationInfo"`
	PublicationInfo  *publicationInfoXML  `xml:"urn:oasis:names:tc:SAML:metadata:rpi PublicationInfo"`
}

type logoXML struct {
	Lang   string `xml:"lang,attr"`
	Width  string `xml:"width,attr"`
	Height string `xml:"height,attr"`
	URL    string `xml:",chardata"`
}

type uiInfoXML struct {
	DisplayNames         []localizedXML `xml:"urn:oasis:names:tc:SAML:metadata:ui DisplayName"`
	Descriptions         []localizedXML `xml:"urn:oasis:names:tc:SAML:metadata:ui Description"`
	InformationURLs      []localizedXML `xml:"urn:oasis:names:tc:SAML:metadata:ui InformationURL"`
	PrivacyStatementURLs []localizedXML `xml:"urn:oasis:names:tc:SAML:metadata:ui PrivacyStatementURL"`
	Logos                []logoXML      `xml:"urn:oasis:names:tc:SAML:metadata:ui Logo"`
}

type scopeXML struct {
	Regexp string `xml:"regexp,attr"`
	Value  string `xml:",chardata"`
}

type roleExtensionsXML struct {
	UIInfo *uiInfoXML `xml:"urn:oasis:names:tc:SAML:metadata:ui UIInfo"`
	Scopes []scopeXML `xml:"urn:mace:shibboleth:metadata:1.0 Scope"`
}

type keyDescriptorXML struct {
	Use          string   `xml:"use,attr"`
	Certificates []string `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo>X509Data>X509Certificate"`
}

type attributeConsumingServiceXML struct {
	RequestedAttributes []samlAttributeXML `xml:"urn:oasis:names:tc:SAML:2.0:metadata RequestedAttribute"`
}

type roleDescriptorXML struct {
	ProtocolSupport            string                         `xml:"protocolSupportEnumeration,attr"`
	Extensions                 *roleExtensionsXML             `xml:"urn:oasis:names:tc:SAML:2.0:metadata Extensions"`
	KeyDescriptors             []keyDescriptorXML             `xml:"urn:oasis:names:tc:SAML:2.0:metadata KeyDescriptor"`
	AttributeConsumingServices []attributeConsumingServiceXML `xml:"urn:oasis:names:tc:SAML:2.0:metadata AttributeConsumingService"`
}

type organizationXML struct {
	Names        []localizedXML `xml:"urn:oasis:names:tc:SAML:2.0:metadata OrganizationName"`
	DisplayNames []localizedXML `xml:"urn:oasis:names:tc:SAML:2.0:metadata OrganizationDisplayName"`
	URLs         []localizedXML `xml:"urn:oasis:names:tc:SAML:2.0:metadata OrganizationURL"`
}

type contactXML struct {
	Type      string   `xml:"contactType,attr"`
	Company   string   `xml:"urn:oasis:names:tc:SAML:2.0:metadata Company"`
	GivenName string   `xml:"urn:oasis:names:tc:SAML:2.0:metadata GivenName"`
	SurName   string   `xml:"urn:oasis:names:tc:SAML:2.0:metadata SurName"`
	Emails    []string `xml:"urn:oasis:names:tc:SAML:2.0:metadata EmailAddress"`
}

type entityDescriptorXML struct {
	EntityID       string               `xml:"entityID,attr"`
	ID             string               `xml:"ID,attr"`
	Extensions     *entityExtensionsXML `xml:"urn:oasis:names:tc:SAML:2.0:metadata Extensions"`
	IDPSSO         []roleDescriptorXML  `xml:"urn:oasis:names:tc:SAML:2.0:metadata IDPSSODescriptor"`
	SPSSO          []roleDescriptorXML  `xml:"urn:oasis:names:tc:SAML:2.0:metadata SPSSODescriptor"`
	AA             []roleDescriptorXML  `xml:"urn:oasis:names:tc:SAML:2.0:metadata AttributeAuthorityDescriptor"`
	AuthnAuthority []roleDescriptorXML  `xml:"urn:oasis:names:tc:SAML:2.0:metadata AuthnAuthorityDescriptor"`
	PDP            []roleDescriptorXML  `xml:"urn:oasis:names:tc:SAML:2.0:metadata PDPDescriptor"`
	Organization   *organizationXML     `xml:"urn:oasis:names:tc:SAML:2.0:metadata Organization"`
	Contacts       []contactXML         `xml:"urn:oasis:names:tc:SAML:2.0:metadata ContactPerson"`
}

type signatureXML struct {
	Certificates []string `xml:"http://www.w3.org/2000/09/xmldsig# KeyInfo>X509Data>X509Certificate"`
}
