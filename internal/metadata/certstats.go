package metadata

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CertStats summarizes the certificates of an entity or a document signature.
type CertStats struct {
	Total                int            `json:"total"`
	Invalid              int            `json:"invalid,omitempty"`
	ByUse                map[string]int `json:"by_use,omitempty"`
	ByKeySize            map[string]int `json:"by_key_size,omitempty"`
	BySignatureAlgorithm map[string]int `json:"by_signature_algorithm,omitempty"`
	FirstExpiry          string         `json:"first_expiry,omitempty"`
}

// ParseCertStats decodes a stored summary.
func ParseCertStats(s string) (CertStats, error) {
	var cs CertStats
	if s == "" {
		return cs, nil
	}
	if err := json.Unmarshal([]byte(s), &cs); err != nil {
		return cs, fmt.Errorf("decode certstats: %w", err)
	}
	return cs, nil
}

type certificateRef struct {
	use  string
	data string
}

// summarizeCertificates returns the JSON summary, or "" without certificates.
// Map keys are marshalled in sorted order, so equal inputs give equal output.
func summarizeCertificates(refs []certificateRef) string {
	if len(refs) == 0 {
		return ""
	}
	cs := CertStats{
		ByUse:                map[string]int{},
		ByKeySize:            map[string]int{},
		BySignatureAlgorithm: map[string]int{},
	}
	var first time.Time
	for _, ref := range refs {
		cs.Total++
		use := strings.TrimSpace(ref.use)
		if use == "" {
			use = "unspecified"
		}
		cs.ByUse[use]++

		cert, err := decodeCertificate(ref.data)
		if err != nil {
			cs.Invalid++
			continue
		}
		cs.ByKeySize[keyLabel(cert)]++
		cs.BySignatureAlgorithm[cert.SignatureAlgorithm.String()]++
		if first.IsZero() || cert.NotAfter.Before(first) {
			first = cert.NotAfter
		}
	}
	if !first.IsZero() {
		cs.FirstExpiry = first.UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(cs)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeCertificate(data string) (*x509.Certificate, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, data)
	der, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

func keyLabel(cert *x509.Certificate) string {
	switch k := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA-%d", k.N.BitLen())
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA-%d", k.Curve.Params().BitSize)
	case ed25519.PublicKey:
		return "Ed25519"
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}
