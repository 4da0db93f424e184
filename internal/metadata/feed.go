package metadata

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"slices"
	"strings"

	"metexplorer.io/met/internal/domain"
)

// Filter restricts the entities taken from a feed.
type Filter string

const (
	FilterAll Filter = "All"
	FilterSP  Filter = "SP"
	FilterIDP Filter = "IDP"
)

// ParseFilter parses a feed filter; empty means All.
func ParseFilter(s string) (Filter, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ALL":
		return FilterAll, nil
	case "SP":
		return FilterSP, nil
	case "IDP":
		return FilterIDP, nil
	}
	return "", fmt.Errorf("unknown feed filter %q", s)
}

func (f Filter) matches(types []string) bool {
	switch f {
	case FilterSP:
		return slices.Contains(types, domain.DescriptorSP)
	case FilterIDP:
		return slices.Contains(types, domain.DescriptorIDP)
	default:
		return true
	}
}

// Feed is one fetched upstream document and the filter applied to it.
type Feed struct {
	Raw    []byte
	Filter Filter
}

// Merge combines feeds into one EntitiesDescriptor named name. The first
// occurrence of an entity identifier (case-insensitive) wins.
func Merge(name string, feeds []Feed) ([]byte, error) {
	var (
		decls     []xml.Attr
		declared  = map[string]bool{}
		fragments [][]byte
		seen      = map[string]bool{}
	)
	declare := func(a xml.Attr) {
		key := a.Name.Space + ":" + a.Name.Local
		if declared[key] {
			return
		}
		declared[key] = true
		decls = append(decls, a)
	}
	declare(xml.Attr{Name: xml.Name{Space: "xmlns", Local: "md"}, Value: NSMetadata})

	for i, f := range feeds {
		sc, err := scan(f.Raw)
		if err != nil {
			return nil, fmt.Errorf("feed %d: %w", i, err)
		}
		for _, a := range sc.nsDecls {
			declare(a)
		}
		for _, e := range sc.entities {
			id := domain.NormalizeIdentifier(e.desc.EntityID)
			if id == "" || seen[id] || !f.Filter.matches(e.types) {
				continue
			}
			seen[id] = true
			fragments = append(fragments, e.raw)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString("<md:EntitiesDescriptor")
	for _, a := range decls {
		if a.Name.Space == "xmlns" {
			fmt.Fprintf(&buf, " xmlns:%s=\"", a.Name.Local)
		} else {
			buf.WriteString(" xmlns=\"")
		}
		if err := xml.EscapeText(&buf, []byte(a.Value)); err != nil {
			return nil, err
		}
		buf.WriteByte('"')
	}
	buf.WriteString(" Name=\"")
	if err := xml.EscapeText(&buf, []byte(name)); err != nil {
		return nil, err
	}
	buf.WriteString("\">\n")
	for _, frag := range fragments {
		buf.Write(frag)
		buf.WriteByte('\n')
	}
	buf.WriteString("</md:EntitiesDescriptor>\n")
	return buf.Bytes(), nil
}
