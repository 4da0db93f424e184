package fetch

import (
	"fmt"
	"net/url"
	"strings"

	"metexplorer.io/met/internal/metadata"
)

// FeedSource is one upstream feed of a source descriptor.
type FeedSource struct {
	URL    string
	Filter metadata.Filter
}

// ParseSource parses a descriptor of the form
// "url[;filter]|url[;filter]|...", filter being All, SP or IDP.
func ParseSource(descriptor string) ([]FeedSource, error) {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		return nil, nil
	}
	var out []FeedSource
	for _, part := range strings.Split(descriptor, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		rawURL, rawFilter, _ := strings.Cut(part, ";")
		filter, err := metadata.ParseFilter(rawFilter)
		if err != nil {
			return nil, err
		}
		u, err := url.Parse(strings.TrimSpace(rawURL))
		if err != nil {
			return nil, fmt.Errorf("feed %q: %w", rawURL, err)
		}
		switch u.Scheme {
		case "http", "https", "file":
		default:
			return nil, fmt.Errorf("feed %q: unsupported scheme %q", rawURL, u.Scheme)
		}
		out = append(out, FeedSource{URL: u.String(), Filter: filter})
	}
	return out, nil
}

// IsPassthrough reports whether feeds need no filtering or merging.
func IsPassthrough(feeds []FeedSource) bool {
	return len(feeds) == 1 && feeds[0].Filter == metadata.FilterAll
}
