package fetchers

import (
	"fmt"
	"net/url"
	"strings"
)

// URL is a parsed input URL. Both opaque forms ("github:owner/repo") and
// hierarchical forms are reduced to a scheme, a path, and single-valued
// query parameters.
type URL struct {
	Raw    string
	Scheme string
	Path   string
	Query  map[string]string
}

// ParseURL parses an input URL. A query parameter given more than once is a
// BadURLError.
func ParseURL(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &BadURLError{URL: raw, Reason: err.Error()}
	}
	if u.Scheme == "" {
		return nil, &BadURLError{URL: raw, Reason: "missing scheme"}
	}

	path := u.Opaque
	if path == "" {
		path = u.Host + u.Path
	}

	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, &BadURLError{URL: raw, Reason: err.Error()}
	}
	query := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 1 {
			return nil, &BadURLError{URL: raw, Reason: fmt.Sprintf("query parameter %q given more than once", k)}
		}
		query[k] = vs[0]
	}

	return &URL{Raw: raw, Scheme: u.Scheme, Path: path, Query: query}, nil
}

// PathSegments splits the URL path on "/".
func (u *URL) PathSegments() []string {
	return strings.Split(u.Path, "/")
}
