package tabs

import (
	"net"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL returns the canonical form used by the reuse policy.
//
// Scheme and host are lowercased, default ports (80 for http, 443 for https)
// are dropped, an empty path becomes "/", trailing slashes are removed from
// any other path, query parameters are sorted by key and then value, and the
// fragment is discarded. Strings that do not parse as absolute URLs are
// compared by their trimmed raw form.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return s
	}

	scheme := strings.ToLower(u.Scheme)
	if u.Opaque != "" {
		return scheme + ":" + u.Opaque
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(host)
	b.WriteString(path)
	if q := canonicalQuery(u.RawQuery); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	for _, v := range values {
		sort.Strings(v)
	}
	// Encode sorts by key.
	return values.Encode()
}

// SameURL reports whether a and b are equal after normalization.
func SameURL(a, b string) bool {
	return NormalizeURL(a) == NormalizeURL(b)
}
