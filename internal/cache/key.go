package cache

import (
	"net/http"
	"net/url"
	"strings"
)

// BuildKey returns the identity a request is stored and matched under.
// Only GET requests have an identity; every other method returns "".
func BuildKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	if req.Method != "" && !strings.EqualFold(req.Method, http.MethodGet) {
		return ""
	}
	return KeyForURL(req.URL)
}

// KeyForURL is BuildKey for an implicit GET of target.
func KeyForURL(target *url.URL) string {
	if target == nil || target.Host == "" {
		return ""
	}

	scheme := strings.ToLower(target.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(target.Host)
	host = strings.TrimSuffix(host, defaultPortSuffix(scheme))
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}

	var builder strings.Builder
	builder.Grow(len(scheme) + len(host) + len(path) + len(target.RawQuery) + 16)
	builder.WriteString("GET ")
	builder.WriteString(scheme)
	builder.WriteString("://")
	builder.WriteString(host)
	builder.WriteString(path)
	if target.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(target.RawQuery)
	}
	return builder.String()
}

func defaultPortSuffix(scheme string) string {
	switch scheme {
	case "http":
		return ":80"
	case "https":
		return ":443"
	default:
		return ""
	}
}
