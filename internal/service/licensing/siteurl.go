package licensing

import (
	"net/url"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
)

var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
}

// NormalizeSiteURL validates a site URL and returns its canonical form:
// lower-cased scheme and host, no trailing slash, no query or fragment.
// Loopback hosts are rejected unless allowLoopback is set.
func NormalizeSiteURL(raw string, allowLoopback bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.New(apperr.InvalidURL, "site url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", apperr.New(apperr.InvalidURL, "site url is malformed")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", apperr.New(apperr.InvalidURL, "site url must start with http:// or https://")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", apperr.New(apperr.InvalidURL, "site url has no host")
	}
	if !allowLoopback && loopbackHosts[host] {
		return "", apperr.New(apperr.InvalidURL, "localhost site urls are not allowed")
	}

	out := scheme + "://" + strings.ToLower(u.Host) + strings.TrimRight(u.EscapedPath(), "/")
	return out, nil
}
