package licensing

import (
	"testing"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeSiteURL(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		loopback bool
		want     string
		err      bool
	}{
		{"plain", "https://example.com", false, "https://example.com", false},
		{"case and slash", "HTTPS://Example.COM/", false, "https://example.com", false},
		{"path kept", "https://example.com/shop/", false, "https://example.com/shop", false},
		{"query dropped", "https://example.com/?utm=1#top", false, "https://example.com", false},
		{"port kept", "http://example.com:8080", false, "http://example.com:8080", false},
		{"empty", "  ", false, "", true},
		{"no scheme", "example.com", false, "", true},
		{"ftp", "ftp://example.com", false, "", true},
		{"no host", "https://", false, "", true},
		{"localhost blocked", "http://localhost:8080", false, "", true},
		{"ipv6 loopback blocked", "http://[::1]/", false, "", true},
		{"localhost in debug", "http://LOCALHOST:8080/", true, "http://localhost:8080", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeSiteURL(tc.in, tc.loopback)
			if tc.err {
				assert.Equal(t, apperr.InvalidURL, apperr.KindOf(err))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
