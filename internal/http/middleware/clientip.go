package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

// ClientIP is the caller address as resolved by the server's IPExtractor.
func ClientIP(c echo.Context) string {
	return c.RealIP()
}

// ParseTrustedProxies reads CIDRs or bare addresses.
func ParseTrustedProxies(list []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q: invalid address", s)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// IPExtractor resolves the client address from the socket peer. Forwarding
// headers (CF-Connecting-IP, then X-Forwarded-For) are honored only when the
// peer is one of trusted; with no trusted proxies the peer is the client.
func IPExtractor(trusted []*net.IPNet) echo.IPExtractor {
	direct := echo.ExtractIPDirect()
	if len(trusted) == 0 {
		return direct
	}

	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range trusted {
		opts = append(opts, echo.TrustIPRange(n))
	}
	fromXFF := echo.ExtractIPFromXFFHeader(opts...)

	return func(r *http.Request) string {
		peer := direct(r)
		if !containsIP(trusted, net.ParseIP(peer)) {
			return peer
		}
		if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); net.ParseIP(ip) != nil {
			return ip
		}
		return fromXFF(r)
	}
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
