package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/gluk-w/shellmux/internal/logutil"
)

// ParseAllowedIPs parses a comma-separated list of IPs and CIDR ranges.
// Single IPs become /32 (IPv4) or /128 (IPv6) networks. Empty input returns
// nil, which allows everyone.
func ParseAllowedIPs(allowList string) ([]*net.IPNet, error) {
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return nil, nil
	}

	var networks []*net.IPNet
	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// RestrictIPs rejects requests whose client address is outside allowList.
// It reads r.RemoteAddr, so mount it after chi's RealIP when running behind a
// proxy.
func RestrictIPs(allowList string) (func(http.Handler) http.Handler, error) {
	networks, err := ParseAllowedIPs(allowList)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		if len(networks) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ipAllowed(networks, r.RemoteAddr) {
				log.Printf("[api] request from %s blocked by IP allow list", logutil.SanitizeForLog(r.RemoteAddr))
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Access denied"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

func ipAllowed(networks []*net.IPNet, remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip == nil {
		return false
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
