// Package mediaurl checks media source and destination URLs before they are
// handed to ffmpeg, where a typo only shows up as a failed start.
package mediaurl

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"unicode"
)

// Validate parses raw and checks host and port. A URL without a scheme, or
// with the file scheme, is a local path and only needs a path.
func Validate(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("url '%s': %w", raw, err)
	}
	if u.Scheme == "" || u.Scheme == "file" {
		if u.Path == "" {
			return nil, fmt.Errorf("url '%s': empty path", raw)
		}
		return u, nil
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("url '%s': missing host", raw)
	}
	if err := ValidateHost(host); err != nil {
		return nil, fmt.Errorf("url '%s': %w", raw, err)
	}
	if p := u.Port(); p != "" && !isPort(p) {
		return nil, fmt.Errorf("url '%s': bad port '%s'", raw, p)
	}
	return u, nil
}

// ValidateHost accepts an IPv4 or IPv6 literal (without brackets) or an
// RFC 1123 hostname.
func ValidateHost(raw string) error {
	switch {
	case strings.Contains(raw, ":"):
		if a, err := netip.ParseAddr(raw); err != nil || !a.Is6() {
			return fmt.Errorf("bad IPv6 '%s'", raw)
		}
	case looksLikeIPv4(raw):
		if a, err := netip.ParseAddr(raw); err != nil || !a.Is4() {
			return fmt.Errorf("bad IP '%s'", raw)
		}
	default:
		if !validHostname(raw) {
			return fmt.Errorf("bad hostname '%s'", raw)
		}
	}
	return nil
}

// looksLikeIPv4 reports a dotted quad of digits, valid or not, so 300.1.1.1
// is rejected as an address instead of accepted as a hostname.
func looksLikeIPv4(raw string) bool {
	parts := strings.Split(raw, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.IndexFunc(p, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0 {
			return false
		}
	}
	return true
}

func validHostname(raw string) bool {
	if len(raw) > 253 {
		return false
	}
	for _, label := range strings.Split(raw, ".") {
		if len(label) < 1 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-') {
				return false
			}
		}
	}
	return true
}

// isPort accepts 1..65535 without leading zeros.
func isPort(s string) bool {
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	n, err := strconv.Atoi(s)
	return err == nil && n >= 1 && n <= 65535
}
