package config

import (
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
)

const (
	envStunURLs = "AERO_STUN_URLS"
	envTurnURLs = "AERO_TURN_URLS"
)

var (
	stunSchemes = []stun.SchemeType{stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS}
	turnSchemes = []stun.SchemeType{stun.SchemeTypeTURN, stun.SchemeTypeTURNS}
)

// parseURLList splits a comma-separated ICE URL list (RFC 7064/7065) and
// parses every entry. An empty list is valid.
func parseURLList(value string, schemes []stun.SchemeType) ([]string, error) {
	urls := splitCommaSeparated(value)
	for _, raw := range urls {
		if err := checkICEURL(raw, schemes); err != nil {
			return nil, err
		}
	}
	return urls, nil
}

func checkICEURL(raw string, schemes []stun.SchemeType) error {
	u, err := stun.ParseURI(raw)
	if err != nil {
		return fmt.Errorf("invalid ice url %q: %w", raw, err)
	}
	if !hasScheme(schemes, u.Scheme) {
		return fmt.Errorf("unsupported url scheme: %q", raw)
	}
	// ParseURI accepts any integer port.
	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("invalid ice url %q: port %d out of range", raw, u.Port)
	}
	return nil
}

func hasScheme(schemes []stun.SchemeType, s stun.SchemeType) bool {
	for _, want := range schemes {
		if s == want {
			return true
		}
	}
	return false
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
