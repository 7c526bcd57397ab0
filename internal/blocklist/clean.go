package blocklist

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"

	"github.com/tternquist/beyond-ads-blocker/internal/rules"
)

// NormalizeDomain reduces user input such as "https://www.Example.com/path"
// to a bare lowercase hostname. It does not validate the result.
func NormalizeDomain(input string) string {
	s := strings.ToLower(strings.TrimSpace(input))
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.LastIndexByte(s, '@'); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndexByte(s, ':'); idx >= 0 && isPort(s[idx+1:]) {
		s = s[:idx]
	}
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimPrefix(s, "www.")
	if ascii, err := idna.Lookup.ToASCII(s); err == nil {
		s = ascii
	}
	return s
}

// CleanDomain normalizes and validates a user-supplied domain.
func CleanDomain(input string) (string, error) {
	domain := NormalizeDomain(input)
	if !rules.IsValidDomain(domain) {
		return "", fmt.Errorf("%w: invalid domain %q", rules.ErrValidation, strings.TrimSpace(input))
	}
	return domain, nil
}

// CleanKeyword lowercases, trims and validates a user-supplied keyword.
func CleanKeyword(input string) (string, error) {
	keyword := strings.ToLower(strings.TrimSpace(input))
	if !rules.IsValidKeyword(keyword) {
		return "", fmt.Errorf("%w: invalid keyword %q", rules.ErrValidation, strings.TrimSpace(input))
	}
	return keyword, nil
}

func isPort(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
