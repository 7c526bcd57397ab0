package rules

import (
	"errors"
	"strings"

	"github.com/miekg/dns"
)

// ErrValidation marks a domain or keyword that cannot be embedded in a pattern.
var ErrValidation = errors.New("validation failed")

// patternMetachars are escaped with a backslash by EscapeForPattern.
const patternMetachars = `\.*+?^$()[]{}|`

// forbiddenKeywordChars may never appear in a keyword.
const forbiddenKeywordChars = `[]{}()+*?^$|\`

// EscapeForPattern escapes every pattern metacharacter in s in a single pass,
// so a backslash added for one character is never escaped again.
func EscapeForPattern(s string) string {
	if !strings.ContainsAny(s, patternMetachars) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(patternMetachars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsValidDomain reports whether s has the shape label(.label)+ with
// alphanumeric/hyphen labels and an alphabetic TLD of at least two characters.
func IsValidDomain(s string) bool {
	if s == "" || strings.HasSuffix(s, ".") {
		return false
	}
	if _, ok := dns.IsDomainName(s); !ok {
		return false
	}
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if !validLabel(label) {
			return false
		}
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return false
	}
	for i := 0; i < len(tld); i++ {
		if !isAlpha(tld[i]) {
			return false
		}
	}
	return true
}

// IsValidKeyword rejects empty or single-character keywords and keywords
// containing pattern metacharacters.
func IsValidKeyword(s string) bool {
	if len([]rune(s)) <= 1 {
		return false
	}
	if strings.TrimSpace(s) != s {
		return false
	}
	return !strings.ContainsAny(s, forbiddenKeywordChars)
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if !isAlpha(c) && !isDigit(c) && c != '-' {
			return false
		}
	}
	return true
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
