package rules

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeForPattern(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a.b*c", `a\.b\*c`},
		{"plain", "plain"},
		{"", ""},
		{`back\slash`, `back\\slash`},
		{`\.`, `\\\.`},
		{"a+b?c^d$e", `a\+b\?c\^d\$e`},
		{"(x)[y]{z}|w", `\(x\)\[y\]\{z\}\|w`},
		{"ünïcode.de", `ünïcode\.de`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, EscapeForPattern(tc.in), "EscapeForPattern(%q)", tc.in)
	}
}

func TestEscapeForPatternMatchesLiterally(t *testing.T) {
	inputs := []string{"a.b*c", `x\y`, "foo(bar)", "a|b", "[abc]", "1+1=2?", "^start$"}
	for _, in := range inputs {
		re, err := regexp.Compile("^" + EscapeForPattern(in) + "$")
		require.NoError(t, err, "escaped %q must compile", in)
		assert.True(t, re.MatchString(in), "escaped %q must match itself", in)
	}
}

func TestContainsPattern(t *testing.T) {
	assert.Equal(t, `.*badsite\.net.*`, ContainsPattern("badsite.net"))
	assert.Equal(t, ".*porn.*", ContainsPattern("porn"))
}

func TestIsValidDomain(t *testing.T) {
	valid := []string{"pornhub.com", "a.co", "sub.example.org", "my-site.example.net", "x1.y2.io", "EXAMPLE.COM"}
	for _, d := range valid {
		assert.True(t, IsValidDomain(d), "expected %q valid", d)
	}
	invalid := []string{
		"",
		"not a domain",
		"localhost",
		"example",
		"1.2.3.4",
		"example.c",
		"example.c0m",
		"example.com/path",
		"http://example.com",
		"-bad.com",
		"bad-.com",
		"a..b.com",
		".example.com",
		"example.com.",
		"under_score.com",
		strings.Repeat("a", 64) + ".com",
	}
	for _, d := range invalid {
		assert.False(t, IsValidDomain(d), "expected %q invalid", d)
	}
}

func TestIsValidKeyword(t *testing.T) {
	assert.False(t, IsValidKeyword(""))
	assert.False(t, IsValidKeyword("a"))
	assert.False(t, IsValidKeyword("por[n"))
	for _, c := range strings.Split(forbiddenKeywordChars, "") {
		assert.False(t, IsValidKeyword("ab"+c), "keyword with %q must be rejected", c)
	}
	assert.False(t, IsValidKeyword(" porn"))
	assert.True(t, IsValidKeyword("porn"))
	assert.True(t, IsValidKeyword("xx"))
	assert.True(t, IsValidKeyword("adult-video"))
	assert.True(t, IsValidKeyword("dot.allowed"))
}
