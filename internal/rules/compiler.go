package rules

import (
	"log/slog"
	"slices"
	"strings"
)

// WhitelistPolicy selects which rule categories the whitelist suppresses.
type WhitelistPolicy string

const (
	// WhitelistCustomDomains suppresses only custom-domain rules whose domain
	// exactly matches a whitelist entry. Keyword and static rules are untouched.
	WhitelistCustomDomains WhitelistPolicy = "custom_domains"
	// WhitelistAll additionally drops static rules, keywords and snapshot
	// domains whose literal equals a whitelist entry.
	WhitelistAll WhitelistPolicy = "all"
)

const (
	DefaultMaxRules              = 15000
	DefaultMaxPredefinedKeywords = 200
	DefaultMaxCustomKeywords     = 50
)

// Options bound the compiled output.
type Options struct {
	MaxRules              int
	MaxPredefinedKeywords int
	MaxCustomKeywords     int
	// MaxSnapshotDomains caps the refreshed hosts domains appended after all
	// other categories. Zero leaves them out of the ruleset.
	MaxSnapshotDomains int
	WhitelistPolicy    WhitelistPolicy
	Logger             *slog.Logger
}

// State is the rule-source input to a compile.
type State struct {
	CustomDomains      []string
	PredefinedKeywords []string
	CustomKeywords     []string
	Whitelist          []string
	SnapshotDomains    []string
}

// Stats counts what a compile emitted and what it dropped.
type Stats struct {
	Static             int `json:"static"`
	CustomDomains      int `json:"custom_domains"`
	PredefinedKeywords int `json:"predefined_keywords"`
	CustomKeywords     int `json:"custom_keywords"`
	SnapshotDomains    int `json:"snapshot_domains"`
	Skipped            int `json:"skipped"`
	Whitelisted        int `json:"whitelisted"`
	Truncated          int `json:"truncated"`
}

// Total is the number of emitted rules.
func (s Stats) Total() int {
	return s.Static + s.CustomDomains + s.PredefinedKeywords + s.CustomKeywords + s.SnapshotDomains
}

// Compiler merges rule sources into a single ordered, capped rule list.
type Compiler struct {
	static []Rule
	opts   Options
}

// NewCompiler returns a compiler emitting static ahead of every other
// category. An empty static list is replaced by FallbackRules.
func NewCompiler(static []Rule, opts Options) *Compiler {
	if opts.MaxRules <= 0 {
		opts.MaxRules = DefaultMaxRules
	}
	if opts.MaxPredefinedKeywords <= 0 {
		opts.MaxPredefinedKeywords = DefaultMaxPredefinedKeywords
	}
	if opts.MaxCustomKeywords <= 0 {
		opts.MaxCustomKeywords = DefaultMaxCustomKeywords
	}
	if opts.MaxSnapshotDomains < 0 {
		opts.MaxSnapshotDomains = 0
	}
	if opts.WhitelistPolicy == "" {
		opts.WhitelistPolicy = WhitelistCustomDomains
	}
	if len(static) == 0 {
		static = FallbackRules()
	}
	return &Compiler{
		static: slices.Clone(static),
		opts:   opts,
	}
}

// MaxRules is the configured ceiling on compiled output.
func (c *Compiler) MaxRules() int {
	return c.opts.MaxRules
}

// Compile returns the ordered rule list for state. A caller that is not
// entitled gets an empty list.
func (c *Compiler) Compile(state State, entitled bool) []Rule {
	out, _ := c.CompileWithStats(state, entitled)
	return out
}

// CompileWithStats is Compile plus per-category counts.
//
// Categories are emitted in priority order: static, custom domains,
// predefined keywords, custom keywords, snapshot domains. Once MaxRules is
// reached every later candidate is counted as truncated, so the lowest
// priority categories lose rules first.
func (c *Compiler) CompileWithStats(state State, entitled bool) ([]Rule, Stats) {
	var stats Stats
	if !entitled {
		return []Rule{}, stats
	}

	whitelist := make(map[string]struct{}, len(state.Whitelist))
	for _, w := range state.Whitelist {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			whitelist[w] = struct{}{}
		}
	}
	suppressAll := c.opts.WhitelistPolicy == WhitelistAll
	budget := c.opts.MaxRules

	out := make([]Rule, 0, min(budget, len(c.static)+len(state.CustomDomains)+c.opts.MaxPredefinedKeywords+c.opts.MaxCustomKeywords+c.opts.MaxSnapshotDomains))
	emitted := make(map[string]struct{}, cap(out))

	var staticWhitelist map[string]struct{}
	if suppressAll {
		staticWhitelist = make(map[string]struct{}, len(whitelist))
		for w := range whitelist {
			staticWhitelist[ContainsPattern(w)] = struct{}{}
		}
	}
	for _, r := range c.static {
		if _, ok := staticWhitelist[r.Trigger.URLFilter]; ok {
			stats.Whitelisted++
			continue
		}
		if len(out) >= budget {
			stats.Truncated++
			continue
		}
		out = append(out, r)
		emitted[r.Trigger.URLFilter] = struct{}{}
		stats.Static++
	}

	add := func(literal string, counter *int) {
		pattern := ContainsPattern(literal)
		if _, dup := emitted[pattern]; dup {
			return
		}
		if len(out) >= budget {
			stats.Truncated++
			return
		}
		emitted[pattern] = struct{}{}
		out = append(out, NewBlockRule(pattern))
		*counter++
	}
	isWhitelisted := func(literal string, always bool) bool {
		if !always && !suppressAll {
			return false
		}
		if _, ok := whitelist[literal]; ok {
			stats.Whitelisted++
			return true
		}
		return false
	}

	for _, d := range candidates(state.CustomDomains, IsValidDomain, &stats.Skipped) {
		if isWhitelisted(d, true) {
			continue
		}
		add(d, &stats.CustomDomains)
	}

	predefined := candidates(state.PredefinedKeywords, IsValidKeyword, &stats.Skipped)
	predefined, dropped := capList(predefined, c.opts.MaxPredefinedKeywords)
	stats.Truncated += dropped
	for _, k := range predefined {
		if isWhitelisted(k, false) {
			continue
		}
		add(k, &stats.PredefinedKeywords)
	}

	custom := candidates(state.CustomKeywords, IsValidKeyword, &stats.Skipped)
	custom, dropped = capList(custom, c.opts.MaxCustomKeywords)
	stats.Truncated += dropped
	for _, k := range custom {
		if isWhitelisted(k, false) {
			continue
		}
		add(k, &stats.CustomKeywords)
	}

	if c.opts.MaxSnapshotDomains > 0 {
		snapshot := candidates(state.SnapshotDomains, IsValidDomain, &stats.Skipped)
		snapshot, dropped = capList(snapshot, c.opts.MaxSnapshotDomains)
		stats.Truncated += dropped
		for _, d := range snapshot {
			if isWhitelisted(d, true) {
				continue
			}
			add(d, &stats.SnapshotDomains)
		}
	}

	if c.opts.Logger != nil {
		c.opts.Logger.Debug("rules compiled",
			"total", len(out),
			"static", stats.Static,
			"custom_domains", stats.CustomDomains,
			"predefined_keywords", stats.PredefinedKeywords,
			"custom_keywords", stats.CustomKeywords,
			"snapshot_domains", stats.SnapshotDomains,
			"skipped", stats.Skipped,
			"whitelisted", stats.Whitelisted,
			"truncated", stats.Truncated,
		)
	}
	return out, stats
}

// candidates lowercases, trims, validates, dedupes and sorts a category.
// Invalid entries are counted in skipped and otherwise ignored.
func candidates(values []string, valid func(string) bool, skipped *int) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if !valid(v) {
			*skipped++
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

func capList(values []string, limit int) ([]string, int) {
	if len(values) <= limit {
		return values, 0
	}
	return values[:limit], len(values) - limit
}
