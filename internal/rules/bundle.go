package rules

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

//go:embed bundle/blockerList.json
var embeddedStaticRules []byte

//go:embed bundle/keywordsList.json
var embeddedKeywordRules []byte

// fallbackSites are blocked when the static bundle cannot be loaded, and make
// up the fallback artifact when encoding fails.
var fallbackSites = []string{
	"pornhub.com",
	"xvideos.com",
	"xnxx.com",
	"xhamster.com",
	"redtube.com",
	"youporn.com",
	"spankbang.com",
	"chaturbate.com",
}

// Bundle holds the shipped static rules and the predefined keywords derived
// from the shipped keyword rule file.
type Bundle struct {
	Static   []Rule
	Keywords []string
	// Fallback is set when Static is the manual fallback list.
	Fallback bool
}

// LoadBundle reads the static rule file and the keyword rule file. Empty paths
// select the embedded copies. A static bundle that fails to load is replaced by
// FallbackRules so an entitled compile is never empty.
func LoadBundle(staticPath, keywordsPath string, logger *slog.Logger) Bundle {
	var bundle Bundle

	static, err := loadRuleFile(staticPath, embeddedStaticRules)
	if err != nil {
		logf(logger, slog.LevelWarn, "static rule bundle unavailable, using fallback list", "path", staticPath, "err", err)
		bundle.Static = FallbackRules()
		bundle.Fallback = true
	} else {
		bundle.Static = static
	}

	keywordRules, err := loadRuleFile(keywordsPath, embeddedKeywordRules)
	if err != nil {
		logf(logger, slog.LevelWarn, "keyword rule bundle unavailable", "path", keywordsPath, "err", err)
	} else {
		bundle.Keywords = ExtractKeywords(keywordRules)
	}
	logf(logger, slog.LevelDebug, "rule bundle loaded", "static", len(bundle.Static), "keywords", len(bundle.Keywords), "fallback", bundle.Fallback)
	return bundle
}

// DecodeRules parses a JSON rule file. Entries without a url-filter or action
// are dropped; a file with no usable rules is an error.
func DecodeRules(data []byte) ([]Rule, error) {
	var raw []Rule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	out := make([]Rule, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r.Trigger.URLFilter) == "" || r.Action.Type == "" {
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, errors.New("rule file contains no usable rules")
	}
	return out, nil
}

// ExtractKeywords strips the ".*" wrapper from each rule's url-filter and
// keeps the valid, distinct keywords in file order.
func ExtractKeywords(rules []Rule) []string {
	seen := make(map[string]struct{}, len(rules))
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		filter := r.Trigger.URLFilter
		if len(filter) <= len(containsPrefix)+len(containsSuffix) {
			continue
		}
		if !strings.HasPrefix(filter, containsPrefix) || !strings.HasSuffix(filter, containsSuffix) {
			continue
		}
		keyword := strings.ToLower(strings.TrimSpace(filter[len(containsPrefix) : len(filter)-len(containsSuffix)]))
		if !IsValidKeyword(keyword) {
			continue
		}
		if _, ok := seen[keyword]; ok {
			continue
		}
		seen[keyword] = struct{}{}
		out = append(out, keyword)
	}
	return out
}

// FallbackRules returns a fresh copy of the hardcoded high-value block rules.
func FallbackRules() []Rule {
	out := make([]Rule, 0, len(fallbackSites))
	for _, site := range fallbackSites {
		out = append(out, NewBlockRule(ContainsPattern(site)))
	}
	return out
}

func loadRuleFile(path string, embedded []byte) ([]Rule, error) {
	data := embedded
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return DecodeRules(data)
}

func logf(logger *slog.Logger, level slog.Level, msg string, args ...any) {
	if logger == nil {
		return
	}
	logger.Log(context.Background(), level, msg, args...)
}
