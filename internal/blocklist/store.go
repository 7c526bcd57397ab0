package blocklist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/sync/singleflight"

	"github.com/tternquist/beyond-ads-blocker/internal/entitlement"
	"github.com/tternquist/beyond-ads-blocker/internal/kvstore"
	"github.com/tternquist/beyond-ads-blocker/internal/metrics"
	"github.com/tternquist/beyond-ads-blocker/internal/rules"
)

const (
	DefaultSourceURL       = "https://raw.githubusercontent.com/StevenBlack/hosts/master/alternates/porn/hosts"
	DefaultRefreshInterval = 24 * time.Hour
	DefaultCheckInterval   = time.Hour
	DefaultMinDomains      = 100000
	DefaultMaxDownloadSize = 64 << 20
	DefaultFetchTimeout    = 30 * time.Second

	bloomFalsePositiveRate = 0.001
)

// Writer persists a compiled ruleset.
type Writer interface {
	Write(ctx context.Context, rs []rules.Rule) error
}

type Options struct {
	SourceURL       string
	Client          *http.Client
	RefreshInterval time.Duration
	CheckInterval   time.Duration
	MinDomains      int
	MaxDownloadSize int64
	CacheFile       string

	KV                 kvstore.Store
	Entitlement        entitlement.Source
	Compiler           *rules.Compiler
	PredefinedKeywords []string
	Writer             Writer
	Logger             *slog.Logger
	Now                func() time.Time
}

// Snapshot is the parsed remote domain list and when it was fetched.
type Snapshot struct {
	Domains   []string  `json:"domains"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Info summarizes the store for status output.
type Info struct {
	Domains            int         `json:"domains"`
	LastUpdate         *time.Time  `json:"last_update,omitempty"`
	Stale              bool        `json:"stale"`
	CustomDomains      int         `json:"custom_domains"`
	CustomKeywords     int         `json:"custom_keywords"`
	PredefinedKeywords int         `json:"predefined_keywords"`
	Whitelist          int         `json:"whitelist"`
	Rules              int         `json:"rules"`
	Entitled           bool        `json:"entitled"`
	Stats              rules.Stats `json:"stats"`
}

// Lookup reports where a domain appears. Snapshot and custom matches include
// parent domains, so "ads.example.com" matches an "example.com" entry.
type Lookup struct {
	Domain        string `json:"domain"`
	SnapshotMatch string `json:"snapshot_match,omitempty"`
	CustomMatch   string `json:"custom_match,omitempty"`
	KeywordMatch  string `json:"keyword_match,omitempty"`
	Whitelisted   bool   `json:"whitelisted"`
	Blocked       bool   `json:"blocked"`
}

// Store owns the hosts snapshot and the user lists. Every mutation, refresh
// apply and recompile runs under mu so the artifact always reflects one
// consistent state.
type Store struct {
	sourceURL       string
	client          *http.Client
	refreshInterval time.Duration
	checkInterval   time.Duration
	minDomains      int
	maxDownloadSize int64
	cacheFile       string

	kv          kvstore.Store
	entitlement entitlement.Source
	compiler    *rules.Compiler
	predefined  []string
	writer      Writer
	logger      *slog.Logger
	now         func() time.Time

	refreshGroup singleflight.Group
	events       broadcaster

	mu        sync.Mutex
	domains   []string
	filter    *bloom.BloomFilter
	fetchedAt time.Time
	custom    []string
	keywords  []string
	whitelist []string
	compiled  []rules.Rule
	stats     rules.Stats
	// dirty is set while the artifact on disk lags the in-memory state.
	dirty bool
}

// NewStore loads persisted lists and the cached snapshot.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.Entitlement == nil {
		return nil, fmt.Errorf("entitlement source required")
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("artifact writer required")
	}
	s := &Store{
		sourceURL:       strings.TrimSpace(opts.SourceURL),
		client:          opts.Client,
		refreshInterval: opts.RefreshInterval,
		checkInterval:   opts.CheckInterval,
		minDomains:      opts.MinDomains,
		maxDownloadSize: opts.MaxDownloadSize,
		cacheFile:       opts.CacheFile,
		kv:              opts.KV,
		entitlement:     opts.Entitlement,
		compiler:        opts.Compiler,
		predefined:      normalizeSet(opts.PredefinedKeywords),
		writer:          opts.Writer,
		logger:          opts.Logger,
		now:             opts.Now,
	}
	if s.sourceURL == "" {
		s.sourceURL = DefaultSourceURL
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	if s.refreshInterval <= 0 {
		s.refreshInterval = DefaultRefreshInterval
	}
	if s.checkInterval <= 0 {
		s.checkInterval = DefaultCheckInterval
	}
	if s.minDomains <= 0 {
		s.minDomains = DefaultMinDomains
	}
	if s.maxDownloadSize <= 0 {
		s.maxDownloadSize = DefaultMaxDownloadSize
	}
	if s.kv == nil {
		s.kv = kvstore.NewMemoryStore()
	}
	if s.compiler == nil {
		s.compiler = rules.NewCompiler(nil, rules.Options{Logger: opts.Logger})
	}
	if s.now == nil {
		s.now = time.Now
	}

	var err error
	if s.custom, err = s.loadList(ctx, kvstore.KeyCustomBlocklist); err != nil {
		return nil, err
	}
	if s.keywords, err = s.loadList(ctx, kvstore.KeyKeywordBlocklist); err != nil {
		return nil, err
	}
	if s.whitelist, err = s.loadList(ctx, kvstore.KeyWhitelist); err != nil {
		return nil, err
	}
	fetchedAt, ok, err := s.kv.GetTime(ctx, kvstore.KeyAPIBlocklistLastUpdate)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kvstore.KeyAPIBlocklistLastUpdate, err)
	}
	if ok {
		s.fetchedAt = fetchedAt
	}
	domains, err := readSnapshotFile(s.cacheFile)
	if err != nil {
		// A corrupt cache only costs a refresh.
		s.logf(slog.LevelWarn, "blocklist cache unreadable, starting empty", "path", s.cacheFile, "err", err)
		domains = nil
	}
	s.setDomainsLocked(domains)
	metrics.RecordSnapshot(len(s.domains), unixOrZero(s.fetchedAt))
	return s, nil
}

func (s *Store) loadList(ctx context.Context, key string) ([]string, error) {
	values, err := s.kv.GetStrings(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return normalizeSet(values), nil
}

// ShouldRefresh reports whether the snapshot is empty, has never been
// fetched, or is older than the refresh interval.
func (s *Store) ShouldRefresh() bool {
	return s.ShouldRefreshAt(s.now())
}

func (s *Store) ShouldRefreshAt(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldRefreshLocked(now)
}

func (s *Store) shouldRefreshLocked(now time.Time) bool {
	if len(s.domains) == 0 || s.fetchedAt.IsZero() {
		return true
	}
	return now.Sub(s.fetchedAt) >= s.refreshInterval
}

// Refresh downloads and parses the hosts source, then swaps the snapshot,
// persists it and recompiles. On any error the previous snapshot is kept.
// Concurrent callers share a single download, which is not cancelled when
// the caller that started it goes away; the client timeout bounds it.
func (s *Store) Refresh(ctx context.Context) (Snapshot, error) {
	v, err, _ := s.refreshGroup.Do("refresh", func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// RefreshIfStale refreshes only when ShouldRefresh is true.
func (s *Store) RefreshIfStale(ctx context.Context) (bool, error) {
	if !s.ShouldRefresh() {
		return false, nil
	}
	if _, err := s.Refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) refresh(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	domains, err := s.fetch(ctx)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordRefresh(refreshResult(err), elapsed)
		s.logf(slog.LevelWarn, "blocklist refresh failed", "url", s.sourceURL, "err", err)
		return Snapshot{}, err
	}
	if len(domains) < s.minDomains {
		metrics.RecordRefresh(metrics.RefreshImplausible, elapsed)
		err := fmt.Errorf("%w: %d domains, expected at least %d", ErrImplausibleResult, len(domains), s.minDomains)
		s.logf(slog.LevelWarn, "blocklist refresh rejected", "url", s.sourceURL, "err", err)
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The timestamp goes first: a cache file newer than its timestamp would
	// survive a restart while memory still holds the old snapshot.
	fetchedAt := s.now().UTC()
	if err := s.kv.SetTime(ctx, kvstore.KeyAPIBlocklistLastUpdate, fetchedAt); err != nil {
		metrics.RecordRefresh(metrics.RefreshOtherError, elapsed)
		return Snapshot{}, fmt.Errorf("persist %s: %w", kvstore.KeyAPIBlocklistLastUpdate, err)
	}
	if err := writeSnapshotFile(s.cacheFile, domains); err != nil {
		s.restoreTimeLocked(ctx)
		metrics.RecordRefresh(metrics.RefreshOtherError, elapsed)
		return Snapshot{}, fmt.Errorf("write blocklist cache: %w", err)
	}
	s.setDomainsLocked(domains)
	s.fetchedAt = fetchedAt
	metrics.RecordRefresh(metrics.RefreshSuccess, elapsed)
	metrics.RecordSnapshot(len(domains), fetchedAt.Unix())
	s.logf(slog.LevelInfo, "blocklist refreshed", "domains", len(domains), "seconds", elapsed)

	snap := Snapshot{Domains: append([]string(nil), domains...), FetchedAt: fetchedAt}
	if err := s.recompileLocked(ctx, Event{Reason: ReasonRefresh}); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *Store) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if int64(len(body)) > s.maxDownloadSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFetch, s.maxDownloadSize)
	}
	if !utf8.Valid(body) {
		return nil, ErrDecode
	}
	return ParseHostsString(string(body)), nil
}

func refreshResult(err error) string {
	switch {
	case errors.Is(err, ErrFetch):
		return metrics.RefreshFetchError
	case errors.Is(err, ErrDecode):
		return metrics.RefreshDecodeError
	default:
		return metrics.RefreshOtherError
	}
}

func (s *Store) AddCustomDomain(ctx context.Context, domain string) error {
	return s.mutate(ctx, listCustom, "add", domain)
}

func (s *Store) RemoveCustomDomain(ctx context.Context, domain string) error {
	return s.mutate(ctx, listCustom, "remove", domain)
}

func (s *Store) AddKeyword(ctx context.Context, keyword string) error {
	return s.mutate(ctx, listKeywords, "add", keyword)
}

func (s *Store) RemoveKeyword(ctx context.Context, keyword string) error {
	return s.mutate(ctx, listKeywords, "remove", keyword)
}

func (s *Store) AddWhitelist(ctx context.Context, domain string) error {
	return s.mutate(ctx, listWhitelist, "add", domain)
}

func (s *Store) RemoveWhitelist(ctx context.Context, domain string) error {
	return s.mutate(ctx, listWhitelist, "remove", domain)
}

type userList int

const (
	listCustom userList = iota
	listKeywords
	listWhitelist
)

func (l userList) key() string {
	switch l {
	case listKeywords:
		return kvstore.KeyKeywordBlocklist
	case listWhitelist:
		return kvstore.KeyWhitelist
	default:
		return kvstore.KeyCustomBlocklist
	}
}

func (l userList) reason() string {
	switch l {
	case listKeywords:
		return ReasonKeywords
	case listWhitelist:
		return ReasonWhitelist
	default:
		return ReasonDomains
	}
}

func (s *Store) listRef(l userList) *[]string {
	switch l {
	case listKeywords:
		return &s.keywords
	case listWhitelist:
		return &s.whitelist
	default:
		return &s.custom
	}
}

// cleanInput validates values being added. Removals are only normalized so
// entries stored before validation existed can still be deleted.
func cleanInput(l userList, op, raw string) (string, error) {
	if op == "add" {
		if l == listKeywords {
			return CleanKeyword(raw)
		}
		return CleanDomain(raw)
	}
	var v string
	if l == listKeywords {
		v = strings.ToLower(strings.TrimSpace(raw))
	} else {
		v = NormalizeDomain(raw)
	}
	if v == "" {
		return "", fmt.Errorf("%w: empty value", rules.ErrValidation)
	}
	return v, nil
}

func (s *Store) mutate(ctx context.Context, l userList, op, raw string) error {
	if !s.entitlement.IsEntitled() {
		metrics.RecordRejected("not_entitled")
		return ErrNotEntitled
	}
	value, err := cleanInput(l, op, raw)
	if err != nil {
		metrics.RecordRejected("invalid")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ref := s.listRef(l)
	var next []string
	var changed bool
	if op == "add" {
		next, changed = insertSorted(*ref, value)
	} else {
		next, changed = deleteSorted(*ref, value)
	}
	ev := Event{Reason: l.reason(), Op: op, Value: value}
	if !changed {
		if s.dirty {
			return s.recompileLocked(ctx, ev)
		}
		return nil
	}
	prev := *ref
	if err := s.kv.SetStrings(ctx, l.key(), next); err != nil {
		return fmt.Errorf("persist %s: %w", l.key(), err)
	}
	*ref = next
	if err := s.recompileLocked(ctx, ev); err != nil {
		*ref = prev
		if rerr := s.kv.SetStrings(context.WithoutCancel(ctx), l.key(), prev); rerr != nil {
			s.logf(slog.LevelError, "blocklist list rollback failed", "list", l.reason(), "err", rerr)
		}
		return err
	}
	metrics.RecordMutation(l.reason(), op)
	s.logf(slog.LevelInfo, "blocklist list updated", "list", l.reason(), "op", op, "value", value)
	return nil
}

// Recompile rebuilds the ruleset from the current state and writes the
// artifact. It is used after an entitlement change.
func (s *Store) Recompile(ctx context.Context) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.recompileLocked(ctx, Event{Reason: ReasonRecompile})
	return append([]rules.Rule(nil), s.compiled...), err
}

func (s *Store) recompileLocked(ctx context.Context, ev Event) error {
	entitled := s.entitlement.IsEntitled()
	compiled, stats := s.compiler.CompileWithStats(rules.State{
		CustomDomains:      s.custom,
		PredefinedKeywords: s.predefined,
		CustomKeywords:     s.keywords,
		Whitelist:          s.whitelist,
		SnapshotDomains:    s.domains,
	}, entitled)
	metrics.RecordCompile(metrics.RuleCounts{
		Static:             stats.Static,
		CustomDomains:      stats.CustomDomains,
		PredefinedKeywords: stats.PredefinedKeywords,
		CustomKeywords:     stats.CustomKeywords,
		SnapshotDomains:    stats.SnapshotDomains,
		Skipped:            stats.Skipped,
		Whitelisted:        stats.Whitelisted,
		Truncated:          stats.Truncated,
	})
	if err := s.writer.Write(ctx, compiled); err != nil {
		s.dirty = true
		s.logf(slog.LevelError, "artifact write failed", "err", err)
		return err
	}
	s.compiled = compiled
	s.stats = stats
	s.dirty = false
	s.logf(slog.LevelDebug, "ruleset compiled", "rules", len(compiled), "entitled", entitled, "truncated", stats.Truncated)

	ev.Domains = len(s.domains)
	ev.Rules = len(compiled)
	ev.Entitled = entitled
	ev.At = s.now().UTC()
	s.events.publish(ev)
	return nil
}

// WatchEntitlement recompiles whenever the entitlement source flips, until
// ctx is done.
func (s *Store) WatchEntitlement(ctx context.Context) {
	ch, cancel := s.entitlement.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case entitled, ok := <-ch:
				if !ok {
					return
				}
				s.mu.Lock()
				err := s.recompileLocked(ctx, Event{Reason: ReasonEntitlement})
				s.mu.Unlock()
				if err != nil {
					s.logf(slog.LevelError, "recompile after entitlement change failed", "entitled", entitled, "err", err)
				}
			}
		}
	}()
}

// Start refreshes a stale snapshot now and then checks staleness on every
// check interval until ctx is done.
func (s *Store) Start(ctx context.Context) {
	if _, err := s.RefreshIfStale(ctx); err != nil {
		s.logf(slog.LevelWarn, "blocklist initial refresh failed", "err", err)
	}
	ticker := time.NewTicker(s.checkInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RefreshIfStale(ctx); err != nil {
					s.logf(slog.LevelWarn, "blocklist scheduled refresh failed", "err", err)
				}
			}
		}
	}()
}

// Subscribe returns a channel of state change events and its cancel func.
func (s *Store) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Domains: append([]string(nil), s.domains...), FetchedAt: s.fetchedAt}
}

func (s *Store) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Domains:            len(s.domains),
		Stale:              s.shouldRefreshLocked(s.now()),
		CustomDomains:      len(s.custom),
		CustomKeywords:     len(s.keywords),
		PredefinedKeywords: len(s.predefined),
		Whitelist:          len(s.whitelist),
		Rules:              len(s.compiled),
		Entitled:           s.entitlement.IsEntitled(),
		Stats:              s.stats,
	}
	if !s.fetchedAt.IsZero() {
		t := s.fetchedAt
		info.LastUpdate = &t
	}
	return info
}

func (s *Store) CustomDomains() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.custom...)
}

func (s *Store) Keywords() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.keywords...)
}

func (s *Store) Whitelist() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.whitelist...)
}

// Rules returns the last compiled ruleset.
func (s *Store) Rules() []rules.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rules.Rule{}, s.compiled...)
}

// ListSizes implements metrics.ListSizes.
func (s *Store) ListSizes() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{
		ReasonDomains:         len(s.custom),
		ReasonKeywords:        len(s.keywords),
		ReasonWhitelist:       len(s.whitelist),
		"predefined_keywords": len(s.predefined),
	}
}

// Lookup checks a domain against the snapshot, the user lists and the
// keywords.
func (s *Store) Lookup(domain string) Lookup {
	name := NormalizeDomain(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	result := Lookup{Domain: name}
	if name == "" {
		return result
	}
	result.Whitelisted = containsSorted(s.whitelist, name)
	for candidate := name; candidate != ""; candidate = parentDomain(candidate) {
		if result.SnapshotMatch == "" && s.inSnapshotLocked(candidate) {
			result.SnapshotMatch = candidate
		}
		if result.CustomMatch == "" && containsSorted(s.custom, candidate) {
			result.CustomMatch = candidate
		}
	}
	for _, list := range [][]string{s.keywords, s.predefined} {
		for _, kw := range list {
			if strings.Contains(name, kw) {
				result.KeywordMatch = kw
				break
			}
		}
		if result.KeywordMatch != "" {
			break
		}
	}
	result.Blocked = !result.Whitelisted &&
		(result.SnapshotMatch != "" || result.CustomMatch != "" || result.KeywordMatch != "")
	return result
}

func (s *Store) inSnapshotLocked(name string) bool {
	if s.filter == nil || !s.filter.TestString(name) {
		return false
	}
	return containsSorted(s.domains, name)
}

func (s *Store) setDomainsLocked(domains []string) {
	if domains == nil {
		domains = []string{}
	}
	if !sort.StringsAreSorted(domains) {
		sort.Strings(domains)
	}
	n := uint(len(domains))
	if n == 0 {
		n = 1
	}
	filter := bloom.NewWithEstimates(n, bloomFalsePositiveRate)
	for _, d := range domains {
		filter.AddString(d)
	}
	s.domains = domains
	s.filter = filter
}

func parentDomain(name string) string {
	idx := strings.IndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}

// restoreTimeLocked puts back the persisted timestamp of the snapshot still
// held in memory. A zero time reads back as stale.
func (s *Store) restoreTimeLocked(ctx context.Context) {
	if err := s.kv.SetTime(context.WithoutCancel(ctx), kvstore.KeyAPIBlocklistLastUpdate, s.fetchedAt); err != nil {
		s.logf(slog.LevelError, "blocklist timestamp rollback failed", "err", err)
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (s *Store) logf(level slog.Level, msg string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Log(context.Background(), level, msg, args...)
}
