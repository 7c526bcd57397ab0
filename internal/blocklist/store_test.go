package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tternquist/beyond-ads-blocker/internal/entitlement"
	"github.com/tternquist/beyond-ads-blocker/internal/kvstore"
	"github.com/tternquist/beyond-ads-blocker/internal/logging"
	"github.com/tternquist/beyond-ads-blocker/internal/rules"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes [][]rules.Rule
	err    error
}

func (w *recordingWriter) Write(_ context.Context, rs []rules.Rule) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, append([]rules.Rule(nil), rs...))
	return w.err
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *recordingWriter) last() []rules.Rule {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.writes) == 0 {
		return nil
	}
	return w.writes[len(w.writes)-1]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// hostsServer serves whatever body is currently stored and counts hits.
type hostsServer struct {
	*httptest.Server
	body   atomic.Value
	status atomic.Int32
	hits   atomic.Int32
}

func newHostsServer(t *testing.T, body string) *hostsServer {
	t.Helper()
	hs := &hostsServer{}
	hs.body.Store(body)
	hs.status.Store(http.StatusOK)
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.hits.Add(1)
		w.WriteHeader(int(hs.status.Load()))
		_, _ = w.Write([]byte(hs.body.Load().(string)))
	}))
	t.Cleanup(hs.Close)
	return hs
}

func hostsBody(domains ...string) string {
	var b strings.Builder
	b.WriteString("# test hosts\n127.0.0.1 localhost\n")
	for _, d := range domains {
		fmt.Fprintf(&b, "0.0.0.0 %s\n", d)
	}
	return b.String()
}

type testEnv struct {
	store  *Store
	server *hostsServer
	writer *recordingWriter
	ent    *entitlement.Static
	kv     kvstore.Store
	clock  *fakeClock
	cache  string
}

func newTestEnv(t *testing.T, entitled bool) *testEnv {
	t.Helper()
	env := &testEnv{
		server: newHostsServer(t, hostsBody("a.example.com", "b.example.com", "c.example.com")),
		writer: &recordingWriter{},
		ent:    entitlement.NewStatic(entitled),
		kv:     kvstore.NewMemoryStore(),
		clock:  &fakeClock{t: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)},
		cache:  filepath.Join(t.TempDir(), "blocklist.json"),
	}
	env.store = env.open(t)
	return env
}

func (env *testEnv) open(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), Options{
		SourceURL:          env.server.URL,
		MinDomains:         3,
		CacheFile:          env.cache,
		KV:                 env.kv,
		Entitlement:        env.ent,
		Compiler:           rules.NewCompiler([]rules.Rule{rules.NewBlockRule("pornhub")}, rules.Options{}),
		PredefinedKeywords: []string{"porn"},
		Writer:             env.writer,
		Logger:             logging.NewDiscardLogger(),
		Now:                env.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func patternsOf(rs []rules.Rule) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Trigger.URLFilter)
	}
	return out
}

func TestNewStoreRequiresCollaborators(t *testing.T) {
	if _, err := NewStore(context.Background(), Options{Writer: &recordingWriter{}}); err == nil {
		t.Fatal("expected error without entitlement source")
	}
	if _, err := NewStore(context.Background(), Options{Entitlement: entitlement.NewStatic(true)}); err == nil {
		t.Fatal("expected error without writer")
	}
}

func TestShouldRefreshEmptyStore(t *testing.T) {
	env := newTestEnv(t, true)
	if !env.store.ShouldRefresh() {
		t.Fatal("empty store should need a refresh")
	}
}

func TestShouldRefreshAtInterval(t *testing.T) {
	env := newTestEnv(t, true)
	if _, err := env.store.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	last := env.clock.Now()
	if env.store.ShouldRefreshAt(last.Add(23 * time.Hour)) {
		t.Fatal("23h old snapshot should be fresh")
	}
	if !env.store.ShouldRefreshAt(last.Add(24 * time.Hour)) {
		t.Fatal("24h old snapshot should be stale")
	}
	if !env.store.ShouldRefreshAt(last.Add(25 * time.Hour)) {
		t.Fatal("25h old snapshot should be stale")
	}
}

func TestRefreshSuccess(t *testing.T) {
	env := newTestEnv(t, true)
	events, cancel := env.store.Subscribe()
	defer cancel()

	snap, err := env.store.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := []string{"a.example.com", "b.example.com", "c.example.com"}
	if !reflect.DeepEqual(snap.Domains, want) {
		t.Fatalf("snapshot = %v, want %v", snap.Domains, want)
	}
	if !snap.FetchedAt.Equal(env.clock.Now()) {
		t.Fatalf("FetchedAt = %v", snap.FetchedAt)
	}

	data, err := os.ReadFile(env.cache)
	if err != nil {
		t.Fatalf("cache not written: %v", err)
	}
	var cached []string
	if err := json.Unmarshal(data, &cached); err != nil {
		t.Fatalf("cache is not a JSON array: %v", err)
	}
	if !reflect.DeepEqual(cached, want) {
		t.Fatalf("cache = %v", cached)
	}

	stamp, ok, err := env.kv.GetTime(context.Background(), kvstore.KeyAPIBlocklistLastUpdate)
	if err != nil || !ok || !stamp.Equal(env.clock.Now()) {
		t.Fatalf("last update = %v ok %v err %v", stamp, ok, err)
	}
	if env.writer.count() != 1 {
		t.Fatalf("artifact writes = %d, want 1", env.writer.count())
	}
	select {
	case ev := <-events:
		if ev.Reason != ReasonRefresh || ev.Domains != 3 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change event")
	}
}

func TestRefreshImplausibleKeepsSnapshot(t *testing.T) {
	env := newTestEnv(t, true)
	if _, err := env.store.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	before, _ := os.ReadFile(env.cache)
	env.clock.Advance(25 * time.Hour)
	env.server.body.Store(hostsBody("only.example.com"))

	_, err := env.store.Refresh(context.Background())
	if !errors.Is(err, ErrImplausibleResult) {
		t.Fatalf("Refresh = %v, want ErrImplausibleResult", err)
	}
	if got := env.store.Snapshot().Domains; len(got) != 3 {
		t.Fatalf("snapshot replaced: %v", got)
	}
	after, _ := os.ReadFile(env.cache)
	if string(before) != string(after) {
		t.Fatal("cache file changed after rejected refresh")
	}
	if !env.store.ShouldRefresh() {
		t.Fatal("timestamp should not advance on rejected refresh")
	}
}

func TestRefreshFetchError(t *testing.T) {
	env := newTestEnv(t, true)
	env.server.status.Store(http.StatusInternalServerError)
	if _, err := env.store.Refresh(context.Background()); !errors.Is(err, ErrFetch) {
		t.Fatalf("Refresh = %v, want ErrFetch", err)
	}
	if env.writer.count() != 0 {
		t.Fatal("artifact written after failed refresh")
	}
}

func TestRefreshUnreachableSource(t *testing.T) {
	env := newTestEnv(t, true)
	env.server.Close()
	if _, err := env.store.Refresh(context.Background()); !errors.Is(err, ErrFetch) {
		t.Fatalf("Refresh = %v, want ErrFetch", err)
	}
}

func TestRefreshDecodeError(t *testing.T) {
	env := newTestEnv(t, true)
	env.server.body.Store("0.0.0.0 a.example.com\n0.0.0.0 \xff\xfe.example.com\n")
	if _, err := env.store.Refresh(context.Background()); !errors.Is(err, ErrDecode) {
		t.Fatalf("Refresh = %v, want ErrDecode", err)
	}
}

func TestRefreshBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, true)
	store, err := NewStore(context.Background(), Options{
		SourceURL:       env.server.URL,
		MinDomains:      1,
		MaxDownloadSize: 16,
		Entitlement:     env.ent,
		Writer:          env.writer,
	})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Refresh(context.Background()); !errors.Is(err, ErrFetch) {
		t.Fatalf("Refresh = %v, want ErrFetch", err)
	}
}

func TestRefreshIfStale(t *testing.T) {
	env := newTestEnv(t, true)
	refreshed, err := env.store.RefreshIfStale(context.Background())
	if err != nil || !refreshed {
		t.Fatalf("first RefreshIfStale = %v, %v", refreshed, err)
	}
	env.clock.Advance(time.Hour)
	refreshed, err = env.store.RefreshIfStale(context.Background())
	if err != nil || refreshed {
		t.Fatalf("fresh RefreshIfStale = %v, %v", refreshed, err)
	}
	if hits := env.server.hits.Load(); hits != 1 {
		t.Fatalf("source hits = %d, want 1", hits)
	}
	env.clock.Advance(24 * time.Hour)
	if refreshed, _ := env.store.RefreshIfStale(context.Background()); !refreshed {
		t.Fatal("stale snapshot not refreshed")
	}
}

func TestMutationsRequireEntitlement(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	calls := []func() error{
		func() error { return env.store.AddCustomDomain(ctx, "badsite.net") },
		func() error { return env.store.RemoveCustomDomain(ctx, "badsite.net") },
		func() error { return env.store.AddKeyword(ctx, "casino") },
		func() error { return env.store.RemoveKeyword(ctx, "casino") },
		func() error { return env.store.AddWhitelist(ctx, "good.org") },
		func() error { return env.store.RemoveWhitelist(ctx, "good.org") },
	}
	for i, call := range calls {
		if err := call(); !errors.Is(err, ErrNotEntitled) {
			t.Fatalf("call %d = %v, want ErrNotEntitled", i, err)
		}
	}
	if got, _ := env.kv.GetStrings(ctx, kvstore.KeyCustomBlocklist); len(got) != 0 {
		t.Fatalf("custom list persisted while not entitled: %v", got)
	}
	if env.writer.count() != 0 {
		t.Fatal("artifact written for rejected mutation")
	}
}

func TestAddCustomDomainIdempotent(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := env.store.AddCustomDomain(ctx, "https://www.BadSite.net/page"); err != nil {
			t.Fatalf("AddCustomDomain: %v", err)
		}
	}
	got, _ := env.kv.GetStrings(ctx, kvstore.KeyCustomBlocklist)
	if !reflect.DeepEqual(got, []string{"badsite.net"}) {
		t.Fatalf("persisted custom list = %v", got)
	}
	if env.writer.count() != 1 {
		t.Fatalf("artifact writes = %d, want 1", env.writer.count())
	}
	want := []string{"pornhub", `.*badsite\.net.*`, ".*porn.*"}
	if got := patternsOf(env.writer.last()); !reflect.DeepEqual(got, want) {
		t.Fatalf("compiled = %v, want %v", got, want)
	}
}

func TestRemoveMissingIsNoop(t *testing.T) {
	env := newTestEnv(t, true)
	if err := env.store.RemoveKeyword(context.Background(), "absent"); err != nil {
		t.Fatalf("RemoveKeyword: %v", err)
	}
	if env.writer.count() != 0 {
		t.Fatal("artifact written for no-op removal")
	}
}

func TestAddRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	if err := env.store.AddCustomDomain(ctx, "not a domain"); !errors.Is(err, rules.ErrValidation) {
		t.Fatalf("AddCustomDomain = %v, want ErrValidation", err)
	}
	if err := env.store.AddKeyword(ctx, "a+"); !errors.Is(err, rules.ErrValidation) {
		t.Fatalf("AddKeyword = %v, want ErrValidation", err)
	}
	if err := env.store.AddWhitelist(ctx, "x"); !errors.Is(err, rules.ErrValidation) {
		t.Fatalf("AddWhitelist = %v, want ErrValidation", err)
	}
}

func TestKeywordAndWhitelistLifecycle(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	steps := []func() error{
		func() error { return env.store.AddCustomDomain(ctx, "badsite.net") },
		func() error { return env.store.AddCustomDomain(ctx, "good.org") },
		func() error { return env.store.AddKeyword(ctx, "Casino") },
		func() error { return env.store.AddWhitelist(ctx, "good.org") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	want := []string{"pornhub", `.*badsite\.net.*`, ".*porn.*", ".*casino.*"}
	if got := patternsOf(env.writer.last()); !reflect.DeepEqual(got, want) {
		t.Fatalf("compiled = %v, want %v", got, want)
	}

	if err := env.store.RemoveWhitelist(ctx, "good.org"); err != nil {
		t.Fatalf("RemoveWhitelist: %v", err)
	}
	if err := env.store.RemoveKeyword(ctx, "casino"); err != nil {
		t.Fatalf("RemoveKeyword: %v", err)
	}
	want = []string{"pornhub", `.*badsite\.net.*`, `.*good\.org.*`, ".*porn.*"}
	if got := patternsOf(env.writer.last()); !reflect.DeepEqual(got, want) {
		t.Fatalf("compiled = %v, want %v", got, want)
	}
	if got := env.store.Whitelist(); len(got) != 0 {
		t.Fatalf("whitelist = %v", got)
	}
}

func TestEntitlementFlipRecompiles(t *testing.T) {
	env := newTestEnv(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := env.store.AddCustomDomain(ctx, "badsite.net"); err != nil {
		t.Fatalf("AddCustomDomain: %v", err)
	}
	events, unsubscribe := env.store.Subscribe()
	defer unsubscribe()
	env.store.WatchEntitlement(ctx)

	env.ent.Set(false)
	ev := waitForEvent(t, events, ReasonEntitlement)
	if ev.Entitled || ev.Rules != 0 {
		t.Fatalf("event after revoke = %+v", ev)
	}
	if got := env.writer.last(); len(got) != 0 {
		t.Fatalf("artifact after revoke = %v, want empty", got)
	}

	env.ent.Set(true)
	ev = waitForEvent(t, events, ReasonEntitlement)
	if !ev.Entitled || ev.Rules == 0 {
		t.Fatalf("event after grant = %+v", ev)
	}
}

func waitForEvent(t *testing.T, events <-chan Event, reason string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Reason == reason {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", reason)
		}
	}
}

func TestRecompileNotEntitledIsEmpty(t *testing.T) {
	env := newTestEnv(t, false)
	out, err := env.store.Recompile(context.Background())
	if err != nil {
		t.Fatalf("Recompile: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("Recompile = %v, want empty", out)
	}
}

func TestRecompileSurfacesWriteError(t *testing.T) {
	env := newTestEnv(t, true)
	env.writer.err = errors.New("disk full")
	if _, err := env.store.Recompile(context.Background()); err == nil {
		t.Fatal("expected write error")
	}
}

func TestFailedWriteRollsBackMutation(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	env.writer.err = errors.New("disk full")
	if err := env.store.AddCustomDomain(ctx, "badsite.net"); err == nil {
		t.Fatal("expected write error")
	}
	if got := env.store.CustomDomains(); len(got) != 0 {
		t.Fatalf("in-memory list after failed write = %v, want empty", got)
	}
	if got, _ := env.kv.GetStrings(ctx, kvstore.KeyCustomBlocklist); len(got) != 0 {
		t.Fatalf("persisted list after failed write = %v, want empty", got)
	}

	env.writer.err = nil
	before := env.writer.count()
	if err := env.store.AddCustomDomain(ctx, "badsite.net"); err != nil {
		t.Fatalf("retry AddCustomDomain: %v", err)
	}
	if env.writer.count() != before+1 {
		t.Fatalf("retry wrote %d artifacts, want 1", env.writer.count()-before)
	}
	want := []string{"pornhub", `.*badsite\.net.*`, ".*porn.*"}
	if got := patternsOf(env.writer.last()); !reflect.DeepEqual(got, want) {
		t.Fatalf("compiled = %v, want %v", got, want)
	}
	if got := patternsOf(env.store.Rules()); !reflect.DeepEqual(got, want) {
		t.Fatalf("Rules = %v, want %v", got, want)
	}
}

func TestNoopMutationRewritesStaleArtifact(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	if err := env.store.AddKeyword(ctx, "casino"); err != nil {
		t.Fatalf("AddKeyword: %v", err)
	}

	env.writer.err = errors.New("disk full")
	if _, err := env.store.Recompile(ctx); err == nil {
		t.Fatal("expected write error")
	}
	env.writer.err = nil

	before := env.writer.count()
	if err := env.store.AddKeyword(ctx, "casino"); err != nil {
		t.Fatalf("AddKeyword: %v", err)
	}
	if env.writer.count() != before+1 {
		t.Fatalf("artifact writes = %d, want a rewrite after the failed one", env.writer.count()-before)
	}
	if err := env.store.AddKeyword(ctx, "casino"); err != nil {
		t.Fatalf("AddKeyword: %v", err)
	}
	if env.writer.count() != before+1 {
		t.Fatalf("clean no-op should not write, got %d writes", env.writer.count()-before)
	}
}

func TestRefreshIgnoresCallerCancellation(t *testing.T) {
	env := newTestEnv(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap, err := env.store.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh with cancelled caller: %v", err)
	}
	if len(snap.Domains) != 3 {
		t.Fatalf("snapshot = %v", snap.Domains)
	}
}

func TestRefreshCacheFailureKeepsTimestamp(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	if _, err := env.store.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	first := env.clock.Now()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	env.cache = filepath.Join(blocker, "blocklist.json")
	env.store = env.open(t)
	env.clock.Advance(25 * time.Hour)

	if _, err := env.store.Refresh(ctx); err == nil {
		t.Fatal("expected cache write error")
	}
	stamp, ok, err := env.kv.GetTime(ctx, kvstore.KeyAPIBlocklistLastUpdate)
	if err != nil || !ok || !stamp.Equal(first) {
		t.Fatalf("last update = %v ok %v err %v, want %v", stamp, ok, err, first)
	}
	if !env.store.ShouldRefresh() {
		t.Fatal("store should still be stale after a failed refresh")
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	kv, err := kvstore.OpenFileStore(filepath.Join(dir, "state.yaml"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	env := newTestEnv(t, true)
	env.kv = kv
	env.cache = filepath.Join(dir, "blocklist.json")
	env.store = env.open(t)
	ctx := context.Background()
	if _, err := env.store.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := env.store.AddKeyword(ctx, "casino"); err != nil {
		t.Fatalf("AddKeyword: %v", err)
	}

	reopenedKV, err := kvstore.OpenFileStore(filepath.Join(dir, "state.yaml"))
	if err != nil {
		t.Fatalf("reopen kv: %v", err)
	}
	env.kv = reopenedKV
	restarted := env.open(t)
	if restarted.ShouldRefresh() {
		t.Fatal("restarted store should reuse the cached snapshot")
	}
	if got := restarted.Keywords(); !reflect.DeepEqual(got, []string{"casino"}) {
		t.Fatalf("keywords after restart = %v", got)
	}
	info := restarted.Info()
	if info.Domains != 3 || info.LastUpdate == nil || info.Stale {
		t.Fatalf("info after restart = %+v", info)
	}
}

func TestCorruptCacheStartsEmpty(t *testing.T) {
	env := newTestEnv(t, true)
	if err := os.WriteFile(env.cache, []byte("{oops"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	store := env.open(t)
	if len(store.Snapshot().Domains) != 0 || !store.ShouldRefresh() {
		t.Fatal("corrupt cache should yield an empty, stale snapshot")
	}
}

func TestConcurrentMutationsAndRefresh(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	var wg sync.WaitGroup
	const n = 20
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.store.AddCustomDomain(ctx, fmt.Sprintf("site%02d.example.net", i)); err != nil {
				t.Errorf("AddCustomDomain %d: %v", i, err)
			}
		}()
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.store.Refresh(ctx); err != nil {
				t.Errorf("Refresh: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := env.kv.GetStrings(ctx, kvstore.KeyCustomBlocklist)
	if len(got) != n {
		t.Fatalf("persisted %d custom domains, want %d", len(got), n)
	}
	if len(env.store.Snapshot().Domains) != 3 {
		t.Fatal("refresh result lost")
	}
	last := env.writer.last()
	// static + n custom + predefined keyword
	if len(last) != n+2 {
		t.Fatalf("final artifact has %d rules, want %d", len(last), n+2)
	}
}

func TestLookup(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	if _, err := env.store.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := env.store.AddCustomDomain(ctx, "badsite.net"); err != nil {
		t.Fatalf("AddCustomDomain: %v", err)
	}
	if err := env.store.AddWhitelist(ctx, "b.example.com"); err != nil {
		t.Fatalf("AddWhitelist: %v", err)
	}

	got := env.store.Lookup("https://A.example.com/x")
	if got.SnapshotMatch != "a.example.com" || !got.Blocked {
		t.Fatalf("Lookup a = %+v", got)
	}
	got = env.store.Lookup("cdn.badsite.net")
	if got.CustomMatch != "badsite.net" || !got.Blocked {
		t.Fatalf("Lookup cdn.badsite.net = %+v", got)
	}
	got = env.store.Lookup("b.example.com")
	if !got.Whitelisted || got.Blocked {
		t.Fatalf("Lookup b = %+v", got)
	}
	got = env.store.Lookup("pornsite.org")
	if got.KeywordMatch != "porn" || !got.Blocked {
		t.Fatalf("Lookup keyword = %+v", got)
	}
	got = env.store.Lookup("clean.org")
	if got.Blocked {
		t.Fatalf("Lookup clean = %+v", got)
	}
}

func TestStartRefreshesStaleSnapshot(t *testing.T) {
	env := newTestEnv(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.store.Start(ctx)
	if env.store.ShouldRefresh() {
		t.Fatal("Start should refresh an empty snapshot")
	}
	if hits := env.server.hits.Load(); hits != 1 {
		t.Fatalf("source hits = %d, want 1", hits)
	}
}

func TestListSizes(t *testing.T) {
	env := newTestEnv(t, true)
	if err := env.store.AddWhitelist(context.Background(), "good.org"); err != nil {
		t.Fatalf("AddWhitelist: %v", err)
	}
	sizes := env.store.ListSizes()
	if sizes[ReasonWhitelist] != 1 || sizes["predefined_keywords"] != 1 {
		t.Fatalf("ListSizes = %v", sizes)
	}
}
