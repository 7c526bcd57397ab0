package control

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/tternquist/beyond-ads-blocker/internal/blocklist"
	"github.com/tternquist/beyond-ads-blocker/internal/config"
	"github.com/tternquist/beyond-ads-blocker/internal/metrics"
	"github.com/tternquist/beyond-ads-blocker/internal/rules"
)

// Config holds dependencies for the control server.
type Config struct {
	ControlCfg config.ControlConfig
	Store      *blocklist.Store
	Logger     *slog.Logger
}

// Start creates and starts the control HTTP server. Returns nil if control is disabled.
func Start(cfg Config) *http.Server {
	if cfg.ControlCfg.Enabled == nil || !*cfg.ControlCfg.Enabled {
		return nil
	}
	if cfg.ControlCfg.Listen == "" {
		if cfg.Logger != nil {
			cfg.Logger.Info("control server disabled: missing listen address")
		}
		return nil
	}
	server := &http.Server{
		Addr:              cfg.ControlCfg.Listen,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if cfg.Logger != nil {
				cfg.Logger.Error("control server error", "err", err)
			}
		}
	}()
	if cfg.Logger != nil {
		cfg.Logger.Info("control server listening", "addr", cfg.ControlCfg.Listen)
	}
	return server
}

// NewHandler builds the control API mux.
func NewHandler(cfg Config) http.Handler {
	auth := authenticator{
		token: strings.TrimSpace(cfg.ControlCfg.Token),
		hash:  []byte(strings.TrimSpace(cfg.ControlCfg.TokenHash)),
	}
	store := cfg.Store

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", handleMetrics(store))
	mux.HandleFunc("/blocklist/info", auth.wrap(handleInfo(store)))
	mux.HandleFunc("/blocklist/refresh", auth.wrap(rateLimitHandler(handleRefresh(store), rate.Every(30*time.Second), 1, http.MethodPost)))
	mux.HandleFunc("/blocklist/check", auth.wrap(handleCheck(store)))
	for path, l := range map[string]userList{"/domains": domainList, "/keywords": keywordList, "/whitelist": whitelistList} {
		mux.HandleFunc(path, auth.wrap(rateLimitHandler(handleList(store, l), rate.Every(time.Second), 10, http.MethodPost, http.MethodDelete)))
	}
	mux.HandleFunc("/rules", auth.wrap(handleRules(store)))
	return mux
}

// rateLimitHandler wraps h with a rate limiter. Allows burst requests, refills at refill interval.
// Only requests using one of methods spend a token; others go straight to h.
func rateLimitHandler(h http.HandlerFunc, refill rate.Limit, burst int, methods ...string) http.HandlerFunc {
	limiter := rate.NewLimiter(refill, burst)
	return func(w http.ResponseWriter, r *http.Request) {
		if slices.Contains(methods, r.Method) && !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		h(w, r)
	}
}

// authenticator accepts a plain token or, when only a bcrypt hash is
// configured, any token matching the hash. With neither set every request
// is allowed.
type authenticator struct {
	token string
	hash  []byte
}

func (a authenticator) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.authorize(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (a authenticator) authorize(r *http.Request) bool {
	if a.token == "" && len(a.hash) == 0 {
		return true
	}
	presented := presentedToken(r)
	if presented == "" {
		return false
	}
	if a.token != "" {
		return subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) == 1
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(presented)) == nil
}

func presentedToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(r.Header.Get("X-Auth-Token"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]any{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, blocklist.ErrNotEntitled):
		return http.StatusForbidden
	case errors.Is(err, rules.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, blocklist.ErrFetch),
		errors.Is(err, blocklist.ErrDecode),
		errors.Is(err, blocklist.ErrImplausibleResult):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func handleMetrics(store *blocklist.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			metrics.UpdateGauges(store)
		}
		promhttp.HandlerFor(metrics.Init(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

func handleInfo(store *blocklist.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, store.Info())
	}
}

// handleRefresh forces a download unless force=false is given, in which case
// only a stale snapshot is refreshed.
func handleRefresh(store *blocklist.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Query().Get("force") == "false" {
			refreshed, err := store.RefreshIfStale(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"refreshed": refreshed, "domains": store.Info().Domains})
			return
		}
		snap, err := store.Refresh(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"refreshed":  true,
			"domains":    len(snap.Domains),
			"fetched_at": snap.FetchedAt,
		})
	}
}

func handleCheck(store *blocklist.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		domain := strings.TrimSpace(r.URL.Query().Get("domain"))
		if domain == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "domain parameter required"})
			return
		}
		writeJSON(w, http.StatusOK, store.Lookup(domain))
	}
}

func handleRules(store *blocklist.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, store.Rules())
	}
}
