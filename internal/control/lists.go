package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tternquist/beyond-ads-blocker/internal/blocklist"
)

const maxListBody = 4 << 10

// userList binds one of the store's editable lists to the HTTP handlers.
type userList struct {
	name   string
	list   func(*blocklist.Store) []string
	add    func(*blocklist.Store, context.Context, string) error
	remove func(*blocklist.Store, context.Context, string) error
}

var (
	domainList = userList{
		name:   "domains",
		list:   (*blocklist.Store).CustomDomains,
		add:    (*blocklist.Store).AddCustomDomain,
		remove: (*blocklist.Store).RemoveCustomDomain,
	}
	keywordList = userList{
		name:   "keywords",
		list:   (*blocklist.Store).Keywords,
		add:    (*blocklist.Store).AddKeyword,
		remove: (*blocklist.Store).RemoveKeyword,
	}
	whitelistList = userList{
		name:   "whitelist",
		list:   (*blocklist.Store).Whitelist,
		add:    (*blocklist.Store).AddWhitelist,
		remove: (*blocklist.Store).RemoveWhitelist,
	}
)

type listRequest struct {
	Value string `json:"value"`
}

// handleList serves GET (list), POST (add) and DELETE (remove). The value is
// read from a JSON body {"value": "..."} or the "value" query parameter.
func handleList(store *blocklist.Store, l userList) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{l.name: l.list(store)})
			return
		case http.MethodPost, http.MethodDelete:
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		value, ok := readValue(w, r)
		if !ok {
			return
		}
		op := l.add
		if r.Method == http.MethodDelete {
			op = l.remove
		}
		if err := op(store, r.Context(), value); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, l.name: l.list(store)})
	}
}

func readValue(w http.ResponseWriter, r *http.Request) (string, bool) {
	if v := strings.TrimSpace(r.URL.Query().Get("value")); v != "" {
		return v, true
	}
	var req listRequest
	body := http.MaxBytesReader(w, r.Body, maxListBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return "", false
	}
	if strings.TrimSpace(req.Value) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "value required"})
		return "", false
	}
	return req.Value, true
}
