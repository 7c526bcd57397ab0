package blocklist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/tternquist/beyond-ads-blocker/internal/fileutil"
)

// readSnapshotFile loads the cached domain array. A missing file is an empty
// snapshot.
func readSnapshotFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var domains []string
	if err := json.Unmarshal(data, &domains); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return normalizeSet(domains), nil
}

func writeSnapshotFile(path string, domains []string) error {
	if path == "" {
		return nil
	}
	if domains == nil {
		domains = []string{}
	}
	data, err := json.Marshal(domains)
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(path, data, 0o644)
}

// normalizeSet lowercases, trims, drops empties and returns a sorted unique slice.
func normalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func containsSorted(values []string, v string) bool {
	i := sort.SearchStrings(values, v)
	return i < len(values) && values[i] == v
}

// insertSorted returns a new slice with v added, or the input and false if
// v is already present.
func insertSorted(values []string, v string) ([]string, bool) {
	i := sort.SearchStrings(values, v)
	if i < len(values) && values[i] == v {
		return values, false
	}
	out := make([]string, 0, len(values)+1)
	out = append(out, values[:i]...)
	out = append(out, v)
	out = append(out, values[i:]...)
	return out, true
}

func deleteSorted(values []string, v string) ([]string, bool) {
	i := sort.SearchStrings(values, v)
	if i >= len(values) || values[i] != v {
		return values, false
	}
	out := make([]string, 0, len(values)-1)
	out = append(out, values[:i]...)
	out = append(out, values[i+1:]...)
	return out, true
}
