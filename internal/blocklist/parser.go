package blocklist

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sort"
	"strings"
)

// Lines longer than this are skipped; a hosts entry never comes close.
const maxLineLen = 1024

const sinkAddress = "0.0.0.0"

var ignoredAddresses = map[string]struct{}{
	"127.0.0.1":       {},
	"::1":             {},
	"255.255.255.255": {},
}

var ignoredHosts = map[string]struct{}{
	"localhost":             {},
	"localhost.localdomain": {},
}

// ParseHosts extracts the sorted, unique domains mapped to 0.0.0.0 in a hosts
// file. Malformed lines are skipped; only read errors are returned.
func ParseHosts(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 && len(line) <= maxLineLen {
			if domain, ok := parseHostsLine(line); ok {
				seen[domain] = struct{}{}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}
	out := make([]string, 0, len(seen))
	for domain := range seen {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out, nil
}

// ParseHostsString is ParseHosts over an in-memory body.
func ParseHostsString(text string) []string {
	out, _ := ParseHosts(strings.NewReader(text))
	return out
}

func parseHostsLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	if idx := strings.IndexByte(trimmed, '#'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return "", false
	}
	ip := fields[0]
	if _, ok := ignoredAddresses[ip]; ok {
		return "", false
	}
	if ip != sinkAddress {
		return "", false
	}
	// A leading "www." is kept: hosts lists name that host separately from
	// the bare domain. Only user input has it stripped (NormalizeDomain).
	domain := strings.ToLower(strings.TrimSuffix(fields[1], "."))
	if domain == "" {
		return "", false
	}
	if _, ok := ignoredHosts[domain]; ok {
		return "", false
	}
	if strings.Contains(domain, "ip6-") {
		return "", false
	}
	if net.ParseIP(domain) != nil {
		return "", false
	}
	return domain, true
}
