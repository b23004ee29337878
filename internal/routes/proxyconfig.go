// Package routes parses and edits the standalone reverse-proxy configuration
// file (a Caddyfile-style block format: "domain { reverse_proxy target }"),
// used by both the Discovery Pipeline (read-only join) and the Action
// Engine's route add/remove/reload operations (spec §4.2 step 4, §4.7).
package routes

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Route is one reverse-proxy domain mapping.
type Route struct {
	Domain    string `json:"domain"`
	Container string `json:"container,omitempty"`
	Port      string `json:"port,omitempty"`
}

var (
	domainHeaderRe = regexp.MustCompile(`^([a-zA-Z0-9][a-zA-Z0-9.-]*)\s*\{\s*$`)
	reverseProxyRe = regexp.MustCompile(`^\s*reverse_proxy\s+(\S+)\s*$`)
)

// Parse reads the proxy config's domain blocks into Routes, sorted by
// domain for deterministic output.
func Parse(data []byte) ([]Route, error) {
	var out []Route
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var currentDomain string
	inBlock := false

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !inBlock {
			if m := domainHeaderRe.FindStringSubmatch(trimmed); m != nil {
				currentDomain = m[1]
				inBlock = true
			}
			continue
		}

		if trimmed == "}" {
			inBlock = false
			continue
		}
		if m := reverseProxyRe.FindStringSubmatch(trimmed); m != nil {
			container, port, _ := strings.Cut(m[1], ":")
			out = append(out, Route{Domain: currentDomain, Container: container, Port: port})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan proxy config: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// Render writes routes back out in the same block format Parse reads,
// sorted by domain for byte-stable output.
func Render(rs []Route) []byte {
	sorted := make([]Route, len(rs))
	copy(sorted, rs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Domain < sorted[j].Domain })

	var buf bytes.Buffer
	for _, r := range sorted {
		fmt.Fprintf(&buf, "%s {\n", r.Domain)
		fmt.Fprintf(&buf, "\treverse_proxy %s:%s\n", r.Container, r.Port)
		buf.WriteString("}\n")
	}
	return buf.Bytes()
}

// Add appends route to rs; if an identical entry already exists, rs is
// returned unchanged. Returns ErrAlreadyBound if the domain is already bound
// to a different target (spec §7 Conflict).
func Add(rs []Route, add Route) ([]Route, error) {
	for _, r := range rs {
		if r.Domain == add.Domain {
			if r.Container == add.Container && r.Port == add.Port {
				return rs, nil
			}
			return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, add.Domain)
		}
	}
	return append(append([]Route{}, rs...), add), nil
}

// Remove drops the route for domain, if present.
func Remove(rs []Route, domain string) []Route {
	out := make([]Route, 0, len(rs))
	for _, r := range rs {
		if r.Domain != domain {
			out = append(out, r)
		}
	}
	return out
}

// ErrAlreadyBound signals a domain is already routed elsewhere.
var ErrAlreadyBound = fmt.Errorf("domain already bound")
