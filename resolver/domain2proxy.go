package resolver

import (
	"strings"

	"github.com/sipmesh/dispatcher/sipaddr"
)

// ProxyTable is the ordered domain→proxy pattern table consulted before
// DNS (core spec §3, "Registry of domain→proxy mappings"). Patterns are
// exact domains, "*.suffix" wildcards, or the catch-all "*"; lookup tries
// exact match, then the longest matching suffix, then the catch-all.
type ProxyTable struct {
	entries []proxyEntry
}

type proxyEntry struct {
	pattern string
	addr    sipaddr.Address
}

// Add appends a (pattern, addr) mapping. If the same pattern is added more
// than once, Lookup returns the address from the first Add; later ones
// never shadow it.
func (t *ProxyTable) Add(pattern string, addr sipaddr.Address) *ProxyTable {
	t.entries = append(t.entries, proxyEntry{pattern: strings.ToLower(pattern), addr: addr})
	return t
}

// Lookup finds the proxy Address for domain, trying exact match, then the
// longest matching "*.suffix" pattern, then the catch-all "*".
func (t *ProxyTable) Lookup(domain string) (sipaddr.Address, bool) {
	if t == nil {
		return sipaddr.Address{}, false
	}
	domain = strings.ToLower(domain)

	for _, e := range t.entries {
		if e.pattern == domain {
			return e.addr, true
		}
	}

	var best proxyEntry
	bestLen := -1
	for _, e := range t.entries {
		suffix, ok := strings.CutPrefix(e.pattern, "*.")
		if !ok {
			continue
		}
		if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
			if len(suffix) > bestLen {
				best, bestLen = e, len(suffix)
			}
		}
	}
	if bestLen >= 0 {
		return best.addr, true
	}

	for _, e := range t.entries {
		if e.pattern == "*" {
			return e.addr, true
		}
	}

	return sipaddr.Address{}, false
}
