// Package origin implements the browser Origin policy shared by the HTTP
// endpoints and the signaling WebSocket upgrade.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// dropped) and the host[:port] part used for same-host comparisons. The opaque
// origin "null" is returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy decides which browser origins may use the relay.
//
// An empty policy allows only same-host requests (the Origin's host[:port]
// must equal the request Host). Otherwise an origin must appear in the list,
// or the list must contain "*".
type Policy struct {
	allowed  map[string]struct{}
	wildcard bool
	entries  []string
}

// NewPolicy parses a list of allowed origins. Entries must be "*", "null" or a
// full origin such as https://example.com.
func NewPolicy(entries []string) (Policy, error) {
	p := Policy{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			p.wildcard = true
			p.entries = append(p.entries, entry)
			continue
		}
		normalized, _, ok := NormalizeHeader(entry)
		if !ok {
			return Policy{}, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		if p.allowed == nil {
			p.allowed = make(map[string]struct{})
		}
		if _, dup := p.allowed[normalized]; dup {
			continue
		}
		p.allowed[normalized] = struct{}{}
		p.entries = append(p.entries, normalized)
	}
	return p, nil
}

// ParseList splits a comma-separated ALLOWED_ORIGINS value into a Policy.
func ParseList(raw string) (Policy, error) {
	return NewPolicy(strings.Split(raw, ","))
}

// Entries returns the normalized allow-list.
func (p Policy) Entries() []string {
	return append([]string(nil), p.entries...)
}

// AllowsAny reports whether the policy contains the "*" wildcard.
func (p Policy) AllowsAny() bool { return p.wildcard }

// Allows reports whether a normalized origin may access requestHost.
func (p Policy) Allows(normalized, originHost, requestHost string) bool {
	if len(p.entries) > 0 {
		if p.wildcard {
			return true
		}
		_, ok := p.allowed[normalized]
		return ok
	}

	// Same host:port only. The scheme is not compared because the relay may
	// sit behind a TLS-terminating proxy and see plain HTTP.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	reqHost, ok := normalizeAuthority(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// Check applies the policy to an HTTP request. Requests without an Origin
// header (native clients, curl) are allowed and return an empty origin.
func (p Policy) Check(r *http.Request) (normalized string, ok bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	normalized, host, ok := NormalizeHeader(header)
	if !ok || !p.Allows(normalized, host, r.Host) {
		return "", false
	}
	return normalized, true
}

// normalizeAuthority lowercases host[:port], validates the port and drops the
// scheme's default port. IPv6 literals keep their brackets.
func normalizeAuthority(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port]. IPv6 hostnames are returned
// without brackets; the port is not validated.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, found := strings.CutPrefix(rest, ":")
		if !found || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
