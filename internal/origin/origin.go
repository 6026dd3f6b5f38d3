// Package origin validates browser Origin headers for the REST API and the
// signaling WebSocket.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it in canonical
// form: lower-cased scheme and host, no path/query/fragment, default ports
// stripped. The special value "null" (sandboxed iframes, file:// pages) is
// returned as-is.
func Normalize(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}
	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || port == 0 {
			return "", false
		}
		defaulted := (scheme == "http" && port == 80) || (scheme == "https" && port == 443)
		if !defaulted {
			host += ":" + strconv.FormatUint(port, 10)
		}
	}

	return scheme + "://" + host, true
}

// Allowed reports whether a normalized origin may talk to this broker.
//
// With a non-empty allowlist, each entry is either "*" or a normalized origin
// string. With an empty allowlist the policy is same-host: the origin's
// host[:port] must equal the request's Host header (scheme is deliberately
// ignored, the broker may sit behind a TLS-terminating proxy).
func Allowed(normalized string, requestHost string, allowlist []string) bool {
	if len(allowlist) > 0 {
		for _, a := range allowlist {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	scheme, rest, ok := strings.Cut(normalized, "://")
	if !ok || (scheme != "http" && scheme != "https") {
		// "null" and anything non-http cannot match a host-based request.
		return false
	}

	host := strings.ToLower(strings.TrimSpace(requestHost))
	if h, p, ok := strings.Cut(host, ":"); ok && !strings.HasPrefix(host, "[") {
		if (scheme == "http" && p == "80") || (scheme == "https" && p == "443") {
			host = h
		}
	}
	return rest == host
}

// CheckRequest combines Normalize and Allowed for an incoming request.
// Requests without an Origin header (non-browser clients, the CLI) pass.
func CheckRequest(originHeader, requestHost string, allowlist []string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	return Allowed(normalized, requestHost, allowlist)
}
