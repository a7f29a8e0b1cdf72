package envelope

import (
	"net/http"
	"strings"
)

// Hop-by-hop headers are connection-scoped and must not cross the bus.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
}

// FilterHeaders flattens an http.Header into the envelope's header map,
// dropping hop-by-hop entries plus anything named by a Connection header.
// Keys are canonicalised; values keep their original casing. Multi-valued
// headers are joined with ", " per RFC 9110.
func FilterHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(hopByHop))
	for k := range hopByHop {
		drop[k] = struct{}{}
	}
	for _, conn := range h.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			if name = strings.TrimSpace(name); name != "" {
				drop[http.CanonicalHeaderKey(name)] = struct{}{}
			}
		}
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		ck := http.CanonicalHeaderKey(k)
		if _, skip := drop[ck]; skip {
			continue
		}
		if len(vs) == 0 {
			continue
		}
		out[ck] = strings.Join(vs, ", ")
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RestoreHeaders copies the envelope header map onto an http.Header,
// skipping hop-by-hop names so a malformed envelope cannot reintroduce
// them.
func RestoreHeaders(m map[string]string, dst http.Header) {
	for k, v := range m {
		ck := http.CanonicalHeaderKey(k)
		if _, skip := hopByHop[ck]; skip {
			continue
		}
		dst.Set(ck, v)
	}
}
