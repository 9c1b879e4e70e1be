package middleware

import (
	"net/http"
	"strings"
)

const (
	corsMethods = "GET, POST, PATCH, DELETE, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Trace-ID"
	corsMaxAge  = "3600"
)

// CORSMiddleware answers browser preflights for the ledger API and stamps
// allow headers on responses to permitted origins.
//
// An entry of "*" admits every origin. An entry starting with "." admits any
// subdomain of it, so ".partner.io" matches "https://crm.partner.io" but not
// "https://partner.io.evil.com". Every other entry must equal the Origin header.
type CORSMiddleware struct {
	exact     map[string]struct{}
	suffixes  []string
	anyOrigin bool
}

func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	m := &CORSMiddleware{exact: make(map[string]struct{}, len(allowedOrigins))}
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		switch {
		case origin == "":
		case origin == "*":
			m.anyOrigin = true
		case strings.HasPrefix(origin, "."):
			m.suffixes = append(m.suffixes, origin)
		default:
			m.exact[origin] = struct{}{}
		}
	}
	return m
}

// Handler wraps next. Preflight requests end here with 204 whether or not the
// origin is admitted; the browser enforces the missing headers.
func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && m.admits(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Expose-Headers", "X-Trace-ID")
			h.Set("Access-Control-Max-Age", corsMaxAge)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *CORSMiddleware) admits(origin string) bool {
	if m.anyOrigin {
		return true
	}
	if _, ok := m.exact[origin]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}
