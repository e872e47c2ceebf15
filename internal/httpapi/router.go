// Package httpapi wires the Store, through the AccessEngine, into the
// read-only HTTP resources described in spec §4.5/§6: a precedence order
// of 503 (store gone) → 405 (method mismatch) → handler result, a
// catch-all 404, and the anonymous-read /data resource.
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"alfred/internal/document"
	"alfred/internal/store"
	"alfred/pkg/metrics"
)

// StoreLookup returns the live Store, or nil if the service has begun
// shutting it down — mirroring the original's weak-pointer-expired
// check.
type StoreLookup func() *store.Store

// HandlerFunc is a registered resource body; it runs only once the
// generic wrapper has confirmed the Store is live and the method is
// permitted.
type HandlerFunc func(r *http.Request, st *store.Store) (status int, body interface{})

// NewRouter builds the chi.Mux serving the HTTP API. reg may be nil, in
// which case requests go unreported.
func NewRouter(lookup StoreLookup, reg *metrics.Registry) http.Handler {
	mux := chi.NewRouter()

	dataHandler := wrap(lookup, reg, "/data", map[string]bool{http.MethodGet: true}, getData)
	mux.HandleFunc("/data", dataHandler)
	mux.HandleFunc("/data/*", dataHandler)

	mux.NotFound(wrap(lookup, reg, "not_found", nil, notFound))
	mux.MethodNotAllowed(wrap(lookup, reg, "method_not_allowed", nil, notFound))

	return mux
}

func wrap(lookup StoreLookup, reg *metrics.Registry, routeLabel string, methods map[string]bool, handler HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		st := lookup()
		if st == nil {
			report(reg, routeLabel, http.StatusServiceUnavailable, started)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "service unavailable"})
			return
		}
		if methods != nil && !methods[r.Method] {
			report(reg, routeLabel, http.StatusMethodNotAllowed, started)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
			return
		}
		status, body := handler(r, st)
		report(reg, routeLabel, status, started)
		writeJSON(w, status, body)
	}
}

func report(reg *metrics.Registry, routeLabel string, status int, started time.Time) {
	if reg == nil {
		return
	}
	reg.Observe(routeLabel, status, time.Since(started))
}

func getData(r *http.Request, st *store.Store) (int, interface{}) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/data"), "/")
	var keys []string
	if path != "" {
		for _, seg := range strings.Split(path, "/") {
			if decoded, err := url.PathUnescape(seg); err == nil {
				keys = append(keys, decoded)
			} else {
				keys = append(keys, seg)
			}
		}
	}
	return http.StatusOK, st.Get(keys, document.NewSet("public"))
}

func notFound(r *http.Request, st *store.Store) (int, interface{}) {
	return http.StatusNotFound, map[string]string{"message": "No such resource defined"}
}

// writeJSON encodes body, sets Content-Type only when there is a body,
// and attaches the wildcard CORS header to 2xx responses only, matching
// the original's per-response behavior exactly (spec §4.5).
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	encoded, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		encoded = []byte(`{"message":"internal error"}`)
	}
	if status/100 == 2 {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	if len(encoded) > 0 {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Length", "0")
	}
	w.WriteHeader(status)
	_, _ = w.Write(encoded)
}
