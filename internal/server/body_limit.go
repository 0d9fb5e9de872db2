package server

import (
	"net/http"
)

// defaultMaxBodyBytes is the maximum allowed size for POST/PUT/PATCH request
// bodies (1 MiB).
const defaultMaxBodyBytes int64 = 1 << 20

// maxBodySizeMiddleware limits POST/PUT/PATCH request body size.
//
// Requests with Content-Length explicitly exceeding the limit are rejected
// immediately with HTTP 413 Request Entity Too Large. All write requests also
// have their body wrapped with http.MaxBytesReader as a safety net against
// chunked or unannounced oversized payloads.
func maxBodySizeMiddleware(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if r.ContentLength > limit {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
