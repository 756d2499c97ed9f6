package shield

import (
	"mime"
	"net/http"
)

// MaxJSONBody limits application/json request bodies to maxBytes. Reads
// past the limit fail with *http.MaxBytesError. Uploads of other types are
// bounded by their handlers.
func MaxJSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
