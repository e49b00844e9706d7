package middleware

import (
	"net/http"

	"github.com/cloo-solutions/docrag/internal/api"
)

// MultipartOverhead is the allowance for multipart boundaries and part
// headers on top of the file itself.
const MultipartOverhead int64 = 1 << 20

// MaxBodyBytes rejects bodies larger than limit. A declared Content-Length
// over the limit fails immediately; otherwise the body is cut off at limit
// and the handler sees a *http.MaxBytesError on read.
func MaxBodyBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit <= 0 || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > limit {
				api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// MaxUploadBytes limits a multipart upload whose file part may be up to
// fileLimit bytes.
func MaxUploadBytes(fileLimit int64) func(http.Handler) http.Handler {
	if fileLimit <= 0 {
		return MaxBodyBytes(0)
	}
	return MaxBodyBytes(fileLimit + MultipartOverhead)
}
