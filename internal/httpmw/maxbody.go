package httpmw

import "net/http"

// MaxBody caps every request body at n bytes. Reads past the cap fail with
// *http.MaxBytesError and net/http closes the connection after the response.
// Handlers may install a tighter cap of their own.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
