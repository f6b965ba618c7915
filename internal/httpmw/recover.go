package httpmw

import (
	"errors"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-pulse/internal/log"
	"github.com/keithlinneman/linnemanlabs-pulse/internal/xerrors"
)

const serverErrorBody = `{"ok":false,"error":"Server error"}`

// Recover turns a handler panic into a generic JSON 500 and an error log.
// onPanic, when set, runs after logging (metrics). http.ErrAbortHandler is
// re-raised so net/http can abort the connection as intended.
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}

				err := panicError(v)
				base.With(
					"request_id", RequestIDFromContext(r.Context()),
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				).Error(r.Context(), err, "httpserver panic recovered")
				if onPanic != nil {
					onPanic()
				}

				h := w.Header()
				h.Set("Content-Type", "application/json; charset=utf-8")
				h.Set("Cache-Control", "no-store, max-age=0")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(serverErrorBody))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func panicError(v any) error {
	if err, ok := v.(error); ok {
		return xerrors.Wrap(xerrors.WithStack(err), "panic")
	}
	return xerrors.Newf("panic: %v", v)
}
