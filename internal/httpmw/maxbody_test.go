package httpmw

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func readAll(t *testing.T, limit int64, body string) ([]byte, error) {
	t.Helper()
	var (
		got []byte
		err error
	)
	h := MaxBody(limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, err = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	return got, err
}

func TestMaxBody(t *testing.T) {
	if got, err := readAll(t, 5, "hello"); err != nil || string(got) != "hello" {
		t.Fatalf("at limit: %q, %v", got, err)
	}
	_, err := readAll(t, 4, "hello")
	var mbe *http.MaxBytesError
	if !errors.As(err, &mbe) || mbe.Limit != 4 {
		t.Fatalf("over limit: err = %v", err)
	}
}

func TestMaxBody_NoBody(t *testing.T) {
	called := false
	h := MaxBody(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Body != http.NoBody {
			t.Error("NoBody should be left alone")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if !called {
		t.Fatal("handler not called")
	}
}
