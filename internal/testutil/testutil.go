// Package testutil holds helpers shared by the admin route tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// LocalRequest builds a request from 127.0.0.1 so it passes the access
// check on the /debug/ tree.
func LocalRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// Serve runs req through h.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// Get serves a local GET of target.
func Get(h http.Handler, target string) *httptest.ResponseRecorder {
	return Serve(h, LocalRequest(http.MethodGet, target, nil))
}

// DecodeJSON decodes the recorded body into v.
func DecodeJSON(t testing.TB, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
}
