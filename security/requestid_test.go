package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddlewarePreservesValidID(t *testing.T) {
	var got string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(RequestIDHeader, "upstream-id-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if got != "upstream-id-42" {
		t.Errorf("request ID in context = %q, want %q", got, "upstream-id-42")
	}
	if hdr := w.Header().Get(RequestIDHeader); hdr != "upstream-id-42" {
		t.Errorf("response header = %q, want %q", hdr, "upstream-id-42")
	}
}

func TestRequestIDMiddlewareReplacesInvalidID(t *testing.T) {
	var got string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(RequestIDHeader, "bad\r\nid")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if got == "" || got == "bad\r\nid" {
		t.Errorf("invalid inbound ID was not replaced, got %q", got)
	}
}

func TestGetRequestIDUnset(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if id := GetRequestID(r.Context()); id != "" {
		t.Errorf("GetRequestID() = %q on a bare context, want empty", id)
	}
}
