package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractBearer(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer test-token")

	token, err := ExtractBearer(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "test-token" {
		t.Fatalf("unexpected token: %s", token)
	}
}

func TestExtractBearerErrors(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)

	if _, err := ExtractBearer(req); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	req.Header.Set("Authorization", "Key abc")
	if _, err := ExtractBearer(req); err != ErrInvalidPrefix {
		t.Fatalf("expected ErrInvalidPrefix, got %v", err)
	}

	req.Header.Set("Authorization", "Bearer ")
	if _, err := ExtractBearer(req); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken for empty token, got %v", err)
	}
}

func TestStaticVerifier(t *testing.T) {
	v := NewStaticVerifier(map[string]Identity{
		"tok-1": {UserID: "u1", Email: "u1@example.com"},
		"":      {UserID: "ignored"},
		"tok-2": {UserID: ""},
	})

	id, err := v.Verify(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "u1" || id.Email != "u1@example.com" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	if _, err := v.Verify(context.Background(), "tok-2"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("identity without user id should be skipped, got %v", err)
	}
	if _, err := v.Verify(context.Background(), "nope"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestRequireToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	guarded := RequireToken("s3cret")(ok)

	cases := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Basic s3cret", http.StatusUnauthorized},
		{"Bearer s3cret", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/internal", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("header %q: expected %d, got %d", tc.header, tc.want, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	RequireToken("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("empty secret should disable the check, got %d", rec.Code)
	}
}
