package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireToken(t *testing.T) {
	h := RequireToken("s3cret")(okHandler())
	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bearer", "Bearer s3cret", "", http.StatusNoContent},
		{"lowercase scheme", "bearer s3cret", "", http.StatusNoContent},
		{"wrong token", "Bearer nope", "", http.StatusUnauthorized},
		{"basic scheme", "Basic s3cret", "", http.StatusUnauthorized},
		{"query token", "", "s3cret", http.StatusNoContent},
		{"header wins over query", "Bearer nope", "s3cret", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/api/v1/session/status"
			if tc.query != "" {
				target += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestRequireToken_Disabled(t *testing.T) {
	w := httptest.NewRecorder()
	RequireToken("")(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("empty token should disable the check, got %d", w.Code)
	}
}
