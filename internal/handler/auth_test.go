package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// Callback probes from crawlers and scanners must learn nothing; they get a
// bare 404 with no JSON error envelope.
func TestCallbackRejectsBots(t *testing.T) {
	h := NewAuthHandler(nil, nil)

	tests := []struct {
		name      string
		target    string
		userAgent string
	}{
		{name: "missing code and state", target: "/api/v1/auth/google/callback", userAgent: "Mozilla/5.0"},
		{name: "missing state", target: "/api/v1/auth/google/callback?code=abc", userAgent: "Mozilla/5.0"},
		{name: "missing code", target: "/api/v1/auth/google/callback?state=xyz", userAgent: "Mozilla/5.0"},
		{name: "crawler user agent", target: "/api/v1/auth/google/callback?code=abc&state=xyz", userAgent: "Googlebot/2.1"},
		{name: "curl probe", target: "/api/v1/auth/google/callback?code=abc&state=xyz", userAgent: "curl/8.4.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req.Header.Set("User-Agent", tt.userAgent)
			rec := httptest.NewRecorder()

			h.GoogleCallback(rec, req)

			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", rec.Code)
			}
		})
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	h := NewAuthHandler(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/github/callback?code=abc&state=forged", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: "issued"})
	rec := httptest.NewRecorder()

	h.GitHubCallback(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRedirectSetsStateCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	state := generateState()
	setStateCookie(rec, state)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	cookie := cookies[0]
	if cookie.Name != "oauth_state" || cookie.Value != state {
		t.Errorf("cookie = %s=%s", cookie.Name, cookie.Value)
	}
	if !cookie.HttpOnly {
		t.Error("state cookie not HttpOnly")
	}

	if second := generateState(); second == state {
		t.Error("state values repeat")
	}
}
