package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmeshcher/imagejobs/internal/model"
)

func runIdentity(t *testing.T, m *IdentityMiddleware, r *http.Request) (model.Identity, bool, int) {
	t.Helper()

	var (
		got    model.Identity
		called bool
	)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("identity not in context")
		}
		got = id
	})

	w := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(w, r)
	return got, called, w.Code
}

func TestIdentity_BearerToken(t *testing.T) {
	m := NewIdentityMiddleware("test-secret")

	token, err := m.IssueToken("42", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("X-Fingerprint", "fp123")

	id, called, _ := runIdentity(t, m, r)
	if !called {
		t.Fatalf("next handler was not called")
	}
	if id != model.UserIdentity("42") {
		t.Fatalf("identity = %v, want user:42", id)
	}
}

func TestIdentity_Cookie(t *testing.T) {
	m := NewIdentityMiddleware("test-secret")

	token, err := m.IssueToken("7", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	r.AddCookie(&http.Cookie{Name: authCookieName, Value: token})

	id, called, _ := runIdentity(t, m, r)
	if !called || id != model.UserIdentity("7") {
		t.Fatalf("identity = %v (called=%v), want user:7", id, called)
	}
}

func TestIdentity_Fingerprint(t *testing.T) {
	m := NewIdentityMiddleware("test-secret")

	r := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	r.Header.Set("X-Fingerprint", "fp123")

	id, called, _ := runIdentity(t, m, r)
	if !called || id != model.FingerprintIdentity("fp123") {
		t.Fatalf("identity = %v (called=%v), want fp:fp123", id, called)
	}
}

func TestIdentity_Rejected(t *testing.T) {
	other := NewIdentityMiddleware("other-secret")
	foreign, err := other.IssueToken("42", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	m := NewIdentityMiddleware("test-secret")
	expired, err := m.IssueToken("42", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{name: "nothing", headers: nil},
		{name: "foreign signature", headers: map[string]string{"Authorization": "Bearer " + foreign}},
		{name: "expired", headers: map[string]string{"Authorization": "Bearer " + expired}},
		{name: "not bearer", headers: map[string]string{"Authorization": "Basic abc"}},
		{name: "bad fingerprint", headers: map[string]string{"X-Fingerprint": "bad fp!"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})
			w := httptest.NewRecorder()
			m.Middleware(next).ServeHTTP(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRequireUser(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r := httptest.NewRequest(http.MethodPost, "/api/billing/checkout", nil)
	w := httptest.NewRecorder()
	RequireUser(next).ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), model.FingerprintIdentity("fp123"))))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	w = httptest.NewRecorder()
	RequireUser(next).ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), model.UserIdentity("1"))))
	if w.Code != http.StatusNoContent {
		t.Fatalf("user status = %d, want %d", w.Code, http.StatusNoContent)
	}
}
