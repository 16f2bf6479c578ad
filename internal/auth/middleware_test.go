package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/butler/pkg/models"
)

func TestMiddleware(t *testing.T) {
	service := NewService(Config{
		JWTSecret:   "secret",
		TokenExpiry: time.Hour,
		APIKeys:     []APIKeyConfig{{Key: "key-1", UserID: "svc", Roles: []string{"ops"}}},
	})
	token, err := service.GenerateJWT(&models.User{ID: "user-1", Roles: []string{"analyst"}})
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
		wantUser   string
	}{
		{"bearer", "Authorization", "Bearer " + token, http.StatusOK, "user-1"},
		{"api key", "X-API-Key", "key-1", http.StatusOK, "svc"},
		{"bad token", "Authorization", "Bearer nope", http.StatusUnauthorized, ""},
		{"missing", "", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser string
			handler := Middleware(service, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if user, ok := UserFromContext(r.Context()); ok {
					gotUser = user.ID
				}
			}))
			req := httptest.NewRequest(http.MethodGet, "/ai/task", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if gotUser != tt.wantUser {
				t.Fatalf("user = %q, want %q", gotUser, tt.wantUser)
			}
		})
	}
}

func TestMiddlewarePassesThroughWhenDisabled(t *testing.T) {
	called := false
	handler := Middleware(NewService(Config{}), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("called = %v status = %d", called, rec.Code)
	}
}
