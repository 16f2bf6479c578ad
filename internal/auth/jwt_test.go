package auth

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/butler/internal/observability"
	"github.com/haasonsaas/butler/pkg/models"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate(&models.User{
		ID:    "user-1",
		Email: "user@example.com",
		Name:  "User",
		Roles: []string{"analyst", " ", "analyst", "admin"},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	user, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "user-1" || user.Email != "user@example.com" || user.Name != "User" {
		t.Fatalf("user = %+v", user)
	}
	if !reflect.DeepEqual(user.Roles, []string{"analyst", "admin"}) {
		t.Fatalf("roles = %v", user.Roles)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	other := NewJWTService("other", time.Hour)
	token, err := other.Generate(&models.User{ID: "u"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTServiceRejectsForeignIssuer(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else", Subject: "u"}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTService("secret", time.Hour).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTServiceWithoutExpiry(t *testing.T) {
	service := NewJWTService("secret", -time.Minute)
	token, err := service.Generate(&models.User{ID: "u"})
	if err != nil {
		t.Fatal(err)
	}
	// A non-positive expiry issues tokens without exp.
	if _, err := service.Validate(token); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestJWTServiceRequiresUserID(t *testing.T) {
	if _, err := NewJWTService("secret", time.Hour).Generate(&models.User{}); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestRolesFromContext(t *testing.T) {
	if roles := RolesFromContext(context.Background()); roles != nil {
		t.Fatalf("anonymous roles = %v", roles)
	}
	ctx := WithUser(context.Background(), &models.User{ID: "u", Roles: []string{"r"}})
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != "r" {
		t.Fatalf("roles = %v", roles)
	}
	if got := observability.GetUserID(ctx); got != "u" {
		t.Fatalf("log user id = %q", got)
	}
	if WithUser(ctx, nil) != ctx {
		t.Fatal("WithUser(nil) should return ctx unchanged")
	}
}
