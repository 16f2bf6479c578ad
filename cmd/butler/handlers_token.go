package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/haasonsaas/butler/internal/config"
	"github.com/haasonsaas/butler/pkg/models"
)

type tokenOptions struct {
	userID string
	email  string
	name   string
	roles  []string
}

func runToken(out io.Writer, configPath string, opts tokenOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	token, err := newAuthService(cfg.Auth).GenerateJWT(&models.User{
		ID:    opts.userID,
		Email: opts.email,
		Name:  opts.name,
		Roles: opts.roles,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
