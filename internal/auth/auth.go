package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/butler/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key    string
	UserID string
	Name   string
	Roles  []string
}

// Service resolves callers from bearer JWTs or static API keys.
type Service struct {
	jwt  *JWTService
	keys []apiKey
}

// apiKey keeps only the digest of a configured key.
type apiKey struct {
	digest [sha256.Size]byte
	user   *models.User
}

func NewService(cfg Config) *Service {
	service := &Service{keys: hashAPIKeys(cfg.APIKeys)}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	return service
}

// Enabled reports whether requests must carry credentials.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.keys) > 0)
}

func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey returns the identity bound to key. Digests of every
// configured key are compared so the scan time does not depend on which
// key matched.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil || len(s.keys) == 0 {
		return nil, ErrAuthDisabled
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(key)))
	var match *models.User
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			match = k.user
		}
	}
	if match == nil {
		return nil, ErrInvalidKey
	}
	// Copy so handlers cannot mutate the shared identity.
	user := *match
	user.Roles = append([]string(nil), match.Roles...)
	return &user, nil
}

func hashAPIKeys(entries []APIKeyConfig) []apiKey {
	keys := make([]apiKey, 0, len(entries))
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		digest := sha256.Sum256([]byte(key))
		id := strings.TrimSpace(entry.UserID)
		if id == "" {
			id = "api_" + hex.EncodeToString(digest[:8])
		}
		keys = append(keys, apiKey{
			digest: digest,
			user: &models.User{
				ID:    id,
				Name:  strings.TrimSpace(entry.Name),
				Roles: cleanRoles(entry.Roles),
			},
		})
	}
	return keys
}
