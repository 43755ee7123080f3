// Package auth verifies login tokens and maps them to player TSIDs.
// The validator is pluggable: signed JWTs, a static token table from
// config, a password-backed account table in PostgreSQL, or the
// development pass-through that trusts the token as a TSID.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ElevenGiants/eleven-server-sub000/internal/config"
	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
)

// Validator checks a login token and returns the player TSID it grants
// access to.
type Validator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// New builds the validator selected by cfg.Module. The accounts module
// needs a database handle and is wired separately in main.
func New(cfg config.Auth) (Validator, error) {
	switch cfg.Module {
	case "jwt":
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("auth module jwt needs a secret")
		}
		return &JWT{secret: []byte(cfg.JWTSecret)}, nil
	case "static":
		return &Static{tokens: cfg.StaticTokens}, nil
	case "insecure", "":
		return Insecure{}, nil
	default:
		return nil, fmt.Errorf("unknown auth module %q", cfg.Module)
	}
}

// JWT validates HS256-signed tokens whose subject claim is the player
// TSID.
type JWT struct {
	secret []byte
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

func (j *JWT) Validate(_ context.Context, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return "", &eserr.AuthError{Reason: err.Error()}
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", &eserr.AuthError{Reason: "token has no subject"}
	}
	if tag, err := entity.TagOf(sub); err != nil || tag != entity.TagPlayer {
		return "", &eserr.AuthError{Reason: "token subject is not a player id"}
	}
	return sub, nil
}

// Static validates against the fixed token table from config. Useful
// for test fleets and local clusters.
type Static struct {
	tokens map[string]string
}

func NewStatic(tokens map[string]string) *Static {
	return &Static{tokens: tokens}
}

func (s *Static) Validate(_ context.Context, token string) (string, error) {
	tsid, ok := s.tokens[token]
	if !ok {
		return "", &eserr.AuthError{Reason: "unknown token"}
	}
	return tsid, nil
}

// Insecure accepts the token verbatim as a player TSID. Development
// only.
type Insecure struct{}

func (Insecure) Validate(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if tag, err := entity.TagOf(token); err != nil || tag != entity.TagPlayer {
		return "", &eserr.AuthError{Reason: "token is not a player id"}
	}
	return token, nil
}
