package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElevenGiants/eleven-server-sub000/internal/config"
	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
)

func signToken(t *testing.T, secret, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTValidate(t *testing.T) {
	v := NewJWT("sekrit")

	tsid, err := v.Validate(context.Background(), signToken(t, "sekrit", "PBOB"))
	require.NoError(t, err)
	assert.Equal(t, "PBOB", tsid)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", signToken(t, "other", "PBOB")},
		{"non-player subject", signToken(t, "sekrit", "LHOME")},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.token)
			var ae *eserr.AuthError
			assert.ErrorAs(t, err, &ae)
		})
	}
}

func TestStaticValidate(t *testing.T) {
	v := NewStatic(map[string]string{"tok-1": "PBOB"})

	tsid, err := v.Validate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "PBOB", tsid)

	_, err = v.Validate(context.Background(), "tok-2")
	var ae *eserr.AuthError
	assert.ErrorAs(t, err, &ae)
}

func TestInsecureValidate(t *testing.T) {
	v := Insecure{}

	tsid, err := v.Validate(context.Background(), " PBOB ")
	require.NoError(t, err)
	assert.Equal(t, "PBOB", tsid)

	for _, token := range []string{"LHOME", "", "hello"} {
		_, err := v.Validate(context.Background(), token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestNewSelectsModule(t *testing.T) {
	v, err := New(config.Auth{Module: "jwt", JWTSecret: "s"})
	require.NoError(t, err)
	assert.IsType(t, &JWT{}, v)

	v, err = New(config.Auth{Module: "static", StaticTokens: map[string]string{}})
	require.NoError(t, err)
	assert.IsType(t, &Static{}, v)

	v, err = New(config.Auth{Module: "insecure"})
	require.NoError(t, err)
	assert.IsType(t, Insecure{}, v)

	_, err = New(config.Auth{Module: "jwt"})
	assert.Error(t, err, "jwt without secret")

	_, err = New(config.Auth{Module: "ldap"})
	assert.Error(t, err)
}
