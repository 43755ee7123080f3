package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
)

// Accounts validates "tsid:password" tokens against the accounts table
// with bcrypt-hashed passwords.
type Accounts struct {
	pool *pgxpool.Pool
}

func NewAccounts(pool *pgxpool.Pool) *Accounts {
	return &Accounts{pool: pool}
}

func (a *Accounts) Validate(ctx context.Context, token string) (string, error) {
	tsid, password, ok := strings.Cut(token, ":")
	if !ok {
		return "", &eserr.AuthError{Reason: "token must be tsid:password"}
	}

	var hash string
	err := a.pool.QueryRow(ctx,
		`SELECT password_hash FROM accounts WHERE player_tsid = $1`,
		tsid,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &eserr.AuthError{Reason: "unknown account"}
	}
	if err != nil {
		return "", fmt.Errorf("reading account %s: %w", tsid, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", &eserr.AuthError{Reason: "bad password"}
	}
	return tsid, nil
}

// Register creates an account, hashing the password with the default
// bcrypt cost.
func (a *Accounts) Register(ctx context.Context, tsid, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	_, err = a.pool.Exec(ctx,
		`INSERT INTO accounts (player_tsid, password_hash) VALUES ($1, $2)
		 ON CONFLICT (player_tsid) DO UPDATE SET password_hash = EXCLUDED.password_hash`,
		tsid, string(hash),
	)
	if err != nil {
		return fmt.Errorf("storing account %s: %w", tsid, err)
	}
	return nil
}
