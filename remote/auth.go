// Copyright 2025 HG Sayim
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Session is an authenticated staff session.
type Session struct {
	Token       string
	UserID      string
	Email       string
	DisplayName string
	ExpiresAt   time.Time
}

// Auth handles staff sign-in and session validation against the remote
// store's staff table, minting HS256 tokens.
type Auth struct {
	pool     *pgxpool.Pool
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

// NewAuth creates the authenticator. ttl bounds minted sessions.
func NewAuth(pool *pgxpool.Pool, secret string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{
		pool:     pool,
		secret:   []byte(secret),
		tokenTTL: ttl,
		now:      time.Now,
	}
}

// SessionClaims are the JWT claims carried by a staff session token.
type SessionClaims struct {
	Email       string `json:"email"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SignIn verifies the credentials against the staff table and mints a
// session token.
func (a *Auth) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var id, displayName, passwordHash string
	err := a.pool.QueryRow(ctx, `
		SELECT id, display_name, password_hash FROM pos_staff WHERE email = $1
	`, email).Scan(&id, &displayName, &passwordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sign in: invalid credentials")
	}
	if err != nil {
		return nil, remoteErr("sign in", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("sign in: invalid credentials")
	}

	return a.mintSession(id, email, displayName)
}

func (a *Auth) mintSession(id, email, displayName string) (*Session, error) {
	expires := a.now().Add(a.tokenTTL)
	claims := &SessionClaims{
		Email:       email,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(a.now()),
			NotBefore: jwt.NewNumericDate(a.now()),
			Issuer:    "mekan-pos",
			Subject:   id,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &Session{
		Token:       token,
		UserID:      id,
		Email:       email,
		DisplayName: displayName,
		ExpiresAt:   expires,
	}, nil
}

// GetSession validates a previously issued token. It returns (nil, nil) for
// an empty, malformed or expired token; "no session" is not an error, the
// caller shows the login prompt.
func (a *Auth) GetSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, nil
	}

	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, nil
	}

	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return &Session{
		Token:       token,
		UserID:      claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		ExpiresAt:   expires,
	}, nil
}

// CreateStaff inserts a staff account with a bcrypt-hashed password. Used
// by provisioning, not by devices.
func (a *Auth) CreateStaff(ctx context.Context, id, email, displayName, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = a.pool.Exec(ctx, `
		INSERT INTO pos_staff (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET email = $2, display_name = $3, password_hash = $4
	`, id, email, displayName, string(hash))
	if err != nil {
		return remoteErr("create staff", err)
	}
	return nil
}
