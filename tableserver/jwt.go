// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tableserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DELTA-RISE/sis-davus-sub000/internal/auth"
)

const tokenIssuer = "invsync"

// JWTAuth issues and checks HS256 bearer tokens. The subject is the acting user
// and the did claim names the device.
type JWTAuth struct {
	secret []byte
	logger *slog.Logger
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string, logger *slog.Logger) *JWTAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTAuth{secret: []byte(secret), logger: logger}
}

// JWTClaims are the claims carried by table API tokens
type JWTClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for actor on deviceID valid for expiration
func (j *JWTAuth) GenerateToken(actor, deviceID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   actor,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ValidateToken checks signature, lifetime and required claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (actor) in token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("authorization header required")
	}
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", fmt.Errorf("bearer token required")
	}
	return token, nil
}

// Middleware rejects requests without a valid bearer token and stores the actor
// and device of accepted ones in the request context
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, j.logger, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}

		claims, err := j.ValidateToken(token)
		if err != nil {
			prefix := token
			if len(prefix) > 20 {
				prefix = prefix[:20]
			}
			j.logger.Warn("JWT validation failed", "error", err, "token_prefix", prefix)
			writeError(w, j.logger, http.StatusUnauthorized, "authentication_failed", "invalid token")
			return
		}

		ctx := auth.With(r.Context(), auth.Identity{Actor: claims.Subject, Device: claims.DeviceID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
