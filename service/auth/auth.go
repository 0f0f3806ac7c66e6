// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package auth gates stream publishing: WHIP requests must carry the
// configured bearer token. The token is kept hashed in memory.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const MinTokenLen = 8

var ErrUnauthorized = errors.New("auth: unauthorized")

type Config struct {
	// WHIPToken is the bearer token publishers must present.
	WHIPToken string `toml:"whip_token"`
}

func (c Config) IsValid() error {
	if len(c.WHIPToken) < MinTokenLen {
		return fmt.Errorf("invalid WHIPToken value: should be at least %d characters long", MinTokenLen)
	}
	return nil
}

type Service struct {
	tokenHash []byte
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.WHIPToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token: %w", err)
	}

	return &Service{
		tokenHash: hash,
	}, nil
}

// Authenticate checks the given bearer token against the configured one.
func (s *Service) Authenticate(token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// AuthenticateRequest extracts and checks the Authorization header of an
// HTTP request.
func (s *Service) AuthenticateRequest(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return ErrUnauthorized
	}
	return s.Authenticate(token)
}
