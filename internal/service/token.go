package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	signatureTokenBytes    = 32
	signatureTokenAttempts = 5
)

var errTokenExhausted = errors.New("could not generate a unique signature token")

type tokenLookup interface {
	TokenExists(ctx context.Context, token string) (bool, error)
}

// TokenGenerator issues unguessable signature tokens: 32 random bytes, base64url, 43 chars.
type TokenGenerator struct {
	lookup tokenLookup
	random func([]byte) (int, error)
}

// NewTokenGenerator builds a generator that checks candidates against lookup.
func NewTokenGenerator(lookup tokenLookup) *TokenGenerator {
	return &TokenGenerator{lookup: lookup, random: rand.Read}
}

// Generate returns a token unknown to storage and to issued, which holds tokens handed out
// earlier in the same batch. The new token is added to issued.
func (g *TokenGenerator) Generate(ctx context.Context, issued map[string]struct{}) (string, error) {
	buf := make([]byte, signatureTokenBytes)
	for attempt := 0; attempt < signatureTokenAttempts; attempt++ {
		if _, err := g.random(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		token := base64.RawURLEncoding.EncodeToString(buf)
		if _, dup := issued[token]; dup {
			continue
		}
		exists, err := g.lookup.TokenExists(ctx, token)
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}
		if issued != nil {
			issued[token] = struct{}{}
		}
		return token, nil
	}
	return "", errTokenExhausted
}
