package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedLookup struct {
	taken map[string]bool
	err   error
	calls int
}

func (f *fixedLookup) TokenExists(ctx context.Context, token string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.taken[token], nil
}

func TestTokenGeneratorProducesUniqueURLSafeTokens(t *testing.T) {
	gen := NewTokenGenerator(&fixedLookup{})
	issued := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		token, err := gen.Generate(context.Background(), issued)
		require.NoError(t, err)
		assert.Len(t, token, 43)
		assert.NotContains(t, token, "+")
		assert.NotContains(t, token, "/")
	}
	assert.Len(t, issued, 50)
}

func TestTokenGeneratorRetriesOnCollision(t *testing.T) {
	lookup := &fixedLookup{taken: map[string]bool{}}
	gen := NewTokenGenerator(lookup)
	calls := 0
	gen.random = func(b []byte) (int, error) {
		calls++
		for i := range b {
			b[i] = byte(calls)
		}
		return len(b), nil
	}
	first, err := gen.Generate(context.Background(), nil)
	require.NoError(t, err)

	calls = 0
	lookup.taken[first] = true
	second, err := gen.Generate(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, calls)
}

func TestTokenGeneratorGivesUp(t *testing.T) {
	gen := NewTokenGenerator(&fixedLookup{})
	gen.random = func(b []byte) (int, error) {
		for i := range b {
			b[i] = 7
		}
		return len(b), nil
	}
	issued := make(map[string]struct{})
	_, err := gen.Generate(context.Background(), issued)
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), issued)
	require.ErrorIs(t, err, errTokenExhausted)
}

func TestTokenGeneratorLookupFailure(t *testing.T) {
	gen := NewTokenGenerator(&fixedLookup{err: errors.New("db down")})
	_, err := gen.Generate(context.Background(), nil)
	require.Error(t, err)
}
