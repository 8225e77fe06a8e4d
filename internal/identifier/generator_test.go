package identifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func neverExists(context.Context, string) (bool, error) { return false, nil }

func TestGenerate_Format(t *testing.T) {
	g := New(neverExists)

	for range 100 {
		id, err := g.Generate(context.Background())
		require.NoError(t, err)
		assert.True(t, Valid(id), "unexpected id shape: %s", id)

		parts := strings.Split(id, "-")
		require.Len(t, parts, 3)
		assert.Len(t, parts[2], 3)
	}
}

func TestGenerate_SkipsBlockedWords(t *testing.T) {
	g := New(neverExists, WithBlocklist([]string{"amber", "anchor"}))

	for range 500 {
		id, err := g.Generate(context.Background())
		require.NoError(t, err)
		assert.NotContains(t, strings.Split(id, "-")[:2], "amber")
		assert.NotContains(t, strings.Split(id, "-")[:2], "anchor")
	}
}

func TestGenerate_RetriesOnCollision(t *testing.T) {
	calls := 0
	exists := func(context.Context, string) (bool, error) {
		calls++
		return calls <= 3, nil
	}

	g := New(exists)
	id, err := g.Generate(context.Background())
	require.NoError(t, err)
	assert.True(t, Valid(id))
	assert.Equal(t, 4, calls)
}

func TestGenerate_ExhaustsRetryBudget(t *testing.T) {
	alwaysTaken := func(context.Context, string) (bool, error) { return true, nil }

	g := New(alwaysTaken, WithMaxAttempts(5))
	_, err := g.Generate(context.Background())
	require.ErrorIs(t, err, ErrGenerationFailed)
}

func TestGenerate_PropagatesRegistryError(t *testing.T) {
	boom := errors.New("store down")
	g := New(func(context.Context, string) (bool, error) { return false, boom })

	_, err := g.Generate(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestGenerate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := New(neverExists)
	_, err := g.Generate(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// TestGenerate_NeverReturnsExisting pre-populates a registry with a large
// share of the id space and checks that 10,000 generations never return a
// taken id and always terminate within the retry budget.
func TestGenerate_NeverReturnsExisting(t *testing.T) {
	taken := make(map[string]struct{}, 9000)
	for len(taken) < 9000 {
		adj := adjectives[rand.IntN(len(adjectives))]
		noun := nouns[rand.IntN(len(nouns))]
		taken[fmt.Sprintf("%s-%s-%03d", adj, noun, 100+rand.IntN(900))] = struct{}{}
	}

	exists := func(_ context.Context, id string) (bool, error) {
		_, ok := taken[id]
		return ok, nil
	}

	g := New(exists)
	for range 10000 {
		id, err := g.Generate(context.Background())
		if errors.Is(err, ErrGenerationFailed) {
			continue // budget exhaustion is an acceptable terminal outcome
		}
		require.NoError(t, err)
		_, collided := taken[id]
		assert.False(t, collided, "generator returned existing id %s", id)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("amber-brook-123"))
	assert.False(t, Valid("amber-brook-099"), "number below 100")
	assert.False(t, Valid("amber-brook-1234"))
	assert.False(t, Valid("Amber-brook-123"))
	assert.False(t, Valid("amber-123"))
	assert.False(t, Valid(""))
}

func TestWordLists_MinimumSize(t *testing.T) {
	assert.GreaterOrEqual(t, len(adjectives), 100)
	assert.GreaterOrEqual(t, len(nouns), 100)
}
