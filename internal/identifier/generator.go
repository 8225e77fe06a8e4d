// Package identifier produces unique, human-pronounceable session ids of
// the form {adjective}-{noun}-{3-digit number}.
package identifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
)

// ErrGenerationFailed is returned when the retry budget is exhausted
// without finding an unused candidate.
var ErrGenerationFailed = errors.New("identifier generation failed")

const defaultMaxAttempts = 10

// idPattern matches well-formed session ids.
var idPattern = regexp.MustCompile(`^[a-z]+-[a-z]+-[1-9][0-9]{2}$`)

// Valid reports whether s has the {word}-{word}-{nnn} shape.
func Valid(s string) bool {
	return idPattern.MatchString(s)
}

// ExistsFunc checks the session registry for a candidate id. The generator
// only reads; the insert is a separate, caller-owned step, so callers must
// treat generate+insert as a single attempt and retry the pair on insert
// conflict.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

type Generator struct {
	exists      ExistsFunc
	maxAttempts int
	blocked     map[string]struct{}
	adjectives  []string
	nouns       []string
}

type Option func(*Generator)

// WithMaxAttempts overrides the retry budget (default 10). Collisions are
// rare enough that retries are cheap, so there is no backoff between them.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) { g.maxAttempts = n }
}

// WithBlocklist adds words that must never appear in a generated id.
func WithBlocklist(words []string) Option {
	return func(g *Generator) {
		for _, w := range words {
			g.blocked[w] = struct{}{}
		}
	}
}

func New(exists ExistsFunc, opts ...Option) *Generator {
	g := &Generator{
		exists:      exists,
		maxAttempts: defaultMaxAttempts,
		blocked:     make(map[string]struct{}, len(defaultBlocklist)),
		adjectives:  adjectives,
		nouns:       nouns,
	}
	for _, w := range defaultBlocklist {
		g.blocked[w] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate draws candidates until one passes the blocklist and is absent
// from the registry, or the attempt budget runs out.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("identifier generation cancelled: %w", err)
		}

		adj := g.adjectives[rand.IntN(len(g.adjectives))]
		noun := g.nouns[rand.IntN(len(g.nouns))]
		if g.isBlocked(adj) || g.isBlocked(noun) {
			continue
		}

		candidate := fmt.Sprintf("%s-%s-%03d", adj, noun, 100+rand.IntN(900))

		taken, err := g.exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("identifier uniqueness check: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w after %d attempts", ErrGenerationFailed, g.maxAttempts)
}

func (g *Generator) isBlocked(word string) bool {
	_, ok := g.blocked[word]
	return ok
}
