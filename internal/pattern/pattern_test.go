package pattern

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signupguard/internal/models"
	"signupguard/internal/store"
)

func testDetector(t *testing.T) (*Detector, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewDetector(st, 0.85, 500, 24*time.Hour), mr
}

func TestNumberSuffix(t *testing.T) {
	d, _ := testDetector(t)
	ctx := context.Background()

	tests := []struct {
		local string
		want  bool
	}{
		{"throwaway47", true},
		{"testuser123", true},
		{"user5", false},
		{"12345", false},
		{"john.doe", false},
		{"a99", true},
	}
	for _, tt := range tests {
		result := d.Analyze(ctx, tt.local, tt.local+"@example.com", "example.com")
		assert.Equal(t, tt.want, result.HasNumberSuffix, "local %q", tt.local)
	}
}

func TestSequentialDetection(t *testing.T) {
	d, _ := testDetector(t)
	ctx := context.Background()

	for _, e := range []string{"user1@example.com", "user2@example.com", "user3@example.com", "user4@example.com"} {
		d.Remember(ctx, "example.com", e)
	}

	result := d.Analyze(ctx, "user5", "user5@example.com", "example.com")
	assert.True(t, result.IsSequential)
	require.NotNil(t, result.PatternDetected)
	assert.Equal(t, models.PatternSequential, *result.PatternDetected)

	// Counter too far from anything in the window.
	far := d.Analyze(ctx, "user400", "user400@example.com", "example.com")
	assert.False(t, far.IsSequential)

	// No trailing digits at all.
	plain := d.Analyze(ctx, "victor", "victor@example.com", "example.com")
	assert.False(t, plain.IsSequential)
}

func TestSequentialReRegistration(t *testing.T) {
	d, _ := testDetector(t)
	ctx := context.Background()

	d.Remember(ctx, "example.com", "user7@example.com")

	// The same numbered address again counts as part of the sequence.
	result := d.Analyze(ctx, "user7", "user7@example.com", "example.com")
	assert.True(t, result.IsSequential)
	require.NotNil(t, result.PatternDetected)
	assert.Equal(t, models.PatternSequential, *result.PatternDetected)
}

func TestSimilarityDetection(t *testing.T) {
	d, _ := testDetector(t)
	ctx := context.Background()

	d.Remember(ctx, "example.com", "charlotte.miller@example.com")

	result := d.Analyze(ctx, "charlotte.midler", "charlotte.midler@example.com", "example.com")
	assert.True(t, result.IsSimilarToRecent)

	distinct := d.Analyze(ctx, "zq", "zq@example.com", "example.com")
	assert.False(t, distinct.IsSimilarToRecent)
}

func TestPatternPriority(t *testing.T) {
	d, _ := testDetector(t)
	ctx := context.Background()

	// Window that makes user22 both sequential and suffix-positive.
	for _, e := range []string{"user20@example.com", "user21@example.com"} {
		d.Remember(ctx, "example.com", e)
	}

	result := d.Analyze(ctx, "user22", "user22@example.com", "example.com")
	assert.True(t, result.IsSequential)
	assert.True(t, result.HasNumberSuffix)
	require.NotNil(t, result.PatternDetected)
	assert.Equal(t, models.PatternSequential, *result.PatternDetected)
}

func TestWindowBound(t *testing.T) {
	mr := miniredis.RunT(t)
	st := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	d := NewDetector(st, 0.85, 10, time.Hour)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		d.Remember(ctx, "example.com", "u"+string(rune('a'+i%26))+"@example.com")
	}

	n, err := st.ListLen(ctx, "recent:example.com")
	require.NoError(t, err)
	assert.LessOrEqual(t, n, int64(10))
}

func TestAnalyzeStoreDownFailsOpen(t *testing.T) {
	d, mr := testDetector(t)
	ctx := context.Background()

	d.Remember(ctx, "example.com", "user1@example.com")
	mr.Close()

	result := d.Analyze(ctx, "user2", "user2@example.com", "example.com")
	assert.False(t, result.IsSequential)
	assert.False(t, result.IsSimilarToRecent)
	// Pure string check still works without the store.
	suffixed := d.Analyze(ctx, "bulk99", "bulk99@example.com", "example.com")
	assert.True(t, suffixed.HasNumberSuffix)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("same", "same"))
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.InDelta(t, 0.875, Similarity("user.one", "user.one"[:7]+"x"), 1e-9)
	assert.Less(t, Similarity("abcdef", "zyxwvu"), 0.2)
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"user1", "user2", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}
