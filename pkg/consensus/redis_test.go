package consensus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisCollector_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisCollector_Integration(t *testing.T) {
	c := DialRedisCollector("localhost:6379", "", 0, time.Minute, DefaultOptions())
	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	round := fmt.Sprintf("test-round-%d", time.Now().UnixNano())
	for _, v := range votes(0.80, 0.81, 0.82, 0.83, 0.85, 0.1, 1.0) {
		require.NoError(t, c.Submit(ctx, round, v))
	}
	assert.ErrorIs(t, c.Submit(ctx, round, Vote{ValidatorID: "a", Score: 0.5}), ErrDuplicateVote)

	collected, err := c.Collect(ctx, round)
	require.NoError(t, err)
	require.Len(t, collected, 7)
	assert.Equal(t, "a", collected[0].ValidatorID)

	res, frozen, err := c.Close(ctx, round)
	require.NoError(t, err)
	assert.Len(t, frozen, 7)
	assert.True(t, res.Passed)
	assert.Equal(t, 5, res.ValidVotes)

	assert.ErrorIs(t, c.Submit(ctx, round, Vote{ValidatorID: "z", Score: 0.8}), ErrRoundClosed)
}
