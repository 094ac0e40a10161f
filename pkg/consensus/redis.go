package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrDuplicateVote = errors.New("consensus: validator already voted in this round")
	ErrRoundClosed   = errors.New("consensus: round is closed")
)

// redisSubmitScript records a vote unless the round is closed or the
// validator already voted.
// KEYS[1] = votes hash, KEYS[2] = closed marker
// ARGV[1] = validator id, ARGV[2] = encoded vote, ARGV[3] = ttl seconds
var redisSubmitScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
    return -1
end
local added = redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
return added
`)

// redisCloseScript marks the round closed and returns its votes.
// KEYS[1] = votes hash, KEYS[2] = closed marker
// ARGV[1] = ttl seconds
var redisCloseScript = redis.NewScript(`
redis.call("SET", KEYS[2], "1", "EX", tonumber(ARGV[1]))
local votes = redis.call("HGETALL", KEYS[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
return votes
`)

// RedisCollector gathers votes for named rounds out of band. The first
// vote per validator wins; closing a round freezes its vote set.
type RedisCollector struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	opts   Options
}

// NewRedisCollector wraps an existing client. Rounds expire after ttl.
func NewRedisCollector(client redis.UniversalClient, ttl time.Duration, opts Options) *RedisCollector {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCollector{client: client, prefix: "warrant:consensus", ttl: ttl, opts: opts}
}

// DialRedisCollector connects to addr.
func DialRedisCollector(addr, password string, db int, ttl time.Duration, opts Options) *RedisCollector {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisCollector(rdb, ttl, opts)
}

// Ping checks connectivity.
func (c *RedisCollector) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCollector) keys(round string) []string {
	return []string{
		fmt.Sprintf("%s:%s:votes", c.prefix, round),
		fmt.Sprintf("%s:%s:closed", c.prefix, round),
	}
}

// Submit records v in round.
func (c *RedisCollector) Submit(ctx context.Context, round string, v Vote) error {
	if v.ValidatorID == "" {
		return errors.New("consensus: vote has no validator id")
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("consensus: encode vote: %w", err)
	}
	res, err := redisSubmitScript.Run(ctx, c.client, c.keys(round), v.ValidatorID, string(body), int64(c.ttl.Seconds())).Int64()
	if err != nil {
		return fmt.Errorf("redis consensus submit: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s", ErrRoundClosed, round)
	case 0:
		return fmt.Errorf("%w: %s in %s", ErrDuplicateVote, v.ValidatorID, round)
	}
	return nil
}

// Collect returns the votes currently recorded for round, sorted by
// validator id.
func (c *RedisCollector) Collect(ctx context.Context, round string) ([]Vote, error) {
	raw, err := c.client.HGetAll(ctx, c.keys(round)[0]).Result()
	if err != nil {
		return nil, fmt.Errorf("redis consensus collect: %w", err)
	}
	return decodeVotes(raw)
}

// Close freezes round and validates its votes.
func (c *RedisCollector) Close(ctx context.Context, round string) (Result, []Vote, error) {
	res, err := redisCloseScript.Run(ctx, c.client, c.keys(round), int64(c.ttl.Seconds())).StringSlice()
	if err != nil {
		return Result{}, nil, fmt.Errorf("redis consensus close: %w", err)
	}
	raw := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		raw[res[i]] = res[i+1]
	}
	votes, err := decodeVotes(raw)
	if err != nil {
		return Result{}, nil, err
	}
	return Validate(votes, c.opts), votes, nil
}

func decodeVotes(raw map[string]string) ([]Vote, error) {
	votes := make([]Vote, 0, len(raw))
	for id, body := range raw {
		var v Vote
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("consensus: decode vote from %s: %w", id, err)
		}
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].ValidatorID < votes[j].ValidatorID })
	return votes, nil
}
