package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/troydota/api.vote.komodohype.dev/polls"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// setIfCurrent stores a tally only while the poll's generation still matches
// the one the caller read before projecting it.
var setIfCurrent = redis.NewScript(`
local gen = redis.call("GET", KEYS[1]) or "0"
if gen ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[2], ARGV[2])
end
return 1
`)

type cachedTally struct {
	Generation int64        `json:"gen"`
	Tally      *polls.Tally `json:"tally"`
}

// TallyCache caches projected tallies in redis.
//
// Every poll has a generation counter. Invalidate bumps it, drops the cached
// tally and publishes the new generation on events:poll:tally:<id>.
type TallyCache struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

var _ polls.TallyCache = (*TallyCache)(nil)

func NewTallyCache(client *redis.Client, ttl time.Duration) *TallyCache {
	return &TallyCache{client: client, ttl: ttl, timeout: time.Second}
}

func tallyKey(pollID string) string {
	return fmt.Sprintf("cached:tally:%s", pollID)
}

func genKey(pollID string) string {
	return fmt.Sprintf("tally:gen:%s", pollID)
}

// EventChannel is the pub/sub channel carrying invalidations of pollID.
func EventChannel(pollID string) string {
	return fmt.Sprintf("events:poll:tally:%s", pollID)
}

func (c *TallyCache) Get(ctx context.Context, pollID string) (*polls.Tally, int64, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	vals, err := c.client.MGet(ctx, genKey(pollID), tallyKey(pollID)).Result()
	if err != nil {
		return nil, 0, errors.Wrap(err, "mget tally")
	}

	var gen int64
	if s, ok := vals[0].(string); ok {
		if gen, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, 0, errors.Wrap(err, "parse generation")
		}
	}

	s, ok := vals[1].(string)
	if !ok {
		return nil, gen, nil
	}
	cached := cachedTally{}
	if err := json.UnmarshalFromString(s, &cached); err != nil {
		return nil, gen, errors.Wrap(err, "decode tally")
	}
	if cached.Generation != gen || cached.Tally == nil {
		return nil, gen, nil
	}
	return cached.Tally, gen, nil
}

func (c *TallyCache) Set(ctx context.Context, tally *polls.Tally, gen int64) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.MarshalToString(cachedTally{Generation: gen, Tally: tally})
	if err != nil {
		return errors.Wrap(err, "encode tally")
	}

	err = setIfCurrent.Run(ctx, c.client,
		[]string{genKey(tally.PollID), tallyKey(tally.PollID)},
		strconv.FormatInt(gen, 10), payload, c.ttl.Milliseconds(),
	).Err()
	if err != nil && err != ErrNil {
		return errors.Wrap(err, "set tally")
	}
	return nil
}

func (c *TallyCache) Invalidate(ctx context.Context, pollID string) error {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, genKey(pollID))
		pipe.Del(ctx, tallyKey(pollID))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "invalidate tally")
	}

	if err := c.client.Publish(ctx, EventChannel(pollID), incr.Val()).Err(); err != nil {
		return errors.Wrap(err, "publish invalidation")
	}
	return nil
}

// Subscribe listens for invalidations of the given polls.
func (c *TallyCache) Subscribe(ctx context.Context, pollIDs ...string) *PubSub {
	channels := make([]string, len(pollIDs))
	for i, id := range pollIDs {
		channels[i] = EventChannel(id)
	}
	return c.client.Subscribe(ctx, channels...)
}
