package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterRepository keeps a fast per-event check-in count in redis. The
// checkins table remains the source of truth; a missing key is re-seeded from it.
//
// The count is the cardinality of a set of user ids, so adding an attendee
// twice (once by its own increment and once by a concurrent seed that already
// saw its row) counts it once.
type CounterRepository interface {
	// Incr adds userID to the count and returns the new value. ok is false
	// when the counter has not been seeded, in which case nothing was written.
	Incr(ctx context.Context, eventID, userID string, at time.Time) (n int64, ok bool, err error)
	// Seed merges userIDs into the counter, marks it seeded and returns the
	// stored count. Seeding never lowers the count.
	Seed(ctx context.Context, eventID string, userIDs []string, last *time.Time) (int64, error)
	Get(ctx context.Context, eventID string) (n int64, last *time.Time, ok bool, err error)
}

type counterRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCounterRepository(rdb *redis.Client, ttl time.Duration) CounterRepository {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &counterRepository{rdb: rdb, ttl: ttl}
}

// Both keys share the {eventID} hash tag so the scripts stay single-slot.
func counterKeys(eventID string) []string {
	return []string{
		fmt.Sprintf("checkin:{%s}:counter", eventID),
		fmt.Sprintf("checkin:{%s}:users", eventID),
	}
}

const (
	fieldSeeded = "seeded"
	fieldLast   = "last_ms"
)

// KEYS[1] meta hash, KEYS[2] user set. ARGV[1] user id, ARGV[2] at ms, ARGV[3] ttl ms.
var incrIfSeeded = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('SADD', KEYS[2], ARGV[1])
local last = tonumber(redis.call('HGET', KEYS[1], 'last_ms') or '0')
if tonumber(ARGV[2]) > last then
	redis.call('HSET', KEYS[1], 'last_ms', ARGV[2])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return redis.call('SCARD', KEYS[2])
`)

// KEYS as above. ARGV[1] ttl ms, ARGV[2] last ms (0 when unknown), ARGV[3..] user ids.
var seedMerge = redis.NewScript(`
redis.call('HSET', KEYS[1], 'seeded', '1')
local last = tonumber(redis.call('HGET', KEYS[1], 'last_ms') or '0')
if tonumber(ARGV[2]) > last then
	redis.call('HSET', KEYS[1], 'last_ms', ARGV[2])
end
for i = 3, #ARGV do
	redis.call('SADD', KEYS[2], ARGV[i])
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[2]) == 1 then
	redis.call('PEXPIRE', KEYS[2], ARGV[1])
end
return redis.call('SCARD', KEYS[2])
`)

func (r *counterRepository) Incr(ctx context.Context, eventID, userID string, at time.Time) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	n, err := incrIfSeeded.Run(ctx, r.rdb, counterKeys(eventID),
		userID, at.UnixMilli(), r.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, false, err
	}
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

func (r *counterRepository) Seed(ctx context.Context, eventID string, userIDs []string, last *time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var lastMs int64
	if last != nil {
		lastMs = last.UnixMilli()
	}
	args := make([]any, 0, len(userIDs)+2)
	args = append(args, r.ttl.Milliseconds(), lastMs)
	for _, id := range userIDs {
		args = append(args, id)
	}
	return seedMerge.Run(ctx, r.rdb, counterKeys(eventID), args...).Int64()
}

func (r *counterRepository) Get(ctx context.Context, eventID string) (int64, *time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	keys := counterKeys(eventID)
	pipe := r.rdb.Pipeline()
	meta := pipe.HGetAll(ctx, keys[0])
	card := pipe.SCard(ctx, keys[1])
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, nil, false, err
	}

	vals := meta.Val()
	if _, ok := vals[fieldSeeded]; !ok {
		return 0, nil, false, nil
	}

	var last *time.Time
	if ms, ok := vals[fieldLast]; ok {
		v, err := strconv.ParseInt(ms, 10, 64)
		if err == nil && v > 0 {
			t := time.UnixMilli(v).UTC()
			last = &t
		}
	}
	return card.Val(), last, true, nil
}
