package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisSearchQuotaPrefix = "searchq/"

// RedisSearchQuota keeps search-quota counters in redis, so quota survives a
// process restart. The counter key expires 24h after its first increment,
// which is the same lazy-reset behavior the in-memory implementation has.
type RedisSearchQuota struct {
	Client *redis.Client
}

func NewRedisSearchQuota(redisURL string) (*RedisSearchQuota, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, err
	}
	return &RedisSearchQuota{Client: rdb}, nil
}

func (q *RedisSearchQuota) Check(ctx context.Context, accountID string) (bool, time.Duration, error) {
	key := redisSearchQuotaPrefix + accountID
	c, err := q.Client.Get(ctx, key).Int()
	if err == redis.Nil {
		return true, 0, nil
	} else if err != nil {
		return false, 0, err
	}
	if c >= MaxSearchQueriesPerDay {
		ttl, err := q.Client.TTL(ctx, key).Result()
		if err != nil {
			return false, 0, err
		}
		if ttl < 0 {
			ttl = 0
		}
		rateLimitDenials.WithLabelValues("search").Inc()
		return false, ttl, nil
	}
	return true, 0, nil
}

func (q *RedisSearchQuota) Increment(ctx context.Context, accountID string) error {
	key := redisSearchQuotaPrefix + accountID
	n, err := q.Client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 1 {
		// first query of the period starts the 24h clock
		if err := q.Client.Expire(ctx, key, Window).Err(); err != nil {
			return err
		}
	}
	searchQueriesRecorded.Inc()
	return nil
}

func (q *RedisSearchQuota) Remaining(ctx context.Context, accountID string) (int, error) {
	c, err := q.Client.Get(ctx, redisSearchQuotaPrefix+accountID).Int()
	if err == redis.Nil {
		return MaxSearchQueriesPerDay, nil
	} else if err != nil {
		return 0, err
	}
	return remaining(MaxSearchQueriesPerDay, c), nil
}
