package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// InboxUpdater is the subset of redis operations the notifier needs.
type InboxUpdater interface {
	Append(ctx context.Context, key string, payload []byte) error
	Trim(ctx context.Context, key string) error
}

// redisInbox keeps each user's inbox as a list capped at maxLen entries that expires
// ttl after the latest write.
type redisInbox struct {
	c      *redis.Client
	maxLen int64
	ttl    time.Duration
}

func (r *redisInbox) Append(ctx context.Context, key string, payload []byte) error {
	return r.c.RPush(ctx, key, payload).Err()
}

func (r *redisInbox) Trim(ctx context.Context, key string) error {
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LTrim(ctx, key, -r.maxLen, -1)
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	return err
}

// appendWithRetry appends payload to the inbox at key and then trims it, retrying each
// step with doubling delay. A successful append is never repeated.
func appendWithRetry(ctx context.Context, u InboxUpdater, key string, payload []byte, attempts int, delay time.Duration) error {
	if err := retry(ctx, attempts, delay, func() error { return u.Append(ctx, key, payload) }); err != nil {
		return err
	}
	return retry(ctx, attempts, delay, func() error { return u.Trim(ctx, key) })
}

func retry(ctx context.Context, attempts int, delay time.Duration, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
