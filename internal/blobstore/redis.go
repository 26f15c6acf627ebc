package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface satisfaction checks.
var (
	_ Store  = (*RedisStore)(nil)
	_ Writer = (*RedisStore)(nil)
)

// Hash fields holding an object.
const (
	redisFieldETag = "etag"
	redisFieldBody = "body"

	redisPingTimeout = 5 * time.Second
)

// RedisStore keeps each object in a Redis hash with an etag and a body field.
// The etag is compared before the body is transferred, so a revalidation that
// ends in NotModified costs one small round trip.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedisStore connects using a redis:// URL and verifies the connection.
func DialRedisStore(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Get implements Store. Objects written without an etag field are validated
// by their content.
func (s *RedisStore) Get(ctx context.Context, key, validator string) Result {
	if validator != "" {
		etag, err := s.client.HGet(ctx, key, redisFieldETag).Result()
		switch {
		case err == nil && etag == validator:
			return NotModifiedResult()
		case err != nil && !errors.Is(err, redis.Nil):
			return FailedResult(fmt.Errorf("hget %s: %w", key, err))
		}
	}

	vals, err := s.client.HMGet(ctx, key, redisFieldETag, redisFieldBody).Result()
	if err != nil {
		return FailedResult(fmt.Errorf("hmget %s: %w", key, err))
	}
	etag, _ := vals[0].(string)
	body, ok := vals[1].(string)
	if !ok {
		return NotFoundResult()
	}
	if etag == "" {
		etag = ContentValidator([]byte(body))
		if etag == validator {
			return NotModifiedResult()
		}
	}
	return FetchedResult([]byte(body), etag)
}

// Put implements Writer. Both fields are written in one transaction.
func (s *RedisStore) Put(ctx context.Context, key string, body []byte) (string, error) {
	etag := ContentValidator(body)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, redisFieldETag, etag, redisFieldBody, body)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hset %s: %w", key, err)
	}
	return etag, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
