package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedis_FallsBackWhenUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	fallback := NewMemory()
	r := NewRedis(client, fallback, nil)
	q := Quota{Max: 1, Window: time.Minute}
	ctx := context.Background()

	assert.True(t, r.Check(ctx, "fp:a", q).Allowed)
	assert.False(t, r.Check(ctx, "fp:a", q).Allowed)
	assert.Equal(t, 1, fallback.Len())
}
