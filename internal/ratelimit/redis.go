package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// fixedWindowScript увеличивает счётчик окна и выставляет срок жизни при создании ключа.
// Запрос сверх квоты счётчик не увеличивает.
var fixedWindowScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
	return {current, redis.call("PTTL", KEYS[1]), 0}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {current, redis.call("PTTL", KEYS[1]), 1}
`)

// Redis реализует фиксированное окно, общее для нескольких экземпляров сервиса.
// При недоступности Redis решение принимает резервный лимитер в памяти.
type Redis struct {
	client   redis.Scripter
	prefix   string
	fallback Limiter
	logger   *zap.Logger
	now      func() time.Time
}

// NewRedis создаёт лимитер поверх клиента Redis.
func NewRedis(client redis.Scripter, fallback Limiter, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:   client,
		prefix:   "imagejobs:ratelimit:",
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// Check реализует Limiter.
func (r *Redis) Check(ctx context.Context, key string, q Quota) Result {
	res, err := r.check(ctx, key, q)
	if err != nil {
		r.logger.Warn("redis rate limiter unavailable, using in-process fallback",
			zap.String("key", key), zap.Error(err))
		return r.fallback.Check(ctx, key, q)
	}
	return res
}

func (r *Redis) check(ctx context.Context, key string, q Quota) (Result, error) {
	vals, err := fixedWindowScript.Run(ctx, r.client, []string{r.prefix + key}, q.Max, q.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("run fixed window script: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("unexpected script reply length %d", len(vals))
	}

	count, ttl, allowed := vals[0], vals[1], vals[2]
	if ttl < 0 {
		ttl = q.Window.Milliseconds()
	}
	resetAt := r.now().Add(time.Duration(ttl) * time.Millisecond)

	if allowed == 0 {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Result{Allowed: true, Remaining: max(q.Max-int(count), 0), ResetAt: resetAt}, nil
}
