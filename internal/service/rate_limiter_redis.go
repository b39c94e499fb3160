package service

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Script de ventana fija: incrementa y fija expiracion en la primera cuenta.
// Si la cuenta supera el maximo se revierte, asi un rechazo no consume cupo.
const redisChatAllowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
if current > tonumber(ARGV[2]) then
  redis.call("DECR", KEYS[1])
  return 0
end
return 1
`

// redisChatRateLimiter aproxima la ventana deslizante con ventanas fijas por
// horizonte en Redis. Util cuando corren varias instancias del API; la deriva
// queda acotada a un ancho de ventana.
type redisChatRateLimiter struct {
	client    redisEvaler
	perMinute int
	perHour   int
	prefix    string
}

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// NewRedisChatRateLimiter construye el limitador distribuido.
func NewRedisChatRateLimiter(client *redis.Client, perMinute, perHour int) ChatRateLimiter {
	if client == nil {
		return nil
	}
	if perMinute <= 0 {
		perMinute = 20
	}
	if perHour <= 0 {
		perHour = 100
	}
	return &redisChatRateLimiter{
		client:    client,
		perMinute: perMinute,
		perHour:   perHour,
		prefix:    "chat:rl:",
	}
}

func (l *redisChatRateLimiter) Allow(identity string) (bool, time.Duration) {
	key := strings.TrimSpace(identity)
	if key == "" {
		return false, 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	minuteKey := l.prefix + "m:" + key
	hourKey := l.prefix + "h:" + key

	okMinute, err := l.client.Eval(ctx, redisChatAllowScript, []string{minuteKey}, minuteWindow, l.perMinute).Int()
	if err != nil {
		// Redis caido no debe tumbar el chat; se admite sin contar.
		return true, 0
	}
	if okMinute == 0 {
		return false, l.ttlHint(ctx, minuteKey)
	}

	okHour, err := l.client.Eval(ctx, redisChatAllowScript, []string{hourKey}, hourWindow, l.perHour).Int()
	if err != nil {
		return true, 0
	}
	if okHour == 0 {
		// Revertir la cuenta del minuto: el turno no fue admitido.
		l.client.Eval(ctx, "return redis.call('DECR', KEYS[1])", []string{minuteKey})
		return false, l.ttlHint(ctx, hourKey)
	}

	return true, 0
}

func (l *redisChatRateLimiter) ttlHint(ctx context.Context, key string) time.Duration {
	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return time.Second
	}
	return ttl
}

// Sweep es un no-op: las claves expiran solas en Redis.
func (l *redisChatRateLimiter) Sweep(time.Time) {}
