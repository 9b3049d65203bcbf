// Package ratelimit throttles device traffic on the sync API.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeviceKey is the bucket key for one device.
func DeviceKey(deviceID string) string {
	return "rl:device:" + deviceID
}

// Decision is the outcome of one admission check for a device.
type Decision struct {
	Allowed bool
	// Remaining is the fractional token balance left in the device's bucket.
	Remaining float64
	// RetryAfter is how long a rejected device should wait for its next token.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// TokenBucket keeps one bucket per device in Redis so every syncd replica
// throttles the same device consistently. Buckets of idle devices expire
// after ttl.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes one token from deviceID's bucket when it has one.
func (b *TokenBucket) Allow(ctx context.Context, deviceID string) (Decision, error) {
	key := DeviceKey(deviceID)
	reply, err := takeToken.Run(ctx, b.client, []string{key},
		b.capacity, strconv.FormatFloat(b.refill, 'f', -1, 64), b.now().UnixMilli(), b.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit device %s: %w", deviceID, err)
	}
	d, err := b.decode(reply)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit device %s: %w", deviceID, err)
	}
	return d, nil
}

// decode reads the script's {granted, balance} reply. The balance travels as
// a string because Redis truncates Lua numbers to integers.
func (b *TokenBucket) decode(reply []any) (Decision, error) {
	if len(reply) != 2 {
		return Decision{}, fmt.Errorf("unexpected reply %v", reply)
	}
	granted, ok := reply[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected grant %v", reply[0])
	}
	raw, ok := reply[1].(string)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected balance %v", reply[1])
	}
	balance, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("balance %q: %w", raw, err)
	}
	d := Decision{Allowed: granted == 1, Remaining: balance}
	if !d.Allowed && b.refill > 0 {
		wait := (1 - balance) / b.refill
		d.RetryAfter = time.Duration(math.Ceil(wait * float64(time.Second)))
	}
	return d, nil
}

// takeToken refills the bucket for the time since the device was last seen,
// then spends one token if a whole one is available.
var takeToken = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local balance = tonumber(redis.call('HGET', KEYS[1], 'balance') or capacity)
local seen_ms = tonumber(redis.call('HGET', KEYS[1], 'seen_ms') or now_ms)
if now_ms > seen_ms then
  balance = math.min(capacity, balance + (now_ms - seen_ms) * rate / 1000)
end

local granted = 0
if balance >= 1 then
  balance = balance - 1
  granted = 1
end

redis.call('HSET', KEYS[1], 'balance', tostring(balance), 'seen_ms', now_ms)
if ttl_ms > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl_ms)
end
return {granted, tostring(balance)}
`)
