package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, 2, 1)

	d, err := bucket.Allow(ctx, "pos-7")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	if d.Remaining != 1 {
		t.Fatalf("expected 1 token left, got %v", d.Remaining)
	}
	if d, _ = bucket.Allow(ctx, "pos-7"); !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "pos-7")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("expected retry within a second, got %v", d.RetryAfter)
	}
	if !mr.Exists("rl:device:pos-7") {
		t.Fatalf("expected bucket stored under device key")
	}
}

func TestTokenBucketIsPerDevice(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 0.001)

	if d, _ := bucket.Allow(ctx, "a"); !d.Allowed {
		t.Fatalf("device a should get its token")
	}
	if d, _ := bucket.Allow(ctx, "a"); d.Allowed {
		t.Fatalf("device a should be exhausted")
	}
	if d, _ := bucket.Allow(ctx, "b"); !d.Allowed {
		t.Fatalf("device b has its own bucket")
	}
}

func TestTokenBucketRefillsFractionally(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 2)
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return now }

	if d, _ := bucket.Allow(ctx, "rider-1"); !d.Allowed {
		t.Fatalf("expected initial token")
	}

	// a quarter second at 2 tokens/s is half a token: not enough yet
	now = now.Add(250 * time.Millisecond)
	d, err := bucket.Allow(ctx, "rider-1")
	if err != nil || d.Allowed {
		t.Fatalf("expected rejection, got %+v err=%v", d, err)
	}
	if d.Remaining != 0.5 {
		t.Fatalf("expected half a token kept, got %v", d.Remaining)
	}
	if d.RetryAfter != 250*time.Millisecond {
		t.Fatalf("expected 250ms retry, got %v", d.RetryAfter)
	}

	now = now.Add(250 * time.Millisecond)
	if d, err := bucket.Allow(ctx, "rider-1"); !d.Allowed || err != nil {
		t.Fatalf("expected refilled token, got %+v err=%v", d, err)
	}
}

func TestTokenBucketReportsRedisErrors(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	bucket := NewTokenBucket(client, 1, 1, time.Minute)
	mr.Close()

	if _, err := bucket.Allow(context.Background(), "pos-7"); err == nil {
		t.Fatalf("expected error with redis down")
	}
}
