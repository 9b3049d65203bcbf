package persist

import (
	"context"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"offline-sync/internal/config"
)

// exerciseAdapter runs the Get/Set/Remove contract every backend must honour.
func exerciseAdapter(t *testing.T, a Adapter) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := a.Get(ctx, "offline_queue:transaction"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := a.Remove(ctx, "offline_queue:transaction"); err != nil {
		t.Fatalf("remove missing key: %v", err)
	}

	if err := a.Set(ctx, "offline_queue:transaction", `[{"id":"1"}]`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := a.Set(ctx, "offline_queue:transaction", `[{"id":"2"}]`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := a.Get(ctx, "offline_queue:transaction")
	if err != nil || !ok {
		t.Fatalf("get after set: ok=%v err=%v", ok, err)
	}
	if v != `[{"id":"2"}]` {
		t.Fatalf("unexpected value %q", v)
	}

	if err := a.Remove(ctx, "offline_queue:transaction"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := a.Get(ctx, "offline_queue:transaction"); ok {
		t.Fatalf("expected key gone after remove")
	}
}

func TestMemoryAdapter(t *testing.T) {
	exerciseAdapter(t, NewMemory())
}

func TestRedisAdapter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewRedisWithClient(client, "rider:")
	exerciseAdapter(t, a)

	if err := a.Set(context.Background(), "offline_meta:last_sync_at", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("rider:offline_meta:last_sync_at") {
		t.Fatalf("expected prefixed key in redis, have %v", mr.Keys())
	}
}

func TestSQLiteAdapter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")
	a, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	exerciseAdapter(t, a)

	if err := a.Set(context.Background(), "k", "survives"); err != nil {
		t.Fatalf("set: %v", err)
	}
	a.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.Close()
	v, ok, err := reopened.Get(context.Background(), "k")
	if err != nil || !ok || v != "survives" {
		t.Fatalf("value lost across reopen: %q ok=%v err=%v", v, ok, err)
	}
}

func TestCompressedAdapter(t *testing.T) {
	inner := NewMemory()
	exerciseAdapter(t, NewCompressed(inner))

	ctx := context.Background()
	c := NewCompressed(inner)
	if err := c.Set(ctx, "k", `{"rider_id":"r-1"}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, _, _ := inner.Get(ctx, "k")
	if raw == `{"rider_id":"r-1"}` || raw[:len(snappyMarker)] != snappyMarker {
		t.Fatalf("expected compressed value, got %q", raw)
	}

	// values written before compression was enabled still read back
	if err := inner.Set(ctx, "legacy", `[{"id":"old"}]`); err != nil {
		t.Fatalf("set legacy: %v", err)
	}
	v, ok, err := c.Get(ctx, "legacy")
	if err != nil || !ok || v != `[{"id":"old"}]` {
		t.Fatalf("legacy read: %q ok=%v err=%v", v, ok, err)
	}
}

func TestOpenFallsBackToMemory(t *testing.T) {
	cfg := config.Config{PersistBackend: "floppy"}
	a, closer := Open(context.Background(), cfg, nil)
	defer closer()
	if _, ok := a.(*Memory); !ok {
		t.Fatalf("expected memory fallback, got %T", a)
	}

	cfg = config.Config{PersistBackend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "q.db"), PersistCompress: true}
	a, closer = Open(context.Background(), cfg, nil)
	defer closer()
	if _, ok := a.(*Compressed); !ok {
		t.Fatalf("expected compressed sqlite adapter, got %T", a)
	}
	exerciseAdapter(t, a)
}
