package persist

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/golang/snappy"
)

const snappyMarker = "snappy:"

// Compressed snappy-compresses values before handing them to the wrapped
// adapter. Values written without the marker are returned unchanged, so an
// existing plain store can be switched over in place.
type Compressed struct {
	inner Adapter
}

func NewCompressed(inner Adapter) *Compressed {
	return &Compressed{inner: inner}
}

func (c *Compressed) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := c.inner.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	if !strings.HasPrefix(v, snappyMarker) {
		return v, true, nil
	}
	raw, err := base64.StdEncoding.DecodeString(v[len(snappyMarker):])
	if err != nil {
		return "", false, fmt.Errorf("decode %s: %w", key, err)
	}
	plain, err := snappy.Decode(nil, raw)
	if err != nil {
		return "", false, fmt.Errorf("decompress %s: %w", key, err)
	}
	return string(plain), true, nil
}

func (c *Compressed) Set(ctx context.Context, key, value string) error {
	encoded := snappyMarker + base64.StdEncoding.EncodeToString(snappy.Encode(nil, []byte(value)))
	return c.inner.Set(ctx, key, encoded)
}

func (c *Compressed) Remove(ctx context.Context, key string) error {
	return c.inner.Remove(ctx, key)
}
