package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResponseCache(t *testing.T) {
	t.Parallel()

	c := NewResponseCache(time.Minute, 2)
	defer c.Close()
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) ([]byte, error) {
		loads++
		return []byte("payload"), nil
	}

	b, hit, err := c.Get(ctx, "a", loader)
	if err != nil || hit || string(b) != "payload" {
		t.Fatalf("first Get=%q hit=%v err=%v", b, hit, err)
	}
	b[0] = 'X'
	b, hit, _ = c.Get(ctx, "a", loader)
	if !hit || string(b) != "payload" || loads != 1 {
		t.Fatalf("second Get=%q hit=%v loads=%d", b, hit, loads)
	}

	boom := errors.New("boom")
	if _, _, err := c.Get(ctx, "b", func(context.Context) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("loader error=%v", err)
	}
	if _, _, err := c.Get(ctx, "b", nil); !errors.Is(err, errNoLoader) {
		t.Fatalf("failed load was cached: %v", err)
	}
}

func TestNilCacheCallsLoader(t *testing.T) {
	t.Parallel()

	var c *ResponseCache
	b, hit, err := c.Get(context.Background(), "k", func(context.Context) ([]byte, error) { return []byte{1}, nil })
	if err != nil || hit || len(b) != 1 {
		t.Fatalf("Get=%v hit=%v err=%v", b, hit, err)
	}
	if NewResponseCache(0, 0) != nil {
		t.Fatal("zero ttl should disable the cache")
	}
}
