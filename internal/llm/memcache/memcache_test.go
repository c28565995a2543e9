package memcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/llm"
)

func TestSetAndGet(t *testing.T) {
	t.Parallel()

	c := New(10)
	ctx := context.Background()
	resp := &llm.Response{Content: "analysis", Model: "m", Usage: llm.Usage{InputTokens: 10}}

	if err := c.Set(ctx, "k1", resp, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := c.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Content != "analysis" {
		t.Errorf("content = %q, want %q", got.Content, "analysis")
	}

	// returned value is a copy
	got.Content = "mutated"
	again, _, _ := c.Get(ctx, "k1")
	if again.Content != "analysis" {
		t.Error("cache entry was mutated through the returned pointer")
	}
}

func TestGet_Missing(t *testing.T) {
	t.Parallel()

	c := New(10)
	_, ok, err := c.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestGet_ExpiredIsMiss(t *testing.T) {
	t.Parallel()

	c := New(10)
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }

	if err := c.Set(ctx, "k", &llm.Response{Content: "x"}, time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// advance past the ttl
	c.now = func() time.Time { return base.Add(2 * time.Second) }

	_, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expired entry must be a miss")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0 after expiry sweep", c.Len())
	}
}

func TestSet_ZeroTTLDisablesCaching(t *testing.T) {
	t.Parallel()

	c := New(10)
	ctx := context.Background()
	if err := c.Set(ctx, "k", &llm.Response{Content: "x"}, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("ttl 0 must not store an entry")
	}
}

func TestSet_EvictsOldestWhenFull(t *testing.T) {
	t.Parallel()

	c := New(3)
	ctx := context.Background()

	base := time.Now()
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := c.Set(ctx, key, &llm.Response{Content: key}, time.Minute); err != nil {
			t.Fatalf("Set %s: %v", key, err)
		}
	}

	if err := c.Set(ctx, "k3", &llm.Response{Content: "k3"}, time.Minute); err != nil {
		t.Fatalf("Set k3: %v", err)
	}

	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
	if _, ok, _ := c.Get(ctx, "k0"); ok {
		t.Error("oldest entry k0 should have been evicted")
	}
	if _, ok, _ := c.Get(ctx, "k3"); !ok {
		t.Error("newest entry k3 missing")
	}
}
