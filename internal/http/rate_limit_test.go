package httpx

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := rl.Allow(ctx, "webhook:ip:1", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if d := rl.Allow(ctx, "webhook:ip:1", 3, time.Minute); d.allowed || d.count != 3 {
		t.Fatalf("fourth request should be rejected, got %+v", d)
	}
	if d := rl.Allow(ctx, "operator:ip:1", 3, time.Minute); !d.allowed {
		t.Fatalf("route classes keep separate budgets")
	}
	if d := rl.Allow(ctx, "webhook:ip:1", 0, time.Minute); !d.allowed {
		t.Fatalf("zero limit disables the check")
	}

	now = now.Add(time.Minute)
	if d := rl.Allow(ctx, "webhook:ip:1", 3, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("a new window should start at one, got %+v", d)
	}
}

func TestMemoryRateLimiterSweep(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	rl.Allow(context.Background(), "webhook:ip:1", 1, time.Second)
	rl.Allow(context.Background(), "webhook:ip:2", 1, time.Hour)
	now = now.Add(time.Minute)
	rl.sweep()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.windows["webhook:ip:2"]; len(rl.windows) != 1 || !ok {
		t.Fatalf("only the expired window should be swept, got %v", rl.windows)
	}
}

func TestRepositorySubject(t *testing.T) {
	cases := map[string]string{
		"acme/web":                         "acme/web",
		" Acme/Web.git ":                   "acme/web",
		"https://github.com/acme/web.git/": "https://github.com/acme/web",
	}
	for in, want := range cases {
		if got := repositorySubject(in); got != want {
			t.Errorf("repositorySubject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	rl := newRedisRateLimiter(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Close()
	if d := rl.Allow(context.Background(), "webhook:ip:1", 1, time.Minute); !d.allowed {
		t.Fatalf("an unreachable redis must not reject requests, got %+v", d)
	}
}
