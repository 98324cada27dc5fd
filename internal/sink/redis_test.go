package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func redisAvailable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedis_AppendAndTrim(t *testing.T) {
	client := redisAvailable(t)
	key := "appmetric:test:records"
	defer client.Del(context.Background(), key)

	r := NewRedisWithClient(client, RedisOptions{Key: key, MaxLen: 2})
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		if err := r.Append(context.Background(), metricAt(base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	lines, err := client.LRange(context.Background(), key, 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected list trimmed to 2, got %d", len(lines))
	}
	if ts := gjson.Get(lines[1], "timestamp").Int(); ts != base.Add(2*time.Second).Unix() {
		t.Errorf("expected newest record last, got timestamp %d", ts)
	}
}

func TestRedis_BreakerOpensOnUnreachableServer(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := NewRedis(RedisOptions{
		Logger:           zap.New(core),
		Address:          "127.0.0.1:1",
		Timeout:          50 * time.Millisecond,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	})
	defer r.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := r.Append(ctx, metricAt(time.Now())); err == nil {
			t.Fatalf("append %d: expected connection error", i)
		}
	}
	if r.State() != gobreaker.StateOpen {
		t.Fatalf("expected breaker open, got %v", r.State())
	}

	err := r.Append(ctx, metricAt(time.Now()))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState while open, got %v", err)
	}

	changes := logs.FilterMessage("metric sink breaker state changed").All()
	if len(changes) != 1 {
		t.Fatalf("expected one state change on the injected logger, got %d", len(changes))
	}
	if to := changes[0].ContextMap()["to"]; to != gobreaker.StateOpen.String() {
		t.Errorf("state change to = %v, want %s", to, gobreaker.StateOpen)
	}
}
