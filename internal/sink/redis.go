package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/appmetric/internal/logging"
	"github.com/wudi/appmetric/internal/record"
)

// RedisOptions configures a Redis sink.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	Key      string
	MaxLen   int64         // list is trimmed to the newest MaxLen lines; 0 keeps everything
	Timeout  time.Duration // per append

	// Consecutive failures that open the breaker, and how long it stays open.
	FailureThreshold uint32
	OpenTimeout      time.Duration

	Logger *zap.Logger // defaults to the global logger
}

// Redis ships each record as a JSON line onto a Redis list for a remote
// collector to drain.
type Redis struct {
	client  *redis.Client
	key     string
	maxLen  int64
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewRedis creates a Redis sink. The connection is established lazily.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Address,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.Timeout,
	})
	return NewRedisWithClient(client, opts)
}

// NewRedisWithClient creates a Redis sink over an existing client.
func NewRedisWithClient(client *redis.Client, opts RedisOptions) *Redis {
	if opts.Key == "" {
		opts.Key = "appmetric:records"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 200 * time.Millisecond
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	threshold := opts.FailureThreshold
	logger := logging.OrGlobal(opts.Logger)
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "redis-sink",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("metric sink breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Redis{
		client:  client,
		key:     opts.Key,
		maxLen:  opts.MaxLen,
		timeout: opts.Timeout,
		breaker: breaker,
	}
}

// Append pushes rec onto the list and trims it in one transaction. While
// the breaker is open it fails fast with gobreaker.ErrOpenState.
func (r *Redis) Append(ctx context.Context, rec *record.Metric) error {
	line, err := rec.MarshalLine()
	if err != nil {
		return err
	}
	// Collectors read whole lines; the newline is the file format's delimiter.
	line = line[:len(line)-1]

	_, err = r.breaker.Execute(func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		pipe := r.client.TxPipeline()
		pipe.RPush(ctx, r.key, line)
		if r.maxLen > 0 {
			pipe.LTrim(ctx, r.key, -r.maxLen, -1)
		}
		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("redis push %s: %w", r.key, err)
	}
	return nil
}

// State returns the breaker state.
func (r *Redis) State() gobreaker.State {
	return r.breaker.State()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
