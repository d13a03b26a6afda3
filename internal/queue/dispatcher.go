// Package queue hands admitted deployment ids to the worker pool.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("queue: closed")

// Dispatcher transports deployment ids from admission to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, deploymentID string) error
	// Next blocks until an id is available, the context ends or the dispatcher closes.
	Next(ctx context.Context) (string, error)
	Close() error
}

// MemoryDispatcher is a process-local dispatcher backed by a buffered channel.
type MemoryDispatcher struct {
	ch     chan string
	done   chan struct{}
	closed sync.Once
}

// NewMemoryDispatcher returns a dispatcher buffering up to size ids.
func NewMemoryDispatcher(size int) *MemoryDispatcher {
	if size <= 0 {
		size = 256
	}
	return &MemoryDispatcher{ch: make(chan string, size), done: make(chan struct{})}
}

func (d *MemoryDispatcher) Dispatch(ctx context.Context, deploymentID string) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	select {
	case d.ch <- deploymentID:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) Next(ctx context.Context) (string, error) {
	select {
	case id := <-d.ch:
		return id, nil
	case <-d.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *MemoryDispatcher) Close() error {
	d.closed.Do(func() {
		close(d.done)
	})
	return nil
}

// RedisDispatcher shares the queue between orchestrator processes through a Redis list.
type RedisDispatcher struct {
	client  *redis.Client
	key     string
	logger  *slog.Logger
	block   time.Duration
	closing chan struct{}
	once    sync.Once
}

// NewRedisDispatcher connects to Redis and verifies the connection.
func NewRedisDispatcher(addr, password string, db int, key string, logger *slog.Logger) (*RedisDispatcher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDispatcher{
		client:  client,
		key:     key,
		logger:  logger.With("component", "redis_dispatcher"),
		block:   5 * time.Second,
		closing: make(chan struct{}),
	}, nil
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, deploymentID string) error {
	return d.client.LPush(ctx, d.key, deploymentID).Err()
}

func (d *RedisDispatcher) Next(ctx context.Context) (string, error) {
	for {
		select {
		case <-d.closing:
			return "", ErrClosed
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		res, err := d.client.BRPop(ctx, d.block, d.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			select {
			case <-d.closing:
				return "", ErrClosed
			default:
			}
			d.logger.Error("redis dequeue failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			continue
		}
		// BRPOP returns [key, value].
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

func (d *RedisDispatcher) Close() error {
	var err error
	d.once.Do(func() {
		close(d.closing)
		err = d.client.Close()
	})
	return err
}

var (
	_ Dispatcher = (*MemoryDispatcher)(nil)
	_ Dispatcher = (*RedisDispatcher)(nil)
)
