// Package broker is the Redis-backed queue receipts arrive on.
//
// Messages wait in <key>:pending. Receive moves one atomically into
// <key>:processing, where it stays until it is acknowledged. A message that
// is negatively acknowledged too often is parked in <key>:dead.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoMessage is returned by Receive when nothing arrived within the poll
// timeout.
var ErrNoMessage = errors.New("no message available")

type Config struct {
	Addr          string
	Password      string
	DB            int
	Key           string
	PollTimeout   time.Duration
	DeadLetterMax int
}

type Delivery struct {
	Body []byte
	raw  string
}

type Redis struct {
	client *redis.Client
	cfg    Config
}

func NewRedis(cfg Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedis(client, cfg)
}

func newRedis(client *redis.Client, cfg Config) *Redis {
	if cfg.Key == "" {
		cfg.Key = "disburse:receipts"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.DeadLetterMax <= 0 {
		cfg.DeadLetterMax = 10
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) pendingKey() string    { return r.cfg.Key + ":pending" }
func (r *Redis) processingKey() string { return r.cfg.Key + ":processing" }
func (r *Redis) nackKey() string       { return r.cfg.Key + ":nack" }
func (r *Redis) deadKey() string       { return r.cfg.Key + ":dead" }

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Publish(ctx context.Context, body []byte) error {
	return r.client.LPush(ctx, r.pendingKey(), body).Err()
}

// Receive blocks up to the poll timeout for the next message.
func (r *Redis) Receive(ctx context.Context) (Delivery, error) {
	raw, err := r.client.BLMove(ctx, r.pendingKey(), r.processingKey(), "RIGHT", "LEFT", r.cfg.PollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, ErrNoMessage
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("receive from %s: %w", r.pendingKey(), err)
	}
	return Delivery{Body: []byte(raw), raw: raw}, nil
}

func (r *Redis) Ack(ctx context.Context, d Delivery) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, r.processingKey(), 1, d.raw)
		p.HDel(ctx, r.nackKey(), d.raw)
		return nil
	})
	return err
}

// Nack returns the message to the back of the queue, or parks it once it has
// been refused DeadLetterMax times.
func (r *Redis) Nack(ctx context.Context, d Delivery) error {
	count, err := r.client.HIncrBy(ctx, r.nackKey(), d.raw, 1).Result()
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, r.processingKey(), 1, d.raw)
		if count >= int64(r.cfg.DeadLetterMax) {
			p.LPush(ctx, r.deadKey(), d.raw)
			p.HDel(ctx, r.nackKey(), d.raw)
		} else {
			p.LPush(ctx, r.pendingKey(), d.raw)
		}
		return nil
	})
	return err
}

// Recover moves messages left in processing by a consumer that died back to
// the queue. Run it before consuming.
func (r *Redis) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := r.client.LMove(ctx, r.processingKey(), r.pendingKey(), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (r *Redis) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.client.LRange(ctx, r.deadKey(), 0, limit-1).Result()
}
