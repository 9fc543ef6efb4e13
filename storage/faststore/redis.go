package faststore

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a single Redis (or Redis Sentinel/Cluster)
// deployment, used when more than one provider instance needs to share
// pending-authorization, magic-link, and SSE state. It follows the same
// key-per-entry, JSON-encoded-value shape as storage/redis, generalized from
// a fixed entity set to an arbitrary key/value store plus pub-sub.
type Redis struct {
	db redis.UniversalClient
}

// RedisConfig mirrors the connection options of storage/redis's Config,
// extended to the go-redis v9 client used here.
type RedisConfig struct {
	Addrs            []string
	Password         string
	SentinelPassword string
	MasterName       string
}

// NewRedis opens a Store against the given Redis deployment.
func NewRedis(cfg RedisConfig) *Redis {
	opts := &redis.UniversalOptions{
		Addrs:            cfg.Addrs,
		Password:         cfg.Password,
		SentinelPassword: cfg.SentinelPassword,
		MasterName:       cfg.MasterName,
	}
	return &Redis{db: redis.NewUniversalClient(opts)}
}

func (r *Redis) Close() error { return r.db.Close() }

func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := encode(value)
	if err != nil {
		return err
	}
	return r.db.Set(ctx, key, string(b), ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	b, err := encode(value)
	if err != nil {
		return false, err
	}
	return r.db.SetNX(ctx, key, string(b), ttl).Result()
}

func (r *Redis) Get(ctx context.Context, key string, dest any) error {
	val, err := r.db.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return decode([]byte(val), dest)
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.db.Del(ctx, key).Err()
}

func (r *Redis) GetDelete(ctx context.Context, key string, dest any) error {
	val, err := r.db.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return decode([]byte(val), dest)
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.db.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.db.Subscribe(ctx, channel)
	sub := &redisSub{pubsub: pubsub, ch: make(chan []byte, 16), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan []byte
	done   chan struct{}
}

func (s *redisSub) pump() {
	defer close(s.ch)
	ch := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) Chan() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.pubsub.Close()
}
