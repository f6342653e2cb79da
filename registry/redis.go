package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"playcast/broadcaster/stream"
)

const (
	StreamsKey       = "streams"
	StreamKey        = "stream:"
	StreamLockKey    = "stream_lock:"
	DefaultRecordTTL = 24 * time.Hour
	MutexDuration    = 15 * time.Second
)

// Redis keeps records in Redis so that status is visible to other processes.
// Records expire after ttl so a crashed host cannot leave them behind forever.
type Redis struct {
	client  *redis.Client
	redsync *redsync.Redsync
	ttl     time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &Redis{
		client:  client,
		redsync: redsync.New(goredis.NewPool(client)),
		ttl:     ttl,
	}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedis(client, ttl), nil
}

func (r *Redis) Set(ctx context.Context, id stream.Id, rec stream.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, StreamKey+string(id), data, r.ttl)
		pipe.SAdd(ctx, StreamsKey, string(id))
		return nil
	})
	return err
}

func (r *Redis) Get(ctx context.Context, id stream.Id) (stream.Record, bool, error) {
	data, err := r.client.Get(ctx, StreamKey+string(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return stream.Record{}, false, nil
	}
	if err != nil {
		return stream.Record{}, false, err
	}
	var rec stream.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return stream.Record{}, false, fmt.Errorf("decode record for stream %s: %w", id, err)
	}
	return rec, true, nil
}

func (r *Redis) Remove(ctx context.Context, id stream.Id) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, StreamKey+string(id))
		pipe.SRem(ctx, StreamsKey, string(id))
		return nil
	})
	return err
}

// List drops ids whose record expired from the streams set on the way.
func (r *Redis) List(ctx context.Context) ([]stream.Id, error) {
	members, err := r.client.SMembers(ctx, StreamsKey).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]stream.Id, 0, len(members))
	for _, member := range members {
		n, err := r.client.Exists(ctx, StreamKey+member).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			r.client.SRem(ctx, StreamsKey, member)
			continue
		}
		ids = append(ids, stream.Id(member))
	}
	return ids, nil
}

func (r *Redis) StreamMutex(id stream.Id) stream.Mutex {
	return r.redsync.NewMutex(StreamLockKey+string(id), redsync.WithExpiry(MutexDuration), redsync.WithTries(1))
}

func (r *Redis) Close() error {
	return r.client.Close()
}
