// Package redis stores jobs in redis, one string key per field.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/config"
	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/helper"
)

const scanBatchSize = 256

var (
	// KEYS: payload key, field key; ARGV: old value, new value
	casScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
local v = redis.call("GET", KEYS[2])
if v == false or v ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2])
return 1
`)

	// KEYS: payload key followed by the other field keys
	removeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("DEL", unpack(KEYS))
return 1
`)
)

// Storage is an engine.Storage, engine.Swapper and engine.Remover on redis.
// Scan walks the key space with SCAN, it has no order and may see a key twice,
// duplicates are dropped before calling back.
type Storage struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

func New(conf *config.StorageConf, logger *logrus.Logger) (*Storage, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := helper.NewRedisClient(conf, nil)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", conf.Addr, err)
	}
	return NewWithClient(client, conf.Prefix, logger), nil
}

func NewWithClient(client *redis.Client, prefix string, logger *logrus.Logger) *Storage {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Storage{client: client, prefix: prefix, logger: logger}
}

func (s *Storage) Name() string {
	return "redis"
}

func (s *Storage) key(field engine.Field, id string) string {
	if s.prefix == "" {
		return engine.FieldKey(field, id)
	}
	return s.prefix + ":" + engine.FieldKey(field, id)
}

func (s *Storage) keys(id string) []string {
	keys := make([]string, 0, len(engine.Fields))
	for _, field := range engine.Fields {
		keys = append(keys, s.key(field, id))
	}
	return keys
}

func (s *Storage) Insert(ctx context.Context, job engine.Job) error {
	values := engine.JobValues(job)
	pairs := make([]interface{}, 0, 2*len(values))
	for field, value := range values {
		pairs = append(pairs, s.key(field, job.ID()), value)
	}
	ok, err := s.client.MSetNX(ctx, pairs...).Result()
	if err != nil {
		return err
	}
	if !ok {
		return engine.ErrExists
	}
	return nil
}

func (s *Storage) Write(ctx context.Context, field engine.Field, id string, value []byte) error {
	if !engine.IsValidField(field) {
		return engine.ErrUnsupportedField
	}
	return s.client.Set(ctx, s.key(field, id), value, 0).Err()
}

func (s *Storage) Read(ctx context.Context, field engine.Field, id string) ([]byte, error) {
	if !engine.IsValidField(field) {
		return nil, engine.ErrUnsupportedField
	}
	value, err := s.client.Get(ctx, s.key(field, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, engine.ErrNotFound
	}
	return value, err
}

func (s *Storage) DeleteAll(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.keys(id)...).Err()
}

func (s *Storage) Scan(ctx context.Context, field engine.Field, fn func(id string, value []byte) bool) error {
	if !engine.IsValidField(field) {
		return engine.ErrUnsupportedField
	}
	prefix := s.key(field, "")
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanBatchSize).Result()
		if err != nil {
			return err
		}
		fresh := keys[:0]
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				fresh = append(fresh, k)
			}
		}
		if len(fresh) > 0 {
			values, err := s.client.MGet(ctx, fresh...).Result()
			if err != nil {
				return err
			}
			for i, v := range values {
				str, ok := v.(string)
				if !ok {
					// deleted after SCAN returned it
					continue
				}
				if !fn(fresh[i][len(prefix):], []byte(str)) {
					return nil
				}
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *Storage) CompareAndSwap(ctx context.Context, field engine.Field, id string, oldValue, newValue []byte) (bool, error) {
	if !engine.IsValidField(field) {
		return false, engine.ErrUnsupportedField
	}
	keys := []string{s.key(engine.FieldPayload, id), s.key(field, id)}
	n, err := casScript.Run(ctx, s.client, keys, oldValue, newValue).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Storage) Remove(ctx context.Context, id string) (bool, error) {
	n, err := removeScript.Run(ctx, s.client, s.keys(id)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}
