package helper

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/bitleak/eq/config"
)

// NewRedisClient wrap the standalone and sentinel client, every client reports
// its command latency through the metrics hook
func NewRedisClient(conf *config.StorageConf, opt *redis.Options) (client *redis.Client) {
	if opt == nil {
		opt = &redis.Options{}
	}
	opt.Addr = conf.Addr
	opt.Password = conf.Password
	opt.PoolSize = conf.PoolSize
	opt.DB = conf.DB
	if conf.IsSentinel() {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    conf.MasterName,
			SentinelAddrs: conf.RedisAddrs(),
			Password:      opt.Password,
			PoolSize:      opt.PoolSize,
			ReadTimeout:   opt.ReadTimeout,
			WriteTimeout:  opt.WriteTimeout,
			MinIdleConns:  opt.MinIdleConns,
			DB:            opt.DB,
		})
	} else {
		client = redis.NewClient(opt)
	}
	client.AddHook(NewMetricsHook(client))
	return client
}

// NewLockClient builds the client of the reclaim lock
func NewLockClient(conf *config.LockConf) *redis.Client {
	return NewRedisClient(&config.StorageConf{
		Kind:     config.KindRedis,
		Addr:     conf.Addr,
		Password: conf.Password,
		DB:       conf.DB,
	}, nil)
}

// ValidateRedisConfig rejects redis servers which may silently lose jobs
func ValidateRedisConfig(ctx context.Context, conf *config.StorageConf) error {
	cli := NewRedisClient(conf, &redis.Options{PoolSize: 1})
	defer cli.Close()
	if err := cli.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	infoStr, err := cli.Info(ctx, "persistence").Result()
	if err != nil {
		return err
	}
	if !containsField(infoStr, "aof_enabled", "1") {
		return errors.New("redis appendonly MUST be 'yes' to prevent losing jobs")
	}
	policy, err := cli.ConfigGet(ctx, "maxmemory-policy").Result()
	if err != nil {
		return err
	}
	if len(policy) == 2 && policy[1] != "noeviction" {
		return errors.New("redis maxmemory-policy MUST be 'noeviction' to prevent losing jobs")
	}
	return nil
}
