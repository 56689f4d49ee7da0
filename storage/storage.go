// Package storage opens the storage configured for a pool.
package storage

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/config"
	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/storage/badger"
	"github.com/bitleak/eq/storage/pebble"
	"github.com/bitleak/eq/storage/redis"
	"github.com/bitleak/eq/storage/spanner"
	"github.com/bitleak/eq/storage/sqlstore"
)

// Open connects to the storage of the pool, any failure is returned at once.
// The storage is wrapped to report per operation metrics.
func Open(ctx context.Context, pool string, conf *config.StorageConf, logger *logrus.Logger) (engine.Storage, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var (
		s   engine.Storage
		err error
	)
	switch conf.Kind {
	case config.KindPebble:
		s, err = pebble.New(conf.Path, logger)
	case config.KindBadger:
		s, err = badger.New(conf.Path, logger)
	case config.KindRedis:
		s, err = redis.New(conf, logger)
	case config.KindSQLite:
		s, err = sqlstore.Open(sqlstore.DialectSQLite, conf.Path, conf.Table, logger)
	case config.KindPostgres:
		s, err = sqlstore.Open(sqlstore.DialectPostgres, conf.DSN, conf.Table, logger)
	case config.KindSpanner:
		s, err = spanner.New(ctx, conf, logger)
	default:
		return nil, fmt.Errorf("invalid storage kind: %q", conf.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage of pool %s: %w", conf.Kind, pool, err)
	}
	logger.WithFields(logrus.Fields{
		"pool": pool,
		"kind": conf.Kind,
	}).Info("Storage opened")
	return Instrument(pool, s), nil
}
