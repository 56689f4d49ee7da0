package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPoolName = "default"
)

const (
	KindPebble   = "pebble"
	KindBadger   = "badger"
	KindRedis    = "redis"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindSpanner  = "spanner"
)

type Config struct {
	Host            string
	Port            int
	AdminHost       string
	AdminPort       int
	LogLevel        string
	LogDir          string
	LogFormat       string
	EnableAccessLog bool
	Pool            StoragePool

	// Lease and retry params, shared by every pool
	LeaseTimeoutSecond    int
	ReclaimIntervalSecond int
	RetryDelayMS          int
	MaxRetries            int
	CollisionDelayMS      int
	MaxCollisions         int

	// Optional lock which makes only one process sweep expired leases
	ReclaimLock *LockConf
	Tracing     TracingConf
}

type StoragePool map[string]StorageConf

type StorageConf struct {
	Kind string

	// pebble, badger and sqlite
	Path string
	// postgres
	DSN string
	// sqlite, postgres and spanner
	Table string

	// redis
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	Prefix     string
	MasterName string

	// spanner
	Project         string
	Instance        string
	Database        string
	CredentialsFile string
}

type LockConf struct {
	Addr          string
	Password      string
	DB            int
	Name          string
	ExpirySeconds int
}

type TracingConf struct {
	Enabled bool
	// OTLP HTTP endpoint, spans are written to stdout when empty
	Endpoint string
}

func (sc *StorageConf) validate() error {
	switch sc.Kind {
	case KindPebble, KindBadger, KindSQLite:
		if sc.Path == "" {
			return errors.New("the storage path must not be empty")
		}
	case KindPostgres:
		if sc.DSN == "" {
			return errors.New("the postgres dsn must not be empty")
		}
	case KindRedis:
		if sc.Addr == "" {
			return errors.New("the redis addr must not be empty")
		}
		if sc.DB < 0 {
			return errors.New("the redis db must be greater than 0 or equal to 0")
		}
	case KindSpanner:
		if sc.Project == "" || sc.Instance == "" || sc.Database == "" {
			return errors.New("the spanner project, instance and database must not be empty")
		}
	default:
		return fmt.Errorf("invalid storage kind: %q", sc.Kind)
	}
	return nil
}

// IsSentinel return whether the redis pool runs behind sentinels
func (sc *StorageConf) IsSentinel() bool {
	return sc.Kind == KindRedis && sc.MasterName != ""
}

// RedisAddrs splits the comma separated sentinel addresses
func (sc *StorageConf) RedisAddrs() []string {
	return strings.Split(sc.Addr, ",")
}

func (lc *LockConf) validate() error {
	if lc.Addr == "" {
		return errors.New("the lock addr must not be empty")
	}
	if lc.ExpirySeconds < 0 {
		return errors.New("the lock expiry must not be negative")
	}
	return nil
}

func (c *Config) LeaseTimeout() time.Duration {
	return time.Duration(c.LeaseTimeoutSecond) * time.Second
}

func (c *Config) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalSecond) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func (c *Config) CollisionDelay() time.Duration {
	return time.Duration(c.CollisionDelayMS) * time.Millisecond
}

func setDefaults(conf *Config) {
	conf.LogLevel = "info"
	conf.AdminHost = "127.0.0.1"

	conf.LeaseTimeoutSecond = 2 * 60 // 2 minutes
	conf.ReclaimIntervalSecond = 10
	conf.RetryDelayMS = 50
	conf.CollisionDelayMS = 50
	conf.MaxRetries = 0 // means retry until the request is done
}

// Validate checks the loaded config, an error returned if any condition not met
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("invalid host")
	}
	if c.Port == 0 {
		return errors.New("invalid port")
	}
	if c.AdminPort == 0 {
		return errors.New("invalid admin port")
	}
	if _, ok := c.Pool[DefaultPoolName]; !ok {
		return errors.New("default pool not found")
	}
	for name, poolConf := range c.Pool {
		if err := poolConf.validate(); err != nil {
			return fmt.Errorf("invalid config in pool(%s): %s", name, err)
		}
	}
	if c.LeaseTimeoutSecond <= 0 {
		return errors.New("lease timeout must be positive")
	}
	if c.ReclaimIntervalSecond <= 0 {
		return errors.New("reclaim interval must be positive")
	}
	if c.MaxRetries < 0 || c.MaxCollisions < 0 {
		return errors.New("retry bounds must not be negative")
	}
	if c.ReclaimLock != nil {
		if err := c.ReclaimLock.validate(); err != nil {
			return fmt.Errorf("invalid config in reclaim lock: %s", err)
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.New("invalid log level")
	}
	return nil
}

// MustLoad load config file with specified path, an error returned if any condition not met
func MustLoad(path string) (*Config, error) {
	_, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	conf := new(Config)
	setDefaults(conf)
	if _, err := toml.DecodeFile(path, conf); err != nil {
		panic(err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
