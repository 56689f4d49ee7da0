package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageConf_Validate(t *testing.T) {
	conf := &StorageConf{}
	assert.Error(t, conf.validate(), "kind is required")

	conf.Kind = KindPebble
	assert.Error(t, conf.validate())
	conf.Path = "/tmp/eq"
	assert.NoError(t, conf.validate())

	conf = &StorageConf{Kind: KindRedis}
	assert.Error(t, conf.validate())
	conf.Addr = "127.0.0.1:6379"
	assert.NoError(t, conf.validate())
	conf.DB = -1
	assert.Error(t, conf.validate())
	conf.DB = 0
	assert.False(t, conf.IsSentinel())
	conf.MasterName = "mymaster"
	conf.Addr = "10.0.0.1:26379,10.0.0.2:26379"
	assert.True(t, conf.IsSentinel())
	assert.Equal(t, []string{"10.0.0.1:26379", "10.0.0.2:26379"}, conf.RedisAddrs())

	conf = &StorageConf{Kind: KindPostgres}
	assert.Error(t, conf.validate())
	conf.DSN = "postgres://localhost/eq"
	assert.NoError(t, conf.validate())

	conf = &StorageConf{Kind: KindSpanner, Project: "p", Instance: "i"}
	assert.Error(t, conf.validate())
	conf.Database = "d"
	assert.NoError(t, conf.validate())
}

func TestMustLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eq.toml")
	content := `
Host = "0.0.0.0"
Port = 7777
AdminPort = 7778
LeaseTimeoutSecond = 30

[Pool]
[Pool.default]
Kind = "sqlite"
Path = "/var/lib/eq/jobs.db"

[Pool.fast]
Kind = "redis"
Addr = "127.0.0.1:6379"
Prefix = "eq"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	conf, err := MustLoad(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", conf.AdminHost)
	assert.Equal(t, "info", conf.LogLevel)
	assert.Equal(t, 30, conf.LeaseTimeoutSecond)
	assert.Equal(t, 10, conf.ReclaimIntervalSecond)
	assert.Equal(t, 50, conf.RetryDelayMS)
	assert.Len(t, conf.Pool, 2)
	assert.Equal(t, KindSQLite, conf.Pool[DefaultPoolName].Kind)
	assert.Equal(t, "eq", conf.Pool["fast"].Prefix)
}

func TestMustLoad_MissingDefaultPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eq.toml")
	content := `
Host = "0.0.0.0"
Port = 7777
AdminPort = 7778

[Pool.other]
Kind = "badger"
Path = "/tmp/badger"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	_, err := MustLoad(path)
	assert.EqualError(t, err, "default pool not found")
}

func TestConfig_Validate(t *testing.T) {
	conf := &Config{Host: "127.0.0.1", Port: 7777, AdminPort: 7778}
	setDefaults(conf)
	conf.Pool = StoragePool{DefaultPoolName: {Kind: KindBadger, Path: "/tmp/badger"}}
	require.NoError(t, conf.Validate())

	conf.LogLevel = "verbose"
	assert.EqualError(t, conf.Validate(), "invalid log level")
	conf.LogLevel = "debug"

	conf.ReclaimLock = &LockConf{}
	assert.Error(t, conf.Validate())
	conf.ReclaimLock.Addr = "127.0.0.1:6379"
	assert.NoError(t, conf.Validate())

	conf.MaxRetries = -1
	assert.Error(t, conf.Validate())
}
