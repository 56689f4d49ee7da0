package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitleak/eq/config"
	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/helper"
	"github.com/bitleak/eq/storage/storagetest"
	"github.com/bitleak/eq/uuid"
)

var CONF *config.Config

func TestMain(m *testing.M) {
	presetConfig, err := config.CreatePresetForTest()
	if err != nil {
		fmt.Printf("skip redis storage tests, no redis container: %s\n", err)
		os.Exit(0)
	}
	CONF = presetConfig.Config
	ret := m.Run()
	presetConfig.Destroy()
	os.Exit(ret)
}

// every storage gets its own prefix, so tests never see each other's jobs
func newTestStorage(t *testing.T) engine.Storage {
	conf := CONF.Pool[config.DefaultPoolName]
	conf.Prefix = "test-" + uuid.GenUniqueID()
	s, err := New(&conf, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorage(t *testing.T) {
	storagetest.Run(t, newTestStorage)
}

func TestStorage_KeyLayout(t *testing.T) {
	ctx := context.Background()
	conf := CONF.Pool[config.DefaultPoolName]
	conf.Prefix = "layout-" + uuid.GenUniqueID()
	s, err := New(&conf, nil)
	require.NoError(t, err)
	defer s.Close()

	id := "16999999999990001"
	require.NoError(t, s.Insert(ctx, engine.NewJob(id, []byte("x"), time.Unix(1700000000, 0))))
	cli := helper.NewRedisClient(&conf, nil)
	defer cli.Close()
	for _, field := range engine.Fields {
		n, err := cli.Exists(ctx, conf.Prefix+":"+string(field)+":"+id).Result()
		require.NoError(t, err)
		assert.EqualValues(t, 1, n, "field %s", field)
	}
	lease, err := cli.Get(ctx, conf.Prefix+":started_working_at:"+id).Result()
	require.NoError(t, err)
	assert.Equal(t, "", lease, "empty lease means waiting")
}
