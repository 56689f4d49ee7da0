package spanner

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitleak/eq/config"
	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/storage/storagetest"
)

var emulatorConf = &config.StorageConf{
	Kind:     config.KindSpanner,
	Project:  "test-project",
	Instance: "test-instance",
	Database: "test-db",
	Table:    "eq_jobs",
}

func TestMain(m *testing.M) {
	if os.Getenv("SPANNER_EMULATOR_HOST") == "" {
		// nothing to test against
		os.Exit(0)
	}
	ctx := context.Background()
	if err := CreateInstance(ctx, emulatorConf); err != nil {
		panic("Create instance: " + err.Error())
	}
	if err := CreateDatabase(ctx, emulatorConf); err != nil {
		panic("Create database: " + err.Error())
	}
	os.Exit(m.Run())
}

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) engine.Storage {
		ctx := context.Background()
		s, err := New(ctx, emulatorConf, nil)
		require.NoError(t, err)
		require.NoError(t, s.Truncate(ctx))
		t.Cleanup(func() { s.Close() })
		return s
	})
}
