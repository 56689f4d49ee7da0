package badger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) engine.Storage {
		s, err := New("", nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStorage_OnDisk(t *testing.T) {
	storagetest.RunContract(t, func(t *testing.T) engine.Storage {
		s, err := New(t.TempDir(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
