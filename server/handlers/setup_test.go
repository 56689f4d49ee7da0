package handlers_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/bitleak/eq/config"
	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/server/handlers"
	"github.com/bitleak/eq/storage"
	"github.com/bitleak/eq/storage/badger"
)

func ginTest(req *http.Request) (*gin.Context, *gin.Engine, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	gin.SetMode(gin.ReleaseMode)
	ctx, engine := gin.CreateTestContext(w)
	ctx.Request = req
	return ctx, engine, w
}

func setup(dir string, logger *logrus.Logger) {
	pools := config.StoragePool{
		config.DefaultPoolName: {Kind: config.KindBadger, Path: filepath.Join(dir, "badger")},
		"sql":                  {Kind: config.KindSQLite, Path: filepath.Join(dir, "eq.db")},
	}
	for name, poolConf := range pools {
		poolConf := poolConf
		s, err := storage.Open(context.Background(), name, &poolConf, logger)
		if err != nil {
			panic(fmt.Sprintf("Failed to open the storage of pool %s: %s", name, err))
		}
		engine.Register(name, engine.NewQueue(name, s, engine.Config{}, engine.WithLogger(logger)))
	}
	handlers.Setup(logger)
}

// newPool registers a pool of its own for the test, so jobs pushed by other
// tests never show up in it
func newPool(t *testing.T, name string) *engine.Queue {
	s, err := badger.New("", logrus.New())
	if err != nil {
		t.Fatalf("Failed to open in-memory storage: %s", err)
	}
	q := engine.NewQueue(name, s, engine.Config{})
	engine.Register(name, q)
	return q
}

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "eq-handlers")
	if err != nil {
		panic(fmt.Sprintf("Failed to create the temp dir: %s", err))
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	setup(dir, logger)
	ret := m.Run()
	engine.Shutdown()
	os.RemoveAll(dir)
	os.Exit(ret)
}
