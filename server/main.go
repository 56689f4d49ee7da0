package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/bitleak/eq/config"
	"github.com/bitleak/eq/engine"
	"github.com/bitleak/eq/helper"
	"github.com/bitleak/eq/log"
	"github.com/bitleak/eq/reclaimer"
	"github.com/bitleak/eq/server/handlers"
	"github.com/bitleak/eq/server/middleware"
	"github.com/bitleak/eq/storage"
	"github.com/bitleak/eq/storage/lock"
	"github.com/bitleak/eq/tracing"
	"github.com/bitleak/eq/version"
)

type optionFlags struct {
	ConfFile       string
	PidFile        string
	ShowVersion    bool
	BackTrackLevel string
}

var (
	Flags optionFlags
)

func registerSignal(shutdown chan struct{}, logsReopenCallback func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1}...)
	go func() {
		for sig := range c {
			if handleSignals(sig, logsReopenCallback) {
				close(shutdown)
				return
			}
		}
	}()
}

func handleSignals(sig os.Signal, logsReopenCallback func()) (exitNow bool) {
	switch sig {
	case syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM:
		return true
	case syscall.SIGUSR1:
		logsReopenCallback()
		return false
	}
	return false
}

func parseFlags() {
	flagSet := flag.NewFlagSet("eq", flag.ExitOnError)
	flagSet.StringVar(&Flags.ConfFile, "c", "conf/config.toml", "config file path")
	flagSet.BoolVar(&Flags.ShowVersion, "v", false, "show current version")
	flagSet.StringVar(&Flags.BackTrackLevel, "bt", "warn", "show backtrack in the log >= {level}")
	flagSet.StringVar(&Flags.PidFile, "p", "running.pid", "pid file path")
	flagSet.Parse(os.Args[1:])
}

func printVersion() {
	fmt.Printf("version: %s\nbuilt at: %s\ncommit: %s\n", version.Version, version.BuildDate, version.BuildCommit)
}

func apiServer(conf *config.Config, accessLogger, errorLogger *logrus.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.RequestIDMiddleware, middleware.AccessLogMiddleware(accessLogger), gin.RecoveryWithWriter(errorLogger.Out))
	handlers.SetupParamDefaults(conf)
	SetupRoutes(engine, errorLogger)
	addr := fmt.Sprintf("%s:%d", conf.Host, conf.Port)
	errorLogger.Infof("Server listening at %s", addr)
	srv := http.Server{
		Addr:    addr,
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if err == http.ErrServerClosed {
				return
			}
			panic(fmt.Sprintf("API server failed: %s", err))
		}
	}()
	return &srv
}

func adminServer(conf *config.Config, accessLogger *logrus.Logger, errorLogger *logrus.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(middleware.RequestIDMiddleware, middleware.AccessLogMiddleware(accessLogger), gin.RecoveryWithWriter(errorLogger.Out))
	SetupAdminRoutes(engine)
	errorLogger.Infof("Admin port %d", conf.AdminPort)
	srv := http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.AdminHost, conf.AdminPort),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			if err == http.ErrServerClosed {
				return
			}
			panic(fmt.Sprintf("Admin server failed: %s", err))
		}
	}()
	return &srv
}

// setupQueues opens the storage of every pool, registers its queue and
// starts a reclaimer for it
func setupQueues(ctx context.Context, conf *config.Config, logger *logrus.Logger) ([]*reclaimer.Reclaimer, error) {
	queueConf := engine.Config{
		RetryDelay:     conf.RetryDelay(),
		MaxRetries:     conf.MaxRetries,
		CollisionDelay: conf.CollisionDelay(),
		MaxCollisions:  conf.MaxCollisions,
	}
	reclaimers := make([]*reclaimer.Reclaimer, 0, len(conf.Pool))
	for pool, poolConf := range conf.Pool {
		poolConf := poolConf
		if poolConf.Kind == config.KindRedis {
			if err := helper.ValidateRedisConfig(ctx, &poolConf); err != nil {
				return nil, fmt.Errorf("validate redis of pool %s: %w", pool, err)
			}
		}
		s, err := storage.Open(ctx, pool, &poolConf, logger)
		if err != nil {
			return nil, err
		}
		q := engine.NewQueue(pool, s, queueConf, engine.WithLogger(logger))
		engine.Register(pool, q)

		var lk lock.Lock
		if conf.ReclaimLock != nil {
			lk = newReclaimLock(conf, pool)
		}
		r := reclaimer.New(q, conf.LeaseTimeout(), conf.ReclaimInterval(), lk, logger)
		go r.Loop()
		reclaimers = append(reclaimers, r)
	}
	return reclaimers, nil
}

func newReclaimLock(conf *config.Config, pool string) lock.Lock {
	name := pool
	if conf.ReclaimLock.Name != "" {
		name = conf.ReclaimLock.Name + "-" + pool
	}
	expiry := time.Duration(conf.ReclaimLock.ExpirySeconds) * time.Second
	if expiry == 0 {
		expiry = 3 * conf.ReclaimInterval()
	}
	return lock.NewRedisLock(helper.NewLockClient(conf.ReclaimLock), name, expiry)
}

func createPidFile(logger *logrus.Logger) {
	f, err := os.OpenFile(Flags.PidFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		panic("failed to create pid file")
	}
	io.WriteString(f, fmt.Sprintf("%d", os.Getpid()))
	f.Close()
	logger.Infof("Server pid: %d", os.Getpid())
}

func removePidFile() {
	os.Remove(Flags.PidFile)
}

func main() {
	parseFlags()
	if Flags.ShowVersion {
		printVersion()
		return
	}
	conf, err := config.MustLoad(Flags.ConfFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config file: %s", err))
	}
	shutdown := make(chan struct{})
	if err := log.Setup(conf.LogFormat, conf.LogDir, conf.LogLevel, Flags.BackTrackLevel); err != nil {
		panic(fmt.Sprintf("Failed to setup logger: %s", err))
	}
	errorLogger, accessLogger := log.Get(), log.GetAccessLogger()
	if _, err := maxprocs.Set(maxprocs.Logger(errorLogger.Infof)); err != nil {
		errorLogger.WithError(err).Warn("Failed to set GOMAXPROCS")
	}
	if conf.EnableAccessLog {
		middleware.EnableAccessLog()
	}
	registerSignal(shutdown, func() {
		if err := log.ReopenLogs(conf.LogDir); err != nil {
			errorLogger.WithError(err).Error("Failed to reopen logs")
		}
	})
	shutdownTracer, err := tracing.Setup(conf.Tracing, errorLogger)
	if err != nil {
		panic(fmt.Sprintf("Failed to setup tracing: %s", err))
	}
	reclaimers, err := setupQueues(context.Background(), conf, errorLogger)
	if err != nil {
		panic(fmt.Sprintf("Failed to setup queues: %s", err))
	}
	apiSrv := apiServer(conf, accessLogger, errorLogger)
	adminSrv := adminServer(conf, accessLogger, errorLogger)

	createPidFile(errorLogger)

	<-shutdown
	errorLogger.Infof("[%d] Shutting down...", os.Getpid())
	removePidFile()
	adminSrv.Close() // Admin server does not need to be stopped gracefully
	apiSrv.Shutdown(context.Background())
	for _, r := range reclaimers {
		r.Shutdown()
	}
	engine.Shutdown()
	if err := shutdownTracer(context.Background()); err != nil {
		errorLogger.WithError(err).Warn("Failed to flush spans")
	}
	errorLogger.Infof("[%d] Bye bye", os.Getpid())
}
