package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const (
	accessLogName = "access.log"
	errorLogName  = "error.log"
)

var (
	globalLogger = logrus.StandardLogger()
	accessLogger = logrus.StandardLogger()
)

// Setup builds the error and access loggers. Both write to files under logDir,
// or to stderr and stdout when logDir is empty.
func Setup(logFormat, logDir, logLevel, backtrackLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %s", err)
	}
	btLevel, err := logrus.ParseLevel(backtrackLevel)
	if err != nil {
		return fmt.Errorf("failed to parse backtrack level: %s", err)
	}
	access, global := logrus.New(), logrus.New()
	if logFormat == "json" {
		access.SetFormatter(&logrus.JSONFormatter{})
		global.SetFormatter(&logrus.JSONFormatter{})
	}
	global.SetLevel(level)
	global.AddHook(NewBackTrackHook(btLevel))

	if logDir == "" {
		access.SetOutput(os.Stdout)
		global.SetOutput(os.Stderr)
	} else {
		accessOut, errorOut, err := openLogFiles(logDir)
		if err != nil {
			return err
		}
		access.SetOutput(accessOut)
		global.SetOutput(errorOut)
	}
	accessLogger, globalLogger = access, global
	return nil
}

// ReopenLogs reopens the log files after they were rotated away
func ReopenLogs(logDir string) error {
	if logDir == "" {
		return nil
	}
	accessOut, errorOut, err := openLogFiles(logDir)
	if err != nil {
		return err
	}
	swapOutput(accessLogger, accessOut)
	swapOutput(globalLogger, errorOut)
	return nil
}

func openLogFiles(logDir string) (*os.File, *os.File, error) {
	accessOut, err := openAppend(filepath.Join(logDir, accessLogName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %s", accessLogName, err)
	}
	errorOut, err := openAppend(filepath.Join(logDir, errorLogName))
	if err != nil {
		accessOut.Close()
		return nil, nil, fmt.Errorf("failed to open %s: %s", errorLogName, err)
	}
	return accessOut, errorOut, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

func swapOutput(logger *logrus.Logger, out io.Writer) {
	old := logger.Out
	logger.SetOutput(out)
	if f, ok := old.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		f.Close()
	}
}

func Get() *logrus.Logger {
	return globalLogger
}

func GetAccessLogger() *logrus.Logger {
	return accessLogger
}
