package common

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Output format
// --------------------------------------------------------------------------

// lineFormatter renders entries as "<time> LEVEL | pkg | message"
type lineFormatter struct{}

func (f *lineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	pkg, _ := entry.Data["pkg"].(string)
	level := strings.ToUpper(entry.Level.String())
	if entry.Level == logrus.WarnLevel {
		level = "WARN"
	}
	b.WriteString(entry.Time.Format("2006/01/02 15:04:05"))
	b.WriteString(fmt.Sprintf(" %-5s | %-15s | %s", level, pkg, entry.Message))
	for k, v := range entry.Data {
		if k == "pkg" {
			continue
		}
		b.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// backend is shared by all package loggers. Levels are filtered per package, so it logs everything.
var backend = newBackend(logrus.DebugLevel)

func newBackend(level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&lineFormatter{})
	l.SetLevel(level)
	return l
}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// placementLogger implements the ILogger interface on top of logrus
type placementLogger struct {
	name  string
	level logger.LogLevel
	entry *logrus.Entry
}

func (l *placementLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *placementLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.entry.Debugf(format, args...)
	}
}

func (l *placementLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.entry.Infof(format, args...)
	}
}

func (l *placementLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.entry.Warnf(format, args...)
	}
}

func (l *placementLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.entry.Errorf(format, args...)
	}
}

func (l *placementLogger) Panicf(format string, args ...interface{}) {
	l.entry.Panicf(format, args...)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the dragonboat logger factory
func CreateLogger(pkgName string) logger.ILogger {
	return &placementLogger{
		name:  pkgName,
		level: logger.INFO,
		entry: backend.WithField("pkg", pkgName),
	}
}

// NewRaftLogger returns the logger handed to the consensus engine.
// A logrus entry satisfies the engine's logger interface as is.
func NewRaftLogger(level string) *logrus.Entry {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	return newBackend(lvl).WithField("pkg", "raft")
}

// NewMetricsLogger returns the sink of periodic metric dumps
func NewMetricsLogger() *logrus.Entry {
	return backend.WithField("pkg", "metrics")
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// parseLogLevel converts a string level to logger.LogLevel
func parseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// packageLoggers are all loggers used by this module
var packageLoggers = []string{
	"db", "store", "storage", "apply", "raftnode", "network",
	"cluster", "rpc", "rpc/client", "transport/rpc",
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the logger factory and sets the level of every package logger
func InitLoggers(level string) error {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	for _, name := range packageLoggers {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
