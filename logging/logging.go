// Package logging builds the logr.Logger used by the server and the command line tool.
//
// Records go to a colored console core and, when a file is configured, to a JSON core writing
// through a rotating lumberjack file. logr verbosity V(n) maps to zap level -n, so Verbosity 2
// shows V(0) to V(2).
package logging

import (
	"io"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"duorpc/config"
)

// removeCallerCore drops caller information from console records; the file keeps it.
type removeCallerCore struct {
	zapcore.Core
}

func (c *removeCallerCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Check(entry, nil) == nil {
		return ce
	}
	return ce.AddCore(entry, c)
}

func (c *removeCallerCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Caller = zapcore.EntryCaller{}
	return c.Core.Write(entry, fields)
}

func (c *removeCallerCore) With(fields []zapcore.Field) zapcore.Core {
	return &removeCallerCore{c.Core.With(fields)}
}

// level converts a logr verbosity to a zap level.
func level(verbosity int, debug bool) zap.AtomicLevel {
	if verbosity < 0 {
		verbosity = 0
	}
	if verbosity > 127 {
		verbosity = 127
	}
	if debug && verbosity < 1 {
		verbosity = 1
	}
	return zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
}

// New returns a logger writing to console and, if cfg.File is set, to a rotating file. The
// returned function flushes buffered records and closes the file.
func New(console io.Writer, cfg config.Log) (logr.Logger, func() error) {
	lvl := level(cfg.Verbosity, cfg.Debug)

	zc := zap.NewDevelopmentEncoderConfig()
	zc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	zc.EncodeTime = zapcore.TimeEncoderOfLayout("02/01 15:04:05")
	cores := []zapcore.Core{
		&removeCallerCore{zapcore.NewCore(zapcore.NewConsoleEncoder(zc), zapcore.AddSync(console), lvl)},
	}

	var file *lumberjack.Logger
	if cfg.File != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		zf := zap.NewProductionEncoderConfig()
		zf.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zf), zapcore.AddSync(file), lvl))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	closer := func() error {
		zl.Sync() // stdout and stderr report EINVAL on some systems
		if file != nil {
			return file.Close()
		}
		return nil
	}
	return zapr.NewLogger(zl), closer
}
