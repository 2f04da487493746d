package logging

import (
	"io"
	"os"

	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/keeper-labs/rollup-keeper/config"
)

// Logger is the global logger instance shared by all components.
var Logger = logging.MustGetLogger("rollup-keeper")

const logFormat = "%{time:2006-01-02T15:04:05.000000Z07:00} %{level:.6s} %{shortfile} %{message}"

// InitLogger initializes the global logger according to the config. It must be
// called once before any component starts logging.
func InitLogger(cfg *config.LogConfig) {
	writers := make([]io.Writer, 0, 2)
	if cfg.UseConsoleLogger {
		writers = append(writers, os.Stdout)
	}
	if cfg.UseFileLogger {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxFileSizeInMB,
			MaxBackups: cfg.MaxBackupsOfLogFiles,
			MaxAge:     cfg.MaxAgeToRetainLogFilesInDays,
			Compress:   cfg.Compress,
		})
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	backend := logging.AddModuleLevel(
		logging.NewBackendFormatter(
			logging.NewLogBackend(io.MultiWriter(writers...), "", 0),
			logging.MustStringFormatter(logFormat),
		),
	)
	level, err := logging.LogLevel(cfg.Level)
	if err != nil {
		panic(err)
	}
	backend.SetLevel(level, "")
	logging.SetBackend(backend)
}
