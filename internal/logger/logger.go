// Package logger provides centralized logging using arbor.
package logger

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	arborcommon "github.com/ternarybob/arbor/common"
	"github.com/ternarybob/arbor/models"

	"github.com/ternarybob/launchpad/internal/config"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

// GetLogger returns the global logger instance.
// Before SetupLogger or InitLogger runs, a console logger is created on demand.
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	if globalLogger != nil {
		defer loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(writerConfig(nil, models.LogWriterTypeConsole, ""))
	}
	return globalLogger
}

// InitLogger stores the provided logger as the global singleton instance.
func InitLogger(logger arbor.ILogger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = logger
}

// Outputs is the resolved set of log destinations.
type Outputs struct {
	Console bool
	File    bool
}

// ResolveOutputs interprets the logging.output list. "both" enables console
// and file; an empty or unrecognised list falls back to console.
func ResolveOutputs(outputs []string) (Outputs, bool) {
	var o Outputs
	for _, output := range outputs {
		switch output {
		case "console", "stdout":
			o.Console = true
		case "file":
			o.File = true
		case "both":
			o.Console = true
			o.File = true
		}
	}
	if !o.Console && !o.File {
		return Outputs{Console: true}, false
	}
	return o, true
}

// SetupLogger configures and initializes the global logger based on configuration.
func SetupLogger(cfg *config.Config) arbor.ILogger {
	logger := arbor.NewLogger()
	outputs, recognised := ResolveOutputs(cfg.Logging.Output)

	if outputs.File {
		logFile := cfg.LogPath()
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			outputs.Console = true
			logger.WithConsoleWriter(writerConfig(cfg, models.LogWriterTypeConsole, "")).
				Warn().Err(err).Str("log_file", logFile).Msg("Failed to create logs directory")
		} else {
			logger = logger.WithFileWriter(writerConfig(cfg, models.LogWriterTypeFile, logFile))
		}
	}

	if outputs.Console {
		logger = logger.WithConsoleWriter(writerConfig(cfg, models.LogWriterTypeConsole, ""))
	}

	// The memory writer backs log retrieval from the service.
	logger = logger.WithMemoryWriter(writerConfig(cfg, models.LogWriterTypeMemory, ""))
	logger = logger.WithLevelFromString(cfg.Logging.Level)

	if !recognised {
		logger.Warn().
			Strs("configured_outputs", cfg.Logging.Output).
			Msg("No usable log outputs configured, falling back to console")
	}

	InitLogger(logger)
	return logger
}

func writerConfig(cfg *config.Config, writerType models.LogWriterType, filename string) models.WriterConfiguration {
	timeFormat := "15:04:05.000"
	outputType := models.OutputFormatJSON
	var maxSize int64 = 100 * 1024 * 1024
	maxBackups := 5

	if cfg != nil {
		if cfg.Logging.TimeFormat != "" {
			timeFormat = cfg.Logging.TimeFormat
		}
		if cfg.Logging.Format == "text" {
			outputType = models.OutputFormatLogfmt
		}
		if cfg.Logging.MaxSizeMB > 0 {
			maxSize = int64(cfg.Logging.MaxSizeMB) * 1024 * 1024
		}
		if cfg.Logging.MaxBackups > 0 {
			maxBackups = cfg.Logging.MaxBackups
		}
	}

	return models.WriterConfiguration{
		Type:       writerType,
		FileName:   filename,
		TimeFormat: timeFormat,
		OutputType: outputType,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}
}

// Stop flushes buffered log output. Safe to call more than once.
func Stop() {
	arborcommon.Stop()
}
