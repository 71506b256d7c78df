// Package utils
package utils

import (
	"log"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once

	logFile  = "bracket-trader.log"
	logLevel = zapcore.InfoLevel
)

// SetLogOutput changes the file and level used by GetLogger. It has no effect
// once the logger has been built.
func SetLogOutput(path string, level string) {
	if path != "" {
		logFile = path
	}
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		logLevel = lvl
	}
}

// GetLogger returns the process-wide logger. Everything goes to the log file as
// JSON; warnings and above are echoed to stderr so the operator sees them next to
// the prompt.
func GetLogger() *zap.Logger {
	once.Do(func() {
		file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}

		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), logLevel)
		consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), zapcore.WarnLevel)

		logger = zap.New(zapcore.NewTee(fileCore, consoleCore), zap.AddCaller()).Named("bracket-trader")
	})
	return logger
}
