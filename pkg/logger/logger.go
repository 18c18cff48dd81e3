// Package logger provides the standard Zap logger setup for kurodb. Every
// binary builds exactly one logger at startup and hands it down; hot paths
// receive it as a field and gate debug output behind a config bool.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
}

// New creates a new zap.Logger based on the provided configuration.
// It's designed to be called once at application startup.
func New(config Config) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, logLevel)

	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", "kurodb")))

	return logger, nil
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
