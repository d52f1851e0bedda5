// Package logger builds the zap logger shared by the coordination core's
// binaries. Libraries in core/ take a *zap.Logger through their configs and
// never construct one themselves.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logging configuration, typically decoded from YAML.
type Config struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	// Empty means "info".
	Level string `yaml:"level"`
	// Format is "json" or "console". Empty means "json".
	Format string `yaml:"format"`
	// OutputFile is a path, "stdout", or "stderr". Empty means "stdout".
	OutputFile string `yaml:"output_file"`
	// Service tags every entry; empty means "gojotx".
	Service string `yaml:"service"`
}

// New creates a zap.Logger from the configuration. Called once at startup;
// an unknown level or format is an error rather than a silent default.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("unknown log level %q: %w", cfg.Level, err)
		}
	}

	encoder, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}
	sink, err := newSink(cfg.OutputFile)
	if err != nil {
		return nil, err
	}

	service := cfg.Service
	if service == "" {
		service = "gojotx"
	}
	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller(),
		zap.Fields(zap.String("service", service))), nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder

	switch strings.ToLower(format) {
	case "json", "":
		return zapcore.NewJSONEncoder(ec), nil
	case "console":
		return zapcore.NewConsoleEncoder(ec), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func newSink(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(f), nil
	}
}
