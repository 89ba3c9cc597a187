package logger

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dominodatalab/sweeper/pkg/config"
)

// New returns a logr.Logger backed by the zap logger produced by NewZap.
func New(cfg config.Logging) (logr.Logger, error) {
	zl, err := NewZap(cfg)
	if err != nil {
		return logr.Logger{}, err
	}

	return zapr.NewLogger(zl), nil
}

// NewZap builds a logger that writes to stderr and, when enabled, to a rotated logfile.
func NewZap(cfg config.Logging) (*zap.Logger, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	var containerEnc zapcore.Encoder
	switch strings.ToLower(cfg.Container.Encoder) {
	case "", "json":
		containerEnc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		containerEnc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("%q is an invalid encoder", cfg.Container.Encoder)
	}

	containerLvl, err := parseLevel(cfg.Container.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid container log config: %w", err)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(containerEnc, zapcore.Lock(os.Stderr), containerLvl),
	}

	if cfg.Logfile.Enabled {
		fileLvl, err := parseLevel(cfg.Logfile.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid logfile log config: %w", err)
		}
		if cfg.Logfile.Filepath == "" {
			return nil, fmt.Errorf("cannot create logfile logger: filepath cannot be blank")
		}

		rotator := &lumberjack.Logger{
			Filename: cfg.Logfile.Filepath,
			MaxAge:   cfg.Logfile.MaxAge,
			Compress: true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), fileLvl))
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.StacktraceLevel != "" {
		stLvl, err := parseLevel(cfg.StacktraceLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid stacktrace log config: %w", err)
		}
		opts = append(opts, zap.AddStacktrace(stLvl))
	}

	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

func parseLevel(text string) (zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevel()
	if text == "" {
		return lvl, nil
	}
	if err := lvl.UnmarshalText([]byte(text)); err != nil {
		return lvl, err
	}

	return lvl, nil
}
