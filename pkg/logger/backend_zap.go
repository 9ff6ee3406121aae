package logger

import (
	"log/slog"
	"time"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newZapHandler writes JSON through zap. Records below warn are sampled so a
// reconnect storm after a Redis restart cannot flood the output; warnings and
// errors are never sampled away.
func newZapHandler(cfg Config) slog.Handler {
	lvl := cfg.level()
	floor := zapLevel(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if cfg.AddSource {
		encCfg.EncodeCaller = zapcore.ShortCallerEncoder
	}
	enc := zapcore.NewJSONEncoder(encCfg)
	out := zapcore.Lock(zapcore.AddSync(cfg.Output))

	chatty := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= floor && l < zapcore.WarnLevel })
	serious := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= floor && l >= zapcore.WarnLevel })

	initial, thereafter := cfg.SampleInitial, cfg.SampleThereafter
	if initial <= 0 {
		initial = 100
	}
	if thereafter <= 0 {
		thereafter = 10
	}
	core := zapcore.NewTee(
		zapcore.NewSamplerWithOptions(zapcore.NewCore(enc, out, chatty), time.Second, initial, thereafter),
		zapcore.NewCore(enc.Clone(), out, serious),
	)

	// источник должен указывать на вызов slog, а не на обёртку
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return slogzap.Option{Level: lvl, Logger: z}.NewZapHandler()
}

// slog and zap levels differ only in scale: slog steps by 4.
func zapLevel(lvl slog.Level) zapcore.Level {
	switch {
	case lvl < slog.LevelInfo:
		return zapcore.DebugLevel
	case lvl < slog.LevelWarn:
		return zapcore.InfoLevel
	case lvl < slog.LevelError:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
