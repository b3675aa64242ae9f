package observability

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oakline-commerce/checkout-api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds the JSON logger the API and its background sweeps share.
// LOG_LEVEL selects the level; unset or invalid values fall back to info.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	requested := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if err := level.UnmarshalText([]byte(requested)); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}

	encoderCfg := zapcore.EncoderConfig{
		MessageKey: "message",
		TimeKey:    "timestamp",
		LevelKey:   "severity",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(strings.ToUpper(level.String()))
		},
		CallerKey:     "caller",
		StacktraceKey: "stacktrace",
	}

	cfg := zap.Config{
		Level:             level,
		Encoding:          "json",
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     false,
		DisableStacktrace: true,
	}

	return cfg.Build()
}

// WithLogger stores the logger on the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// FromContext returns the context's logger, or a no-op logger when none was stored.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// PrintfAdapter bridges zap into printf-style logging hooks, such as the
// idempotency middleware's optional logger.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

// NewPrintfAdapter wraps the supplied logger; nil yields a no-op adapter.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.Sugar()}
}

// Printf logs at info level.
func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Infof(format, args...)
}

// WithRequestFields attaches request-scoped fields to the logger.
func WithRequestFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger.With(fields...)
}
