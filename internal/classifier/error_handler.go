package classifier

import (
	"context"
	"log/slog"
)

// Hook lets a host application observe every classified failure and panic
// for telemetry/alerting, without changing the Action the classifier chose.
// The pattern mirrors river's error-handler hook: HandleError/HandlePanic
// are notifications, not overrides.
type Hook interface {
	HandleError(ctx context.Context, configName string, attempt int, err error)
	HandlePanic(ctx context.Context, configName string, panicVal any, stackTrace string)
}

// DefaultHook logs errors and panics with structured logging and does
// nothing else.
type DefaultHook struct{}

func (DefaultHook) HandleError(ctx context.Context, configName string, attempt int, err error) {
	slog.ErrorContext(ctx, "task failed",
		"config_name", configName,
		"attempt", attempt,
		"error", err.Error(),
		"retryable", IsRetryable(err))
}

func (DefaultHook) HandlePanic(ctx context.Context, configName string, panicVal any, stackTrace string) {
	slog.ErrorContext(ctx, "task panicked",
		"config_name", configName,
		"panic_value", panicVal,
		"stack_trace", stackTrace)
}
