package graphflow

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey     ContextKey = "logger"
	InstanceIDContextKey ContextKey = "instance_id"
	NodeKeyContextKey    ContextKey = "node_key"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, InstanceIDContextKey, id)
}

func WithNodeKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, NodeKeyContextKey, key)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetInstanceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(InstanceIDContextKey).(string)
	return id, ok
}

func GetNodeKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(NodeKeyContextKey).(string)
	return key, ok
}
