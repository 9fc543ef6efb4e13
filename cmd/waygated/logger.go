package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/waygate/waygate/server"
)

var logFormats = []string{"json", "text"}

func newLogger(level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "", "info":
		slogLevel = slog.LevelInfo
	case "error":
		slogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("log level is not one of the supported values (debug, info, error): %s", level)
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (%s): %s", strings.Join(logFormats, ", "), format)
	}

	return slog.New(newRequestContextHandler(handler)), nil
}

var _ slog.Handler = requestContextHandler{}

// requestContextHandler enriches every record with the request id and
// client IP the server package stashes in the request context, mirroring
// the teacher's cmd/dex/logger.go handler wrapping server.RequestKeyRequestID.
type requestContextHandler struct {
	handler slog.Handler
}

func newRequestContextHandler(handler slog.Handler) slog.Handler {
	return requestContextHandler{handler: handler}
}

func (h requestContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h requestContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if v := server.RemoteIPFromContext(ctx); v != "" {
		record.AddAttrs(slog.String("remote_ip", v))
	}
	if v := server.RequestIDFromContext(ctx); v != "" {
		record.AddAttrs(slog.String("request_id", v))
	}
	return h.handler.Handle(ctx, record)
}

func (h requestContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return requestContextHandler{h.handler.WithAttrs(attrs)}
}

func (h requestContextHandler) WithGroup(name string) slog.Handler {
	return requestContextHandler{h.handler.WithGroup(name)}
}
