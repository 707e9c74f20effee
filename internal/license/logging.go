package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"licensegate/internal/infrastructure"
)

// ActionLogger writes the component/action/result log lines shared by the
// issuer, the purchase ingestor and the client cache, and mirrors each
// action as a span event.
type ActionLogger struct {
	logger    *slog.Logger
	component string
}

// NewActionLogger creates an action logger for component. A nil logger
// falls back to the global infrastructure logger.
func NewActionLogger(logger *slog.Logger, component string) *ActionLogger {
	return &ActionLogger{
		logger:    infrastructure.WithComponent(logger, component),
		component: component,
	}
}

// Log logs action with its result message.
func (l *ActionLogger) Log(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, l.component+"."+action, map[string]interface{}{
			"action":    action,
			"result":    result,
			"component": l.component,
		})
	}

	all := make([]slog.Attr, 0, len(attrs)+2)
	all = append(all, slog.String("action", action))
	if traceID := infrastructure.TraceIDFromContext(ctx); traceID != "" {
		all = append(all, slog.String("otel_trace_id", traceID))
	}
	all = append(all, attrs...)

	l.logger.LogAttrs(ctx, level, result, all...)
}

func (l *ActionLogger) Debug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelDebug, action, result, attrs...)
}

func (l *ActionLogger) Info(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelInfo, action, result, attrs...)
}

func (l *ActionLogger) Warn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelWarn, action, result, attrs...)
}

func (l *ActionLogger) Error(ctx context.Context, action, result string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelError, action, result, attrs...)
}

// MaskEmail hides the local part of an address while keeping the domain.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	atIndex := strings.Index(email, "@")
	if atIndex == -1 {
		return "****"
	}

	username := email[:atIndex]
	domain := email[atIndex:]

	if len(username) <= 2 {
		return "**" + domain
	}

	return username[:1] + "****" + username[len(username)-1:] + domain
}

// TokenFingerprint returns a short hash for correlating a token in logs
// without writing the token itself.
func TokenFingerprint(token Token) string {
	if token == "" {
		return ""
	}
	h := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", h)[:16]
}
