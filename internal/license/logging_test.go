package license

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ActionLoggerTestSuite checks the shared action log format
type ActionLoggerTestSuite struct {
	suite.Suite
	buf    *bytes.Buffer
	logger *ActionLogger
}

func (s *ActionLoggerTestSuite) SetupTest() {
	s.buf = &bytes.Buffer{}
	handler := slog.NewJSONHandler(s.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	s.logger = NewActionLogger(slog.New(handler), "issuer")
}

func (s *ActionLoggerTestSuite) lines() []map[string]interface{} {
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(s.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(s.T(), json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func (s *ActionLoggerTestSuite) TestFields() {
	s.logger.Info(context.Background(), "issue", "License issued",
		slog.String("plan", "pro"),
	)

	entries := s.lines()
	s.Require().Len(entries, 1)
	s.Equal("INFO", entries[0]["level"])
	s.Equal("License issued", entries[0]["msg"])
	s.Equal("issuer", entries[0]["component"])
	s.Equal("issue", entries[0]["action"])
	s.Equal("pro", entries[0]["plan"])
	s.NotContains(entries[0], "otel_trace_id")
}

func (s *ActionLoggerTestSuite) TestLevels() {
	ctx := context.Background()
	s.logger.Debug(ctx, "a", "debug")
	s.logger.Warn(ctx, "b", "warn")
	s.logger.Error(ctx, "c", "error")

	entries := s.lines()
	s.Require().Len(entries, 3)
	s.Equal("DEBUG", entries[0]["level"])
	s.Equal("WARN", entries[1]["level"])
	s.Equal("ERROR", entries[2]["level"])
}

func (s *ActionLoggerTestSuite) TestTraceCorrelation() {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "license.issue")
	s.logger.Info(ctx, "issue", "License issued")
	span.End()

	entries := s.lines()
	s.Require().Len(entries, 1)
	s.Equal(span.SpanContext().TraceID().String(), entries[0]["otel_trace_id"])

	spans := recorder.Ended()
	s.Require().Len(spans, 1)
	s.Require().Len(spans[0].Events(), 1)
	s.Equal("issuer.issue", spans[0].Events()[0].Name)
}

func TestActionLoggerTestSuite(t *testing.T) {
	suite.Run(t, new(ActionLoggerTestSuite))
}

func TestNewActionLogger_NilFallsBackToGlobal(t *testing.T) {
	l := NewActionLogger(nil, "entitlement_cache")
	require.NotNil(t, l)
	assert.NotPanics(t, func() {
		l.Info(context.Background(), "load", "Entitlement loaded")
	})
}

func TestTokenFingerprint(t *testing.T) {
	assert.Empty(t, TokenFingerprint(""))

	a := TokenFingerprint("aaa.bbb")
	assert.Len(t, a, 16)
	assert.Equal(t, a, TokenFingerprint("aaa.bbb"))
	assert.NotEqual(t, a, TokenFingerprint("aaa.bbc"))
	assert.NotContains(t, a, "aaa")
}
