package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithUserID(ctx, "u1")
	ctx = WithEventID(ctx, "evt-1")

	With(ctx, &base).Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-1"`, `"user_id":"u1"`, `"event_id":"evt-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %s", out, want)
		}
	}
}

func TestWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	With(context.Background(), &base).Info().Msg("plain")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace_id in %q", buf.String())
	}
}

func TestTraceDuration(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.TraceLevel)

	done := TraceDuration(&logger, "CreditUC.GetBalance")
	done()

	out := buf.String()
	if !strings.Contains(out, `"method":"CreditUC.GetBalance"`) {
		t.Errorf("missing method field in %q", out)
	}
	if !strings.Contains(out, "start") || !strings.Contains(out, "finish") {
		t.Errorf("expected start and finish lines, got %q", out)
	}
	if !strings.Contains(out, "duration") {
		t.Errorf("finish line carries no duration: %q", out)
	}
}
