package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in       string
		expected int
	}{
		{"debug", int(LevelDebug)},
		{"info", int(LevelInfo)},
		{"warn", int(LevelWarn)},
		{"warning", int(LevelWarn)},
		{"error", int(LevelError)},
		{"fatal", int(LevelFatal)},
		{"panic", int(LevelPanic)},
		{"kittens", int(LevelUnknown)},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			require.Equal(t, test.expected, int(LevelFromString(test.in)))
		})
	}
}

func TestInitUnknownLevel(t *testing.T) {
	err := Init(LevelFromString("kittens"), EncodingJSON)
	require.Error(t, err)
}

func TestInitUnknownEncoding(t *testing.T) {
	var buf bytes.Buffer
	_, err := New(LevelInfo, Encoding("xml"), WithOutput(&buf))
	require.Error(t, err)
}

func TestLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(LevelDebug, EncodingJSON, WithOutput(&buf))
	require.NoError(t, err)

	logger.Infof("hello %s", "world")
	require.Contains(t, buf.String(), `"msg":"hello world"`)
}

func TestWithFieldsPropagates(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(LevelDebug, EncodingLogfmt, WithOutput(&buf)))

	ctx := WithFields(nil, slog.String("iface", "eth0"))
	ctx = WithFields(ctx, slog.String("request_id", "abc123"))

	FromContext(ctx).Info("flow table flushed")
	out := buf.String()
	require.True(t, strings.Contains(out, "iface=eth0"))
	require.True(t, strings.Contains(out, "request_id=abc123"))
}

func TestPlainHandlerCapitalizes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(LevelInfo, EncodingPlain, WithOutput(&buf))
	require.NoError(t, err)

	logger.Info("flow table rotated")
	require.Equal(t, "Flow table rotated\n", buf.String())
}

func TestFatalCallsExiter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(LevelDebug, EncodingJSON, WithOutput(&buf))
	require.NoError(t, err)

	fe := &fakeExiter{}
	logger.exiter = fe

	logger.Fatalf("ring buffer corrupted")
	require.Equal(t, 1, fe.code)
	require.Contains(t, buf.String(), "ring buffer corrupted")
}

func TestPanicCallsPanicker(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(LevelDebug, EncodingJSON, WithOutput(&buf))
	require.NoError(t, err)

	fp := &fakePanicker{}
	logger.panicker = fp

	logger.Panic("fragment table inconsistent")
	require.Equal(t, "fragment table inconsistent", fp.msg)
}

type fakeExiter struct{ code int }

func (f *fakeExiter) Exit(code int) { f.code = code }

type fakePanicker struct{ msg string }

func (f *fakePanicker) Panic(msg string) { f.msg = msg }
