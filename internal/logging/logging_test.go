package logging

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()
	baseWriter = os.Stderr
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func TestInitSetsLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "debug"})
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	Init(Config{Format: "json", Level: "warning"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel(" ERROR "))
}

func TestSelectWriterAutoWithoutTerminal(t *testing.T) {
	prev := isTerminalFn
	t.Cleanup(func() { isTerminalFn = prev })
	isTerminalFn = func(int) bool { return false }

	assert.Equal(t, os.Stderr, selectWriter("auto"))
	_, console := selectWriter("console").(zerolog.ConsoleWriter)
	assert.True(t, console)
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  req-1 ")
	assert.Equal(t, "req-1", id)
	assert.Equal(t, "req-1", RequestID(ctx))

	ctx, generated := WithRequestID(context.Background(), "")
	require.NotEmpty(t, generated)
	assert.Equal(t, generated, RequestID(ctx))

	assert.Empty(t, RequestID(context.Background()))
}
