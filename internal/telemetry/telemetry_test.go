package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Settings{}, "edison", "test")
	require.NoError(t, err)
	assert.False(t, p.Active())
	assert.NoError(t, p.Shutdown(context.Background()))

	// Instruments work against the no-op providers.
	ctx, done := Start(context.Background(), "validator.run")
	require.NotNil(t, ctx)
	done(errors.New("boom"))
	RecordLockWait(context.Background(), "task", 10*time.Millisecond, true)
}

func TestInitStdout(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	var buf bytes.Buffer
	p, err := Init(context.Background(), Settings{Enabled: true, Stdout: true, Writer: &buf}, "edison", "test")
	require.NoError(t, err)
	require.True(t, p.Active())

	_, done := Start(context.Background(), "statemachine.transition")
	done(nil)
	RecordValidatorRun(context.Background(), "global", "cli", "approve", 5*time.Millisecond)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.False(t, p.Active())
	assert.Contains(t, buf.String(), "statemachine.transition")
	assert.Contains(t, buf.String(), "edison.validator.duration")

	_, err = Init(context.Background(), Settings{}, "edison", "test")
	require.NoError(t, err)
}
