package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalline/qscore/pkg/executor"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "qscore", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackDecision(context.Background(), "CompanyQuality")
	assert.NotNil(t, ctx)
	done(nil)
	done2 := func() {
		_, finish := p.TrackDecision(context.Background(), "CompanyQuality")
		finish(errors.New("boom"))
	}
	assert.NotPanics(t, done2)

	assert.NoError(t, p.ObserveExecutor(&executor.Counters{}))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDisabledProviderStillTraces(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
}
