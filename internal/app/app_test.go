package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricelabs/rice/internal/config"
)

func TestNewWiresComponents(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Telemetry.EventLogEnabled = true

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NotNil(t, a.Registry)
	require.NotNil(t, a.Engine)
	require.NotNil(t, a.Indexer)
	require.NotNil(t, a.Pipeline)
	require.NotNil(t, a.HTTP)
	require.NotNil(t, a.GRPC)
	require.NotNil(t, a.MCPServer())

	// The default store exists after wiring.
	_, err = a.Registry.GetStore("default")
	assert.NoError(t, err)
}

func TestTrackRequestIdempotentRelease(t *testing.T) {
	s := NewState(0)
	release := s.TrackRequest()
	assert.Equal(t, int64(1), s.InFlight())
	release()
	release()
	assert.Equal(t, int64(0), s.InFlight())
}

func TestDrainWait(t *testing.T) {
	s := NewState(0)
	release := s.TrackRequest()

	left := s.DrainWait(time.Now().Add(30 * time.Millisecond))
	assert.Equal(t, int64(1), left)

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()
	left = s.DrainWait(time.Now().Add(2 * time.Second))
	assert.Equal(t, int64(0), left)
}

func TestPanicCooldown(t *testing.T) {
	s := NewState(20 * time.Millisecond)
	assert.False(t, s.PanicTripped())
	s.RecordPanic()
	assert.True(t, s.PanicTripped())
	time.Sleep(30 * time.Millisecond)
	assert.False(t, s.PanicTripped())
}

func TestStartDrain(t *testing.T) {
	s := NewState(0)
	assert.False(t, s.Draining())
	s.StartDrain()
	assert.True(t, s.Draining())
}
