package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagVersionsOnlyOnChange(t *testing.T) {
	f := NewFlag(nil)
	assert.False(t, f.Paused())
	assert.Equal(t, uint64(0), f.Load().Version)

	_, changed := f.Set(SourceConfig, false)
	assert.False(t, changed)

	wake := f.Changed()
	st, changed := f.Set(SourceConfig, true)
	require.True(t, changed)
	assert.True(t, st.Paused)
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, []string{"config"}, st.PausedBy)
	select {
	case <-wake:
	default:
		t.Fatal("wake channel not closed on pause")
	}

	// a second source joining does not flip the effective state
	wake = f.Changed()
	st, changed = f.Set(SourceRedis, true)
	require.True(t, changed)
	assert.Equal(t, []string{"config", "redis"}, st.PausedBy)
	select {
	case <-wake:
		t.Fatal("wake closed without an effective transition")
	default:
	}

	f.Set(SourceConfig, false)
	assert.True(t, f.Paused())
	st, _ = f.Set(SourceRedis, false)
	assert.False(t, st.Paused)
	assert.Equal(t, uint64(4), st.Version)
}

func TestFlagWaitRunning(t *testing.T) {
	f := NewFlag(nil)
	require.NoError(t, f.WaitRunning(context.Background()))

	f.Set(SourceConfig, true)
	done := make(chan error, 1)
	go func() { done <- f.WaitRunning(context.Background()) }()

	select {
	case <-done:
		t.Fatal("returned while paused")
	case <-time.After(20 * time.Millisecond):
	}
	f.Set(SourceConfig, false)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("did not wake on resume")
	}

	f.Set(SourceConfig, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.WaitRunning(ctx), context.Canceled)
}
