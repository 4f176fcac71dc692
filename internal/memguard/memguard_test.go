package memguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T, ratio *float64) *Guard {
	t.Helper()
	g := New(DefaultThresholds(), time.Hour, 0)
	g.sample = func() (uint64, uint64) {
		return uint64(*ratio * 1000), 1000
	}
	t.Cleanup(g.Stop)
	return g
}

func TestLevel_String(t *testing.T) {
	require.Equal(t, "normal", LevelNormal.String())
	require.Equal(t, "warning", LevelWarning.String())
	require.Equal(t, "critical", LevelCritical.String())
	require.Equal(t, "emergency", LevelEmergency.String())
}

func TestThresholds_LevelFor(t *testing.T) {
	th := DefaultThresholds()
	require.Equal(t, LevelNormal, th.levelFor(0.5))
	require.Equal(t, LevelWarning, th.levelFor(0.90))
	require.Equal(t, LevelCritical, th.levelFor(0.94))
	require.Equal(t, LevelEmergency, th.levelFor(0.98))
}

func TestGuard_EscalatesImmediately(t *testing.T) {
	ratio := 0.1
	g := newGuard(t, &ratio)

	ratio = 0.95
	g.tick()
	require.Equal(t, LevelCritical, g.Current())
}

func TestGuard_DropRequiresTwoConsecutiveLowSamples(t *testing.T) {
	ratio := 0.95
	g := newGuard(t, &ratio)
	g.tick()
	require.Equal(t, LevelCritical, g.Current())

	ratio = 0.1
	g.tick()
	require.Equal(t, LevelCritical, g.Current(), "should not drop after only one low sample")

	g.tick()
	require.Equal(t, LevelNormal, g.Current(), "should drop after two consecutive low samples")
}

func TestGuard_DropCounterResetsOnIntermediateHighSample(t *testing.T) {
	ratio := 0.95
	g := newGuard(t, &ratio)
	g.tick()
	require.Equal(t, LevelCritical, g.Current())

	ratio = 0.1
	g.tick()
	ratio = 0.95
	g.tick()
	require.Equal(t, LevelCritical, g.Current(), "an intermediate high sample should reset the hysteresis counter")
}

func TestGuard_CooldownSuppressesRapidTransitions(t *testing.T) {
	ratio := 0.1
	g := New(DefaultThresholds(), time.Hour, time.Hour)
	g.sample = func() (uint64, uint64) { return uint64(ratio * 1000), 1000 }
	defer g.Stop()

	ratio = 0.95
	g.tick()
	require.Equal(t, LevelCritical, g.Current())

	ratio = 0.99
	g.tick()
	require.Equal(t, LevelCritical, g.Current(), "within cooldown window the new level should not be applied")
}

func TestGuard_SubscribeReceivesTransition(t *testing.T) {
	ratio := 0.1
	g := newGuard(t, &ratio)
	ch := g.Subscribe()

	ratio = 0.95
	g.tick()

	select {
	case lvl := <-ch:
		require.Equal(t, LevelCritical, lvl)
	default:
		t.Fatal("expected a transition on the subscriber channel")
	}
}

func TestGuard_StartStop(t *testing.T) {
	ratio := 0.1
	g := New(DefaultThresholds(), 10*time.Millisecond, 0)
	g.sample = func() (uint64, uint64) { return uint64(ratio * 1000), 1000 }

	ctx, cancel := context.WithCancel(context.Background())
	g.Start(ctx)
	cancel()
	g.Stop()
}
