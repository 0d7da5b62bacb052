package poller

import (
	"testing"
	"time"

	"github.com/smallbiznis/esocialgw/internal/config"
	"github.com/stretchr/testify/require"
)

func TestPollDelayGrowsToMaxInterval(t *testing.T) {
	policy := config.DefaultPipelinePolicy().Poll

	want := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		10 * time.Minute,
		10 * time.Minute,
	}
	for attempt, expected := range want {
		require.Equal(t, expected, PollDelay(policy, attempt), "attempt %d", attempt)
	}
	require.Equal(t, 10*time.Minute, PollDelay(policy, 500))
}

func TestRetryDelayUsesRetryPolicy(t *testing.T) {
	policy := config.RetryPolicy{
		Enabled:         true,
		MaxAttempts:     3,
		InitialInterval: 10 * time.Second,
		MaxInterval:     25 * time.Second,
		Multiplier:      3,
	}
	require.Equal(t, 10*time.Second, RetryDelay(policy, 0))
	require.Equal(t, 25*time.Second, RetryDelay(policy, 1))
	require.Equal(t, 25*time.Second, RetryDelay(policy, 2))
}

func TestNotifierCoalescesSignals(t *testing.T) {
	n := NewNotifier()
	n.Track(1)
	n.Track(2)

	select {
	case <-n.C():
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-n.C():
		t.Fatal("signals should coalesce")
	default:
	}

	var nilNotifier *Notifier
	nilNotifier.Track(3)
	require.Nil(t, nilNotifier.C())
}

func TestProvideConfigAppliesDefaults(t *testing.T) {
	cfg := ProvideConfig(config.Config{})
	require.Equal(t, DefaultConfig().RunInterval, cfg.RunInterval)
	require.Equal(t, DefaultConfig().BatchSize, cfg.BatchSize)
	require.Equal(t, 2*time.Minute, cfg.ClaimLease)
}
