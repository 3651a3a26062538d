package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProcessMetricsCollector(t *testing.T) {
	tests := []struct {
		name         string
		config       ProcessMetricsConfig
		wantInterval time.Duration
		wantHistory  int
	}{
		{"default values", ProcessMetricsConfig{Enabled: true}, 5 * time.Second, 100},
		{"custom values", ProcessMetricsConfig{Enabled: true, Interval: 10 * time.Second, MaxHistory: 50}, 10 * time.Second, 50},
		{"disabled collector", ProcessMetricsConfig{}, 5 * time.Second, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewProcessMetricsCollector(tt.config)
			assert.Equal(t, tt.config.Enabled, c.IsEnabled())
			assert.Equal(t, tt.wantInterval, c.interval)
			assert.Equal(t, tt.wantHistory, c.maxHistory)
		})
	}
}

func TestProcessMetrics_HistoryIsBounded(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{Enabled: true, MaxHistory: 3})
	for i := 1; i <= 5; i++ {
		c.AddToHistoryForTesting("web", ProcessMetrics{PID: int32(i)})
	}
	h, ok := c.GetHistory("web")
	require.True(t, ok)
	require.Len(t, h, 3)
	assert.Equal(t, []int32{3, 4, 5}, []int32{h[0].PID, h[1].PID, h[2].PID})

	last, ok := c.GetMetrics("web")
	require.True(t, ok)
	assert.Equal(t, int32(5), last.PID)

	_, ok = c.GetMetrics("other")
	assert.False(t, ok)
}

func TestProcessMetrics_CollectSelf(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{Enabled: true})
	require.NoError(t, c.RegisterMetrics(prometheus.NewRegistry()))
	c.Collect(map[string]int32{"self": int32(os.Getpid()), "down": 0})

	m, ok := c.GetMetrics("self")
	require.True(t, ok)
	assert.Equal(t, int32(os.Getpid()), m.PID)
	assert.Greater(t, m.MemoryRSS, uint64(0))
	assert.Greater(t, m.NumThreads, int32(0))

	_, ok = c.GetMetrics("down")
	assert.False(t, ok)
}

func TestProcessMetrics_StartStop(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{Enabled: true, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, func() map[string]int32 { return map[string]int32{"self": int32(os.Getpid())} })
	require.Eventually(t, func() bool {
		_, ok := c.GetMetrics("self")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestProcessMetrics_DisabledIsNoop(t *testing.T) {
	c := NewProcessMetricsCollector(ProcessMetricsConfig{})
	assert.NoError(t, c.RegisterMetrics(prometheus.NewRegistry()))
	c.Start(context.Background(), func() map[string]int32 { t.Fatal("sampled while disabled"); return nil })
	c.Stop()
}
