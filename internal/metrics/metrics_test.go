package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	c := NewCollector()

	c.RecordEmitted("sfp_dns", "IP_ADDRESS")
	c.RecordEmitted("sfp_dns", "IP_ADDRESS")
	c.RecordConsumed("sfp_dns")
	c.RecordError("sfp_dns")
	c.ObserveHandle("sfp_dns", 10*time.Millisecond)
	c.ObserveHandle("sfp_dns", 30*time.Millisecond)

	m := c.Module("sfp_dns")
	assert.Equal(t, int64(2), m.EventsEmitted)
	assert.Equal(t, int64(1), m.EventsConsumed)
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, int64(2), m.HandleCalls)
	assert.Equal(t, 20*time.Millisecond, m.MeanHandleTime())
}

func TestMeanHandleTimeNoCalls(t *testing.T) {
	c := NewCollector()
	assert.Zero(t, c.Module("idle").MeanHandleTime())
}

func TestSnapshotSorted(t *testing.T) {
	c := NewCollector()
	c.RecordEmitted("zeta", "X")
	c.RecordEmitted("alpha", "X")

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Module)
	assert.Equal(t, "zeta", snap[1].Module)
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordEmitted("sfp_busy", "IP_ADDRESS")
				c.RecordConsumed("sfp_busy")
			}
		}()
	}
	wg.Wait()

	m := c.Module("sfp_busy")
	assert.Equal(t, int64(1000), m.EventsEmitted)
	assert.Equal(t, int64(1000), m.EventsConsumed)
}

func TestPrometheusRegistryGathers(t *testing.T) {
	c := NewCollector()
	c.RecordEmitted("sfp_dns", "IP_ADDRESS")

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "sweeper_events_emitted_total" {
			found = true
		}
	}
	assert.True(t, found)
}
