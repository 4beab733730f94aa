package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptySnapshot(t *testing.T) {
	c := NewCollector()
	snap := c.Snapshot()
	assert.Nil(t, snap.Requests)
	assert.Nil(t, snap.Streams)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, 0.0)
}

func TestRecordTiming(t *testing.T) {
	c := NewCollector()
	c.RecordTiming(OpRequest, 10*time.Millisecond, false)
	c.RecordTiming(OpRequest, 30*time.Millisecond, true)

	snap := c.Snapshot()
	require.NotNil(t, snap.Requests)
	assert.Equal(t, int64(2), snap.Requests.Count)
	assert.Equal(t, int64(1), snap.Requests.Failures)
	assert.Equal(t, int64(40), snap.Requests.TotalTimeMs)
	assert.Equal(t, 20.0, snap.Requests.AvgTimeMs)
	assert.Equal(t, int64(10), snap.Requests.MinTimeMs)
	assert.Equal(t, int64(30), snap.Requests.MaxTimeMs)
	assert.Nil(t, snap.Requests.TotalTokens, "requests carry no token stats")
}

func TestRecordStream(t *testing.T) {
	c := NewCollector()
	c.RecordStream(StreamResult{Duration: time.Second, FirstToken: 100 * time.Millisecond, Tokens: 12})
	c.RecordStream(StreamResult{Duration: 500 * time.Millisecond, Tokens: 0, Failed: true})

	snap := c.Snapshot()
	require.NotNil(t, snap.Streams)
	assert.Equal(t, int64(2), snap.Streams.Count)
	assert.Equal(t, int64(1), snap.Streams.Failures)
	require.NotNil(t, snap.Streams.TotalTokens)
	assert.Equal(t, int64(12), *snap.Streams.TotalTokens)
	assert.Equal(t, int64(0), *snap.Streams.MinTokens)
	assert.Equal(t, int64(12), *snap.Streams.MaxTokens)
	require.NotNil(t, snap.Streams.AvgFirstTokenMs)
	assert.Equal(t, 100.0, *snap.Streams.AvgFirstTokenMs, "streams without tokens do not skew first-token latency")
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordTiming(OpRequest, time.Millisecond, false)
	c.RecordStream(StreamResult{Tokens: 1})
	assert.Nil(t, c.Snapshot().Requests)
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordTiming(OpRequest, time.Millisecond, false)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), c.Snapshot().Requests.Count)
}
