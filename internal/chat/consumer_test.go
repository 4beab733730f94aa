package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/journalchat/internal/client"
	"github.com/raphaelgruber/journalchat/internal/metrics"
	"github.com/raphaelgruber/journalchat/internal/models"
)

func runConsumer(t *testing.T, c *Consumer) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
		return nil
	}
}

func TestConsumerCompletesWithCitations(t *testing.T) {
	store := NewStore(testLogger())
	stream := newFakeStream()
	collector := metrics.NewCollector()
	c := NewConsumer(staticOpener{stream: stream}, store, "s1", ConsumerOptions{Logger: testLogger(), Metrics: collector})

	stream.token("m1", "Last ")
	stream.token("m1", "week ")
	stream.token("m1", "you wrote...")
	stream.done("m1", models.Citation{EntryID: "e7", Title: "Tuesday", Date: "2024-03-05"})

	require.NoError(t, waitErr(t, runConsumer(t, c)))
	assert.Equal(t, StateClosedNormally, c.State())
	assert.True(t, stream.isClosed())

	st := store.State()
	assert.False(t, st.Streaming())
	require.Len(t, st.Messages, 1)
	msg := st.Messages[0]
	assert.Equal(t, "Last week you wrote...", msg.Content)
	assert.False(t, msg.Failed)
	require.Len(t, msg.Citations, 1)
	assert.Equal(t, "e7", msg.Citations[0].EntryID)

	snap := collector.Snapshot()
	require.NotNil(t, snap.Streams)
	assert.Equal(t, int64(1), snap.Streams.Count)
	assert.Equal(t, int64(3), *snap.Streams.TotalTokens)
}

func TestConsumerErrorKeepsPartial(t *testing.T) {
	store := NewStore(testLogger())
	stream := newFakeStream()
	c := NewConsumer(staticOpener{stream: stream}, store, "s1", ConsumerOptions{Logger: testLogger()})

	stream.token("m1", "Hel")
	stream.fail("model unavailable")

	err := waitErr(t, runConsumer(t, c))
	var streamErr *client.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "Hel", streamErr.Partial)
	assert.EqualError(t, streamErr.Err, "model unavailable")
	assert.Equal(t, StateClosedOnError, c.State())

	msg := store.State().Messages[0]
	assert.Equal(t, "Hel", msg.Content)
	assert.True(t, msg.Failed)
	assert.Equal(t, "model unavailable", msg.Error)
	assert.Equal(t, err, c.Err())
}

func TestConsumerErrorBeforeAnyToken(t *testing.T) {
	store := NewStore(testLogger())
	stream := newFakeStream()
	c := NewConsumer(staticOpener{stream: stream}, store, "s1", ConsumerOptions{Logger: testLogger()})

	stream.fail("rate limited")

	require.Error(t, waitErr(t, runConsumer(t, c)))
	st := store.State()
	require.Len(t, st.Messages, 1, "a failed placeholder is shown")
	assert.Empty(t, st.Messages[0].Content)
	assert.Equal(t, "rate limited", st.Messages[0].Error)
}

func TestConsumerDoneWithoutTokens(t *testing.T) {
	store := NewStore(testLogger())
	stream := newFakeStream()
	c := NewConsumer(staticOpener{stream: stream}, store, "s1", ConsumerOptions{Logger: testLogger()})

	stream.done("")

	require.NoError(t, waitErr(t, runConsumer(t, c)))
	st := store.State()
	require.Len(t, st.Messages, 1)
	assert.False(t, st.Messages[0].Failed)
	assert.False(t, st.Streaming())
}

func TestConsumerSkipsMalformedFrames(t *testing.T) {
	store := NewStore(testLogger())
	stream := newFakeStream()
	c := NewConsumer(staticOpener{stream: stream}, store, "s1", ConsumerOptions{Logger: testLogger()})

	stream.token("m1", "a")
	stream.frames <- frame{err: &client.FrameError{Event: "bogus", Err: client.ErrUnknownEvent}}
	stream.token("m2", "ignored")
	stream.token("m1", "b")
	stream.done("m1")

	require.NoError(t, waitErr(t, runConsumer(t, c)))
	assert.Equal(t, "ab", store.State().Messages[0].Content)
}

func TestConsumerIdleTimeout(t *testing.T) {
	store := NewStore(testLogger())
	stream := newFakeStream()
	c := NewConsumer(staticOpener{stream: stream}, store, "s1", ConsumerOptions{
		IdleTimeout: 50 * time.Millisecond,
		Logger:      testLogger(),
	})

	stream.token("m1", "partial")

	err := waitErr(t, runConsumer(t, c))
	assert.ErrorIs(t, err, ErrStreamTimeout)
	assert.Equal(t, StateClosedOnError, c.State())

	msg := store.State().Messages[0]
	assert.Equal(t, "partial", msg.Content)
	assert.True(t, msg.Failed)
	assert.Equal(t, "timeout", msg.Error)
}

func TestConsumerTimeoutWhileConnecting(t *testing.T) {
	store := NewStore(testLogger())
	c := NewConsumer(blockingOpener{}, store, "s1", ConsumerOptions{
		IdleTimeout: 50 * time.Millisecond,
		Logger:      testLogger(),
	})

	err := waitErr(t, runConsumer(t, c))
	assert.ErrorIs(t, err, ErrStreamTimeout)
	require.Len(t, store.State().Messages, 1)
	assert.Equal(t, "timeout", store.State().Messages[0].Error)
}

func TestConsumerDroppedConnection(t *testing.T) {
	store := NewStore(testLogger())
	stream := newFakeStream()
	c := NewConsumer(staticOpener{stream: stream}, store, "s1", ConsumerOptions{Logger: testLogger()})

	stream.token("m1", "half")
	close(stream.frames)

	err := waitErr(t, runConsumer(t, c))
	assert.ErrorIs(t, err, ErrStreamDropped)
	assert.True(t, store.State().Messages[0].Failed)
}

func TestConsumerOpenFailure(t *testing.T) {
	store := NewStore(testLogger())
	openErr := &client.APIError{StatusCode: 404, Method: "GET", Path: "/chat/sessions/s1/stream"}
	c := NewConsumer(staticOpener{err: openErr}, store, "s1", ConsumerOptions{Logger: testLogger()})

	err := waitErr(t, runConsumer(t, c))
	assert.ErrorIs(t, err, client.ErrNotFound)
	assert.Equal(t, StateClosedOnError, c.State())
	assert.True(t, store.State().Messages[0].Failed)
}

func TestConsumerCloseByCaller(t *testing.T) {
	store := NewStore(testLogger())
	stream := newFakeStream()
	c := NewConsumer(staticOpener{stream: stream}, store, "s1", ConsumerOptions{Logger: testLogger()})

	errc := runConsumer(t, c)
	stream.token("m1", "first")
	require.Eventually(t, func() bool {
		return store.State().Streaming()
	}, time.Second, 5*time.Millisecond)

	c.Close()
	c.Close()
	stream.token("m1", " late")
	stream.done("m1")

	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, StateClosedByCaller, c.State())
	assert.True(t, stream.isClosed())

	msg := store.State().Messages[0]
	assert.Equal(t, "first", msg.Content)
	assert.NoError(t, c.Err())
}

func TestConsumerCloseBeforeRun(t *testing.T) {
	store := NewStore(testLogger())
	c := NewConsumer(staticOpener{stream: newFakeStream()}, store, "s1", ConsumerOptions{Logger: testLogger()})

	c.Close()
	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, StateClosedByCaller, c.State())
	assert.Empty(t, store.State().Messages)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestConsumerCloseWhileConnecting(t *testing.T) {
	store := NewStore(testLogger())
	c := NewConsumer(blockingOpener{}, store, "s1", ConsumerOptions{Logger: testLogger()})

	errc := runConsumer(t, c)
	require.Eventually(t, func() bool {
		return c.State() == StateConnecting
	}, time.Second, 5*time.Millisecond)
	c.Close()

	require.NoError(t, waitErr(t, errc))
	assert.Empty(t, store.State().Messages)
}

func TestStreamStateString(t *testing.T) {
	assert.Equal(t, "closed-by-caller", StateClosedByCaller.String())
	assert.Equal(t, "StreamState(42)", StreamState(42).String())
	assert.False(t, StateStreaming.Terminal())
	assert.True(t, StateClosedOnError.Terminal())
}

func TestConsumerIgnoresDoneForAnotherMessage(t *testing.T) {
	store := NewStore(testLogger())
	stream := newFakeStream()
	c := NewConsumer(staticOpener{stream: stream}, store, "s1", ConsumerOptions{Logger: testLogger()})

	stream.token("m2", "B1 ")
	stream.done("m1", models.Citation{EntryID: "stale"})
	stream.token("m2", "B2")
	stream.done("m2")

	require.NoError(t, waitErr(t, runConsumer(t, c)))
	assert.Equal(t, StateClosedNormally, c.State())

	msg := store.State().Messages[0]
	assert.Equal(t, "B1 B2", msg.Content)
	assert.Empty(t, msg.Citations)
}

func TestConsumerSkipsIgnoredMessageIDs(t *testing.T) {
	store := NewStore(testLogger())
	stream := newFakeStream()
	c := NewConsumer(staticOpener{stream: stream}, store, "s1", ConsumerOptions{
		Ignore: []string{"a1"},
		Logger: testLogger(),
	})

	stream.token("a1", " late")
	stream.done("a1", models.Citation{EntryID: "old"})
	stream.token("b1", "answer")
	stream.done("b1")

	require.NoError(t, waitErr(t, runConsumer(t, c)))
	assert.Equal(t, "b1", c.ServerID())

	st := store.State()
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "answer", st.Messages[0].Content)
	assert.Empty(t, st.Messages[0].Citations)
}

func TestConsumerRecordsCallerCloseOnce(t *testing.T) {
	for name, opener := range map[string]StreamOpener{
		"connecting": blockingOpener{},
		"streaming":  staticOpener{stream: newFakeStream()},
	} {
		t.Run(name, func(t *testing.T) {
			collector := metrics.NewCollector()
			c := NewConsumer(opener, NewStore(testLogger()), "s1", ConsumerOptions{Logger: testLogger(), Metrics: collector})

			errc := runConsumer(t, c)
			require.Eventually(t, func() bool {
				s := c.State()
				return s == StateConnecting || s == StateStreaming
			}, time.Second, 5*time.Millisecond)
			c.Close()
			require.NoError(t, waitErr(t, errc))

			snap := collector.Snapshot()
			require.NotNil(t, snap.Streams)
			assert.Equal(t, int64(1), snap.Streams.Count)
			assert.Equal(t, int64(0), snap.Streams.Failures)
		})
	}
}

func TestConsumerRecordsFailureOnce(t *testing.T) {
	stream := newFakeStream()
	collector := metrics.NewCollector()
	c := NewConsumer(staticOpener{stream: stream}, NewStore(testLogger()), "s1", ConsumerOptions{Logger: testLogger(), Metrics: collector})

	stream.token("m1", "Hel")
	stream.fail("model unavailable")
	require.Error(t, waitErr(t, runConsumer(t, c)))
	c.Close()

	snap := collector.Snapshot()
	require.NotNil(t, snap.Streams)
	assert.Equal(t, int64(1), snap.Streams.Count)
	assert.Equal(t, int64(1), snap.Streams.Failures)
}
