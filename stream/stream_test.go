package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atlas/event"
	"github.com/kadirpekel/atlas/stream"
)

// drain reads exactly n events. Accumulate only closes the publisher's
// channel on a terminal (error) event, so a success-path caller must read a
// known count rather than range to closure.
func drain(t *testing.T, pub *event.Publisher, n int) []event.Event {
	t.Helper()
	sub := pub.Subscribe()
	got := make([]event.Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case e := <-sub:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
	return got
}

func TestAccumulateConcatenatesTokensAndMarksFirstLast(t *testing.T) {
	pub := event.NewPublisher(16)
	src := stream.FromStrings("hel", "lo")

	var text string
	var err error
	done := make(chan struct{})
	go func() {
		text, err = stream.Accumulate(context.Background(), src, pub, "test")
		close(done)
	}()
	<-done

	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	events := drain(t, pub, 3) // "hel", "lo", final is_last marker
	assert.True(t, events[0].TokenStream.IsFirst)
	assert.False(t, events[1].TokenStream.IsFirst)
	assert.True(t, events[2].TokenStream.IsLast)
}

func TestAccumulatePropagatesSourceError(t *testing.T) {
	pub := event.NewPublisher(16)
	src := func(yield func(stream.Token) bool) {
		if !yield(stream.Token{Text: "partial"}) {
			return
		}
		yield(stream.Token{Err: errors.New("upstream broke")})
	}

	var text string
	var err error
	done := make(chan struct{})
	go func() {
		text, err = stream.Accumulate(context.Background(), src, pub, "test")
		close(done)
	}()
	<-done

	require.Error(t, err)
	assert.Equal(t, "partial", text)

	events := drain(t, pub, 2) // "partial" token, then the error event
	last := events[len(events)-1]
	assert.Equal(t, event.KindError, last.Kind)
}

func TestAccumulateStopsOnContextCancellation(t *testing.T) {
	pub := event.NewPublisher(16)
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	src := func(yield func(stream.Token) bool) {
		for i := 0; i < 5; i++ {
			callCount++
			if i == 1 {
				cancel()
			}
			if !yield(stream.Token{Text: "x"}) {
				return
			}
		}
	}

	done := make(chan struct{})
	go func() {
		_, _ = stream.Accumulate(ctx, src, pub, "test")
		close(done)
	}()
	<-done

	assert.LessOrEqual(t, callCount, 5)
	// the error event from the cancellation is terminal, so the channel
	// closes and ranging over it terminates on its own.
	for range pub.Subscribe() {
	}
}
