package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/atlas/approval"
)

func TestBrokerResolveDeliversResponse(t *testing.T) {
	b := approval.NewBroker()

	done := make(chan approval.Response, 1)
	go func() {
		resp, err := b.Wait(context.Background(), "call-1", 0)
		require.NoError(t, err)
		done <- resp
	}()

	for !b.IsWaiting("call-1") {
		time.Sleep(time.Millisecond)
	}

	ok := b.Resolve("call-1", approval.Response{Action: approval.Approve, Arguments: map[string]any{"x": 1}})
	assert.True(t, ok)

	resp := <-done
	assert.Equal(t, approval.Approve, resp.Action)
	assert.Equal(t, 1, resp.Arguments["x"])
	assert.False(t, b.IsWaiting("call-1"))
}

func TestBrokerResolveWithNoWaiterReturnsFalse(t *testing.T) {
	b := approval.NewBroker()
	assert.False(t, b.Resolve("missing", approval.Response{Action: approval.Reject}))
}

func TestBrokerWaitTimeoutResolvesAsCancel(t *testing.T) {
	b := approval.NewBroker()
	resp, err := b.Wait(context.Background(), "call-2", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, approval.Cancel, resp.Action)
}

func TestBrokerWaitContextCancelled(t *testing.T) {
	b := approval.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Wait(ctx, "call-3", 0)
	assert.ErrorIs(t, err, context.Canceled)
}
