package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSendStop_ConsumersEqualStopCount verifies the shutdown invariant: the
// number of STOP messages sent equals the number of consumers, so every
// consumer observes exactly one STOP and graceful shutdown terminates all
// of them, with no message left unconsumed and no consumer left blocked.
func TestSendStop_ConsumersEqualStopCount(t *testing.T) {
	const consumers = 6
	q := New(consumers * 2)

	var wg sync.WaitGroup
	stopsSeen := make([]int32, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				msg, ok := q.Receive(context.Background())
				if !ok {
					return
				}
				if msg.Type == TypeStop {
					stopsSeen[id]++
					return
				}
			}
		}(i)
	}

	require.NoError(t, q.SendStop(context.Background(), consumers))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all consumers terminated: STOP count did not match consumer count")
	}

	total := 0
	for _, n := range stopsSeen {
		assert.LessOrEqual(t, n, int32(1), "a consumer must see at most one STOP")
		total += int(n)
	}
	assert.Equal(t, consumers, total, "every consumer must see exactly one STOP")
}

func TestReceive_CancelledContext(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Receive(ctx)
	assert.False(t, ok)
}

func TestSend_RespectsContextCancellation(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Send(context.Background(), Message{Type: TypeTablePart, OID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Send(ctx, Message{Type: TypeTablePart, OID: 2}) // buffer full, should block until ctx expires
	assert.Error(t, err)
}

func TestFIFOOrdering(t *testing.T) {
	q := New(10)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Send(context.Background(), Message{Type: TypeTablePart, OID: uint32(i)}))
	}
	for i := 0; i < 5; i++ {
		msg, ok := q.Receive(context.Background())
		require.True(t, ok)
		assert.Equal(t, uint32(i), msg.OID)
	}
}
