package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusKeepsPerProposalOrder(t *testing.T) {
	b := NewBus(2, nil)
	defer b.Close()

	var mu sync.Mutex
	var seen []string
	record := func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Name)
		return nil
	}
	b.Subscribe("a", record)
	b.Subscribe("a", func(_ context.Context, ev Event) error {
		_, err := b.Publish(Event{Name: "c", ProposalID: ev.ProposalID})
		return err
	})
	b.Subscribe("b", record)
	b.Subscribe("c", record)

	_, err := b.Publish(Event{Name: "a", ProposalID: "p1"})
	require.NoError(t, err)
	_, err = b.Publish(Event{Name: "b", ProposalID: "p1"})
	require.NoError(t, err)
	require.NoError(t, b.Wait(context.Background(), "p1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestBusAssignsEventIDs(t *testing.T) {
	b := NewBus(1, nil)
	defer b.Close()

	ev1, err := b.Publish(Event{Name: "x", ProposalID: "p1"})
	require.NoError(t, err)
	ev2, err := b.Publish(Event{Name: "x", ProposalID: "p1"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev1.ID)
	assert.NotEqual(t, ev1.ID, ev2.ID)
	assert.False(t, ev1.PublishedAt.IsZero())
}

func TestBusBoundsConcurrentLanes(t *testing.T) {
	b := NewBus(2, nil)
	defer b.Close()

	var running, peak atomic.Int32
	b.Subscribe("work", func(context.Context, Event) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	for i := range 6 {
		_, err := b.Publish(Event{Name: "work", ProposalID: fmt.Sprintf("p%d", i)})
		require.NoError(t, err)
	}
	for i := range 6 {
		require.NoError(t, b.Wait(context.Background(), fmt.Sprintf("p%d", i)))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestBusHandlerErrorDoesNotStopLane(t *testing.T) {
	b := NewBus(1, nil)
	defer b.Close()

	var calls atomic.Int32
	b.Subscribe("x", func(context.Context, Event) error {
		calls.Add(1)
		return fmt.Errorf("boom")
	})
	_, _ = b.Publish(Event{Name: "x", ProposalID: "p1"})
	_, _ = b.Publish(Event{Name: "x", ProposalID: "p1"})
	require.NoError(t, b.Wait(context.Background(), "p1"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestBusWaitHonorsContext(t *testing.T) {
	b := NewBus(1, nil)
	release := make(chan struct{})
	b.Subscribe("block", func(context.Context, Event) error {
		<-release
		return nil
	})
	_, err := b.Publish(Event{Name: "block", ProposalID: "p1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Wait(ctx, "p1"), context.DeadlineExceeded)

	close(release)
	b.Close()
}

func TestBusCloseCancelsAndRejectsPublish(t *testing.T) {
	b := NewBus(1, nil)
	started := make(chan struct{})
	b.Subscribe("block", func(ctx context.Context, _ Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	_, err := b.Publish(Event{Name: "block", ProposalID: "p1"})
	require.NoError(t, err)
	<-started

	b.Close()
	_, err = b.Publish(Event{Name: "block", ProposalID: "p1"})
	require.ErrorIs(t, err, ErrBusClosed)
	require.NoError(t, b.Wait(context.Background(), "p1"))
}
