package events

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var seqs []uint64
	bus.SubscribeAll(func(e *Event) { seqs = append(seqs, e.Seq) })

	for i := 0; i < 5; i++ {
		bus.Publish("test", &SessionStateData{})
	}

	require.Len(t, seqs, 5)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s)
	}
	assert.Equal(t, uint64(5), bus.Seq())
}

func TestSequenceUniqueUnderConcurrentPublish(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	bus.SubscribeAll(func(e *Event) {
		mu.Lock()
		seen[e.Seq] = true
		mu.Unlock()
	})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish("test", &TunnelStatusData{})
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n, "every publish gets its own sequence number")
	assert.Equal(t, uint64(n), bus.Seq())
}

func TestTypedSubscriptionOnlySeesItsType(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var sessions, all int
	bus.Subscribe(SessionState, func(*Event) { sessions++ })
	bus.SubscribeAll(func(*Event) { all++ })

	bus.Publish("test", &SessionStateData{})
	bus.Publish("test", &TunnelStatusData{})

	assert.Equal(t, 1, sessions)
	assert.Equal(t, 2, all)
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var delivered int
	bus.SubscribeAll(func(*Event) { panic("handler bug") })
	bus.SubscribeAll(func(*Event) { delivered++ })

	ev := bus.Publish("test", &SessionStateData{})

	require.NotNil(t, ev)
	assert.Equal(t, 1, delivered, "later handlers still run after a panic")
}

func TestEventCarriesModuleAndType(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	ev := bus.Publish("risk", &SessionStateData{RealizedPnL: -120.5})

	assert.Equal(t, SessionState, ev.Type)
	assert.Equal(t, "risk", ev.Module)
	assert.False(t, ev.Timestamp.IsZero())
}
