package ibkr

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTicker(t *testing.T) (*TickerCache, *fakeTransport) {
	t.Helper()
	conn, transport := testConn(t)
	return NewTickerCache(conn, zerolog.Nop()), transport
}

func TestTickerCacheAccumulatesTicks(t *testing.T) {
	cache, transport := testTicker(t)
	cache.Track(500, "AAPL")

	transport.inject(inTickPrice, "500", "1", "187.45") // bid
	transport.inject(inTickPrice, "500", "2", "187.47") // ask
	transport.inject(inTickPrice, "500", "4", "187.46") // last
	transport.inject(inTickSize, "500", "0", "300")     // bid size
	transport.inject(inTickSize, "500", "8", "1500000") // volume

	require.Eventually(t, func() bool {
		q, ok := cache.Quote("AAPL")
		return ok && q.Volume == 1500000
	}, time.Second, 5*time.Millisecond)

	q, _ := cache.Quote("AAPL")
	assert.Equal(t, 187.45, q.Bid)
	assert.Equal(t, 187.47, q.Ask)
	assert.Equal(t, 187.46, q.Last)
	assert.Equal(t, 300.0, q.BidSize)
	assert.False(t, q.Stale(time.Now(), time.Minute))
	assert.True(t, q.Stale(time.Now().Add(2*time.Minute), time.Minute))
}

func TestTickerCacheIgnoresUnknownTickerIDs(t *testing.T) {
	cache, transport := testTicker(t)

	transport.inject(inTickPrice, "999", "4", "10.0")
	time.Sleep(20 * time.Millisecond)

	_, ok := cache.Quote("AAPL")
	assert.False(t, ok)
}

func TestSnapshotResolvesOnLastTrade(t *testing.T) {
	cache, transport := testTicker(t)

	resCh := make(chan float64, 1)
	go func() {
		q, err := cache.Snapshot(context.Background(), "TSLA")
		require.NoError(t, err)
		resCh <- q.Last
	}()

	require.Eventually(t, func() bool {
		return len(transport.frames(outReqMktData)) == 1
	}, time.Second, 5*time.Millisecond)
	reqID := transport.frames(outReqMktData)[0].fields[0]

	transport.inject(inTickPrice, reqID, "1", "242.10")
	transport.inject(inTickPrice, reqID, "4", "242.15")

	select {
	case last := <-resCh:
		assert.Equal(t, 242.15, last)
	case <-time.After(time.Second):
		t.Fatal("snapshot never resolved")
	}

	// The snapshot cancels its own market data stream on settle.
	assert.Len(t, transport.frames(outCancelMktData), 1)
}

func TestHistoricalTicksAccumulateUntilDone(t *testing.T) {
	cache, transport := testTicker(t)

	type result struct {
		ticks []struct{ price, size float64 }
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		ticks, err := cache.HistoricalTicks(context.Background(), "NVDA", 10)
		var r result
		r.err = err
		for _, tk := range ticks {
			r.ticks = append(r.ticks, struct{ price, size float64 }{tk.Price, tk.Size})
		}
		resCh <- r
	}()

	require.Eventually(t, func() bool {
		return len(transport.frames(outReqHistoricalTicks)) == 1
	}, time.Second, 5*time.Millisecond)
	reqID := transport.frames(outReqHistoricalTicks)[0].fields[0]

	// Two batches; only the second carries the done flag.
	transport.inject(inHistoricalTicksLast, reqID, "1", "1724500000", "120.50", "300", "0")
	transport.inject(inHistoricalTicksLast, reqID, "1", "1724500005", "120.55", "150", "1")

	select {
	case r := <-resCh:
		require.NoError(t, r.err)
		require.Len(t, r.ticks, 2)
		assert.Equal(t, 120.50, r.ticks[0].price)
		assert.Equal(t, 150.0, r.ticks[1].size)
	case <-time.After(time.Second):
		t.Fatal("historical ticks never resolved")
	}
}
