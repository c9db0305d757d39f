package ibkr

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebridge/internal/domain"
)

func testRegistry(t *testing.T) (*Registry, *Conn, *fakeTransport) {
	t.Helper()
	conn, transport := testConn(t)
	return NewRegistry(conn, zerolog.Nop()), conn, transport
}

func TestSubscribeRealTimeBarsDeduplicates(t *testing.T) {
	reg, _, transport := testRegistry(t)

	id1, err := reg.SubscribeRealTimeBars("AAPL", "SMART")
	require.NoError(t, err)
	id2, err := reg.SubscribeRealTimeBars("AAPL", "SMART")
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "same (symbol, exchange) shares one stream")
	assert.Len(t, transport.frames(outReqRealTimeBars), 1)

	id3, err := reg.SubscribeRealTimeBars("AAPL", "ISLAND")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3, "different exchange is a different stream")
}

func TestSubscriptionCapEnforced(t *testing.T) {
	reg, _, _ := testRegistry(t)

	for i := 0; i < maxBarSubscriptions; i++ {
		_, err := reg.SubscribeRealTimeBars(fmt.Sprintf("SYM%d", i), "SMART")
		require.NoError(t, err)
	}

	_, err := reg.SubscribeRealTimeBars("ONEMORE", "SMART")
	assert.ErrorIs(t, err, ErrSubscriptionCap)
}

func TestBarsFlowIntoRing(t *testing.T) {
	reg, _, transport := testRegistry(t)

	id, err := reg.SubscribeRealTimeBars("AAPL", "SMART")
	require.NoError(t, err)
	reqID, ok := reg.ReqID(id)
	require.True(t, ok)

	base := time.Now().Unix()
	for i := 0; i < 3; i++ {
		transport.inject(inRealTimeBars,
			strconv.FormatInt(int64(reqID), 10),
			strconv.FormatInt(base+int64(i*5), 10),
			"187.0", "187.5", "186.8", "187.2", "1200", "187.1", "40")
	}

	require.Eventually(t, func() bool {
		return len(reg.RecentBars("AAPL")) == 3
	}, time.Second, 5*time.Millisecond)

	bars := reg.RecentBars("AAPL")
	assert.Equal(t, 187.2, bars[0].Close)
	assert.Equal(t, 1200.0, bars[2].Volume)
	assert.True(t, bars[2].Time.After(bars[0].Time))
}

func TestBarRingEvictsOldest(t *testing.T) {
	ring := newBarRing(3)
	for i := 1; i <= 5; i++ {
		ring.push(barAt(float64(i)))
	}

	bars := ring.snapshot()
	require.Len(t, bars, 3)
	assert.Equal(t, 3.0, bars[0].Close)
	assert.Equal(t, 5.0, bars[2].Close)
}

func TestAccountUpdatesSingleton(t *testing.T) {
	reg, _, _ := testRegistry(t)

	id1, err := reg.SubscribeAccountUpdates("DU12345")
	require.NoError(t, err)
	id2, err := reg.SubscribeAccountUpdates("DU12345")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	_, err = reg.SubscribeAccountUpdates("DU99999")
	assert.ErrorIs(t, err, ErrAccountSubscribed)
}

func TestPortfolioSnapshotsReachHandler(t *testing.T) {
	reg, _, transport := testRegistry(t)

	type snap struct {
		symbol             string
		qty, cost, current float64
	}
	got := make(chan snap, 1)
	reg.OnPortfolio(func(symbol string, qty, avgCost, current, unrealized float64) {
		got <- snap{symbol: symbol, qty: qty, cost: avgCost, current: current}
	})

	_, err := reg.SubscribeAccountUpdates("DU12345")
	require.NoError(t, err)

	transport.inject(inPortfolioValue, "AAPL", "100", "155.2", "150.0", "520")

	select {
	case s := <-got:
		assert.Equal(t, "AAPL", s.symbol)
		assert.Equal(t, 100.0, s.qty)
		assert.Equal(t, 150.0, s.cost)
		assert.Equal(t, 155.2, s.current)
	case <-time.After(time.Second):
		t.Fatal("portfolio snapshot never delivered")
	}
}

func TestResubscribePreservesOpaqueID(t *testing.T) {
	reg, conn, transport := testRegistry(t)

	id, err := reg.SubscribeRealTimeBars("AAPL", "SMART")
	require.NoError(t, err)
	oldReq, _ := reg.ReqID(id)

	transport.dropConn()

	require.Eventually(t, func() bool {
		newReq, ok := reg.ReqID(id)
		return ok && newReq != oldReq
	}, time.Second, 5*time.Millisecond, "reconnect re-issues with a fresh req id")

	assert.True(t, conn.IsConnected())
	assert.Len(t, transport.frames(outReqRealTimeBars), 2, "original request plus resubscribe")

	// Bars on the fresh req id land in the same subscription.
	newReq, _ := reg.ReqID(id)
	transport.inject(inRealTimeBars,
		strconv.FormatInt(int64(newReq), 10),
		strconv.FormatInt(time.Now().Unix(), 10),
		"10", "11", "9", "10.5", "100", "10.2", "7")
	require.Eventually(t, func() bool {
		return len(reg.RecentBars("AAPL")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeCancelsAndRemoves(t *testing.T) {
	reg, _, transport := testRegistry(t)

	id, err := reg.SubscribeRealTimeBars("AAPL", "SMART")
	require.NoError(t, err)
	require.NoError(t, reg.Unsubscribe(id))

	assert.Len(t, transport.frames(outCancelRealTimeBars), 1)
	assert.Equal(t, 0, reg.Count())
	assert.ErrorIs(t, reg.Unsubscribe(id), ErrUnknownSubscription)

	// The key is free again.
	id2, err := reg.SubscribeRealTimeBars("AAPL", "SMART")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func barAt(close float64) domain.Bar {
	return domain.Bar{Time: time.Now(), Close: close}
}
