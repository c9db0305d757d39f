package ibkr

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
)

// Tick types on the price/size feed.
const (
	tickBidSize = 0
	tickBid     = 1
	tickAsk     = 2
	tickAskSize = 3
	tickLast    = 4
	tickVolume  = 8
)

// TickerCache holds the latest quote per symbol, fed by a single tick
// dispatcher that resolves symbols from broker ticker ids. Single writer,
// many readers.
type TickerCache struct {
	conn *Conn
	log  zerolog.Logger

	mu      sync.RWMutex
	quotes  map[string]domain.Quote
	tickers map[int32]string // broker tickerId -> symbol
}

// NewTickerCache creates the cache and installs the persistent tick
// dispatcher. Install once per process.
func NewTickerCache(conn *Conn, log zerolog.Logger) *TickerCache {
	t := &TickerCache{
		conn:    conn,
		quotes:  make(map[string]domain.Quote),
		tickers: make(map[int32]string),
		log:     log.With().Str("component", "ticker_cache").Logger(),
	}
	conn.Listen(inTickPrice, t.onTickPrice)
	conn.Listen(inTickSize, t.onTickSize)
	return t
}

func (t *TickerCache) onTickPrice(msg *Message) {
	// fields: tickerId, tickType, price
	tickerID := int32(msg.fieldInt(0))
	tickType := msg.fieldInt(1)
	price := msg.fieldPrice(2)

	t.mu.Lock()
	defer t.mu.Unlock()
	symbol, ok := t.tickers[tickerID]
	if !ok {
		return
	}
	q := t.quotes[symbol]
	q.Symbol = symbol
	switch tickType {
	case tickBid:
		q.Bid = price
	case tickAsk:
		q.Ask = price
	case tickLast:
		q.Last = price
	default:
		return
	}
	q.Time = time.Now()
	t.quotes[symbol] = q
}

func (t *TickerCache) onTickSize(msg *Message) {
	// fields: tickerId, tickType, size
	tickerID := int32(msg.fieldInt(0))
	tickType := msg.fieldInt(1)
	size := float64(msg.fieldInt64(2))

	t.mu.Lock()
	defer t.mu.Unlock()
	symbol, ok := t.tickers[tickerID]
	if !ok {
		return
	}
	q := t.quotes[symbol]
	q.Symbol = symbol
	switch tickType {
	case tickBidSize:
		q.BidSize = size
	case tickAskSize:
		q.AskSize = size
	case tickVolume:
		q.Volume = size
	default:
		return
	}
	q.Time = time.Now()
	t.quotes[symbol] = q
}

// Snapshot requests a one-shot market-data snapshot for a symbol and waits
// for the quote to fill in. The gateway confirms snapshots only implicitly,
// so a timeout returns whatever ticks arrived.
func (t *TickerCache) Snapshot(ctx context.Context, symbol string) (domain.Quote, error) {
	reqID := t.conn.NextReqID()

	t.mu.Lock()
	t.tickers[reqID] = symbol
	t.mu.Unlock()

	a := newAwait(t.conn, reqID, snapshotTimeout)
	a.bestEffort = func() any {
		q, _ := t.Quote(symbol)
		return q
	}
	a.onError()
	a.on(inTickPrice, 0, func(msg *Message) {
		// Resolve once the last-trade tick lands; bid/ask fill the cache
		// as they arrive either way.
		if msg.fieldInt(1) == tickLast {
			q, _ := t.Quote(symbol)
			a.resolve(q)
		}
	})
	a.onCancel(func() {
		_ = t.conn.Send(outCancelMktData, intField(int64(reqID)))
	})

	if err := t.conn.Send(outReqMktData, intField(int64(reqID)), symbol, "STK", "SMART", "USD", "1"); err != nil {
		a.reject(err)
	}

	v, err := a.wait(ctx)
	if err != nil {
		return domain.Quote{}, err
	}
	return v.(domain.Quote), nil
}

// HistoricalTicks requests up to count recorded trades for a symbol. The
// gateway terminates the reply with an explicit done flag, so a timeout
// rejects rather than returning a partial tape.
func (t *TickerCache) HistoricalTicks(ctx context.Context, symbol string, count int) ([]domain.Tick, error) {
	reqID := t.conn.NextReqID()

	var (
		mu    sync.Mutex
		ticks []domain.Tick
	)
	a := newAwait(t.conn, reqID, historicalTimeout)
	a.onError()
	a.on(inHistoricalTicksLast, 0, func(msg *Message) {
		mu.Lock()
		defer mu.Unlock()
		// fields: reqId, tickCount, [time, price, size]*, done
		n := msg.fieldInt(1)
		base := 2
		for i := 0; i < n; i++ {
			ticks = append(ticks, domain.Tick{
				Time:  time.Unix(msg.fieldInt64(base), 0),
				Price: msg.fieldPrice(base + 1),
				Size:  float64(msg.fieldInt64(base + 2)),
			})
			base += 3
		}
		if msg.fieldInt(base) == 1 {
			a.resolve(append([]domain.Tick(nil), ticks...))
		}
	})

	if err := t.conn.Send(outReqHistoricalTicks,
		intField(int64(reqID)), symbol, "STK", "SMART", "USD",
		intField(int64(count)), "TRADES"); err != nil {
		a.reject(err)
	}

	v, err := a.wait(ctx)
	if err != nil {
		return nil, err
	}
	return v.([]domain.Tick), nil
}

// Quote returns the cached quote for a symbol.
func (t *TickerCache) Quote(symbol string) (domain.Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.quotes[symbol]
	return q, ok
}

// Track associates a broker ticker id with a symbol for streaming feeds.
func (t *TickerCache) Track(tickerID int32, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tickers[tickerID] = symbol
}
