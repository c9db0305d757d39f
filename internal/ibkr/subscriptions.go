package ibkr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
)

const (
	// maxBarSubscriptions matches the gateway's concurrent real-time-bar
	// stream limit.
	maxBarSubscriptions = 50
	// barRingCapacity holds ~25 minutes of 5-second bars.
	barRingCapacity = 300
)

var (
	ErrSubscriptionCap     = errors.New("ibkr: real-time bar subscription cap reached")
	ErrAccountSubscribed   = errors.New("ibkr: account updates already subscribed for a different account")
	ErrUnknownSubscription = errors.New("ibkr: unknown subscription")
)

// SubscriptionKind distinguishes registry entries.
type SubscriptionKind string

const (
	KindRealTimeBars   SubscriptionKind = "realTimeBars"
	KindAccountUpdates SubscriptionKind = "accountUpdates"
)

// PortfolioHandler receives account-update position snapshots.
type PortfolioHandler func(symbol string, qty, avgCost, current, unrealized float64)

type subKey struct {
	symbol   string
	exchange string
}

// subscription is one live registry entry. The opaque id is the caller's
// handle and survives reconnects; the broker request id does not.
type subscription struct {
	id       string
	kind     SubscriptionKind
	symbol   string
	exchange string
	account  string
	reqID    int32
	bars     *barRing
	created  time.Time
	lastErr  error
	removals []func()
}

// Registry owns all live broker data streams. All mutation is serialized
// behind one lock; listener cleanup runs under the same lock as removal.
type Registry struct {
	conn *Conn
	log  zerolog.Logger

	mu        sync.Mutex
	subs      map[string]*subscription
	byKey     map[subKey]string
	accountID string // opaque id of the single account-updates entry

	portfolio PortfolioHandler
}

// NewRegistry creates the subscription registry and hooks resubscription
// into the connection's reconnect path.
func NewRegistry(conn *Conn, log zerolog.Logger) *Registry {
	r := &Registry{
		conn:  conn,
		subs:  make(map[string]*subscription),
		byKey: make(map[subKey]string),
		log:   log.With().Str("component", "ibkr_subs").Logger(),
	}
	conn.OnReconnect(r.resubscribeAll)
	return r
}

// OnPortfolio sets the handler for account-update position snapshots.
func (r *Registry) OnPortfolio(fn PortfolioHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.portfolio = fn
}

// SubscribeRealTimeBars opens a 5-second bar stream for (symbol, exchange)
// and returns the subscription's opaque id. An existing stream for the same
// key is shared, not duplicated.
func (r *Registry) SubscribeRealTimeBars(symbol, exchange string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := subKey{symbol: symbol, exchange: exchange}
	if id, ok := r.byKey[key]; ok {
		return id, nil
	}

	if r.barCountLocked() >= maxBarSubscriptions {
		return "", ErrSubscriptionCap
	}

	sub := &subscription{
		id:       uuid.NewString(),
		kind:     KindRealTimeBars,
		symbol:   symbol,
		exchange: exchange,
		bars:     newBarRing(barRingCapacity),
		created:  time.Now(),
	}
	if err := r.issueBarsLocked(sub); err != nil {
		return "", err
	}

	r.subs[sub.id] = sub
	r.byKey[key] = sub.id
	r.log.Info().Str("symbol", symbol).Str("exchange", exchange).Int32("req_id", sub.reqID).Msg("Bar stream opened")
	return sub.id, nil
}

// issueBarsLocked allocates a fresh request id, installs listeners closed
// over it, and sends the broker request.
func (r *Registry) issueBarsLocked(sub *subscription) error {
	reqID := r.conn.NextReqID()
	sub.reqID = reqID

	subID := sub.id // closures hold the id, not the entry
	removeBars := r.conn.Listen(inRealTimeBars, func(msg *Message) {
		if int32(msg.fieldInt(0)) != reqID {
			return
		}
		r.recordBar(subID, domain.Bar{
			Time:   time.Unix(msg.fieldInt64(1), 0),
			Open:   msg.fieldPrice(2),
			High:   msg.fieldPrice(3),
			Low:    msg.fieldPrice(4),
			Close:  msg.fieldPrice(5),
			Volume: msg.fieldPrice(6),
			WAP:    msg.fieldPrice(7),
			Count:  msg.fieldInt64(8),
		})
	})
	removeErr := r.conn.Listen(inErrMsg, func(msg *Message) {
		e := decodeErrMsg(msg)
		if e.ReqID != reqID {
			return
		}
		r.latchError(subID, e)
	})
	sub.removals = []func(){removeBars, removeErr}

	return r.conn.Send(outReqRealTimeBars,
		intField(int64(reqID)), sub.symbol, "STK", sub.exchange, "USD", "5", "TRADES", "0")
}

// SubscribeAccountUpdates opens the single permitted account-updates
// stream. A second request for a different account fails.
func (r *Registry) SubscribeAccountUpdates(account string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accountID != "" {
		existing := r.subs[r.accountID]
		if existing.account == account {
			return existing.id, nil
		}
		return "", fmt.Errorf("%w: have %q, requested %q", ErrAccountSubscribed, existing.account, account)
	}

	sub := &subscription{
		id:      uuid.NewString(),
		kind:    KindAccountUpdates,
		account: account,
		created: time.Now(),
	}
	if err := r.issueAccountLocked(sub); err != nil {
		return "", err
	}

	r.subs[sub.id] = sub
	r.accountID = sub.id
	r.log.Info().Str("account", account).Msg("Account updates subscribed")
	return sub.id, nil
}

func (r *Registry) issueAccountLocked(sub *subscription) error {
	remove := r.conn.Listen(inPortfolioValue, func(msg *Message) {
		r.mu.Lock()
		handler := r.portfolio
		r.mu.Unlock()
		if handler == nil {
			return
		}
		handler(
			msg.field(0),
			msg.fieldPrice(1),
			msg.fieldPrice(2),
			msg.fieldPrice(3),
			msg.fieldPrice(4),
		)
	})
	sub.removals = []func(){remove}

	return r.conn.Send(outReqAccountUpdates, "1", sub.account)
}

// Unsubscribe cancels the broker-side stream and removes the entry.
func (r *Registry) Unsubscribe(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return ErrUnknownSubscription
	}

	for _, remove := range sub.removals {
		remove()
	}

	var err error
	switch sub.kind {
	case KindRealTimeBars:
		err = r.conn.Send(outCancelRealTimeBars, intField(int64(sub.reqID)))
		delete(r.byKey, subKey{symbol: sub.symbol, exchange: sub.exchange})
	case KindAccountUpdates:
		err = r.conn.Send(outReqAccountUpdates, "0", sub.account)
		r.accountID = ""
	}
	delete(r.subs, id)
	return err
}

// UnsubscribeAll cancels every stream, best-effort. Used at shutdown.
func (r *Registry) UnsubscribeAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Unsubscribe(id); err != nil {
			r.log.Warn().Err(err).Str("sub_id", id).Msg("Unsubscribe failed at shutdown")
		}
	}
}

// resubscribeAll re-issues every live subscription after a reconnect:
// old listeners out, fresh request id, same opaque id.
func (r *Registry) resubscribeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		for _, remove := range sub.removals {
			remove()
		}
		sub.removals = nil
		sub.lastErr = nil

		var err error
		switch sub.kind {
		case KindRealTimeBars:
			err = r.issueBarsLocked(sub)
		case KindAccountUpdates:
			err = r.issueAccountLocked(sub)
		}
		if err != nil {
			sub.lastErr = err
			r.log.Error().Err(err).Str("sub_id", sub.id).Msg("Resubscribe failed")
			continue
		}
		r.log.Info().Str("sub_id", sub.id).Str("symbol", sub.symbol).Msg("Resubscribed")
	}
}

// RecentBars returns a copy of the ring buffer for a symbol's bar stream,
// oldest first. Nil when no stream exists.
func (r *Registry) RecentBars(symbol string) []domain.Bar {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		if sub.kind == KindRealTimeBars && sub.symbol == symbol {
			return sub.bars.snapshot()
		}
	}
	return nil
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// ReqID exposes the current broker request id for a subscription.
func (r *Registry) ReqID(id string) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return 0, false
	}
	return sub.reqID, true
}

func (r *Registry) barCountLocked() int {
	n := 0
	for _, sub := range r.subs {
		if sub.kind == KindRealTimeBars {
			n++
		}
	}
	return n
}

func (r *Registry) recordBar(subID string, bar domain.Bar) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[subID]; ok {
		sub.bars.push(bar)
	}
}

func (r *Registry) latchError(subID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[subID]; ok {
		sub.lastErr = err
		r.log.Warn().Err(err).Str("sub_id", subID).Msg("Subscription error latched")
	}
}

// barRing is a fixed-capacity ring of recent bars.
type barRing struct {
	buf  []domain.Bar
	head int
	size int
}

func newBarRing(capacity int) *barRing {
	return &barRing{buf: make([]domain.Bar, capacity)}
}

func (r *barRing) push(bar domain.Bar) {
	r.buf[(r.head+r.size)%len(r.buf)] = bar
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

func (r *barRing) snapshot() []domain.Bar {
	out := make([]domain.Bar, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
