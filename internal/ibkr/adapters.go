package ibkr

import (
	"context"
	"sync"
	"time"
)

// Adapter timeouts. Snapshot-style requests get longer because the
// gateway streams them from data farms; historical ticks longest.
const (
	defaultTimeout    = 10 * time.Second
	snapshotTimeout   = 15 * time.Second
	historicalTimeout = 30 * time.Second
)

// await binds the listener lifecycle of one correlated request: register
// listeners, arm a timeout, settle exactly once, and always remove every
// listener before the caller sees the result. Listener leakage is the
// primary correctness hazard of the event-stream protocol; routing all
// registration through the guard makes it structurally impossible.
type await struct {
	conn     *Conn
	reqID    int32
	timeout  time.Duration
	removals []func()
	cancels  []func()

	once   sync.Once
	result chan awaitResult

	// bestEffort, when set, is called on timeout to produce a partial
	// payload instead of an error. Used for operations the broker
	// confirms only implicitly.
	bestEffort func() any
}

type awaitResult struct {
	value any
	err   error
}

func newAwait(conn *Conn, reqID int32, timeout time.Duration) *await {
	return &await{
		conn:    conn,
		reqID:   reqID,
		timeout: timeout,
		result:  make(chan awaitResult, 1),
	}
}

// on registers a listener for one message code, filtered to this request's
// id at the given field index. idField < 0 skips the filter.
func (a *await) on(code, idField int, fn func(msg *Message)) {
	remove := a.conn.Listen(code, func(msg *Message) {
		if idField >= 0 && int32(msg.fieldInt(idField)) != a.reqID {
			return
		}
		fn(msg)
	})
	a.removals = append(a.removals, remove)
}

// onError wires the fatal-error path: any non-informational error frame
// carrying this request's id rejects the await. Informational codes never
// reach listeners (the connection swallows them).
func (a *await) onError() {
	a.on(inErrMsg, 1, func(msg *Message) {
		a.reject(decodeErrMsg(msg))
	})
}

// onCancel registers a broker-side cancellation issued before settling,
// for requests that open an implicit subscription.
func (a *await) onCancel(fn func()) {
	a.cancels = append(a.cancels, fn)
}

func (a *await) resolve(v any) {
	a.settle(awaitResult{value: v})
}

func (a *await) reject(err error) {
	a.settle(awaitResult{err: err})
}

func (a *await) settle(r awaitResult) {
	a.once.Do(func() {
		for _, remove := range a.removals {
			remove()
		}
		for _, cancel := range a.cancels {
			cancel()
		}
		a.result <- r
	})
}

// wait blocks until the request settles, times out, or the context ends.
// On timeout a best-effort payload is returned when configured, ErrTimeout
// otherwise.
func (a *await) wait(ctx context.Context) (any, error) {
	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case r := <-a.result:
		return r.value, r.err
	case <-timer.C:
		if a.bestEffort != nil {
			a.settle(awaitResult{value: a.bestEffort()})
		} else {
			a.settle(awaitResult{err: ErrTimeout})
		}
	case <-ctx.Done():
		a.settle(awaitResult{err: ctx.Err()})
	}

	// Whichever settle won the race is authoritative.
	r := <-a.result
	return r.value, r.err
}
