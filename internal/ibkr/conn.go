package ibkr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNotConnected = errors.New("ibkr: not connected")
	ErrTimeout      = errors.New("ibkr: request timed out")
)

const defaultReconnectDelay = 5 * time.Second

// Config holds gateway connection parameters.
type Config struct {
	Host     string
	Port     int
	ClientID int
}

// listenerFn receives every inbound frame with a matching code. Listeners
// run on the event-loop goroutine and must not block.
type listenerFn func(msg *Message)

type listener struct {
	id int64
	fn listenerFn
}

// Conn is the process-wide gateway connection. It owns the single inbound
// event loop: every listener callback runs serialized on that loop.
type Conn struct {
	cfg            Config
	transport      Transport
	reconnectDelay time.Duration
	log            zerolog.Logger

	connected  atomic.Bool
	nextReqID  atomic.Int32
	listenerID atomic.Int64

	mu          sync.Mutex
	listeners   map[int][]listener
	onReconnect []func()

	done chan struct{}
	wg   sync.WaitGroup
}

// NewConn creates the gateway connection. Call Connect to establish the
// session.
func NewConn(cfg Config, transport Transport, log zerolog.Logger) *Conn {
	c := &Conn{
		cfg:            cfg,
		transport:      transport,
		reconnectDelay: defaultReconnectDelay,
		listeners:      make(map[int][]listener),
		log:            log.With().Str("component", "ibkr_conn").Logger(),
		done:           make(chan struct{}),
	}
	c.nextReqID.Store(1000)
	return c
}

// Connect dials the gateway and starts the event loop.
func (c *Conn) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	if err := c.transport.Dial(ctx, c.cfg.Host, c.cfg.Port, c.cfg.ClientID); err != nil {
		return err
	}
	c.connected.Store(true)

	c.wg.Add(1)
	go c.eventLoop(c.transport.Events())
	return nil
}

// Disconnect tears the session down and stops the event loop.
func (c *Conn) Disconnect() error {
	if !c.connected.Load() {
		return nil
	}
	c.connected.Store(false)
	close(c.done)
	err := c.transport.Close()
	c.wg.Wait()
	c.log.Info().Msg("Gateway disconnected")
	return err
}

// IsConnected reports the session state.
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

// NextReqID allocates a fresh correlation id. Every outbound request that
// expects a correlated reply takes one.
func (c *Conn) NextReqID() int32 {
	return c.nextReqID.Add(1)
}

// OnReconnect registers a callback fired after a successful reconnect,
// before buffered events start flowing. The subscription registry uses
// this to re-issue live subscriptions.
func (c *Conn) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Listen registers a listener for one inbound message code and returns a
// removal function. The removal function is idempotent.
func (c *Conn) Listen(code int, fn listenerFn) func() {
	id := c.listenerID.Add(1)
	c.mu.Lock()
	c.listeners[code] = append(c.listeners[code], listener{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ls := c.listeners[code]
		for i, l := range ls {
			if l.id == id {
				c.listeners[code] = append(ls[:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Send writes one outbound frame.
func (c *Conn) Send(code int, fields ...string) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.transport.Send(code, fields...)
}

// eventLoop serializes all inbound frames. When the transport channel
// closes unexpectedly, the loop attempts to reconnect and, on success,
// fires the reconnect callbacks and resumes on the fresh channel.
func (c *Conn) eventLoop(events <-chan *Message) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-events:
			if !ok {
				if !c.reconnect() {
					return
				}
				events = c.transport.Events()
				continue
			}
			c.dispatch(msg)
		}
	}
}

// dispatch routes one frame to its listeners. Informational error codes
// are swallowed here and never reach adapters.
func (c *Conn) dispatch(msg *Message) {
	if msg.Code == inErrMsg {
		e := decodeErrMsg(msg)
		if e.informational() {
			c.log.Debug().Int("code", e.Code).Str("text", e.Text).Msg("Gateway diagnostic")
			return
		}
	}

	c.mu.Lock()
	ls := make([]listener, len(c.listeners[msg.Code]))
	copy(ls, c.listeners[msg.Code])
	c.mu.Unlock()

	for _, l := range ls {
		l.fn(msg)
	}
}

// reconnect retries the dial until it succeeds or shutdown begins.
func (c *Conn) reconnect() bool {
	c.connected.Store(false)
	c.log.Warn().Msg("Gateway connection lost, reconnecting")

	for {
		select {
		case <-c.done:
			return false
		case <-time.After(c.reconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.transport.Dial(ctx, c.cfg.Host, c.cfg.Port, c.cfg.ClientID)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Msg("Reconnect attempt failed")
			continue
		}

		c.connected.Store(true)
		c.log.Info().Msg("Gateway reconnected")

		c.mu.Lock()
		callbacks := make([]func(), len(c.onReconnect))
		copy(callbacks, c.onReconnect)
		c.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
		return true
	}
}
