package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/tradebridge/internal/events"
)

const (
	clientBuffer = 100
	writeTimeout = 10 * time.Second
)

// EventStream fans bus events out to WebSocket clients. Every frame is one
// JSON-encoded events.Event carrying its bus sequence number, so clients can
// detect gaps after a reconnect and resync via REST.
type EventStream struct {
	bus     *events.Bus
	metrics *Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	ch      chan *events.Event
	types   map[events.EventType]bool // nil means all
	dropped int
}

// NewEventStream creates the stream and hooks it to the bus.
func NewEventStream(bus *events.Bus, metrics *Metrics, log zerolog.Logger) *EventStream {
	s := &EventStream{
		bus:     bus,
		metrics: metrics,
		log:     log.With().Str("component", "events_stream").Logger(),
		clients: make(map[*streamClient]struct{}),
	}
	if bus != nil {
		bus.SubscribeAll(s.broadcast)
	}
	return s
}

// broadcast runs on the publisher's goroutine; sends never block it.
func (s *EventStream) broadcast(event *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.types != nil && !c.types[event.Type] {
			continue
		}
		select {
		case c.ch <- event:
		default:
			c.dropped++
		}
	}
}

// ClientCount returns the number of connected stream clients.
func (s *EventStream) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// CloseAll disconnects every client (server shutdown).
func (s *EventStream) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		close(c.ch)
		delete(s.clients, c)
	}
}

// ServeHTTP upgrades GET /api/events/ws. An optional ?types=a,b,c query
// restricts the delivered event kinds.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := &streamClient{ch: make(chan *events.Event, clientBuffer)}
	if filter := r.URL.Query().Get("types"); filter != "" {
		client.types = make(map[events.EventType]bool)
		for _, t := range strings.Split(filter, ",") {
			client.types[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	s.register(client)
	defer s.unregister(client)

	s.log.Info().Int("clients", s.ClientCount()).Msg("Event stream client connected")

	// Read side only watches for the client going away.
	readCtx := conn.CloseRead(r.Context())

	for {
		select {
		case <-readCtx.Done():
			return
		case event, ok := <-client.ch:
			if !ok {
				return
			}
			if err := s.writeEvent(readCtx, conn, event); err != nil {
				s.log.Debug().Err(err).Msg("Event stream write failed, dropping client")
				return
			}
		}
	}
}

func (s *EventStream) writeEvent(ctx context.Context, conn *websocket.Conn, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *EventStream) register(c *streamClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.WSClientConnected()
	}
}

func (s *EventStream) unregister(c *streamClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		if c.dropped > 0 {
			s.log.Warn().Int("dropped", c.dropped).Msg("Slow event stream client dropped events")
		}
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.WSClientDisconnected()
	}
}
