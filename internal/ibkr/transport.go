package ibkr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	handshakeVersionRange = "v100..151"
	handshakeTimeout      = 5 * time.Second
	startAPICode          = 71
)

// Transport carries framed messages to and from the gateway. The TCP
// implementation speaks the real wire protocol; tests substitute an
// in-memory fake.
type Transport interface {
	// Dial connects and completes the protocol handshake.
	Dial(ctx context.Context, host string, port, clientID int) error
	// Send writes one outbound frame.
	Send(code int, fields ...string) error
	// Events yields decoded inbound frames. The channel closes when the
	// connection drops.
	Events() <-chan *Message
	// Close tears down the connection.
	Close() error
}

// tcpTransport is the production Transport over a gateway socket.
type tcpTransport struct {
	mu     sync.Mutex
	conn   net.Conn
	events chan *Message
	done   chan struct{}
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewTCPTransport creates the production gateway transport.
func NewTCPTransport(log zerolog.Logger) Transport {
	return &tcpTransport{
		log: log.With().Str("component", "ibkr_transport").Logger(),
	}
}

func (t *tcpTransport) Dial(ctx context.Context, host string, port, clientID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	if err := t.handshake(conn, clientID); err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	t.conn = conn
	t.events = make(chan *Message, 256)
	t.done = make(chan struct{})

	t.wg.Add(1)
	go t.readLoop(conn, t.events, t.done)

	t.log.Info().Str("host", host).Int("port", port).Int("client_id", clientID).Msg("Gateway connected")
	return nil
}

// handshake sends the API prefix plus version range, reads the server
// banner, then starts the API session with our client id.
func (t *tcpTransport) handshake(conn net.Conn, clientID int) error {
	greeting := append([]byte("API\x00"), []byte(handshakeVersionRange+"\x00")...)
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	banner := make([]byte, 1024)
	n, err := conn.Read(banner)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("read banner: %w", err)
	}
	t.log.Debug().Str("banner", string(banner[:n])).Msg("Gateway banner")

	frame := encodeFrame(startAPICode, "2", strconv.Itoa(clientID))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write startAPI: %w", err)
	}
	return nil
}

func (t *tcpTransport) readLoop(conn net.Conn, events chan *Message, done chan struct{}) {
	defer t.wg.Done()
	defer close(events)

	r := bufio.NewReader(conn)
	header := make([]byte, 4)
	for {
		select {
		case <-done:
			return
		default:
		}

		if _, err := io.ReadFull(r, header); err != nil {
			t.log.Warn().Err(err).Msg("Gateway read failed")
			return
		}
		size := int(header[0])<<24 | int(header[1])<<16 | int(header[2])<<8 | int(header[3])
		if size <= 0 || size > 1<<20 {
			t.log.Error().Int("size", size).Msg("Bad frame length, dropping connection")
			return
		}

		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			t.log.Warn().Err(err).Msg("Gateway read failed mid-frame")
			return
		}

		msg := decodeFrame(body)
		if msg == nil {
			continue
		}
		select {
		case events <- msg:
		case <-done:
			return
		}
	}
}

// decodeFrame splits a frame body into code + fields. Returns nil for
// frames with no parsable code.
func decodeFrame(body []byte) *Message {
	parts := bytes.Split(bytes.TrimSuffix(body, []byte{0}), []byte{0})
	if len(parts) == 0 {
		return nil
	}
	code, err := strconv.Atoi(string(parts[0]))
	if err != nil {
		return nil
	}
	fields := make([]string, len(parts)-1)
	for i, p := range parts[1:] {
		fields[i] = string(p)
	}
	return &Message{Code: code, Fields: fields}
}

func (t *tcpTransport) Send(code int, fields ...string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.Write(encodeFrame(code, fields...))
	return err
}

func (t *tcpTransport) Events() <-chan *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	close(t.done)
	err := t.conn.Close()
	t.conn = nil
	t.wg.Wait()
	return err
}
