package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/carevue/teleconsult/internal/dns"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// Reconnection of the channel itself (not of the call): bounded
	// attempts with a capped delay.
	reconnectInitial  = time.Second
	reconnectMax      = 5 * time.Second
	reconnectAttempts = 5
)

// ErrNotConnected is returned for sends attempted while the transport is down.
var ErrNotConnected = errors.New("signaling channel not connected")

// Client manages the WebSocket connection to the signaling server, including
// reconnection of the connection itself. It knows nothing about the call
// protocol; Channel layers typed events on top.
type Client struct {
	serverURL string
	log       zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	header    http.Header
	connected bool
	closed    bool

	incoming     chan *Envelope
	outgoing     chan *Envelope
	done         chan struct{}
	incomingOnce sync.Once
}

// NewClient creates a new signaling client.
func NewClient(serverURL string, log zerolog.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		log:       log,
		incoming:  make(chan *Envelope, 32),
		outgoing:  make(chan *Envelope, 32),
		done:      make(chan struct{}),
	}
}

// Connect dials the server, presenting the token as a bearer credential in
// the handshake headers. The token never appears in a URL or a message body,
// and is never logged. No-op when already connected.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.header = http.Header{"Authorization": []string{"Bearer " + token}}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.attach(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitial
	bo.MaxInterval = reconnectMax
	bo.MaxElapsedTime = 0

	// Resolve through the fallback-capable lookup; TLS still verifies
	// against the URL's hostname.
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ip, err := dns.Lookup(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", host, err)
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
		},
	}

	var conn *websocket.Conn
	op := func() error {
		var err error
		conn, _, err = dialer.DialContext(ctx, c.serverURL, c.header)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, reconnectAttempts-1), ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	connDone := make(chan struct{})
	go c.readPump(conn, connDone)
	go c.writePump(conn, connDone)
}

// readPump reads envelopes from the current connection. When the connection
// drops without a deliberate Close, it hands off to reconnect.
func (c *Client) readPump(conn *websocket.Conn, connDone chan struct{}) {
	defer func() {
		close(connDone)
		conn.Close()
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			c.connected = false
			closed := c.closed
			c.mu.Unlock()

			if closed {
				c.closeIncoming()
				return
			}
			c.log.Warn().Err(err).Msg("signaling connection lost, reconnecting")
			go c.reconnect()
			return
		}

		select {
		case c.incoming <- &env:
		case <-c.done:
			c.closeIncoming()
			return
		}
	}
}

// writePump writes envelopes and periodic pings to the current connection.
func (c *Client) writePump(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			conn.Close()
			return

		case <-connDone:
			return
		}
	}
}

// reconnect re-dials after an unexpected drop. On permanent failure the
// incoming stream is closed so the owner learns the channel is gone.
func (c *Client) reconnect() {
	conn, err := c.dial(context.Background())
	if err != nil {
		c.log.Error().Err(err).Msg("signaling reconnect failed")
		c.closeIncoming()
		return
	}
	c.log.Info().Msg("signaling channel reconnected")
	c.attach(conn)
}

// Send queues an envelope for delivery. Fails with ErrNotConnected while the
// transport is down; it never blocks the caller on a dead connection.
func (c *Client) Send(env *Envelope) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	select {
	case c.outgoing <- env:
		return nil
	default:
		c.log.Warn().Str("event", env.Event).Msg("outgoing signaling buffer full, dropping")
		return ErrNotConnected
	}
}

// Incoming returns the stream of raw envelopes. It is closed when the
// connection is deliberately closed or permanently lost.
func (c *Client) Incoming() <-chan *Envelope {
	return c.incoming
}

// IsConnected reports transport liveness.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// Close closes the connection and stops both pumps. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn == nil {
		// Never attached; nothing will close the incoming stream for us.
		c.closeIncoming()
	}
}

func (c *Client) closeIncoming() {
	c.incomingOnce.Do(func() { close(c.incoming) })
}
