/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package transport carries SIP signaling over a WebSocket connection
// (RFC 7118): one SIP message per text frame, subprotocol "sip".
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tejzpr/sipua-go-sdk/sipsdk"
)

// ErrNotConnected is returned by Send when no connection is open.
var ErrNotConnected = errors.New("transport: not connected")

// Config holds the configuration for the WebSocket transport
type Config struct {
	HandshakeTimeout time.Duration // Maximum time for the opening handshake
	PingInterval     time.Duration // Interval between ping control frames
	PongTimeout      time.Duration // Read deadline armed after each ping
	WriteTimeout     time.Duration // Deadline for a single frame write
	Subprotocol      string        // WebSocket subprotocol requested from the gateway
	RequireSecure    bool          // Host runs in a secure context, so only wss:// is accepted
	Header           http.Header   // Extra headers sent with the handshake
	Logger           sipsdk.Logger
}

// DefaultConfig returns the default configuration for the transport
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		Subprotocol:      "sip",
	}
}

// ValidateURL checks that raw is a ws:// or wss:// URL. When secureContext is
// true only wss:// is accepted, mirroring a page served over https.
func ValidateURL(raw string, secureContext bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid WebSocket URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid WebSocket URL %q: missing host", raw)
	}
	switch u.Scheme {
	case "wss":
		return nil
	case "ws":
		if secureContext {
			return fmt.Errorf("insecure WebSocket URL %q: wss is required in a secure context", raw)
		}
		return nil
	default:
		return fmt.Errorf("invalid WebSocket URL %q: scheme must be ws or wss", raw)
	}
}

// link is one open WebSocket connection and the goroutines serving it.
type link struct {
	conn      *websocket.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func (l *link) shutdown() {
	l.closeOnce.Do(func() { close(l.closeCh) })
}

func (l *link) closing() bool {
	select {
	case <-l.closeCh:
		return true
	default:
		return false
	}
}

// Client is a SIP WebSocket transport. It may be reconnected after a closure
// by calling Connect again.
type Client struct {
	url    string
	config *Config
	logger sipsdk.Logger
	dialer websocket.Dialer

	mu        sync.Mutex
	link      *link
	onMessage func([]byte)
	onClose   func(error)
}

// New creates a transport for the given gateway URL.
func New(wsURL string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := ValidateURL(wsURL, config.RequireSecure); err != nil {
		return nil, err
	}
	subprotocol := config.Subprotocol
	if subprotocol == "" {
		subprotocol = "sip"
	}

	return &Client{
		url:    wsURL,
		config: config,
		logger: sipsdk.LoggerOrDefault(config.Logger),
		dialer: websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
			Subprotocols:     []string{subprotocol},
			Proxy:            http.ProxyFromEnvironment,
		},
	}, nil
}

// URL returns the gateway URL.
func (c *Client) URL() string {
	return c.url
}

// OnMessage sets the handler for inbound frames. Frames are delivered one at
// a time in arrival order from a single reader goroutine.
func (c *Client) OnMessage(handler func([]byte)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

// OnClose sets the handler invoked once when an open connection is lost
// without a call to Close.
func (c *Client) OnClose(handler func(error)) {
	c.mu.Lock()
	c.onClose = handler
	c.mu.Unlock()
}

// IsConnected returns whether a connection is currently open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Connect opens the WebSocket connection. It returns nil when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.link != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.config.Header)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	if proto := conn.Subprotocol(); proto != c.dialer.Subprotocols[0] {
		c.logger.Printf("transport: gateway negotiated subprotocol %q, expected %q", proto, c.dialer.Subprotocols[0])
	}

	l := &link{conn: conn, closeCh: make(chan struct{})}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	c.mu.Lock()
	if c.link != nil {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.link = l
	c.mu.Unlock()

	go c.listen(l)
	if c.config.PingInterval > 0 {
		go c.keepalive(l)
	}
	c.logger.Printf("transport: connected to %s", c.url)
	return nil
}

// Send writes one SIP message as a text frame. Writes are serialized.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("transport: write failed: %w", err)
	}
	return nil
}

// Close closes the connection. The OnClose handler is not invoked.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()
	if l == nil {
		return nil
	}

	l.shutdown()
	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return l.conn.Close()
}

// listen reads frames from the connection until it fails or is closed
func (c *Client) listen(l *link) {
	for {
		msgType, message, err := l.conn.ReadMessage()
		if err != nil {
			c.handleConnectionError(l, err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		c.mu.Lock()
		handler := c.onMessage
		c.mu.Unlock()
		if handler != nil {
			handler(message)
		}
	}
}

// handleConnectionError tears down a link that failed underneath us and
// reports it unless Close was called.
func (c *Client) handleConnectionError(l *link, err error) {
	if l.closing() {
		return
	}
	l.shutdown()
	_ = l.conn.Close()

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	handler := c.onClose
	c.mu.Unlock()

	c.logger.Printf("transport: connection lost: %v", err)
	if handler != nil {
		handler(err)
	}
}

// keepalive sends ping control frames and arms a read deadline for the pong
func (c *Client) keepalive(l *link) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ping(l); err != nil {
				// Closing the socket unblocks the reader, which reports the loss.
				_ = l.conn.Close()
				return
			}
		case <-l.closeCh:
			return
		}
	}
}

func (c *Client) ping(l *link) error {
	if c.config.PongTimeout > 0 {
		if err := l.conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout)); err != nil {
			return err
		}
	}
	data := []byte(fmt.Sprintf("%d", time.Now().UnixMilli()))
	return l.conn.WriteControl(websocket.PingMessage, data, time.Now().Add(c.config.PongTimeout+time.Second))
}
