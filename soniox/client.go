package soniox

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	PingInterval = 30 * time.Second
	PongTimeout  = 60 * time.Second
)

type Dialer struct {
	URL    string
	Dialer *websocket.Dialer
	Logger *log.Logger
}

func NewDialer(url string, logger *log.Logger) *Dialer {
	if url == "" {
		url = DefaultURL
	}
	return &Dialer{
		URL:    url,
		Dialer: websocket.DefaultDialer,
		Logger: logger,
	}
}

// Dial performs the websocket handshake. The returned Conn pings the server
// until it is closed.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	ws, _, err := d.Dialer.DialContext(ctx, d.URL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	c := &Conn{
		ws:     ws,
		done:   make(chan struct{}),
		logger: d.Logger,
	}
	go c.keepAlive()
	return c, nil
}

// Conn is one provider websocket. Writes must come from a single goroutine;
// Read must come from a single (other) goroutine.
type Conn struct {
	ws        *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	logger    *log.Logger
}

func (c *Conn) keepAlive() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.ws.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(PongTimeout),
			)
			if err != nil {
				c.logger.Error("failed to send ping", "error", err)
				return
			}
		}
	}
}

func (c *Conn) SendConfig(cfg Config) error {
	if err := c.ws.WriteJSON(cfg); err != nil {
		return fmt.Errorf("failed to send config: %w", err)
	}
	return nil
}

func (c *Conn) SendAudio(frame []byte) error {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

// Read blocks for the next text message from the provider.
func (c *Conn) Read() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

// IsNormalClose reports whether err is an orderly close from the provider.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
