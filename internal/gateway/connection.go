package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
	maxReadBytes = 64 << 10
)

var (
	ErrConnectionClosed = errors.New("gateway: connection closed")
	ErrWriteTimeout     = errors.New("gateway: write timeout")
)

// Connection serializes all writes through one goroutine; gorilla/websocket allows a single
// concurrent writer only.
type Connection struct {
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	userID    string
	studentID string
}

func NewConnection(ws *websocket.Conn, userID, studentID string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		userID:    userID,
		studentID: studentID,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) UserID() string    { return c.userID }
func (c *Connection) StudentID() string { return c.studentID }

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) WriteJSON(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case c.send <- data:
		return nil
	case <-t.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// prepareRead installs the read limit and the pong handler that extends the read deadline.
func (c *Connection) prepareRead() error {
	c.ws.SetReadLimit(maxReadBytes)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return nil
}

func (c *Connection) readMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return data, nil
}

func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.ws.Close()
	})
	return err
}
