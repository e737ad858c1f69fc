package video

import (
	"context"
	"errors"
	"sync"
)

// Command is an instruction for a remote media stack (the student's browser SDK).
type Command struct {
	Op          CommandOp `json:"op"`
	RoomURL     string    `json:"room_url,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Enabled     *bool     `json:"enabled,omitempty"`
}

type CommandOp string

const (
	OpJoin     CommandOp = "join"
	OpLeave    CommandOp = "leave"
	OpDestroy  CommandOp = "destroy"
	OpSetAudio CommandOp = "set_audio"
	OpSetVideo CommandOp = "set_video"
)

// CommandSink delivers commands to the media stack.
type CommandSink func(ctx context.Context, cmd Command) error

var ErrConnClosed = errors.New("video: connection destroyed")

// BusTransport is a message-passing Transport: commands go out through a sink and events come
// back through Dispatch. Only the most recent Conn receives events.
type BusTransport struct {
	sink CommandSink

	mu      sync.Mutex
	current *BusConn
}

func NewBusTransport(sink CommandSink) *BusTransport {
	return &BusTransport{sink: sink}
}

func (t *BusTransport) Join(ctx context.Context, roomURL, displayName string) (Conn, error) {
	conn := &BusConn{
		sink:   t.sink,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	prev := t.current
	t.current = conn
	t.mu.Unlock()
	if prev != nil {
		_ = prev.Destroy()
	}

	if err := t.sink(ctx, Command{Op: OpJoin, RoomURL: roomURL, DisplayName: displayName}); err != nil {
		t.mu.Lock()
		if t.current == conn {
			t.current = nil
		}
		t.mu.Unlock()
		conn.markDone()
		return nil, err
	}
	return conn, nil
}

// Dispatch routes an event reported by the media stack. It returns false when no live Conn
// accepted it.
func (t *BusTransport) Dispatch(ev Event) bool {
	t.mu.Lock()
	conn := t.current
	t.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.dispatch(ev)
}

// Close destroys the current Conn, if any.
func (t *BusTransport) Close() {
	t.mu.Lock()
	conn := t.current
	t.current = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Destroy()
	}
}

type BusConn struct {
	sink   CommandSink
	events chan Event

	once sync.Once
	done chan struct{}
}

func (c *BusConn) Events() <-chan Event { return c.events }

func (c *BusConn) Leave(ctx context.Context) error {
	if c.closed() {
		return ErrConnClosed
	}
	return c.sink(ctx, Command{Op: OpLeave})
}

func (c *BusConn) Destroy() error {
	first := false
	c.once.Do(func() {
		first = true
		close(c.done)
	})
	if !first {
		return nil
	}
	return c.sink(context.Background(), Command{Op: OpDestroy})
}

func (c *BusConn) SetLocalAudio(ctx context.Context, on bool) error {
	if c.closed() {
		return ErrConnClosed
	}
	return c.sink(ctx, Command{Op: OpSetAudio, Enabled: &on})
}

func (c *BusConn) SetLocalVideo(ctx context.Context, on bool) error {
	if c.closed() {
		return ErrConnClosed
	}
	return c.sink(ctx, Command{Op: OpSetVideo, Enabled: &on})
}

func (c *BusConn) markDone() {
	c.once.Do(func() { close(c.done) })
}

func (c *BusConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *BusConn) dispatch(ev Event) bool {
	if c.closed() {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}
