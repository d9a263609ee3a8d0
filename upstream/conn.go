package upstream

import (
	"context"
	"sync/atomic"
	"time"

	"node.town/babelfish/lang"
	"node.town/babelfish/soniox"
)

type State int32

const (
	Pending State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Key identifies one provider connection.
type Key struct {
	Session string
	Lang    lang.Language
}

func (k Key) String() string {
	return k.Session + "_" + string(k.Lang)
}

// Socket is the provider side of a connection.
type Socket interface {
	SendConfig(cfg soniox.Config) error
	SendAudio(frame []byte) error
	Read() ([]byte, error)
	Close() error
}

type DialFunc func(ctx context.Context) (Socket, error)

// SonioxDial adapts a soniox.Dialer to a DialFunc.
func SonioxDial(d *soniox.Dialer) DialFunc {
	return func(ctx context.Context) (Socket, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Conn is a handle to one provider connection. Its socket and buffer belong
// to the loop; State and LastActivity may be read from anywhere.
type Conn struct {
	key  Key
	code string

	state        atomic.Int32
	lastActivity atomic.Int64

	// loop only
	sock   Socket
	buffer [][]byte
}

func newConn(key Key, code string) *Conn {
	c := &Conn{key: key, code: code}
	c.state.Store(int32(Pending))
	c.touch()
	return c
}

func (c *Conn) Key() Key {
	return c.key
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}
