package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"node.town/babelfish/lang"
	"node.town/babelfish/langstore"
	"node.town/babelfish/metrics"
	"node.town/babelfish/soniox"
)

var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrClosed              = errors.New("upstream closed")
	ErrLoopStopped         = errors.New("event loop stopped")
	ErrSessionClosed       = errors.New("session closed")
)

const (
	DefaultConnectTimeout   = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultLoopBacklog      = 4096
	handleTimeout           = 5 * time.Second
	closedRetention         = 10 * time.Minute
)

// Handler consumes every message a provider connection receives.
type Handler interface {
	Handle(ctx context.Context, sessionID string, payload []byte) error
}

type Config struct {
	APIKey string
	Model  string

	// ConnectTimeout bounds how long a caller waits for a new connection
	// handle to exist.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the websocket handshake itself.
	HandshakeTimeout time.Duration
	// MaxBufferedFrames caps each pending connection's buffer. Zero means
	// unbounded; otherwise the oldest frame is dropped to make room.
	MaxBufferedFrames int
}

type session struct {
	mu     sync.Mutex
	closed bool
}

type Pool struct {
	cfg     Config
	loop    *Loop
	store   langstore.Store
	dial    DialFunc
	handler Handler
	logger  *log.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	conns    map[Key]*Conn
	sessions map[string]*session
	closed   map[string]time.Time
	lastSeen []lang.Language
	seen     bool

	bufferWarn rate.Sometimes
}

func NewPool(
	cfg Config,
	loop *Loop,
	store langstore.Store,
	dial DialFunc,
	handler Handler,
	logger *log.Logger,
	m *metrics.Metrics,
) *Pool {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Pool{
		cfg:        cfg,
		loop:       loop,
		store:      store,
		dial:       dial,
		handler:    handler,
		logger:     logger,
		metrics:    m,
		conns:      make(map[Key]*Conn),
		sessions:   make(map[string]*session),
		closed:     make(map[string]time.Time),
		bufferWarn: rate.Sometimes{Interval: time.Second},
	}
}

// lockSession serializes ensure, send, restart and close for one speaker
// session so a restart is atomic with respect to its audio. A closed session
// stays closed unless reopen is set.
func (p *Pool) lockSession(sessionID string, reopen bool) (*session, error) {
	for {
		p.mu.Lock()
		if _, gone := p.closed[sessionID]; gone {
			if !reopen {
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
			}
			delete(p.closed, sessionID)
		}
		s, ok := p.sessions[sessionID]
		if !ok {
			s = &session{}
			p.sessions[sessionID] = s
		}
		p.mu.Unlock()

		s.mu.Lock()
		if !s.closed {
			return s, nil
		}
		s.mu.Unlock()
	}
}

// Ensure makes sure one connection exists for every active language with a
// provider code and returns them, pending ones included. Connections for
// languages that are no longer active are left alone. Ensure reopens a
// closed session.
func (p *Pool) Ensure(ctx context.Context, sessionID string) (map[lang.Language]*Conn, error) {
	s, err := p.lockSession(sessionID, true)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return p.ensureLocked(ctx, sessionID)
}

func (p *Pool) ensureLocked(ctx context.Context, sessionID string) (map[lang.Language]*Conn, error) {
	langs := p.store.Fetch(ctx)

	p.mu.Lock()
	if !p.seen {
		p.lastSeen = langs
		p.seen = true
	}
	p.mu.Unlock()

	conns := make(map[lang.Language]*Conn, len(langs))
	var errs error

	for _, l := range langs {
		code, ok := l.Code()
		if !ok {
			p.logger.Debug("skip unmapped language", "lang", l)
			continue
		}

		key := Key{Session: sessionID, Lang: l}

		p.mu.Lock()
		c := p.conns[key]
		p.mu.Unlock()

		if c == nil {
			var err error
			c, err = p.create(ctx, key, code)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
		}
		conns[l] = c
	}

	return conns, errs
}

// create registers a pending connection on the loop and starts its
// handshake. It waits until the handle exists, never for the handshake.
func (p *Pool) create(ctx context.Context, key Key, code string) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	p.logger.Info("create", "session", key.Session, "lang", key.Lang)

	// 0 = waiting, 1 = claimed by the loop, 2 = abandoned by the caller
	var claim atomic.Int32
	created := make(chan *Conn, 1)

	posted := p.loop.Post(func() {
		if !claim.CompareAndSwap(0, 1) {
			return
		}
		c := newConn(key, code)

		p.mu.Lock()
		p.conns[key] = c
		p.mu.Unlock()
		p.metrics.ConnectionOpened()

		go p.handshake(c)
		created <- c
	})
	if !posted {
		p.metrics.CreateFailed()
		return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, key, ErrLoopStopped)
	}

	select {
	case c := <-created:
		return c, nil
	case <-ctx.Done():
		if claim.CompareAndSwap(0, 2) {
			p.metrics.CreateFailed()
			return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, key, ctx.Err())
		}
		// the loop got there first and is about to hand over the connection
		return <-created, nil
	}
}

func (p *Pool) handshake(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HandshakeTimeout)
	defer cancel()

	sock, err := p.dial(ctx)
	if err != nil {
		p.loop.Post(func() {
			p.metrics.CreateFailed()
			p.remove(c, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, c.key, err))
		})
		return
	}

	if !p.loop.Post(func() { p.open(c, sock) }) {
		sock.Close()
	}
}

// open runs on the loop once the handshake finished: it sends the
// configuration, flushes the buffer in arrival order and starts reading.
func (p *Pool) open(c *Conn, sock Socket) {
	if !p.registered(c) {
		sock.Close()
		return
	}

	c.sock = sock
	cfg := soniox.NewConfig(p.cfg.APIKey, p.cfg.Model, c.code)
	if err := sock.SendConfig(cfg); err != nil {
		p.remove(c, err)
		return
	}

	buffered := len(c.buffer)
	for _, frame := range c.buffer {
		if err := sock.SendAudio(frame); err != nil {
			p.remove(c, err)
			return
		}
	}
	c.buffer = nil
	c.setState(Open)
	c.touch()
	p.metrics.FrameForwarded(buffered)

	p.logger.Info("open", "session", c.key.Session, "lang", c.key.Lang, "flushed", buffered)

	go p.read(c, sock)
}

func (p *Pool) read(c *Conn, sock Socket) {
	for {
		data, err := sock.Read()
		if err != nil {
			p.loop.Post(func() {
				if c.State() == Closed {
					return
				}
				if soniox.IsNormalClose(err) {
					p.remove(c, ErrClosed)
				} else {
					p.remove(c, fmt.Errorf("%w: %w", ErrClosed, err))
				}
			})
			return
		}

		p.deliver(c, data)
	}
}

// deliver runs on the connection's reader goroutine, so a slow handler only
// holds up its own connection.
func (p *Pool) deliver(c *Conn, data []byte) {
	if !p.registered(c) {
		return
	}
	c.touch()

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if err := p.handler.Handle(ctx, c.key.Session, data); err != nil {
		p.metrics.ProtocolError()
		p.logger.Error("handle message", "session", c.key.Session, "lang", c.key.Lang, "error", err)
	}
}

// remove runs on the loop and forgets c after a remote close or an error.
// There is no reconnect; the next Ensure recreates it if still wanted.
func (p *Pool) remove(c *Conn, reason error) {
	if !p.unregister(c) {
		return
	}
	p.metrics.UpstreamClosed()
	p.discard(c)

	if errors.Is(reason, ErrClosed) && !errors.Is(reason, ErrUpstreamUnavailable) {
		p.logger.Info("closed", "session", c.key.Session, "lang", c.key.Lang, "reason", reason)
	} else {
		p.logger.Error("connection failed", "session", c.key.Session, "lang", c.key.Lang, "error", reason)
	}
}

// discard runs on the loop.
func (p *Pool) discard(c *Conn) {
	c.setState(Closed)
	c.buffer = nil
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
}

func (p *Pool) registered(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[c.key] == c
}

func (p *Pool) unregister(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[c.key] != c {
		return false
	}
	delete(p.conns, c.key)
	p.metrics.ConnectionRemoved()
	return true
}

// SendAudio forwards frame to every connection of the session, buffering it
// on connections that are not open yet. Each connection sees frames in the
// order SendAudio was called. Audio for a closed session is refused.
func (p *Pool) SendAudio(ctx context.Context, frame []byte, sessionID string) error {
	s, err := p.lockSession(sessionID, false)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	conns, err := p.ensureLocked(ctx, sessionID)

	for _, c := range conns {
		c := c
		if !p.loop.Post(func() { p.forward(c, frame) }) {
			err = multierr.Append(err, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, c.key, ErrLoopStopped))
		}
	}
	return err
}

// forward runs on the loop.
func (p *Pool) forward(c *Conn, frame []byte) {
	switch c.State() {
	case Open:
		if err := c.sock.SendAudio(frame); err != nil {
			p.remove(c, err)
			return
		}
		c.touch()
		p.metrics.FrameForwarded(1)

	case Pending:
		if limit := p.cfg.MaxBufferedFrames; limit > 0 && len(c.buffer) >= limit {
			c.buffer = c.buffer[1:]
			p.metrics.FrameDropped()
		}
		c.buffer = append(c.buffer, frame)
		p.metrics.FrameBuffered()

		p.bufferWarn.Do(func() {
			p.logger.Warn("buffering audio", "session", c.key.Session, "lang", c.key.Lang, "frames", len(c.buffer))
		})
	}
}

// Close drops every connection of the session along with its buffered
// audio. Restarts and audio for it are refused afterwards; only Ensure brings
// it back.
func (p *Pool) Close(sessionID string) {
	s, _ := p.lockSession(sessionID, true)
	p.closeLocked(sessionID)

	now := time.Now()
	p.mu.Lock()
	s.closed = true
	delete(p.sessions, sessionID)
	for id, at := range p.closed {
		if now.Sub(at) > closedRetention {
			delete(p.closed, id)
		}
	}
	p.closed[sessionID] = now
	p.mu.Unlock()
	s.mu.Unlock()
}

func (p *Pool) closeLocked(sessionID string) int {
	p.mu.Lock()
	var closing []*Conn
	for key, c := range p.conns {
		if key.Session == sessionID {
			closing = append(closing, c)
			delete(p.conns, key)
		}
	}
	p.mu.Unlock()

	if len(closing) == 0 {
		return 0
	}
	for range closing {
		p.metrics.ConnectionRemoved()
	}

	// frames queued before this point still reach the old sockets
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()
	err := p.loop.Do(ctx, func() {
		for _, c := range closing {
			p.discard(c)
		}
	})
	if err != nil {
		p.logger.Warn("close on loop", "session", sessionID, "error", err)
		for _, c := range closing {
			c.setState(Closed)
		}
	}

	p.logger.Info("close", "session", sessionID, "connections", len(closing))
	return len(closing)
}

// Restart closes every connection of the session and ensures a fresh set,
// so audio from the next frame on goes to the current active languages.
// Restarting a closed session does nothing.
func (p *Pool) Restart(ctx context.Context, sessionID string) error {
	s, err := p.lockSession(sessionID, false)
	if err != nil {
		p.logger.Debug("skip restart", "session", sessionID, "error", err)
		return nil
	}
	defer s.mu.Unlock()

	p.logger.Info("restart", "session", sessionID)
	p.closeLocked(sessionID)
	p.metrics.Restarted()

	_, err = p.ensureLocked(ctx, sessionID)
	return err
}

// Reconcile restarts every session holding connections when langs differs
// from the last set the pool saw. Repeating the same set does nothing.
func (p *Pool) Reconcile(ctx context.Context, langs []lang.Language) error {
	p.mu.Lock()
	if p.seen && lang.SameSet(p.lastSeen, langs) {
		p.mu.Unlock()
		return nil
	}
	p.lastSeen = append([]lang.Language(nil), langs...)
	p.seen = true

	affected := make(map[string]struct{})
	for key := range p.conns {
		affected[key.Session] = struct{}{}
	}
	p.mu.Unlock()

	if len(affected) == 0 {
		return nil
	}
	p.logger.Info("active languages changed", "langs", langs, "sessions", len(affected))

	var errs error
	for sessionID := range affected {
		errs = multierr.Append(errs, p.Restart(ctx, sessionID))
	}
	return errs
}

// Connections returns the registered connections of a session.
func (p *Pool) Connections(sessionID string) map[lang.Language]*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[lang.Language]*Conn)
	for key, c := range p.conns {
		if key.Session == sessionID {
			out[key.Lang] = c
		}
	}
	return out
}

// Buffered reports how many frames wait on a pending connection.
func (p *Pool) Buffered(ctx context.Context, key Key) (int, error) {
	n := 0
	err := p.loop.Do(ctx, func() {
		p.mu.Lock()
		c := p.conns[key]
		p.mu.Unlock()
		if c != nil {
			n = len(c.buffer)
		}
	})
	return n, err
}

// Shutdown closes every connection and stops the loop.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	sessions := make(map[string]struct{})
	for key := range p.conns {
		sessions[key.Session] = struct{}{}
	}
	p.mu.Unlock()

	for sessionID := range sessions {
		p.Close(sessionID)
	}

	// let the queued socket closes run before stopping
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()
	_ = p.loop.Do(ctx, func() {})
	p.loop.Stop()
}
