package session

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/abxfeed/internal/protocol"
	"github.com/danmuck/abxfeed/internal/protocol/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Conn owns the feed socket for one connection lifetime.
type Conn struct {
	cfg    Config
	dialer Dialer
	log    zerolog.Logger
	rng    *rand.Rand

	mu    sync.Mutex
	conn  net.Conn
	state State
}

// NewConn prepares a disconnected Conn. Close is valid before Connect.
func NewConn(cfg Config) *Conn {
	cfg = cfg.WithDefaults()
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var dialer Dialer = &net.Dialer{Timeout: cfg.ConnectTimeout}
	if cfg.Dialer != nil {
		dialer = cfg.Dialer
	}
	return &Conn{
		cfg:    cfg,
		dialer: dialer,
		log:    logger.With().Str("addr", cfg.Address).Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		state:  StateDisconnected,
	}
}

// Dial connects a new Conn, retrying per cfg.Connect.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	c := NewConn(cfg)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials until success or until cfg.Connect.MaxAttempts is spent, in
// which case it returns a *ConnectError.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.cfg.ValidateClientTransport(); err != nil {
		return &ConnectError{Address: c.cfg.Address, Attempts: 0, Err: err}
	}
	policy := c.cfg.Connect
	for attempt := 1; ; attempt++ {
		c.setState(StateConnecting)
		nc, err := c.dialOnce(ctx)
		c.cfg.Observer.OnConnectAttempt(err)
		if err == nil {
			c.mu.Lock()
			c.conn = nc
			c.state = StateConnected
			c.mu.Unlock()
			c.log.Info().Int("attempt", attempt).Msg("connection established")
			return nil
		}

		c.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", policy.MaxAttempts).Msg("connection attempt failed")
		if attempt >= policy.MaxAttempts || ctx.Err() != nil {
			c.setState(StateDisconnected)
			return &ConnectError{Address: c.cfg.Address, Attempts: attempt, Err: err}
		}
		if err := sleepBackoff(ctx, NextBackoffDelay(policy, attempt, c.rng)); err != nil {
			c.setState(StateDisconnected)
			return &ConnectError{Address: c.cfg.Address, Attempts: attempt, Err: err}
		}
	}
}

func (c *Conn) dialOnce(ctx context.Context) (net.Conn, error) {
	rawConn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.cfg.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// Send writes one encoded request.
func (c *Conn) Send(req wire.Request) error {
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return err
	}
	nc, err := c.live()
	if err != nil {
		return &TransportError{Op: "send " + req.Type.String(), Err: err}
	}
	_ = nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := nc.Write(payload); err != nil {
		c.fail(StateBroken)
		return &TransportError{Op: "send " + req.Type.String(), Err: err}
	}
	c.log.Debug().Stringer("type", req.Type).Int32("sequence", req.Sequence).Msg("request sent")
	return nil
}

// Receive blocks for exactly one record.
//
// It returns protocol.ErrEndOfStream when the peer closes cleanly between
// records, a *FramingError when the peer closes inside a record, a
// *wire.DecodeError for a malformed record, and a *TransportError otherwise.
// Only the last one means the connection failed.
func (c *Conn) Receive() (wire.Packet, error) {
	nc, err := c.live()
	if err != nil {
		return wire.Packet{}, &TransportError{Op: "receive", Err: err}
	}
	c.setState(StateDraining)
	_ = nc.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

	b, err := wire.ReadRecord(nc)
	switch {
	case err == nil:
		return wire.DecodePacket(b)
	case errors.Is(err, protocol.ErrEndOfStream):
		c.fail(StateClosed)
		return wire.Packet{}, protocol.ErrEndOfStream
	case errors.Is(err, protocol.ErrShortRecord):
		c.fail(StateClosed)
		return wire.Packet{}, &FramingError{Got: len(b)}
	default:
		c.fail(StateBroken)
		return wire.Packet{}, &TransportError{Op: "receive", Err: err}
	}
}

// Live reports whether requests can still be sent.
func (c *Conn) Live() bool {
	s := c.State()
	return s == StateConnected || s == StateDraining
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close releases the socket. It is idempotent and safe before Connect.
func (c *Conn) Close() error {
	c.mu.Lock()
	nc := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Warn().Err(err).Msg("connection close failed")
		return err
	}
	c.log.Info().Msg("connection closed")
	return nil
}

func (c *Conn) live() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || (c.state != StateConnected && c.state != StateDraining) {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// fail drops the socket after the peer went away or I/O broke.
func (c *Conn) fail(next State) {
	c.mu.Lock()
	nc := c.conn
	c.conn = nil
	c.state = next
	c.mu.Unlock()
	if nc != nil {
		_ = nc.Close()
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
