package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/abxfeed/internal/protocol"
	"github.com/danmuck/abxfeed/internal/protocol/gap"
	"github.com/danmuck/abxfeed/internal/protocol/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Result is the outcome of one successful session.
type Result struct {
	// Packets is sequence-unique and ascending with no gaps in its span.
	Packets   []wire.Packet
	SessionID string
	Attempts  int
	Streamed  int
	Gaps      int
	Resends   int
	Discarded int
}

// Client runs snapshot sessions against one feed address.
type Client struct {
	cfg Config
	log zerolog.Logger
	obs Observer
	rng *rand.Rand
	// pace is nil when resends are not rate limited.
	pace *rate.Limiter
}

func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	c := &Client{
		cfg: cfg,
		log: logger,
		obs: cfg.Observer,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.ResendRate > 0 {
		c.pace = rate.NewLimiter(rate.Limit(cfg.ResendRate), 1)
	}
	return c, nil
}

// Run drives Idle -> Streaming -> Resolving -> Repairing -> Done. A failed
// attempt discards everything it collected and starts over on a fresh
// connection, up to cfg.Retry.MaxAttempts. A *ConnectError ends Run at once.
func (c *Client) Run(ctx context.Context) (Result, error) {
	policy := c.cfg.Retry
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.log.Info().Int("attempt", attempt).Msg("retrying session")
			if err := sleepBackoff(ctx, NextBackoffDelay(policy, attempt-1, c.rng)); err != nil {
				return Result{Attempts: attempt - 1}, err
			}
		}

		res, err := c.runAttempt(ctx, attempt)
		if err == nil {
			c.phase(PhaseDone)
			return res, nil
		}

		var connectErr *ConnectError
		if errors.As(err, &connectErr) {
			c.phase(PhaseAborted)
			c.log.Error().Err(err).Int("attempt", attempt).Msg("feed unreachable")
			return Result{Attempts: attempt}, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.phase(PhaseAborted)
			return Result{Attempts: attempt}, ctxErr
		}

		c.phase(PhaseFailed)
		c.log.Error().Err(err).Int("attempt", attempt).Int("max_attempts", policy.MaxAttempts).Msg("session attempt failed")
		lastErr = err
	}

	c.phase(PhaseAborted)
	c.log.Error().Err(lastErr).Int("attempts", policy.MaxAttempts).Msg("max retries reached")
	return Result{Attempts: policy.MaxAttempts}, &AbortedError{Attempts: policy.MaxAttempts, Err: lastErr}
}

// attempt is the per-attempt accumulator. Nothing in it survives a failure.
type attempt struct {
	client *Client
	log    zerolog.Logger
	conn   *Conn
	acc    []wire.Packet
	res    Result
}

func (c *Client) runAttempt(ctx context.Context, n int) (Result, error) {
	id := uuid.NewString()
	a := &attempt{
		client: c,
		log:    c.log.With().Str("session_id", id).Int("attempt", n).Logger(),
		res:    Result{SessionID: id, Attempts: n},
	}
	defer a.close()

	c.phase(PhaseIdle)
	if err := a.dial(ctx); err != nil {
		return Result{}, err
	}

	c.phase(PhaseStreaming)
	if err := a.stream(); err != nil {
		return Result{}, err
	}

	c.phase(PhaseResolving)
	a.res.Streamed = len(a.acc)
	if n := gap.Count(a.acc); n > int64(c.cfg.MaxGaps) {
		return Result{}, &GapLimitError{Missing: n, Limit: c.cfg.MaxGaps}
	}
	missing := gap.Missing(a.acc)
	a.res.Gaps = len(missing)
	if lo, hi, ok := gap.Span(a.acc); ok {
		a.log.Info().Int("packets", len(a.acc)).Int32("min_seq", lo).Int32("max_seq", hi).Int("missing", len(missing)).Msg("snapshot received")
	} else {
		a.log.Info().Msg("snapshot empty")
	}

	c.phase(PhaseRepairing)
	for _, seq := range missing {
		if err := a.repair(ctx, seq); err != nil {
			return Result{}, err
		}
	}

	merged := gap.Merge(a.acc)
	if rest := gap.Count(merged); rest > 0 {
		return Result{}, &TransportError{
			Op:  "repair",
			Err: fmt.Errorf("%w: %d sequences", ErrIncompleteRepair, rest),
		}
	}
	a.res.Packets = merged
	a.log.Info().Int("packets", len(merged)).Int("resends", a.res.Resends).Int("discarded", a.res.Discarded).Msg("session complete")
	return a.res, nil
}

func (c *Client) phase(p Phase) {
	c.log.Debug().Stringer("phase", p).Msg("session phase")
	c.obs.OnPhase(p)
}

func (a *attempt) dial(ctx context.Context) error {
	a.close()
	conn, err := Dial(ctx, a.client.cfg)
	if err != nil {
		return err
	}
	a.conn = conn
	return nil
}

func (a *attempt) close() {
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

// stream sends stream-all and drains records until the server ends the
// stream. Record-level errors are logged and skipped.
func (a *attempt) stream() error {
	if err := a.conn.Send(wire.StreamAllRequest()); err != nil {
		return err
	}
	for {
		p, err := a.conn.Receive()
		switch {
		case err == nil:
			a.accept(p)
		case errors.Is(err, protocol.ErrEndOfStream):
			return nil
		case IsRecordError(err):
			a.discard(err)
			if !a.conn.Live() {
				return nil
			}
		default:
			return err
		}
	}
}

// repair requests one sequence. When the request goes out on a connection
// reused from an earlier resend and the server turns out to have closed it,
// the request is replayed once on a fresh connection. Any failure on a fresh
// connection fails the attempt.
func (a *attempt) repair(ctx context.Context, seq int32) error {
	if pace := a.client.pace; pace != nil {
		if err := pace.Wait(ctx); err != nil {
			return err
		}
	}
	a.res.Resends++
	a.client.obs.OnResend(seq)

	for {
		fresh := !a.conn.Live()
		if fresh {
			if err := a.dial(ctx); err != nil {
				return err
			}
		}

		p, err := a.request(seq)
		if err == nil {
			if p.Sequence != seq {
				a.log.Warn().Int32("requested", seq).Int32("received", p.Sequence).Msg("resend answered with another sequence")
			}
			a.accept(p)
			return nil
		}
		if fresh {
			if errors.Is(err, protocol.ErrEndOfStream) || IsRecordError(err) {
				return &TransportError{Op: "resend", Err: fmt.Errorf("%w: sequence %d: %v", ErrResendUnanswered, seq, err)}
			}
			return err
		}
		a.log.Info().Err(err).Int32("sequence", seq).Msg("reused connection closed by server, replaying resend")
		_ = a.conn.Close()
	}
}

// request sends one resend and reads its single record.
func (a *attempt) request(seq int32) (wire.Packet, error) {
	if err := a.conn.Send(wire.ResendRequest(seq)); err != nil {
		return wire.Packet{}, err
	}
	p, err := a.conn.Receive()
	if err != nil && IsRecordError(err) {
		a.discard(err)
	}
	return p, err
}

func (a *attempt) accept(p wire.Packet) {
	if !p.Side.Known() {
		a.log.Debug().Int32("sequence", p.Sequence).Stringer("side", p.Side).Msg("unrecognized side indicator")
	}
	a.acc = append(a.acc, p)
	a.client.obs.OnRecord(p)
}

func (a *attempt) discard(err error) {
	a.res.Discarded++
	a.log.Warn().Err(err).Msg("incomplete packet discarded")
	a.client.obs.OnDiscard(err)
}
