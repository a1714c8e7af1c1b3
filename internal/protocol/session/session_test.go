package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/abxfeed/internal/feedsim"
	"github.com/danmuck/abxfeed/internal/protocol"
	"github.com/danmuck/abxfeed/internal/protocol/gap"
	"github.com/danmuck/abxfeed/internal/protocol/wire"
	"github.com/danmuck/abxfeed/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(addr string) Config {
	return Config{
		Address:     addr,
		Connect:     RetryPolicy{MaxAttempts: 3},
		Retry:       RetryPolicy{MaxAttempts: 3},
		ReadTimeout: 5 * time.Second,
	}
}

func startFeed(t *testing.T, packets []wire.Packet, opts feedsim.Options) *feedsim.Server {
	t.Helper()
	srv := feedsim.New(packets, opts)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func sequences(packets []wire.Packet) []int32 {
	out := make([]int32, len(packets))
	for i, p := range packets {
		out[i] = p.Sequence
	}
	return out
}

func resendTargets(reqs []wire.Request) []int32 {
	var out []int32
	for _, r := range reqs {
		if r.Type == wire.Resend {
			out = append(out, r.Sequence)
		}
	}
	return out
}

func countStreams(reqs []wire.Request) int {
	n := 0
	for _, r := range reqs {
		if r.Type == wire.StreamAll {
			n++
		}
	}
	return n
}

type countingDialer struct {
	mu    sync.Mutex
	calls int
	fail  int
	next  Dialer
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	if d.next == nil || n <= d.fail {
		return nil, errors.New("connection refused")
	}
	return d.next.DialContext(ctx, network, address)
}

type pipeDialer struct {
	serve func(net.Conn)
}

func (d pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	client, server := net.Pipe()
	go d.serve(server)
	return client, nil
}

type phaseRecorder struct {
	NopObserver
	phases   []Phase
	records  int
	discards int
	resends  []int32
	dials    int
}

func (r *phaseRecorder) OnPhase(p Phase)          { r.phases = append(r.phases, p) }
func (r *phaseRecorder) OnRecord(wire.Packet)     { r.records++ }
func (r *phaseRecorder) OnDiscard(error)          { r.discards++ }
func (r *phaseRecorder) OnResend(seq int32)       { r.resends = append(r.resends, seq) }
func (r *phaseRecorder) OnConnectAttempt(_ error) { r.dials++ }

func TestNextBackoffDelayFixed(t *testing.T) {
	testlog.Start(t)
	p := DefaultConfig().Connect
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 2*time.Second, NextBackoffDelay(p, attempt, nil), "attempt=%d", attempt)
	}
	assert.Zero(t, NextBackoffDelay(RetryPolicy{}, 3, nil))
}

func TestNextBackoffDelayExponentialCapped(t *testing.T) {
	testlog.Start(t)
	p := RetryPolicy{Delay: 250 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second}
	assert.Equal(t, 250*time.Millisecond, NextBackoffDelay(p, 1, nil))
	assert.Equal(t, 500*time.Millisecond, NextBackoffDelay(p, 2, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(p, 3, nil))
	assert.Equal(t, 5*time.Second, NextBackoffDelay(p, 8, nil))

	p.Jitter = true
	got := NextBackoffDelay(p, 1, rand.New(rand.NewSource(7)))
	assert.GreaterOrEqual(t, got, 125*time.Millisecond)
	assert.LessOrEqual(t, got, 375*time.Millisecond)
}

func TestWithDefaultsKeepsZeroDelay(t *testing.T) {
	testlog.Start(t)
	cfg := Config{Connect: RetryPolicy{MaxAttempts: 2}}.WithDefaults()
	assert.Equal(t, 2, cfg.Connect.MaxAttempts)
	assert.Zero(t, cfg.Connect.Delay)
	assert.Equal(t, DefaultSessionAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, "localhost:3000", cfg.Address)
	assert.NotNil(t, cfg.Observer)
}

func TestValidateClientTransport(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	require.NoError(t, cfg.ValidateClientTransport())

	cfg.Address = ""
	assert.ErrorIs(t, cfg.ValidateClientTransport(), ErrAddressRequired)

	cfg.Address = "no-port"
	assert.Error(t, cfg.ValidateClientTransport())

	cfg.Address = "feed.example:3000"
	cfg.TLS.Enabled = true
	assert.ErrorIs(t, cfg.ValidateClientTransport(), ErrTLSCAFileRequired)

	cfg.TLS.InsecureSkipVerify = true
	assert.NoError(t, cfg.ValidateClientTransport())
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	c := NewConn(testConfig("127.0.0.1:1"))
	assert.Equal(t, StateDisconnected, c.State())
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	srv := startFeed(t, feedsim.Synthetic(3, 1), feedsim.Options{})
	conn, err := Dial(context.Background(), testConfig(srv.Addr()))
	require.NoError(t, err)
	assert.Equal(t, StateConnected, conn.State())
	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())
	assert.False(t, conn.Live())

	var te *TransportError
	assert.ErrorAs(t, conn.Send(wire.StreamAllRequest()), &te)
	assert.ErrorIs(t, conn.Send(wire.StreamAllRequest()), ErrNotConnected)
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	d := &countingDialer{}
	cfg := testConfig("feed.invalid:3000")
	cfg.Connect = RetryPolicy{MaxAttempts: 5}
	cfg.Dialer = d

	_, err := Dial(context.Background(), cfg)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 5, ce.Attempts)
	assert.Equal(t, 5, d.calls)
}

func TestConnectRecoversWithinBudget(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(2, 1), feedsim.Options{})
	d := &countingDialer{fail: 2, next: &net.Dialer{}}
	cfg := testConfig(srv.Addr())
	cfg.Connect = RetryPolicy{MaxAttempts: 5}
	cfg.Dialer = d

	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 3, d.calls)
}

func TestConnectHonorsContextDuringBackoff(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("feed.invalid:3000")
	cfg.Connect = RetryPolicy{MaxAttempts: 5, Delay: time.Hour}
	cfg.Dialer = &countingDialer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, cfg)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Attempts)
}

func TestReceiveAssemblesSplitRecord(t *testing.T) {
	testlog.Start(t)
	want := wire.Packet{Symbol: "MSFT", Side: wire.SideBuy, Quantity: 50, Price: 100, Sequence: 1}
	rec := wire.EncodePacket(want)
	cfg := testConfig("pipe:0")
	cfg.Dialer = pipeDialer{serve: func(c net.Conn) {
		_, _ = c.Write(rec[:4])
		_, _ = c.Write(rec[4:])
		_ = c.Close()
	}}

	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	got, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, StateDraining, conn.State())

	_, err = conn.Receive()
	assert.ErrorIs(t, err, protocol.ErrEndOfStream)
	assert.Equal(t, StateClosed, conn.State())
	assert.NoError(t, conn.Close())
}

func TestReceiveShortRecordIsFramingError(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("pipe:0")
	cfg.Dialer = pipeDialer{serve: func(c net.Conn) {
		_, _ = c.Write([]byte{'M', 'S', 'F'})
		_ = c.Close()
	}}
	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)

	_, err = conn.Receive()
	var fe *FramingError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Got)
	assert.True(t, IsRecordError(err))
	assert.False(t, conn.Live())
}

func TestReceiveTimeoutIsTransportError(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("pipe:0")
	cfg.ReadTimeout = 20 * time.Millisecond
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	cfg.Dialer = pipeDialer{serve: func(c net.Conn) {
		<-done
		_ = c.Close()
	}}
	conn, err := Dial(context.Background(), cfg)
	require.NoError(t, err)

	_, err = conn.Receive()
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateBroken, conn.State())
	assert.NoError(t, conn.Close())
}

func TestRunRepairsGaps(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(10, 1), feedsim.Options{Drop: []int32{3, 7, 8}})
	rec := &phaseRecorder{}
	cfg := testConfig(srv.Addr())
	cfg.Observer = rec
	client, err := NewClient(cfg)
	require.NoError(t, err)

	res, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, sequences(res.Packets))
	assert.Equal(t, feedsim.Synthetic(10, 1), res.Packets)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 7, res.Streamed)
	assert.Equal(t, 3, res.Gaps)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, []int32{3, 7, 8}, resendTargets(srv.Requests()))
	assert.Equal(t, []Phase{PhaseIdle, PhaseStreaming, PhaseResolving, PhaseRepairing, PhaseDone}, rec.phases)
	assert.Equal(t, 10, rec.records)
}

func TestRunMergesSingleRepair(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(5, 1), feedsim.Options{Drop: []int32{3}})
	client, err := NewClient(testConfig(srv.Addr()))
	require.NoError(t, err)

	res, err := client.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Packets, 5)
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, sequences(res.Packets))
	assert.True(t, gap.Complete(res.Packets))
}

func TestRunResendsSequencesAbove255(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(6, 1000), feedsim.Options{Drop: []int32{1002, 1003}})
	client, err := NewClient(testConfig(srv.Addr()))
	require.NoError(t, err)

	res, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int32{1000, 1001, 1002, 1003, 1004, 1005}, sequences(res.Packets))
	assert.Equal(t, []int32{1002, 1003}, resendTargets(srv.Requests()))
}

func TestRunNegativeSequences(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(5, -2), feedsim.Options{Drop: []int32{0}})
	client, err := NewClient(testConfig(srv.Addr()))
	require.NoError(t, err)

	res, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int32{-2, -1, 0, 1, 2}, sequences(res.Packets))
}

func TestRunServerClosesAfterEachResend(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(8, 1), feedsim.Options{
		Drop:             []int32{2, 4, 6},
		CloseAfterResend: true,
	})
	rec := &phaseRecorder{}
	cfg := testConfig(srv.Addr())
	cfg.Observer = rec
	client, err := NewClient(cfg)
	require.NoError(t, err)

	res, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Packets, 8)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 3, res.Resends)
	assert.Equal(t, []int32{2, 4, 6}, rec.resends)
	assert.Equal(t, []int32{2, 4, 6}, resendTargets(srv.Requests()))
	// stream, then one fresh dial per resend: 2 after the stream closed, 4 and
	// 6 replayed after their reused connection turned out closed.
	assert.Equal(t, 4, rec.dials)
}

func TestRunUnansweredResendOnFreshConnectionFails(t *testing.T) {
	testlog.Start(t)
	// 999 is unknown to the feed, so it closes without answering.
	srv := startFeed(t, feedsim.Synthetic(5, 1), feedsim.Options{
		Drop:         []int32{3},
		ResendAnswer: map[int32]int32{3: 999},
	})
	rec := &phaseRecorder{}
	cfg := testConfig(srv.Addr())
	cfg.Observer = rec
	client, err := NewClient(cfg)
	require.NoError(t, err)

	_, err = client.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResendUnanswered)
	var ae *AbortedError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 3, ae.Attempts)
	// one request per attempt: no replay after a fresh dial
	assert.Equal(t, []int32{3, 3, 3}, resendTargets(srv.Requests()))
	assert.Equal(t, []int32{3, 3, 3}, rec.resends)
	assert.Equal(t, 3, countStreams(srv.Requests()))
}

func TestRunRejectsSnapshotBeyondGapLimit(t *testing.T) {
	testlog.Start(t)
	packets := []wire.Packet{
		{Symbol: "MSFT", Side: wire.SideBuy, Quantity: 1, Price: 1, Sequence: 0},
		{Symbol: "MSFT", Side: wire.SideSell, Quantity: 1, Price: 1, Sequence: math.MaxInt32},
	}
	srv := startFeed(t, packets, feedsim.Options{})
	client, err := NewClient(testConfig(srv.Addr()))
	require.NoError(t, err)

	_, err = client.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyGaps)
	var gle *GapLimitError
	require.ErrorAs(t, err, &gle)
	assert.Equal(t, int64(math.MaxInt32-1), gle.Missing)
	assert.Equal(t, DefaultMaxGaps, gle.Limit)
	assert.Empty(t, resendTargets(srv.Requests()))
}

func TestRunRepairsWithinGapLimit(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(6, 1), feedsim.Options{Drop: []int32{2, 3, 4}})
	cfg := testConfig(srv.Addr())
	cfg.MaxGaps = 3
	client, err := NewClient(cfg)
	require.NoError(t, err)
	res, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Packets, 6)

	cfg.MaxGaps = 2
	client, err = NewClient(cfg)
	require.NoError(t, err)
	_, err = client.Run(context.Background())
	var gle *GapLimitError
	require.ErrorAs(t, err, &gle)
	assert.Equal(t, int64(3), gle.Missing)
}

func TestRunToleratesSplitWritesAndTrailingPartial(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(6, 1), feedsim.Options{
		Drop:            []int32{4},
		SplitWrites:     true,
		TrailingPartial: true,
	})
	rec := &phaseRecorder{}
	cfg := testConfig(srv.Addr())
	cfg.Observer = rec
	client, err := NewClient(cfg)
	require.NoError(t, err)

	res, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Packets, 6)
	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, 1, rec.discards)
}

func TestRunRetriesFromScratchAfterReset(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(40, 1), feedsim.Options{
		Drop:         []int32{5},
		ResetStreams: 1,
	})
	rec := &phaseRecorder{}
	cfg := testConfig(srv.Addr())
	cfg.Observer = rec
	client, err := NewClient(cfg)
	require.NoError(t, err)

	res, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, res.Packets, 40)
	assert.Equal(t, 2, countStreams(srv.Requests()))
	assert.Contains(t, rec.phases, PhaseFailed)
	assert.Equal(t, PhaseDone, rec.phases[len(rec.phases)-1])
}

func TestRunAbortsAfterRetryBudget(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(40, 1), feedsim.Options{ResetStreams: 100})
	rec := &phaseRecorder{}
	cfg := testConfig(srv.Addr())
	cfg.Observer = rec
	client, err := NewClient(cfg)
	require.NoError(t, err)

	_, err = client.Run(context.Background())
	var ae *AbortedError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 3, ae.Attempts)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, 3, countStreams(srv.Requests()))
	assert.Equal(t, PhaseAborted, rec.phases[len(rec.phases)-1])
}

func TestRunConnectFailureIsFatal(t *testing.T) {
	testlog.Start(t)
	d := &countingDialer{}
	cfg := testConfig(closedAddr(t))
	cfg.Connect = RetryPolicy{MaxAttempts: 4}
	cfg.Dialer = d
	client, err := NewClient(cfg)
	require.NoError(t, err)

	_, err = client.Run(context.Background())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	var ae *AbortedError
	assert.False(t, errors.As(err, &ae))
	assert.Equal(t, 4, d.calls)
}

func TestRunFailsWhenRepairLeavesGap(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(5, 1), feedsim.Options{
		Drop:         []int32{3},
		ResendAnswer: map[int32]int32{3: 4},
	})
	client, err := NewClient(testConfig(srv.Addr()))
	require.NoError(t, err)

	_, err = client.Run(context.Background())
	assert.ErrorIs(t, err, ErrIncompleteRepair)
	var ae *AbortedError
	assert.ErrorAs(t, err, &ae)
}

func TestRunEmptySnapshot(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, nil, feedsim.Options{})
	client, err := NewClient(testConfig(srv.Addr()))
	require.NoError(t, err)

	res, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Packets)
	assert.Zero(t, res.Gaps)
}

func TestRunPacesResends(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(6, 1), feedsim.Options{Drop: []int32{2, 3, 4}})
	cfg := testConfig(srv.Addr())
	cfg.ResendRate = 20
	client, err := NewClient(cfg)
	require.NoError(t, err)

	start := time.Now()
	res, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, sequences(res.Packets))
	// burst of one: the second and third resend each wait ~50ms
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestRunPacedResendHonorsContext(t *testing.T) {
	testlog.Start(t)
	srv := startFeed(t, feedsim.Synthetic(4, 1), feedsim.Options{Drop: []int32{2, 3}})
	cfg := testConfig(srv.Addr())
	cfg.ResendRate = 0.01
	client, err := NewClient(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = client.Run(ctx)
	require.Error(t, err)
}
