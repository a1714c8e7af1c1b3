// Package feedsim serves a scripted ABX feed over TCP. It backs the session
// tests and the `abxclient sim` command.
package feedsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/abxfeed/internal/protocol/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options inject the feed behaviors a client has to cope with.
type Options struct {
	// Drop omits these sequences from stream-all responses.
	Drop []int32
	// ResetStreams cuts the first N stream-all responses halfway with a reset.
	ResetStreams int
	// SplitWrites sends every record in two writes.
	SplitWrites bool
	// TrailingPartial appends half a record before closing a stream.
	TrailingPartial bool
	// CloseAfterResend closes the connection after every resend response.
	CloseAfterResend bool
	// ResendAnswer answers a resend for key with the packet for value.
	ResendAnswer map[int32]int32
	Logger       *zerolog.Logger
}

// Server is a minimal ABX exchange.
type Server struct {
	opts    Options
	log     zerolog.Logger
	bySeq   map[int32]wire.Packet
	ordered []wire.Packet
	drop    map[int32]struct{}

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	requests []wire.Request
	streams  int
	closed   bool
	wg       sync.WaitGroup
}

func New(packets []wire.Packet, opts Options) *Server {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	s := &Server{
		opts:  opts,
		log:   logger.With().Str("component", "feedsim").Logger(),
		bySeq: make(map[int32]wire.Packet, len(packets)),
		drop:  make(map[int32]struct{}, len(opts.Drop)),
		conns: make(map[net.Conn]struct{}),
	}
	for _, p := range packets {
		s.bySeq[p.Sequence] = p
	}
	for _, p := range s.bySeq {
		s.ordered = append(s.ordered, p)
	}
	slices.SortFunc(s.ordered, func(a, b wire.Packet) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	for _, seq := range opts.Drop {
		s.drop[seq] = struct{}{}
	}
	return s
}

// Listen binds addr and serves in the background until Close.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("feedsim: listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Int("packets", len(s.ordered)).Msg("feed listening")
	return nil
}

// Serve blocks until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Requests returns every request received so far, in arrival order.
func (s *Server) Requests() []wire.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.forget(conn)
			s.handle(conn)
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handle(conn net.Conn) {
	buf := make([]byte, wire.RequestLen)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		req, err := wire.DecodeRequest(buf)
		if err != nil {
			s.log.Warn().Err(err).Msg("bad request")
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		switch req.Type {
		case wire.StreamAll:
			s.stream(conn)
			return
		case wire.Resend:
			if !s.resend(conn, req.Sequence) || s.opts.CloseAfterResend {
				return
			}
		}
	}
}

func (s *Server) stream(conn net.Conn) {
	s.mu.Lock()
	s.streams++
	reset := s.streams <= s.opts.ResetStreams
	s.mu.Unlock()

	sent := 0
	for _, p := range s.ordered {
		if _, ok := s.drop[p.Sequence]; ok {
			continue
		}
		if reset && sent >= len(s.ordered)/2 {
			s.log.Info().Int("sent", sent).Msg("resetting stream")
			abort(conn)
			return
		}
		if err := s.writeRecord(conn, wire.EncodePacket(p)); err != nil {
			return
		}
		sent++
	}
	if s.opts.TrailingPartial {
		_, _ = conn.Write(make([]byte, wire.RecordLen/2))
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

func (s *Server) resend(conn net.Conn, seq int32) bool {
	answer := seq
	if alt, ok := s.opts.ResendAnswer[seq]; ok {
		answer = alt
	}
	p, ok := s.bySeq[answer]
	if !ok {
		s.log.Warn().Int32("sequence", seq).Msg("resend for unknown sequence")
		return false
	}
	return s.writeRecord(conn, wire.EncodePacket(p)) == nil
}

func (s *Server) writeRecord(conn net.Conn, rec []byte) error {
	if !s.opts.SplitWrites {
		_, err := conn.Write(rec)
		return err
	}
	if _, err := conn.Write(rec[:7]); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	_, err := conn.Write(rec[7:])
	return err
}

// abort closes with SO_LINGER 0 so the peer sees a reset, not an EOF.
func abort(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = conn.Close()
}

// Synthetic builds count packets with sequences first..first+count-1.
func Synthetic(count int, first int32) []wire.Packet {
	symbols := []string{"MSFT", "AAPL", "AMZN", "META"}
	out := make([]wire.Packet, 0, count)
	for i := 0; i < count; i++ {
		side := wire.SideBuy
		if i%2 == 1 {
			side = wire.SideSell
		}
		out = append(out, wire.Packet{
			Symbol:   symbols[i%len(symbols)],
			Side:     side,
			Quantity: int32(10 * (i + 1)),
			Price:    int32(100 + i),
			Sequence: first + int32(i),
		})
	}
	return out
}

// LoadPackets reads a JSON array of packets, the same shape the json sink writes.
func LoadPackets(path string) ([]wire.Packet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feedsim: read packets %s: %w", path, err)
	}
	var packets []wire.Packet
	if err := json.Unmarshal(raw, &packets); err != nil {
		return nil, fmt.Errorf("feedsim: parse packets %s: %w", path, err)
	}
	return packets, nil
}
