package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basketmesh/basketmesh/internal/metrics"
	"github.com/basketmesh/basketmesh/pkg/proto"
)

const (
	consoleIdleTimeout = 5 * time.Minute
	consoleMaxLine     = 64 * 1024
)

// ConsoleServer serves operators over TCP, one envelope per line. It accepts
// STATUS, DUMP, PURGE and NOP.
type ConsoleServer struct {
	addr    string
	repo    *Repository
	metrics *metrics.GatewayMetrics

	ln    net.Listener
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewConsoleServer creates a console server on addr.
func NewConsoleServer(addr string, repo *Repository, m *metrics.GatewayMetrics) *ConsoleServer {
	return &ConsoleServer{
		addr:    addr,
		repo:    repo,
		metrics: m,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the console socket.
func (s *ConsoleServer) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen console: %w", err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound console address.
func (s *ConsoleServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts sessions until ctx is cancelled, then closes every open
// session and waits for them.
func (s *ConsoleServer) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("console server is not listening")
	}
	log.Info().Str("addr", s.ln.Addr().String()).Msg("console started")

	stop := context.AfterFunc(ctx, func() {
		_ = s.ln.Close()
		s.closeSessions()
	})
	defer stop()

	var err error
	for {
		conn, aerr := s.ln.Accept()
		if aerr != nil {
			if ctx.Err() == nil && !errors.Is(aerr, net.ErrClosed) {
				err = fmt.Errorf("console accept: %w", aerr)
			}
			break
		}
		if !s.track(conn) {
			_ = conn.Close()
			break
		}
		s.wg.Add(1)
		go s.handleSession(conn)
	}

	s.wg.Wait()
	return err
}

// track registers a session; it refuses new sessions once shutting down.
func (s *ConsoleServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *ConsoleServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *ConsoleServer) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *ConsoleServer) handleSession(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.untrack(conn)
		_ = conn.Close()
	}()

	if s.metrics != nil {
		s.metrics.ConsoleSessions.Inc()
		defer s.metrics.ConsoleSessions.Dec()
	}
	remote := conn.RemoteAddr().String()
	log.Debug().Str("remote", remote).Msg("console session opened")

	r := bufio.NewReaderSize(conn, consoleMaxLine)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(consoleIdleTimeout))
		line, err := readLine(r)
		if errors.Is(err, errLineTooLong) {
			log.Warn().Str("remote", remote).Int("limit", consoleMaxLine).Msg("console line too long")
			if err := writeEnvelope(conn, s.repo.fail(proto.OpNop, proto.CodeInvalidArgument, err)); err != nil {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("remote", remote).Msg("console read error")
			}
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := s.serveLine(conn, remote, line); err != nil {
			log.Debug().Err(err).Str("remote", remote).Msg("console write error")
			return
		}
	}
}

func (s *ConsoleServer) serveLine(w io.Writer, remote string, line []byte) error {
	env, err := proto.ParseEnvelope(line)
	if err != nil {
		code := proto.CodeInvalidArgument
		if errors.Is(err, proto.ErrUnknownCommand) {
			code = proto.CodeUnknownCommand
		}
		op := env.Opcode
		if op == "" {
			op = proto.OpNop
		}
		return writeEnvelope(w, s.repo.fail(op, code, err))
	}

	switch env.Opcode {
	case proto.OpStatus, proto.OpNop:
		resp, _ := s.repo.Handle(TransportConsole, env)
		return writeEnvelope(w, resp)
	case proto.OpPurge:
		resp, _ := s.repo.Handle(TransportConsole, env)
		var res proto.PurgeResponse
		if resp.Err() == nil && resp.Decode(&res) == nil {
			s.repo.audit.LogPurge(TransportConsole, hostOf(remote), res.Purged)
		}
		return writeEnvelope(w, resp)
	case proto.OpDump:
		s.repo.countRequest(TransportConsole, env.Opcode)
		var req proto.DumpRequest
		if err := env.Decode(&req); err != nil {
			return writeEnvelope(w, s.repo.fail(env.Opcode, proto.CodeInvalidArgument, err))
		}
		s.repo.audit.LogExport(TransportConsole, "text", hostOf(remote), req.Peers)
		return s.repo.Dump(w, req.Peers...)
	default:
		err := fmt.Errorf("%s is not accepted on the console", env.Opcode)
		return writeEnvelope(w, s.repo.fail(env.Opcode, proto.CodeInvalidArgument, err))
	}
}

var errLineTooLong = fmt.Errorf("line exceeds %d bytes", consoleMaxLine)

// readLine returns the next line from r. A line longer than the reader's
// buffer is discarded up to its newline and reported as errLineTooLong. The
// returned slice is only valid until the next read.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		return line, err
	}
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = r.ReadSlice('\n')
	}
	if err != nil {
		return nil, err
	}
	return nil, errLineTooLong
}

// hostOf strips the port from a remote address.
func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func writeEnvelope(w io.Writer, env proto.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
