package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"

	"github.com/basketmesh/basketmesh/internal/config"
	"github.com/basketmesh/basketmesh/internal/metrics"
	"github.com/basketmesh/basketmesh/pkg/proto"
)

// PacketQueueSize is the buffer size for the packet processing queue.
const PacketQueueSize = 1024

// maxDatagramSize bounds a single UDP read.
const maxDatagramSize = 65535

// packetWork is a datagram waiting for a worker.
type packetWork struct {
	data   []byte
	from   net.Addr
	source string
}

// groupConn is a socket joined to the multicast group.
type groupConn struct {
	name string
	conn net.PacketConn
}

// UDPServer receives requests on the unicast port and peer announcements on
// the watchdog and learning multicast ports, and dispatches them to a fixed
// pool of workers.
type UDPServer struct {
	cfg     config.GatewayConfig
	repo    *Repository
	metrics *metrics.GatewayMetrics

	conn    net.PacketConn // unicast requests; also sends replies and forwards
	groups  []groupConn
	forward net.Addr // peer group for GET misses
	queue   chan packetWork
}

// NewUDPServer creates a UDP server. Call Listen then Serve.
func NewUDPServer(cfg config.GatewayConfig, repo *Repository, m *metrics.GatewayMetrics) *UDPServer {
	return &UDPServer{cfg: cfg, repo: repo, metrics: m}
}

// Listen binds every socket and joins the multicast group. A failed join is
// logged and the socket keeps receiving unicast traffic.
func (s *UDPServer) Listen(ctx context.Context) error {
	group := net.ParseIP(s.cfg.MulticastAddr)
	if group == nil || group.To4() == nil {
		return fmt.Errorf("invalid multicast address %q", s.cfg.MulticastAddr)
	}
	ifi, err := s.multicastInterface()
	if err != nil {
		return err
	}

	lc := net.ListenConfig{Control: setReuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(s.cfg.Listen, strconv.Itoa(s.cfg.UDPPort)))
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	if ifi != nil {
		if err := ipv4.NewPacketConn(conn).SetMulticastInterface(ifi); err != nil {
			log.Warn().Err(err).Str("interface", ifi.Name).Msg("failed to set multicast interface")
		}
	}
	s.conn = conn
	s.forward = &net.UDPAddr{IP: group, Port: s.cfg.PeerPort}

	ports := []struct {
		name string
		port int
	}{
		{"watchdog", s.cfg.WatchdogPort},
		{"learning", s.cfg.LearningPort},
	}
	for _, p := range ports {
		c, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(s.cfg.Listen, strconv.Itoa(p.port)))
		if err != nil {
			s.closeConns()
			return fmt.Errorf("listen %s: %w", p.name, err)
		}
		if err := ipv4.NewPacketConn(c).JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
			log.Warn().Err(err).
				Str("socket", p.name).
				Str("group", group.String()).
				Msg("multicast join failed, receiving unicast only")
		}
		s.groups = append(s.groups, groupConn{name: p.name, conn: c})
	}
	return nil
}

func (s *UDPServer) multicastInterface() (*net.Interface, error) {
	if s.cfg.MulticastIF == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(s.cfg.MulticastIF)
	if err != nil {
		return nil, fmt.Errorf("multicast interface %q: %w", s.cfg.MulticastIF, err)
	}
	return ifi, nil
}

// Addr returns the unicast request address.
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve runs the receivers and workers until ctx is cancelled.
func (s *UDPServer) Serve(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("udp server is not listening")
	}

	s.queue = make(chan packetWork, PacketQueueSize)
	var workers sync.WaitGroup
	for i := 0; i < max(1, s.cfg.Workers); i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.packetWorker()
		}()
	}

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		s.receiveLoop(ctx, s.conn, TransportUDP)
	}()
	for _, g := range s.groups {
		readers.Add(1)
		go func(c net.PacketConn) {
			defer readers.Done()
			s.receiveLoop(ctx, c, TransportMulticast)
		}(g.conn)
	}

	log.Info().
		Str("addr", s.conn.LocalAddr().String()).
		Int("workers", s.cfg.Workers).
		Str("group", s.cfg.MulticastAddr).
		Msg("UDP gateway started")

	<-ctx.Done()
	s.closeConns()
	readers.Wait()
	close(s.queue)
	workers.Wait()
	return nil
}

func (s *UDPServer) closeConns() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	for _, g := range s.groups {
		_ = g.conn.Close()
	}
}

func (s *UDPServer) receiveLoop(ctx context.Context, conn net.PacketConn, source string) {
	buf := make([]byte, maxDatagramSize)

	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Str("source", source).Msg("UDP read error")
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		select {
		case s.queue <- packetWork{data: packet, from: from, source: source}:
		default:
			s.drop("queue_full")
			log.Debug().Msg("packet queue full, dropping packet")
		}
	}
}

// packetWorker processes packets from the queue.
func (s *UDPServer) packetWorker() {
	for work := range s.queue {
		s.handlePacket(work)
	}
}

func (s *UDPServer) handlePacket(work packetWork) {
	d, err := proto.ParseDatagram(work.data)
	if err != nil {
		if errors.Is(err, proto.ErrUnknownCommand) {
			s.reply(d.Header, proto.NewErrorResponse(d.Envelope.Opcode, proto.CodeUnknownCommand, err))
			return
		}
		s.drop("malformed")
		log.Debug().Err(err).Stringer("from", work.from).Msg("dropping malformed datagram")
		return
	}
	if d.Envelope.Direction != proto.Command {
		s.drop("not_command")
		return
	}

	resp, miss := s.repo.Handle(work.source, d.Envelope)
	if miss && d.Envelope.Opcode == proto.OpGet {
		// Peers answer the client directly using the original header.
		s.forwardGet(work.data)
		return
	}
	if repliesTo(d.Envelope.Opcode) {
		s.reply(d.Header, resp)
	}
}

func (s *UDPServer) reply(h proto.Header, env proto.Envelope) {
	addr, err := h.ReplyAddr()
	if err != nil {
		s.drop("bad_header")
		log.Debug().Err(err).Msg("cannot reply")
		return
	}
	data, err := proto.Datagram{Header: h, Envelope: env}.Encode()
	if err != nil {
		log.Error().Err(err).Str("opcode", string(env.Opcode)).Msg("failed to encode reply")
		return
	}
	if _, err := s.conn.WriteTo(data, addr); err != nil {
		log.Debug().Err(err).Str("to", addr.String()).Msg("UDP reply failed")
	}
}

func (s *UDPServer) forwardGet(data []byte) {
	if _, err := s.conn.WriteTo(data, s.forward); err != nil {
		log.Debug().Err(err).Str("to", s.forward.String()).Msg("GET forward failed")
		return
	}
	if s.metrics != nil {
		s.metrics.Forwarded.Inc()
	}
}

func (s *UDPServer) drop(reason string) {
	if s.metrics != nil {
		s.metrics.DroppedPackets.WithLabelValues(reason).Inc()
	}
}
