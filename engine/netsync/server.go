package netsync

import (
	"fmt"
	"net"
	"sync"
	"time"

	"code.hybscloud.com/lfq"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/driftline/engine/engine/clock"
	"github.com/driftline/engine/engine/wire"
)

// DefaultPort is the default UDP port for the wire protocol.
const DefaultPort = 9876

// BroadcastInterval is the sync server's broadcast cadence (100 Hz).
const BroadcastInterval = 10 * time.Millisecond

// StaleTimeout is how long a peer may go without contact before the
// server evicts it.
const StaleTimeout = 30 * time.Second

// PeerInfo is the bookkeeping the server keeps per known peer.
type PeerInfo struct {
	ID            uuid.UUID
	Addr          *net.UDPAddr
	LastHeartbeat time.Time
	LatencyMs     float64
}

// Server broadcasts clock + control commands at a fixed cadence and
// tracks peer liveness.
type Server struct {
	clock      *clock.Clock
	timep      *TimeProvider
	logger     *log.Logger
	staleAfter time.Duration

	conn      *net.UDPConn
	broadcast *net.UDPAddr

	commands lfq.Queue[wire.Command]

	mu    sync.Mutex
	peers map[string]*PeerInfo

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewServer constructs a Server bound to c. timep supplies the
// reference-clock ticks stamped onto every outgoing ClockSync and Pong;
// nil falls back to the unadjusted system clock. No socket is opened
// until Start.
func NewServer(c *clock.Clock, timep *TimeProvider, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		clock:      c,
		timep:      timep,
		logger:     logger.With("component", "netsync.server"),
		staleAfter: StaleTimeout,
		commands:   lfq.NewMPSC[wire.Command](256),
		peers:      make(map[string]*PeerInfo),
	}
}

// SetStaleTimeout overrides how long a peer may go silent before
// eviction. Call before Start.
func (s *Server) SetStaleTimeout(d time.Duration) {
	if d > 0 {
		s.staleAfter = d
	}
}

// referenceTicks is the reference-clock timestamp stamped onto outgoing
// packets.
func (s *Server) referenceTicks() int64 {
	if s.timep != nil {
		return s.timep.Now().UnixNano()
	}
	return time.Now().UnixNano()
}

// Start opens a UDP socket on port (0 means DefaultPort), spawns the
// broadcast thread at BroadcastInterval and a receive thread that answers
// Pings and updates peer liveness. broadcastAddr is a full "host:port"
// destination (typically the subnet broadcast address on the same
// configured port, but a distinct address for point-to-point or test
// setups).
func (s *Server) Start(port int, broadcastAddr string) error {
	if port <= 0 {
		port = DefaultPort
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("netsync: listen udp :%d: %w", port, err)
	}
	bcast, err := net.ResolveUDPAddr("udp", broadcastAddr)
	if err != nil {
		conn.Close()
		return fmt.Errorf("netsync: resolve broadcast addr: %w", err)
	}

	s.conn = conn
	s.broadcast = bcast
	s.stopCh = make(chan struct{})

	s.wg.Add(3)
	go s.broadcastLoop()
	go s.receiveLoop()
	go s.evictionLoop()

	s.logger.Info("sync server started", "port", port, "broadcast", broadcastAddr)
	return nil
}

// Stop closes the socket and joins all server threads.
func (s *Server) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("sync server stopped")
}

// EnqueueCommand is a non-blocking push into the 256-slot outbound
// command ring. It returns false when the ring is full; the caller
// decides whether to retry.
func (s *Server) EnqueueCommand(cmd wire.Command) bool {
	err := s.commands.Enqueue(&cmd)
	if err != nil {
		s.logger.Warn("command queue full, rejected", "type", cmd.Type)
		return false
	}
	return true
}

// PeerCount returns the number of peers currently considered live.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()
	buf := make([]byte, wire.PacketSize)
	seq := int32(0)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			seq++
			cmd := wire.Command{
				Version:                   wire.ProtocolVersion,
				Type:                      wire.ClockSync,
				NTPTimestamp:              s.referenceTicks(),
				MasterClockTimestamp:      s.clock.CurrentTimestamp(),
				MasterClockSamplePosition: s.clock.CurrentSamplePosition(),
				SampleRate:                int32(s.clock.SampleRate()),
				SequenceNumber:            seq,
			}
			s.send(cmd, buf)

			// Drain and broadcast any queued control commands.
			for {
				c, err := s.commands.Dequeue()
				if err != nil {
					break
				}
				s.send(c, buf)
			}
		}
	}
}

func (s *Server) send(cmd wire.Command, buf []byte) {
	if _, err := wire.Encode(cmd, buf); err != nil {
		s.logger.Warn("encode failed", "error", err)
		return
	}
	if _, err := s.conn.WriteToUDP(buf, s.broadcast); err != nil {
		s.logger.Warn("broadcast write failed", "error", err)
	}
}

func (s *Server) receiveLoop() {
	defer s.wg.Done()
	buf := make([]byte, wire.PacketSize)
	respBuf := make([]byte, wire.PacketSize)
	var cmd wire.Command

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			continue // timeout or transient error: loop and recheck stopCh
		}
		if !wire.Decode(buf[:n], &cmd) {
			continue // bad magic/version/length: drop silently
		}

		s.touchPeer(addr)

		if cmd.Type == wire.Ping {
			// The Pong echoes the client's original send timestamp so the
			// client can compute the round trip, and carries the server's
			// reference time for Cristian-style offset estimation.
			pong := wire.Command{
				Version:        wire.ProtocolVersion,
				Type:           wire.Pong,
				NTPTimestamp:   s.referenceTicks(),
				ClientSendTime: cmd.ClientSendTime,
			}
			if _, err := wire.Encode(pong, respBuf); err == nil {
				_, _ = s.conn.WriteToUDP(respBuf, addr)
			}
		}
	}
}

func (s *Server) touchPeer(addr *net.UDPAddr) {
	key := addr.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[key]
	if !ok {
		p = &PeerInfo{ID: uuid.New(), Addr: addr}
		s.peers[key] = p
		s.logger.Info("peer connected", "addr", key)
	}
	p.LastHeartbeat = time.Now()
}

func (s *Server) evictionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *Server) evictStale() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.peers {
		if now.Sub(p.LastHeartbeat) > s.staleAfter {
			delete(s.peers, key)
			s.logger.Info("peer evicted (stale)", "addr", key)
		}
	}
}
