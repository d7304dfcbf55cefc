package netsync

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/driftline/engine/engine/clock"
	"github.com/driftline/engine/engine/wire"
)

// ClientState is the sync client's connection state machine.
type ClientState int32

const (
	Disconnected ClientState = iota
	Connecting
	Connected
	Synced
)

func (s ClientState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Synced:
		return "synced"
	default:
		return "disconnected"
	}
}

const (
	pingInterval      = 5 * time.Second
	serverTimeout     = 30 * time.Second
	reconnectBase     = time.Second
	reconnectFactor   = 2
	reconnectCap      = 32 * time.Second
	reconnectMaxTries = 10
	latencyWindow     = 100

	// clockDisciplineSlack is how far the local clock may wander from a
	// ClockSync position before it is pulled back, roughly two callbacks
	// at common buffer sizes.
	clockDisciplineSlack = 0.025
)

// CommandEvent is raised on the client's event channel whenever the
// server sends a Play/Pause/Stop/Seek/Tempo command, for the transport
// controller to act on.
type CommandEvent struct {
	Type           wire.CommandType
	TargetPosition float64
	TempoValue     float32
	UseSmooth      bool
}

// Client is the reconnecting UDP sync client. It disciplines a local
// clock.Clock to the server's broadcast ClockSync and exposes Events()
// for the transport controller to consume server-initiated commands.
type Client struct {
	clock        *clock.Clock
	logger       *log.Logger
	allowOffline bool
	listenPort   int
	pingEvery    time.Duration
	timeoutAfter time.Duration

	state atomic.Int32 // ClientState

	mu           sync.Mutex
	conn         *net.UDPConn
	serverAddr   *net.UDPAddr
	lastServerAt time.Time

	// Rolling latency window: a fixed ring so recording a sample never
	// allocates.
	latencies    [latencyWindow]float64
	latencyNext  int
	latencyCount int
	latencySum   float64

	events chan CommandEvent
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ClientConfig configures a new Client. PingInterval and ServerTimeout
// fall back to the protocol defaults (5s and 30s) when zero. ListenPort
// is the local UDP port server broadcasts arrive on; zero binds an
// ephemeral port, which only works for point-to-point setups.
type ClientConfig struct {
	ServerAddr           string
	ListenPort           int
	AllowOfflinePlayback bool
	PingInterval         time.Duration
	ServerTimeout        time.Duration
	Logger               *log.Logger
}

// NewClient constructs a Client bound to c, not yet connected.
func NewClient(cfg ClientConfig, c *clock.Clock) (*Client, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("netsync: resolve server addr %s: %w", cfg.ServerAddr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	cl := &Client{
		clock:        c,
		logger:       logger.With("component", "netsync.client"),
		allowOffline: cfg.AllowOfflinePlayback,
		listenPort:   cfg.ListenPort,
		pingEvery:    cfg.PingInterval,
		timeoutAfter: cfg.ServerTimeout,
		serverAddr:   addr,
		events:       make(chan CommandEvent, 32),
	}
	if cl.pingEvery <= 0 {
		cl.pingEvery = pingInterval
	}
	if cl.timeoutAfter <= 0 {
		cl.timeoutAfter = serverTimeout
	}
	cl.state.Store(int32(Disconnected))
	return cl, nil
}

// State returns the client's current connection state.
func (c *Client) State() ClientState { return ClientState(c.state.Load()) }

// Events returns the channel CommandEvents are published on. The caller
// (typically the transport controller) must drain it.
func (c *Client) Events() <-chan CommandEvent { return c.events }

// LocalControlAllowed reports whether UI-originated control is permitted
// given the current connection state. With offline playback allowed,
// Disconnected still permits local control; otherwise control is rejected
// until Synced.
func (c *Client) LocalControlAllowed() bool {
	st := c.State()
	if st == Synced {
		return true
	}
	return c.allowOffline
}

// Start opens the local UDP socket and begins the receive, ping, and
// reconnect-supervisor threads.
func (c *Client) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: c.listenPort})
	if err != nil {
		return fmt.Errorf("netsync: client listen udp :%d: %w", c.listenPort, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.stopCh = make(chan struct{})
	c.state.Store(int32(Connecting))

	c.wg.Add(3)
	go c.receiveLoop()
	go c.pingLoop()
	go c.supervisorLoop()

	c.logger.Info("sync client started", "server", c.serverAddr.String())
	return nil
}

// Stop tears down all client threads and closes the socket.
func (c *Client) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.state.Store(int32(Disconnected))
	c.logger.Info("sync client stopped")
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	buf := make([]byte, wire.PacketSize) // reused across reads; no per-packet allocation
	var cmd wire.Command

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if !wire.Decode(buf[:n], &cmd) {
			continue
		}

		c.mu.Lock()
		c.lastServerAt = time.Now()
		c.mu.Unlock()

		if c.State() == Connecting {
			c.state.Store(int32(Connected))
		}

		c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd wire.Command) {
	switch cmd.Type {
	case wire.ClockSync:
		// Discipline the local clock: only pull it when it has wandered
		// more than a couple of callbacks from the server's position, so
		// the audio thread's own advance is not fought at every broadcast.
		diff := c.clock.CurrentTimestamp() - cmd.MasterClockTimestamp
		if diff < -clockDisciplineSlack || diff > clockDisciplineSlack {
			c.clock.Seek(cmd.MasterClockTimestamp)
		}
		if c.State() != Synced {
			c.state.Store(int32(Synced))
			c.logger.Info("synced to server clock", "position_seconds", cmd.MasterClockTimestamp)
		}
	case wire.Pong:
		c.recordLatency(cmd.ClientSendTime)
	case wire.Play, wire.Pause, wire.Stop, wire.Seek, wire.Tempo:
		ev := CommandEvent{
			Type:           cmd.Type,
			TargetPosition: cmd.TargetPosition,
			TempoValue:     cmd.TempoValue,
			UseSmooth:      cmd.UseSmooth,
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Warn("command event channel full, dropping", "type", cmd.Type.String())
		}
	default:
		// ServerAnnouncement and the handshake types carry no client-side
		// semantics; note them for diagnostics.
		c.logger.Debug("unhandled command", "type", cmd.Type.String())
	}
}

func (c *Client) recordLatency(clientSendTimeTicks int64) {
	rtt := time.Since(time.Unix(0, clientSendTimeTicks))
	ms := float64(rtt.Microseconds()) / 1000.0

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latencyCount == latencyWindow {
		c.latencySum -= c.latencies[c.latencyNext]
	} else {
		c.latencyCount++
	}
	c.latencies[c.latencyNext] = ms
	c.latencySum += ms
	c.latencyNext = (c.latencyNext + 1) % latencyWindow
}

// AverageLatencyMs returns the rolling average over the last up-to-100
// measured round trips.
func (c *Client) AverageLatencyMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latencyCount == 0 {
		return 0
	}
	return c.latencySum / float64(c.latencyCount)
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()
	buf := make([]byte, wire.PacketSize)

	c.sendPing(buf) // announce presence immediately rather than waiting out the first interval

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.State() == Disconnected {
				continue
			}
			c.sendPing(buf)
		}
	}
}

func (c *Client) sendPing(buf []byte) {
	cmd := wire.Command{
		Version:        wire.ProtocolVersion,
		Type:           wire.Ping,
		ClientSendTime: time.Now().UnixNano(),
	}
	if _, err := wire.Encode(cmd, buf); err != nil {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_, _ = conn.WriteToUDP(buf, c.serverAddr)
	}
}

// supervisorLoop watches for server timeout and drives exponential
// back-off reconnection (base 1s, factor 2, cap 32s, up to 10 attempts).
func (c *Client) supervisorLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	attempts := 0
	var nextAttempt time.Time

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastServerAt
			c.mu.Unlock()

			if c.State() != Disconnected && !last.IsZero() && time.Since(last) > c.timeoutAfter {
				c.logger.Warn("server timeout, disconnecting")
				c.state.Store(int32(Disconnected))
				attempts = 0
				nextAttempt = time.Now()
			}

			if c.State() == Disconnected && attempts < reconnectMaxTries && !nextAttempt.After(time.Now()) {
				attempts++
				backoff := reconnectBase
				for i := 1; i < attempts && backoff < reconnectCap; i++ {
					backoff *= reconnectFactor
				}
				if backoff > reconnectCap {
					backoff = reconnectCap
				}
				nextAttempt = time.Now().Add(backoff)
				c.logger.Info("attempting reconnect", "attempt", attempts, "next_backoff", backoff)
				c.state.Store(int32(Connecting))
			}
		}
	}
}
