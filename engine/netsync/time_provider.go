// Package netsync implements the UDP-based network synchronization
// layer: a tiered network time provider, a broadcast sync server, and a
// reconnecting sync client.
package netsync

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Tier identifies which of the three offset strategies is currently
// active.
type Tier int

const (
	TierNone Tier = iota
	TierLANNTP
	TierPeerCristian
	TierLocal
)

func (t Tier) String() string {
	switch t {
	case TierLANNTP:
		return "lan-ntp"
	case TierPeerCristian:
		return "peer-cristian"
	case TierLocal:
		return "local"
	default:
		return "none"
	}
}

// ntpEpochOffset is the number of seconds between the NTP epoch (1900-01-01)
// and the Unix epoch (1970-01-01), used to convert the classic 32.32
// fixed-point NTP timestamp into a time.Time.
const ntpEpochOffset = 2208988800

// TimeProvider offers an offset between local system time and a
// reference clock, tried tier by tier until one succeeds: LAN NTP, then a
// peer via Cristian's algorithm, then the local clock with zero offset.
type TimeProvider struct {
	mu         sync.Mutex
	offset     time.Duration
	lastSync   time.Time
	tier       Tier
	logger     *log.Logger
	ntpServers []string
}

// NewTimeProvider constructs a TimeProvider. ntpServers is tried in order
// for tier T1; a nil/empty slice skips straight to T2.
func NewTimeProvider(ntpServers []string, logger *log.Logger) *TimeProvider {
	if logger == nil {
		logger = log.Default()
	}
	return &TimeProvider{
		tier:       TierNone,
		logger:     logger.With("component", "netsync.time"),
		ntpServers: ntpServers,
	}
}

// Resync attempts LAN NTP, then Cristian's algorithm against peerAddr
// via pingRTT, then falls back to local system time with zero offset.
// pingRTT may be nil when no peer is configured. Each tier gets a roughly
// 1s deadline. Periodic re-sync is the caller's responsibility.
func (p *TimeProvider) Resync(peerAddr string, pingRTT func(peerAddr string, timeout time.Duration) (serverTime time.Time, rtt time.Duration, err error)) {
	for _, addr := range p.ntpServers {
		if offset, err := queryNTP(addr, time.Second); err == nil {
			p.install(TierLANNTP, offset)
			return
		}
	}

	if peerAddr != "" && pingRTT != nil {
		if serverTime, rtt, err := pingRTT(peerAddr, time.Second); err == nil {
			// Cristian's algorithm: offset = server_time + rtt/2 - local_receive_time.
			localReceive := time.Now()
			offset := serverTime.Add(rtt / 2).Sub(localReceive)
			p.install(TierPeerCristian, offset)
			return
		}
	}

	p.install(TierLocal, 0)
}

func (p *TimeProvider) install(tier Tier, offset time.Duration) {
	p.mu.Lock()
	p.tier = tier
	p.offset = offset
	p.lastSync = time.Now()
	p.mu.Unlock()
	p.logger.Info("resync complete", "tier", tier.String(), "offset_ms", offset.Milliseconds())
}

// Now returns the local system clock adjusted by the current offset.
func (p *TimeProvider) Now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Add(p.offset)
}

// State returns the current offset, last-sync wall time, and tier.
func (p *TimeProvider) State() (offset time.Duration, lastSync time.Time, tier Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset, p.lastSync, p.tier
}

// queryNTP performs a classic 48-byte SNTP exchange against host:123.
func queryNTP(host string, timeout time.Duration) (time.Duration, error) {
	conn, err := net.DialTimeout("udp", net.JoinHostPort(host, "123"), timeout)
	if err != nil {
		return 0, fmt.Errorf("netsync: dial ntp %s: %w", host, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	req := make([]byte, 48)
	req[0] = 0x1B // LI=0, VN=3, Mode=3 (client)

	sendTime := time.Now()
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("netsync: write ntp request: %w", err)
	}

	resp := make([]byte, 48)
	n, err := conn.Read(resp)
	if err != nil || n < 48 {
		return 0, fmt.Errorf("netsync: read ntp response: %w", err)
	}
	recvTime := time.Now()

	// Transmit timestamp field: offset 40, 32.32 fixed-point seconds since
	// the NTP epoch.
	secs := binary.BigEndian.Uint32(resp[40:44])
	frac := binary.BigEndian.Uint32(resp[44:48])
	serverTime := time.Unix(int64(secs)-ntpEpochOffset, int64(float64(frac)/(1<<32)*1e9))

	rtt := recvTime.Sub(sendTime)
	// offset = server_time + rtt/2 - local_receive_time.
	offset := serverTime.Add(rtt / 2).Sub(recvTime)
	return offset, nil
}
