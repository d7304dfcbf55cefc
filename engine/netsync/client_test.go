package netsync

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/engine/engine/clock"
	"github.com/driftline/engine/engine/wire"
)

// newLoopbackServerSocket stands in for a real sync server: it just lets
// the test hand-craft wire.Command packets and send them straight at the
// client under test.
func newLoopbackServerSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestClient(t *testing.T, serverConn *net.UDPConn) (*Client, *clock.Clock) {
	t.Helper()
	c := clock.New(48000, clock.NetworkClient)
	addr := serverConn.LocalAddr().(*net.UDPAddr)
	cl, err := NewClient(ClientConfig{ServerAddr: addr.String()}, c)
	require.NoError(t, err)
	require.NoError(t, cl.Start())
	t.Cleanup(cl.Stop)
	return cl, c
}

func sendCommand(t *testing.T, conn *net.UDPConn, dst *net.UDPAddr, cmd wire.Command) {
	t.Helper()
	buf := make([]byte, wire.PacketSize)
	_, err := wire.Encode(cmd, buf)
	require.NoError(t, err)
	_, err = conn.WriteToUDP(buf, dst)
	require.NoError(t, err)
}

// TestClient_ClockSyncAppliesBeforeNextFill: a ClockSync arrives
// mid-playback; the local clock must reflect the new master position by
// the time the next fill is pulled, i.e. the seek happens synchronously
// with receipt, not lazily.
func TestClient_ClockSyncAppliesBeforeNextFill(t *testing.T) {
	serverConn := newLoopbackServerSocket(t)
	cl, c := newTestClient(t, serverConn)

	// The client's local socket is ephemeral; its address is learned from
	// the first Ping it sends us.
	clientAddr := waitForClientContact(t, serverConn)

	sendCommand(t, serverConn, clientAddr, wire.Command{
		Version:                   wire.ProtocolVersion,
		Type:                      wire.ClockSync,
		MasterClockTimestamp:      42.0,
		MasterClockSamplePosition: 42 * 48000,
		SampleRate:                48000,
	})

	require.Eventually(t, func() bool {
		return cl.State() == Synced
	}, time.Second, 5*time.Millisecond)

	assert.InDelta(t, 42.0, c.CurrentTimestamp(), 1.0/48000)
}

func waitForClientContact(t *testing.T, serverConn *net.UDPConn) *net.UDPAddr {
	t.Helper()
	buf := make([]byte, wire.PacketSize)
	_ = serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, addr, err := serverConn.ReadFromUDP(buf)
	require.NoError(t, err, "client should have pinged the server socket")
	_ = n
	return addr
}

func TestClient_PongUpdatesLatencyAverage(t *testing.T) {
	c := clock.New(48000, clock.NetworkClient)
	cl, err := NewClient(ClientConfig{ServerAddr: "127.0.0.1:1"}, c)
	require.NoError(t, err)

	sendTime := time.Now().Add(-10 * time.Millisecond).UnixNano()
	cl.handleCommand(wire.Command{Type: wire.Pong, ClientSendTime: sendTime})

	assert.Greater(t, cl.AverageLatencyMs(), 0.0)
}

func TestClient_ServerCommandRaisesEvent(t *testing.T) {
	c := clock.New(48000, clock.NetworkClient)
	cl, err := NewClient(ClientConfig{ServerAddr: "127.0.0.1:1"}, c)
	require.NoError(t, err)

	cl.handleCommand(wire.Command{Type: wire.Seek, TargetPosition: 3.5})

	select {
	case ev := <-cl.Events():
		assert.Equal(t, wire.Seek, ev.Type)
		assert.Equal(t, 3.5, ev.TargetPosition)
	case <-time.After(time.Second):
		t.Fatal("expected a command event")
	}
}

func TestClient_LocalControlGatedByAllowOffline(t *testing.T) {
	c := clock.New(48000, clock.NetworkClient)

	strict, err := NewClient(ClientConfig{ServerAddr: "127.0.0.1:1", AllowOfflinePlayback: false}, c)
	require.NoError(t, err)
	assert.False(t, strict.LocalControlAllowed())

	lenient, err := NewClient(ClientConfig{ServerAddr: "127.0.0.1:1", AllowOfflinePlayback: true}, c)
	require.NoError(t, err)
	assert.True(t, lenient.LocalControlAllowed())
}

func TestClientState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "synced", Synced.String())
}
