package netsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeProvider_NoNTPNoPeerFallsBackToLocal(t *testing.T) {
	p := NewTimeProvider(nil, nil)
	p.Resync("", nil)

	offset, lastSync, tier := p.State()
	assert.Equal(t, TierLocal, tier)
	assert.Zero(t, offset)
	assert.False(t, lastSync.IsZero())
}

func TestTimeProvider_PeerCristianUsedWhenNoNTP(t *testing.T) {
	p := NewTimeProvider(nil, nil)

	serverNow := time.Now().Add(250 * time.Millisecond)
	p.Resync("peer:9876", func(peerAddr string, timeout time.Duration) (time.Time, time.Duration, error) {
		return serverNow, 20 * time.Millisecond, nil
	})

	offset, _, tier := p.State()
	assert.Equal(t, TierPeerCristian, tier)
	// offset should put Now() close to serverNow + rtt/2.
	assert.InDelta(t, 250, offset.Seconds()*1000, 50)
}

func TestTimeProvider_BadNTPServerFallsThroughToPeer(t *testing.T) {
	p := NewTimeProvider([]string{"127.0.0.1"}, nil)
	called := false
	p.Resync("peer:9876", func(peerAddr string, timeout time.Duration) (time.Time, time.Duration, error) {
		called = true
		return time.Now(), time.Millisecond, nil
	})
	require.True(t, called, "peer tier should be attempted once the NTP tier fails")

	_, _, tier := p.State()
	assert.Equal(t, TierPeerCristian, tier)
}

func TestTimeProvider_NowAppliesOffset(t *testing.T) {
	p := NewTimeProvider(nil, nil)
	p.install(TierLocal, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), p.Now(), 100*time.Millisecond)
}

func TestTier_String(t *testing.T) {
	assert.Equal(t, "lan-ntp", TierLANNTP.String())
	assert.Equal(t, "peer-cristian", TierPeerCristian.String())
	assert.Equal(t, "local", TierLocal.String())
	assert.Equal(t, "none", TierNone.String())
}
