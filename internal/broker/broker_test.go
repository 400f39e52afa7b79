package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/amoylab/rendez/internal/common/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBroker(t *testing.T, timeout time.Duration, maxPending int) *Broker {
	t.Helper()
	b := New(zap.NewNop(), nil, config.BrokerConfig{
		SocketPath:     filepath.Join(t.TempDir(), "rendez.sock"),
		HandoffTimeout: timeout,
		MaxPending:     maxPending,
	})
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

// dialWithToken opens a rendezvous connection carrying the given request id.
func dialWithToken(t *testing.T, b *Broker, id string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("unix", b.SocketPath(), time.Second)
	require.NoError(t, err)
	_, err = conn.Write([]byte(id))
	require.NoError(t, err)
	return conn
}

func TestInitiateRoundTrip(t *testing.T) {
	b := newTestBroker(t, 5*time.Second, 10)
	client, incoming := net.Pipe()
	defer client.Close()

	proxied, err := b.Initiate(context.Background(), incoming)
	require.NoError(t, err)
	require.NotNil(t, proxied)
	defer proxied.Close()

	// incoming -> proxied
	go func() { _, _ = client.Write([]byte("ping")) }()
	assert.Equal(t, "ping", string(readN(t, proxied, 4)))

	// proxied -> incoming
	go func() { _, _ = proxied.Write([]byte("pong")) }()
	assert.Equal(t, "pong", string(readN(t, client, 4)))

	assert.Equal(t, 0, b.PendingCount())
}

func TestClosePropagatesAcrossSplice(t *testing.T) {
	b := newTestBroker(t, 5*time.Second, 10)
	client, incoming := net.Pipe()

	proxied, err := b.Initiate(context.Background(), incoming)
	require.NoError(t, err)

	require.NoError(t, proxied.Close())

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err, "closing the proxied side must close the incoming side")
}

func TestEarlyBytesAreReplayedAfterMatch(t *testing.T) {
	b := newTestBroker(t, 5*time.Second, 10)
	client, incoming := net.Pipe()
	defer client.Close()

	h, err := b.BeginExternal(incoming)
	require.NoError(t, err)

	// Bytes sent before any rendezvous connection exists must not be lost.
	go func() { _, _ = client.Write([]byte("early")) }()
	time.Sleep(50 * time.Millisecond)

	acceptor := dialWithToken(t, b, h.ID())
	defer acceptor.Close()

	_, err = h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "early", string(readN(t, acceptor, 5)))
}

func TestTimeoutFiresOnceAndLateArrivalIsDiscarded(t *testing.T) {
	b := newTestBroker(t, 50*time.Millisecond, 10)
	client, incoming := net.Pipe()
	defer client.Close()

	h, err := b.BeginExternal(incoming)
	require.NoError(t, err)

	start := time.Now()
	_, err = h.Wait(context.Background())
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, b.PendingCount())

	// A rendezvous connection carrying the expired token is surplus: the
	// broker destroys it without reviving the request.
	late := dialWithToken(t, b, h.ID())
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = late.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestCapacityExceededFailsFast(t *testing.T) {
	b := newTestBroker(t, 5*time.Second, 2)

	for i := 0; i < 2; i++ {
		_, incoming := net.Pipe()
		_, err := b.BeginExternal(incoming)
		require.NoError(t, err)
	}

	_, incoming := net.Pipe()
	start := time.Now()
	_, err := b.BeginExternal(incoming)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Less(t, time.Since(start), time.Second, "capacity errors must be synchronous")
}

func TestNoCrossWiring(t *testing.T) {
	b := newTestBroker(t, 5*time.Second, 10)

	client1, incoming1 := net.Pipe()
	client2, incoming2 := net.Pipe()
	defer client1.Close()
	defer client2.Close()

	h1, err := b.BeginExternal(incoming1)
	require.NoError(t, err)
	h2, err := b.BeginExternal(incoming2)
	require.NoError(t, err)
	require.NotEqual(t, h1.ID(), h2.ID())

	acceptor2 := dialWithToken(t, b, h2.ID())
	acceptor1 := dialWithToken(t, b, h1.ID())
	defer acceptor1.Close()
	defer acceptor2.Close()

	_, err = h1.Wait(context.Background())
	require.NoError(t, err)
	_, err = h2.Wait(context.Background())
	require.NoError(t, err)

	go func() { _, _ = client1.Write([]byte("one.")) }()
	go func() { _, _ = client2.Write([]byte("two.")) }()

	assert.Equal(t, "one.", string(readN(t, acceptor1, 4)))
	assert.Equal(t, "two.", string(readN(t, acceptor2, 4)))
}

func TestPeerErrorBeforeMatch(t *testing.T) {
	b := newTestBroker(t, 5*time.Second, 10)
	client, incoming := net.Pipe()

	h, err := b.BeginExternal(incoming)
	require.NoError(t, err)

	require.NoError(t, client.Close())

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrPeerSocket)
	assert.Equal(t, 0, b.PendingCount())
}

func TestCancelSettlesLikeTimeout(t *testing.T) {
	b := newTestBroker(t, 5*time.Second, 10)
	_, incoming := net.Pipe()

	h, err := b.BeginExternal(incoming)
	require.NoError(t, err)

	assert.True(t, b.Cancel(h.ID()))
	assert.False(t, b.Cancel(h.ID()), "second cancel must be a no-op")

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, 0, b.PendingCount())
}

func TestWaitHonorsContext(t *testing.T) {
	b := newTestBroker(t, 5*time.Second, 10)
	_, incoming := net.Pipe()

	h, err := b.BeginExternal(incoming)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestCloseSettlesWaitingRequests(t *testing.T) {
	b := newTestBroker(t, 5*time.Second, 10)
	_, incoming := net.Pipe()

	h, err := b.BeginExternal(incoming)
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, b.PendingCount())

	// New requests are rejected after Close.
	_, incoming2 := net.Pipe()
	_, err = b.Begin(incoming2)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnknownTokenIsDiscarded(t *testing.T) {
	b := newTestBroker(t, 5*time.Second, 10)

	conn := dialWithToken(t, b, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestConcurrentCompletionSettlesOnce(t *testing.T) {
	b := newTestBroker(t, 30*time.Millisecond, 10)
	client, incoming := net.Pipe()

	h, err := b.BeginExternal(incoming)
	require.NoError(t, err)

	// Race a peer close against the deadline.
	go func() {
		time.Sleep(25 * time.Millisecond)
		_ = client.Close()
	}()

	_, err = h.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeTimeout) || errors.Is(err, ErrPeerSocket),
		"outcome must be the timeout or the peer error, got: %v", err)

	// A second Wait observes the same, already-settled outcome.
	_, err2 := h.Wait(context.Background())
	assert.Equal(t, err, err2)
	assert.Equal(t, 0, b.PendingCount())
}
