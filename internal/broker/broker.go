// Package broker delivers a raw socket, unencrypted, to whichever process is
// actually listening for it. Initiator and acceptor meet at a local unix
// socket; the first bytes on every rendezvous connection are a token that
// correlates it with a pending request, and the two sockets are then spliced.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amoylab/rendez/internal/common/config"
	"github.com/amoylab/rendez/internal/guard"
	"github.com/amoylab/rendez/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDLen is the exact length of the rendezvous token on the wire: a
// textual UUID, 36 ASCII bytes. Fixed width means concurrent handshake reads
// can never misalign.
const RequestIDLen = 36

// Broker owns the rendezvous listener and the table of pending requests.
type Broker struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	socketPath string
	timeout    time.Duration
	maxPending int

	mu      sync.Mutex
	pending map[string]*pending
	ln      net.Listener
	closed  bool
}

// New creates a broker. Call Start before initiating handoffs.
func New(logger *zap.Logger, m *metrics.Metrics, cfg config.BrokerConfig) *Broker {
	return &Broker{
		logger:     logger.Named("broker"),
		metrics:    m,
		socketPath: cfg.SocketPath,
		timeout:    cfg.HandoffTimeout,
		maxPending: cfg.MaxPending,
		pending:    make(map[string]*pending),
	}
}

// SocketPath returns the rendezvous listener's unix socket path.
func (b *Broker) SocketPath() string {
	return b.socketPath
}

// PendingCount returns the number of requests currently waiting.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Start binds the rendezvous listener and begins accepting connections.
func (b *Broker) Start() error {
	if err := os.MkdirAll(filepath.Dir(b.socketPath), 0o700); err != nil {
		return fmt.Errorf("create rendezvous directory: %w", err)
	}
	// A stale socket file from a crashed run would make the bind fail.
	_ = os.Remove(b.socketPath)

	ln, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("bind rendezvous socket: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	b.ln = ln
	b.mu.Unlock()

	b.logger.Info("rendezvous listener started", zap.String("socket", b.socketPath))
	go b.acceptLoop(ln)
	return nil
}

// Begin registers a pending handoff for incoming, dials the broker's own
// rendezvous listener, and writes the request token as the first bytes on the
// dialed connection. On match, the connection handed back by Wait is a
// plaintext pipe to incoming. Fails fast with ErrCapacityExceeded when
// maxPending requests are already waiting.
func (b *Broker) Begin(incoming net.Conn) (*Handoff, error) {
	h, err := b.begin(incoming)
	if err != nil {
		return nil, err
	}
	go b.dialRendezvous(h.p)
	return h, nil
}

// BeginExternal registers a pending handoff without dialing the rendezvous
// listener. The caller transmits the token to the accepting process
// out-of-band; that process dials in and writes it as its first bytes.
func (b *Broker) BeginExternal(incoming net.Conn) (*Handoff, error) {
	return b.begin(incoming)
}

// Initiate is the blocking form of Begin.
func (b *Broker) Initiate(ctx context.Context, incoming net.Conn) (net.Conn, error) {
	h, err := b.Begin(incoming)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

func (b *Broker) begin(incoming net.Conn) (*Handoff, error) {
	id := uuid.NewString()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if len(b.pending) >= b.maxPending {
		b.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	if _, exists := b.pending[id]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id: %s", id)
	}

	p := &pending{
		id:       id,
		incoming: incoming,
		started:  time.Now(),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
	}
	p.g = guard.New(b.logger, func(s settlement, err error) {
		b.onSettle(p, s, err)
	})
	b.pending[id] = p
	b.mu.Unlock()

	b.metrics.HandoffStarted()

	timer := time.AfterFunc(b.timeout, func() {
		p.settleFail(StateTimedOut, "timeout", ErrHandshakeTimeout)
	})
	p.g.OnRelease(func() error {
		timer.Stop()
		return nil
	})

	go p.pumpIncoming()

	b.logger.Debug("handoff request pending", zap.String("id", id))
	return &Handoff{p: p}, nil
}

// Cancel settles a waiting request through the same path as a timeout.
// Reports whether this call won the settlement.
func (b *Broker) Cancel(id string) bool {
	b.mu.Lock()
	p := b.pending[id]
	b.mu.Unlock()
	if p == nil {
		return false
	}
	return p.settleFail(StateErrored, "canceled", ErrCanceled)
}

// Close stops accepting rendezvous connections and settles every waiting
// request with ErrClosed. Idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ln := b.ln
	ps := make([]*pending, 0, len(b.pending))
	for _, p := range b.pending {
		ps = append(ps, p)
	}
	b.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, p := range ps {
		p.settleFail(StateTimedOut, "closed", ErrClosed)
	}
	b.logger.Info("broker closed", zap.Int("aborted_requests", len(ps)))
	return err
}

// onSettle is the guard callback: runs exactly once per request, on whichever
// completion path won. It records the outcome, removes the request from the
// pending table, and on failure destroys the owned sockets. On a match,
// socket ownership has already transferred to the splice.
func (b *Broker) onSettle(p *pending, s settlement, err error) {
	p.mu.Lock()
	p.state = s.state
	outbound := p.outbound
	p.mu.Unlock()

	p.result = s.conn
	p.err = err

	b.mu.Lock()
	if b.pending[p.id] == p {
		delete(b.pending, p.id)
	}
	b.mu.Unlock()

	if err != nil {
		_ = p.incoming.Close()
		if outbound != nil {
			_ = outbound.Close()
		}
	}

	b.metrics.HandoffDone(s.label, p.started)
	if err != nil && !errors.Is(err, ErrClosed) {
		b.logger.Debug("handoff settled",
			zap.String("id", p.id),
			zap.Stringer("state", s.state),
			zap.Error(err))
	}
	close(p.done)
}

// dialRendezvous opens the broker's own connection to its listener and writes
// the token, making the dialed connection the request's rendezvous peer.
func (b *Broker) dialRendezvous(p *pending) {
	d := net.Dialer{Timeout: b.timeout}
	conn, err := d.Dial("unix", b.socketPath)
	if err != nil {
		p.settleFail(StateErrored, "error", fmt.Errorf("%w: %v", ErrPeerSocket, err))
		return
	}

	p.mu.Lock()
	if p.g.Settled() {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.outbound = conn
	p.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(b.timeout))
	if _, err := conn.Write([]byte(p.id)); err != nil {
		p.settleFail(StateErrored, "error", fmt.Errorf("%w: %v", ErrPeerSocket, err))
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})
}

func (b *Broker) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		go b.handleConn(conn)
	}
}

// handleConn reads the fixed-width token from a freshly accepted rendezvous
// connection, matches it against the pending table, and on a win performs the
// splice. Surplus connections (unknown token, or the request already left the
// waiting state) are destroyed without settling anything.
func (b *Broker) handleConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(b.timeout))
	idBuf := make([]byte, RequestIDLen)
	if _, err := io.ReadFull(conn, idBuf); err != nil {
		b.logger.Debug("rendezvous handshake read failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	id := string(idBuf)

	b.mu.Lock()
	p := b.pending[id]
	b.mu.Unlock()
	if p == nil {
		// Arrived after a timeout, or a token nobody is waiting on.
		b.logger.Debug("surplus rendezvous connection discarded", zap.String("id", id))
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	if p.claimed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.claimed = true
	p.target = conn
	stash := p.stash
	p.stash = nil
	outbound := p.outbound
	p.mu.Unlock()

	if !p.g.Settle(settlement{state: StateMatched, label: "matched", conn: outbound}, nil) {
		// Lost the race to a timeout or error. The incoming socket is being
		// destroyed by that path; open the gate so the pump cannot hang.
		_ = conn.Close()
		p.openFlushGate()
		return
	}

	b.logger.Debug("handoff matched", zap.String("id", id))
	b.splice(p, conn, stash)
}

// splice wires the accepted rendezvous connection to the incoming socket.
// The pump goroutine carries incoming-to-rendezvous; this function replays
// stashed early bytes, opens the pump's gate, and then carries the
// rendezvous-to-incoming direction until either side closes.
func (b *Broker) splice(p *pending, conn net.Conn, stash []byte) {
	if len(stash) > 0 {
		if _, err := conn.Write(stash); err != nil {
			_ = conn.Close()
			_ = p.incoming.Close()
			p.openFlushGate()
			return
		}
	}
	p.openFlushGate()

	_, err := io.Copy(p.incoming, conn)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		b.logger.Debug("splice ended", zap.String("id", p.id), zap.Error(err))
	}
	_ = conn.Close()
	_ = p.incoming.Close()
}
