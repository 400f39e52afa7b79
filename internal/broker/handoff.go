package broker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/amoylab/rendez/internal/guard"
)

// State tracks a pending request through its lifecycle. Every request leaves
// StateWaiting exactly once.
type State int

const (
	StateWaiting State = iota
	StateMatched
	StateTimedOut
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateMatched:
		return "matched"
	case StateTimedOut:
		return "timed_out"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// settlement is the terminal outcome a pending request settles with.
type settlement struct {
	state State
	label string // metrics outcome label
	conn  net.Conn
}

type pending struct {
	id       string
	incoming net.Conn
	started  time.Time

	g      *guard.Guard[settlement]
	done   chan struct{}
	result net.Conn
	err    error

	mu       sync.Mutex
	state    State
	outbound net.Conn // broker-dialed rendezvous connection, nil until dialed
	target   net.Conn // accepted rendezvous connection, nil until matched
	claimed  bool     // a rendezvous connection has won this request
	stash    []byte   // incoming bytes that arrived before the match

	// flushed opens once the stash has been written to the target, gating
	// the pump's direct writes so bytes stay in order.
	flushed   chan struct{}
	flushOnce sync.Once
}

// settleFail resolves the request on a failure path. Reports false if another
// path settled first.
func (p *pending) settleFail(state State, label string, err error) bool {
	return p.g.Settle(settlement{state: state, label: label}, err)
}

// openFlushGate unblocks the pump. Must be called on every path once a
// rendezvous connection has claimed the request.
func (p *pending) openFlushGate() {
	p.flushOnce.Do(func() { close(p.flushed) })
}

// pumpIncoming is the incoming socket's only reader. While the request is
// waiting it stashes any early bytes and turns a read error into an Errored
// settlement. Once matched it becomes the incoming-to-rendezvous half of the
// splice, replaying the stash first.
func (p *pending) pumpIncoming() {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := p.incoming.Read(buf)

		p.mu.Lock()
		target := p.target
		if target == nil && n > 0 {
			p.stash = append(p.stash, buf[:n]...)
		}
		p.mu.Unlock()

		if target != nil {
			<-p.flushed
			if n > 0 {
				if _, werr := target.Write(buf[:n]); werr != nil {
					_ = p.incoming.Close()
					_ = target.Close()
					return
				}
			}
			if rerr != nil {
				// propagate the close to the spliced peer
				_ = target.Close()
				return
			}
			continue
		}

		if rerr != nil {
			p.settleFail(StateErrored, "error", fmt.Errorf("%w: %v", ErrPeerSocket, rerr))
			return
		}
	}
}

// Handoff is a pending proxy request. The request is already racing toward a
// terminal state when Begin returns; Wait observes the outcome.
type Handoff struct {
	p *pending
}

// ID returns the rendezvous token identifying this request.
func (h *Handoff) ID() string {
	return h.p.id
}

// Wait suspends until the request reaches a terminal state. On success it
// returns the broker's end of the rendezvous connection, now a plaintext
// duplex pipe to the incoming socket (nil when an external acceptor holds the
// spliced peer). Canceling ctx settles the request through the same
// exactly-once path as a timeout.
func (h *Handoff) Wait(ctx context.Context) (net.Conn, error) {
	select {
	case <-ctx.Done():
		h.p.settleFail(StateErrored, "canceled", fmt.Errorf("%w: %v", ErrCanceled, ctx.Err()))
		<-h.p.done
	case <-h.p.done:
	}
	return h.p.result, h.p.err
}
