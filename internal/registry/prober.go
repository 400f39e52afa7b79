package registry

import (
	"context"
	"net"
	"time"
)

// Prober tests whether a session endpoint still has a listener.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// DialProber probes by connecting to the endpoint's unix socket and closing
// the connection immediately. A refused or timed-out connect means the
// session is gone.
type DialProber struct {
	Timeout time.Duration
}

var _ Prober = (*DialProber)(nil)

func (p *DialProber) Probe(ctx context.Context, endpoint string) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "unix", endpoint)
	if err != nil {
		return err
	}
	return conn.Close()
}
