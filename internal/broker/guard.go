package broker

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
)

// ErrConnectionsBlocked is returned by every dial once the guard is set
var ErrConnectionsBlocked = errors.New("broker connections are blocked")

// Guard rejects new broker connections once the process is shutting down.
// Both the AMQP and the Redis dialers consult it.
type Guard struct {
	blocked atomic.Bool
}

// Block installs the guard. It returns true only for the call that set it.
func (g *Guard) Block() bool {
	return g.blocked.CompareAndSwap(false, true)
}

// Blocked reports whether the guard is installed
func (g *Guard) Blocked() bool {
	return g.blocked.Load()
}

// Check returns ErrConnectionsBlocked once the guard is installed
func (g *Guard) Check() error {
	if g.blocked.Load() {
		return ErrConnectionsBlocked
	}
	return nil
}

// DialContext is a net dialer honouring the guard
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if err := g.Check(); err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}
