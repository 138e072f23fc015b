// Package link models the network link the agent delivers over. The agent
// only checks and requests connectivity; establishing it belongs to
// platform glue behind the Link interface.
package link

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the link cannot be established.
var ErrUnavailable = errors.New("network link unavailable")

// Link reports and requests network connectivity.
type Link interface {
	IsConnected() bool
	Connect(ctx context.Context) error
}

// HostLink trusts the host operating system to manage connectivity, which
// is the right model on Linux-class devices where the network stack
// reconnects on its own. IsConnected always reports true; failures
// surface as transport errors on the delivery attempt instead.
type HostLink struct{}

func (HostLink) IsConnected() bool { return true }

func (HostLink) Connect(context.Context) error { return nil }
