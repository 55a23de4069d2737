// Package upstream ingests trade streams from market-data providers.
//
// An Adapter speaks one provider's wire protocol. A Supervisor owns the
// connection lifecycle of one adapter: it reconnects with backoff, replays
// the current demand after every (re)authentication and feeds decoded ticks
// to a TickSink.
package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// Adapter is the contract of a provider connection. Connect, Stream and
// Close are called by the owning Supervisor only; Subscribe and Unsubscribe
// may be called concurrently with Stream.
type Adapter interface {
	Name() string
	// Connect dials and authenticates. Credential rejections wrap ErrAuth.
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
	// Stream reads raw frames until the connection fails or ctx is done.
	Stream(ctx context.Context, onFrame func(raw []byte)) error
	// Decode turns one raw frame into ticks. Control frames decode to no
	// ticks; malformed frames return a *DecodeError.
	Decode(raw []byte) ([]models.Tick, error)
	Close() error
}

// TickSink receives decoded ticks. Submit must not block.
type TickSink interface {
	Submit(t models.Tick)
}

// DemandSource reports the symbols that must be subscribed right now.
type DemandSource interface {
	DemandSet() []string
}

var (
	ErrAuth            = errors.New("authentication rejected")
	ErrAdapterDisabled = errors.New("adapter disabled after repeated authentication failures")
	ErrNotConnected    = errors.New("not connected")
)

// DecodeError reports a malformed upstream payload. It is logged and the
// frame dropped.
type DecodeError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: decode: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: decode: %s", e.Provider, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ConnectionError reports a failed dial, handshake or stream.
type ConnectionError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
