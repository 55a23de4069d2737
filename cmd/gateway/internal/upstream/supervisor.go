package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateSubscribed
	StateStreaming
	StateErrored
	StateClosed
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

type SupervisorConfig struct {
	// Backoff is the fixed delay before reconnecting after a connection error.
	Backoff time.Duration
	// AuthBackoff is the first delay after an authentication failure. It
	// doubles on each consecutive failure up to AuthBackoffMax.
	AuthBackoff    time.Duration
	AuthBackoffMax time.Duration
	// MaxAuthFailures disables the adapter after that many consecutive
	// authentication failures. Zero never disables.
	MaxAuthFailures  int
	HandshakeTimeout time.Duration
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Backoff:          3 * time.Second,
		AuthBackoff:      5 * time.Second,
		AuthBackoffMax:   5 * time.Minute,
		MaxAuthFailures:  5,
		HandshakeTimeout: 10 * time.Second,
	}
}

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
)

type pendingOp struct {
	kind    opKind
	symbols []string
}

// Supervisor runs the connection loop of one adapter:
//
//	Disconnected -> Connecting -> Authenticated -> Subscribed -> Streaming
//	  -> Errored -> Disconnected (after backoff) -> Connecting ...
//
// On every entry into Authenticated it subscribes to the demand set read at
// that moment. Subscribe/Unsubscribe calls that arrive while the replay is
// in flight are queued and applied after it, in order. mu only guards state
// and the queue; adapter writes are serialized by io.
type Supervisor struct {
	adapter Adapter
	demand  DemandSource
	sink    TickSink
	cfg     SupervisorConfig
	logger  *zap.Logger

	mu      sync.Mutex
	state   State
	pending []pendingOp

	io sync.Mutex
}

func NewSupervisor(adapter Adapter, demand DemandSource, sink TickSink, cfg SupervisorConfig, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		adapter: adapter,
		demand:  demand,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With(zap.String("provider", adapter.Name())),
	}
}

func (s *Supervisor) Name() string { return s.adapter.Name() }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run blocks until ctx is cancelled (returns nil) or the adapter disables
// itself (returns ErrAdapterDisabled).
func (s *Supervisor) Run(ctx context.Context) error {
	authFailures := 0

	for {
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return nil
		}

		s.setState(StateConnecting)
		authenticated, err := s.session(ctx)
		if ctx.Err() != nil {
			s.setState(StateClosed)
			s.logger.Info("Upstream closed")
			return nil
		}
		if authenticated {
			authFailures = 0
		}

		delay := s.cfg.Backoff
		if errors.Is(err, ErrAuth) {
			authFailures++
			if s.cfg.MaxAuthFailures > 0 && authFailures >= s.cfg.MaxAuthFailures {
				s.setState(StateDisabled)
				s.logger.Error("Disabling upstream after repeated auth failures",
					zap.Int("failures", authFailures), zap.Error(err))
				return fmt.Errorf("%s: %w", s.adapter.Name(), ErrAdapterDisabled)
			}
			delay = s.authDelay(authFailures)
		}

		s.setState(StateErrored)
		s.logger.Warn("Upstream connection lost, reconnecting",
			zap.Error(err), zap.Duration("backoff", delay), zap.Int("auth_failures", authFailures))
		s.setState(StateDisconnected)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateClosed)
			return nil
		case <-timer.C:
		}
	}
}

// session performs one connect/replay/stream cycle and reports whether
// authentication succeeded.
func (s *Supervisor) session(ctx context.Context) (bool, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	err := s.adapter.Connect(hctx)
	timedOut := errors.Is(hctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut && ctx.Err() == nil && !errors.Is(err, ErrAuth) {
			err = &ConnectionError{Provider: s.adapter.Name(), Op: "handshake", Err: fmt.Errorf("timed out after %s: %w", s.cfg.HandshakeTimeout, err)}
		}
		s.adapter.Close()
		return false, err
	}

	defer func() {
		s.mu.Lock()
		s.state = StateErrored
		s.pending = nil
		s.mu.Unlock()
		s.adapter.Close()
	}()

	s.setState(StateAuthenticated)

	symbols := s.demand.DemandSet()
	if len(symbols) > 0 {
		s.io.Lock()
		err := s.adapter.Subscribe(ctx, symbols)
		s.io.Unlock()
		if err != nil {
			return true, &ConnectionError{Provider: s.adapter.Name(), Op: "replay", Err: err}
		}
	}
	s.logger.Info("Upstream authenticated, demand replayed", zap.Strings("symbols", symbols))

	if err := s.drainPending(ctx); err != nil {
		return true, &ConnectionError{Provider: s.adapter.Name(), Op: "replay", Err: err}
	}

	s.setState(StateStreaming)
	err = s.adapter.Stream(ctx, s.onFrame)
	if err == nil {
		err = &ConnectionError{Provider: s.adapter.Name(), Op: "stream", Err: errors.New("stream ended")}
	}
	return true, err
}

// drainPending applies queued ops until the queue is observed empty, then
// leaves Authenticated so later calls go straight to the adapter.
func (s *Supervisor) drainPending(ctx context.Context) error {
	for {
		s.mu.Lock()
		pending := s.pending
		s.pending = nil
		if len(pending) == 0 {
			s.state = StateSubscribed
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		s.io.Lock()
		for _, op := range pending {
			if err := s.apply(ctx, op); err != nil {
				s.io.Unlock()
				return err
			}
		}
		s.io.Unlock()
	}
}

// onFrame forwards whatever the frame decoded to, even when part of it was
// rejected.
func (s *Supervisor) onFrame(raw []byte) {
	ticks, err := s.adapter.Decode(raw)
	for _, t := range ticks {
		t.Provider = s.adapter.Name()
		s.sink.Submit(t)
	}
	if err != nil {
		s.logger.Warn("Dropping malformed frame data", zap.Error(err),
			zap.Int("bytes", len(raw)), zap.Int("forwarded", len(ticks)))
	}
}

// Subscribe forwards a demand increase. While offline it is a no-op: the
// next connection replays the demand set instead.
func (s *Supervisor) Subscribe(ctx context.Context, symbols []string) error {
	return s.enqueue(ctx, pendingOp{kind: opSubscribe, symbols: append([]string(nil), symbols...)})
}

func (s *Supervisor) Unsubscribe(ctx context.Context, symbols []string) error {
	return s.enqueue(ctx, pendingOp{kind: opUnsubscribe, symbols: append([]string(nil), symbols...)})
}

func (s *Supervisor) enqueue(ctx context.Context, op pendingOp) error {
	s.mu.Lock()
	switch s.state {
	case StateAuthenticated:
		s.pending = append(s.pending, op)
		s.mu.Unlock()
		return nil
	case StateSubscribed, StateStreaming:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return nil
	}

	s.io.Lock()
	defer s.io.Unlock()
	// The session may have ended while waiting; the next one replays demand.
	if st := s.State(); st != StateSubscribed && st != StateStreaming {
		return nil
	}
	return s.apply(ctx, op)
}

func (s *Supervisor) apply(ctx context.Context, op pendingOp) error {
	if op.kind == opSubscribe {
		return s.adapter.Subscribe(ctx, op.symbols)
	}
	return s.adapter.Unsubscribe(ctx, op.symbols)
}

func (s *Supervisor) authDelay(failures int) time.Duration {
	d := s.cfg.AuthBackoff
	if d <= 0 {
		d = s.cfg.Backoff
	}
	for i := 1; i < failures; i++ {
		d *= 2
		if s.cfg.AuthBackoffMax > 0 && d >= s.cfg.AuthBackoffMax {
			return s.cfg.AuthBackoffMax
		}
	}
	return d
}
