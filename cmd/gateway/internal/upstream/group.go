package upstream

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Group fans demand transitions out to every supervised adapter and runs
// them side by side. One adapter backing off never delays the others.
type Group struct {
	mu      sync.RWMutex
	members []*Supervisor
	logger  *zap.Logger
}

func NewGroup(logger *zap.Logger) *Group {
	return &Group{logger: logger}
}

func (g *Group) Add(s *Supervisor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, s)
}

func (g *Group) snapshot() []*Supervisor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Supervisor(nil), g.members...)
}

func (g *Group) Subscribe(ctx context.Context, symbols []string) error {
	var errs []error
	for _, s := range g.snapshot() {
		if err := s.Subscribe(ctx, symbols); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Group) Unsubscribe(ctx context.Context, symbols []string) error {
	var errs []error
	for _, s := range g.snapshot() {
		if err := s.Unsubscribe(ctx, symbols); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run starts every supervisor and waits for all of them to stop.
func (g *Group) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range g.snapshot() {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil {
				g.logger.Error("Upstream stopped", zap.String("provider", s.Name()), zap.Error(err))
			}
		}(s)
	}
	wg.Wait()
}

// States reports the lifecycle state of each provider.
func (g *Group) States() map[string]string {
	out := make(map[string]string)
	for _, s := range g.snapshot() {
		out[s.Name()] = s.State().String()
	}
	return out
}
