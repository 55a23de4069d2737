package seed

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// Loader runs a chain of sources. Earlier sources take precedence; later
// ones are only asked for symbols that still lack a previous close and only
// fill fields that are still empty.
type Loader struct {
	sources []Source
	target  Target
	logger  *zap.Logger
}

func NewLoader(target Target, logger *zap.Logger, sources ...Source) *Loader {
	return &Loader{sources: sources, target: target, logger: logger}
}

// Load seeds symbols into the target and returns how many were newly seeded.
// Source failures are logged and skipped. A symbol no source could complete
// is still seeded when some source knew it, with the current price standing
// in for the missing previous close.
func (l *Loader) Load(ctx context.Context, symbols []string) int {
	found := make(map[string]models.Profile)
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" || l.target.Has(sym) {
			continue
		}
		found[sym] = models.Profile{Symbol: sym}
	}

	for _, src := range l.sources {
		missing := incomplete(found)
		if len(missing) == 0 {
			break
		}
		profiles, err := src.Profiles(ctx, missing)
		if err != nil {
			l.logger.Warn("Seed source failed", zap.String("source", src.Name()), zap.Error(err))
		}
		for _, p := range profiles {
			p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
			if p.Symbol == "" || l.target.Has(p.Symbol) {
				continue
			}
			prev, ok := found[p.Symbol]
			if !ok {
				prev = models.Profile{Symbol: p.Symbol}
			}
			found[p.Symbol] = merge(prev, p)
		}
		if ctx.Err() != nil {
			break
		}
	}

	seeded := 0
	var skipped []string
	for sym, p := range found {
		if !complete(p) && p.Price == 0 {
			skipped = append(skipped, sym)
			continue
		}
		if p.PrevClose == 0 {
			p.PrevClose = p.Price
		}
		if l.target.Seed(p) {
			seeded++
		}
	}
	if len(skipped) > 0 {
		sort.Strings(skipped)
		l.logger.Warn("No seed data for symbols, their ticks will be dropped", zap.Strings("symbols", skipped))
	}
	l.logger.Info("Cache primed", zap.Int("seeded", seeded))
	return seeded
}

func incomplete(found map[string]models.Profile) []string {
	var out []string
	for sym, p := range found {
		if !complete(p) {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// OnDemand seeds symbols that gain demand after startup. Ensure returns
// immediately; concurrent requests for the same symbol share one load.
type OnDemand struct {
	loader  *Loader
	target  Target
	timeout time.Duration
	logger  *zap.Logger

	group singleflight.Group
	wg    sync.WaitGroup
}

func NewOnDemand(loader *Loader, target Target, timeout time.Duration, logger *zap.Logger) *OnDemand {
	return &OnDemand{loader: loader, target: target, timeout: timeout, logger: logger}
}

func (o *OnDemand) Ensure(symbol string) {
	if o.target.Has(symbol) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.group.Do(symbol, func() (interface{}, error) {
			if o.target.Has(symbol) {
				return nil, nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
			defer cancel()
			if o.loader.Load(ctx, []string{symbol}) > 0 {
				o.logger.Info("Seeded on demand", zap.String("symbol", symbol))
			}
			return nil, nil
		})
	}()
}

// Wait blocks until in-flight loads finish.
func (o *OnDemand) Wait() {
	o.wg.Wait()
}
