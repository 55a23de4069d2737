// Package cache holds the authoritative in-memory quote per symbol.
//
// Every symbol owns an atomic pointer to an immutable CachedQuote. Writers
// build a fresh value and swap it in, so readers always observe a complete
// record. Entries are created by seeding and never removed.
package cache

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

type entry struct {
	quote atomic.Pointer[models.CachedQuote]
}

type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Seed installs the profile of a symbol. The first seed wins: prevClose is
// the session baseline and stays fixed afterwards. Returns false when the
// symbol was already seeded.
func (c *Cache) Seed(p models.Profile) bool {
	sym := Normalize(p.Symbol)
	if sym == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[sym]; ok {
		return false
	}

	name := p.CompanyName
	if name == "" {
		name = sym
	}
	price := p.Price
	if price == 0 {
		price = p.PrevClose
	}
	change, pct := models.PriceChange(price, p.PrevClose)

	e := &entry{}
	e.quote.Store(&models.CachedQuote{
		Symbol:      sym,
		CompanyName: name,
		Logo:        p.Logo,
		Price:       price,
		PrevClose:   p.PrevClose,
		Change:      change,
		Percent:     pct,
		Category:    p.Category,
		UpdatedAt:   c.now(),
	})
	c.entries[sym] = e
	return true
}

// Apply records a trade price for an already seeded symbol and returns the
// new quote. Unknown symbols are reported with ok == false.
//
// Callers must serialize Apply per symbol; the dispatcher does so by
// sharding ticks on the symbol.
func (c *Cache) Apply(symbol string, price float64) (models.CachedQuote, bool) {
	e := c.lookup(symbol)
	if e == nil {
		return models.CachedQuote{}, false
	}

	next := *e.quote.Load()
	next.Price = price
	next.Change, next.Percent = models.PriceChange(price, next.PrevClose)
	next.UpdatedAt = c.now()
	e.quote.Store(&next)

	return next, true
}

func (c *Cache) Get(symbol string) (models.CachedQuote, bool) {
	e := c.lookup(symbol)
	if e == nil {
		return models.CachedQuote{}, false
	}
	return *e.quote.Load(), true
}

func (c *Cache) Has(symbol string) bool {
	return c.lookup(symbol) != nil
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Symbols returns all seeded symbols in ascending order.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.entries))
	for sym := range c.entries {
		out = append(out, sym)
	}
	c.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Snapshot returns the card view of every cached quote ordered by symbol.
func (c *Cache) Snapshot() []models.CardUpdate {
	return c.SnapshotOf(c.Symbols())
}

// SnapshotOf returns the card view of the given symbols, in the given order,
// skipping unknown ones.
func (c *Cache) SnapshotOf(symbols []string) []models.CardUpdate {
	out := make([]models.CardUpdate, 0, len(symbols))
	for _, sym := range symbols {
		if q, ok := c.Get(sym); ok {
			out = append(out, q.Card())
		}
	}
	return out
}

func (c *Cache) lookup(symbol string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[Normalize(symbol)]
}

// Normalize returns the canonical form of a ticker symbol.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
