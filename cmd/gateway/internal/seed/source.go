// Package seed loads the static profile of each symbol (name, logo,
// previous close) into the quote cache before its first tick.
package seed

import (
	"context"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// Source returns the profiles it knows for symbols. A source may return
// fewer profiles than asked for, and may return partial profiles that a
// later source completes.
type Source interface {
	Name() string
	Profiles(ctx context.Context, symbols []string) ([]models.Profile, error)
}

// Target is the cache being seeded.
type Target interface {
	Seed(p models.Profile) bool
	Has(symbol string) bool
}

// complete reports whether p carries a baseline price.
func complete(p models.Profile) bool {
	return p.PrevClose > 0
}

// merge fills the empty fields of dst from src.
func merge(dst, src models.Profile) models.Profile {
	if dst.CompanyName == "" || dst.CompanyName == dst.Symbol {
		if src.CompanyName != "" {
			dst.CompanyName = src.CompanyName
		}
	}
	if dst.Logo == "" {
		dst.Logo = src.Logo
	}
	if dst.PrevClose == 0 {
		dst.PrevClose = src.PrevClose
	}
	if dst.Price == 0 {
		dst.Price = src.Price
	}
	if dst.Category == "" {
		dst.Category = src.Category
	}
	return dst
}
