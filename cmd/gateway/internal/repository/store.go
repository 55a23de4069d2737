package repository

import (
	"context"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// QuoteMirror keeps an external copy of the latest quote per symbol so other
// services can read prices without a websocket.
type QuoteMirror interface {
	Put(q models.CachedQuote)
	Flush(ctx context.Context) error
	GetSnapshots(ctx context.Context, symbols []string) ([]models.CachedQuote, error)
	Run(ctx context.Context)
	Close() error
}
