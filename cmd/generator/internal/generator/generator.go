// Package generator simulates a trade feed so the relay can run end to end
// without provider credentials.
package generator

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

const (
	defaultBasePrice = 100.0
	// maxStep is the largest relative move of a single trade (0.5%).
	maxStep = 0.005
	// maxDrift bounds the walk around the base price.
	maxDrift = 0.5
)

type TradeGenerator struct {
	logger    *zap.Logger
	publisher Publisher
	tickers   []string
	base      map[string]float64
	prices    map[string]float64
	rand      Rand
	clock     Clock
	interval  time.Duration
}

func NewTradeGenerator(
	logger *zap.Logger,
	publisher Publisher,
	tickers []string,
	basePrices map[string]float64,
	rnd Rand,
	clock Clock,
	interval time.Duration,
) *TradeGenerator {
	base := make(map[string]float64, len(tickers))
	prices := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		base[t] = defaultBasePrice
		if p, ok := basePrices[t]; ok && p > 0 {
			base[t] = p
		}
		prices[t] = base[t]
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &TradeGenerator{
		logger:    logger,
		publisher: publisher,
		tickers:   tickers,
		base:      base,
		prices:    prices,
		rand:      rnd,
		clock:     clock,
		interval:  interval,
	}
}

func (g *TradeGenerator) Run(ctx context.Context) {
	g.logger.Info("Generator Started", zap.Strings("tickers", g.tickers))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if len(g.tickers) == 0 {
				g.clock.Sleep(1 * time.Second)
				continue
			}

			trade := g.Next()
			if err := g.publisher.Publish(ctx, trade); err != nil {
				g.logger.Error("Publish Error", zap.String("symbol", trade.Symbol), zap.Error(err))
			} else {
				g.logger.Debug("Sent trade", zap.String("symbol", trade.Symbol), zap.Float64("price", trade.Price))
			}

			g.clock.Sleep(g.interval)
		}
	}
}

// Next picks a ticker and walks its price by at most maxStep either way,
// staying within maxDrift of the base price.
func (g *TradeGenerator) Next() models.FinnhubTradeData {
	symbol := g.tickers[g.rand.Intn(len(g.tickers))]
	step := (g.rand.Float64()*2 - 1) * maxStep
	price := math.Round(g.prices[symbol]*(1+step)*100) / 100

	base := g.base[symbol]
	price = math.Max(price, math.Round(base*(1-maxDrift)*100)/100)
	price = math.Min(price, math.Round(base*(1+maxDrift)*100)/100)
	g.prices[symbol] = price

	return models.FinnhubTradeData{
		Symbol:    symbol,
		Price:     price,
		Timestamp: g.clock.Now().UnixMilli(),
		Volume:    float64(g.rand.Intn(500) + 1),
	}
}
