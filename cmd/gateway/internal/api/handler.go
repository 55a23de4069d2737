// Package api exposes the quote cache and relay health over HTTP.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

type QuoteReader interface {
	Get(symbol string) (models.CachedQuote, bool)
	Snapshot() []models.CardUpdate
	SnapshotOf(symbols []string) []models.CardUpdate
	Len() int
}

type StateReporter interface {
	States() map[string]string
}

type ClientCounter interface {
	ClientCount() int
}

type Handler struct {
	quotes  QuoteReader
	states  StateReporter
	clients ClientCounter
}

func NewHandler(quotes QuoteReader, states StateReporter, clients ClientCounter) *Handler {
	return &Handler{quotes: quotes, states: states, clients: clients}
}

// GetQuotes returns every cached card ordered by symbol, or only the
// comma separated ?symbols= when given.
func (hd *Handler) GetQuotes(ctx *gin.Context) {
	var q QuotesQuery
	if err := ctx.ShouldBindQuery(&q); err != nil {
		ctx.Error(err)
		return
	}

	var cards []models.CardUpdate
	if q.Symbols == "" {
		cards = hd.quotes.Snapshot()
	} else {
		var symbols []string
		for _, s := range strings.Split(q.Symbols, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				symbols = append(symbols, s)
			}
		}
		cards = hd.quotes.SnapshotOf(symbols)
	}

	ctx.JSON(http.StatusOK, Res{Success: true, Data: QuotesRes{Quotes: cards}})
}

func (hd *Handler) GetQuote(ctx *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(ctx.Param("symbol")))
	q, ok := hd.quotes.Get(symbol)
	if !ok {
		ctx.Error(ErrUnknownSymbol)
		return
	}
	ctx.JSON(http.StatusOK, Res{Success: true, Data: q.Card()})
}

// Health reports the state of every provider. It answers 503 when no
// provider is streaming.
func (hd *Handler) Health(ctx *gin.Context) {
	states := hd.states.States()
	status := http.StatusServiceUnavailable
	for _, s := range states {
		if s == "streaming" {
			status = http.StatusOK
			break
		}
	}

	res := HealthRes{
		Status:    "ok",
		Providers: states,
		Clients:   hd.clients.ClientCount(),
		Symbols:   hd.quotes.Len(),
	}
	if status != http.StatusOK {
		res.Status = "degraded"
	}
	ctx.JSON(status, Res{Success: status == http.StatusOK, Data: res})
}

// NewRouter wires the handlers. ws serves the websocket upgrade and is kept
// outside the request timeout.
func NewRouter(hd *Handler, ws gin.HandlerFunc, timeout time.Duration, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger), Error())

	r.GET("/healthz", hd.Health)
	if ws != nil {
		r.GET("/ws", ws)
	}

	v1 := r.Group("/api/v1", Timeout(timeout))
	{
		v1.GET("/quotes", hd.GetQuotes)
		v1.GET("/quotes/:symbol", hd.GetQuote)
	}
	return r
}
