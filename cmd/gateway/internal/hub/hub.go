package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/stock-relay/pkg/models"
)

var (
	ErrInvalidSymbol  = errors.New("invalid symbol")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClientClosed   = errors.New("client closed")
	ErrHubClosed      = errors.New("hub closed")
)

const upstreamTimeout = 5 * time.Second

type ClientInterface interface {
	ID() string
	SendJSON(v interface{}) error
	SendBytes(b []byte) error
	Close()
}

// Upstream is the handle through which demand transitions reach the
// providers.
type Upstream interface {
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
}

// QuoteSource supplies the current card of a symbol for initial population.
type QuoteSource interface {
	SnapshotOf(symbols []string) []models.CardUpdate
	Has(symbol string) bool
}

// Seeder seeds symbols the cache does not know yet. Ensure must not block.
type Seeder interface {
	Ensure(symbol string)
}

type clientState struct {
	client ClientInterface
	cards  map[string]bool
	focus  string
}

// Hub is the subscription manager. It owns the per-connection interest,
// the symbol -> connection indexes used for fan-out and the demand counter
// that drives upstream subscriptions. A single mutex linearizes every
// mutation. Upstream calls run after the mutex is released, in the order
// their mutations were applied.
type Hub struct {
	clients     map[string]*clientState
	subscribers map[string]map[string]ClientInterface // card index
	focused     map[string]map[string]ClientInterface // focus index
	refCount    map[string]int
	pinned      map[string]bool

	upstream     Upstream
	quotes       QuoteSource
	seeder       Seeder
	validTickers map[string]bool
	validate     *validator.Validate
	logger       *zap.Logger
	mu           sync.RWMutex
	closed       bool

	order turns
}

type Option func(*Hub)

// WithValidTickers restricts accepted symbols. An empty list accepts any
// well-formed symbol.
func WithValidTickers(tickers []string) Option {
	return func(h *Hub) {
		for _, t := range tickers {
			h.validTickers[normalize(t)] = true
		}
	}
}

func WithSeeder(s Seeder) Option {
	return func(h *Hub) { h.seeder = s }
}

func NewHub(upstream Upstream, quotes QuoteSource, logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:      make(map[string]*clientState),
		subscribers:  make(map[string]map[string]ClientInterface),
		focused:      make(map[string]map[string]ClientInterface),
		refCount:     make(map[string]int),
		pinned:       make(map[string]bool),
		upstream:     upstream,
		quotes:       quotes,
		validTickers: make(map[string]bool),
		validate:     validator.New(),
		logger:       logger,
	}
	h.order.cond = sync.NewCond(&h.order.mu)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// batch collects the upstream transitions of one mutation. A non-empty batch
// takes a turn while the hub lock is held and is sent once that turn comes up.
type batch struct {
	sub    []string
	unsub  []string
	turn   uint64
	queued bool
}

// turns hands out tickets so upstream batches go out one at a time in
// mutation order.
type turns struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

// Pin keeps symbols subscribed upstream regardless of demand.
func (h *Hub) Pin(symbols ...string) {
	h.mu.Lock()

	var b batch
	for _, s := range symbols {
		sym := normalize(s)
		if sym == "" || h.pinned[sym] {
			continue
		}
		h.pinned[sym] = true
		if h.refCount[sym] == 0 {
			b.sub = append(b.sub, sym)
		}
	}
	h.reserve(&b)
	h.mu.Unlock()

	h.flush(b)
}

func (h *Hub) Register(client ClientInterface) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		client.Close()
		return
	}
	h.state(client)
	h.mu.Unlock()
}

func (h *Hub) HandleCommand(client ClientInterface, req protocol.Request) {
	switch req.Event {
	case protocol.EventSubscribeStock:
		sym, err := req.Symbol()
		if err != nil {
			h.sendError(client, req.ID, "Expected a symbol")
			return
		}
		added, err := h.JoinBroadcast(client, sym)
		if err != nil {
			h.sendError(client, req.ID, err.Error())
			return
		}
		if added {
			h.sendAck(client, req.ID, fmt.Sprintf("Subscribed to %s", normalize(sym)))
		} else {
			h.sendAck(client, req.ID, fmt.Sprintf("Already subscribed to %s", normalize(sym)))
		}

	case protocol.EventSubscribeSingle:
		sym, err := req.Symbol()
		if err != nil {
			h.sendError(client, req.ID, "Expected a symbol")
			return
		}
		if err := h.Focus(client, sym); err != nil {
			h.sendError(client, req.ID, err.Error())
			return
		}
		h.sendAck(client, req.ID, fmt.Sprintf("Focused on %s", normalize(sym)))

	case protocol.EventUnsubscribeSingle:
		h.Unfocus(client)
		h.sendAck(client, req.ID, "Unsubscribed from single-stock")

	case protocol.EventSubscribeMulti:
		syms, err := req.Symbols()
		if err != nil {
			h.sendError(client, req.ID, "Expected a list of symbols")
			return
		}
		accepted, rejected := h.AdjustMultiSymbolSet(client, syms)
		if len(accepted) == 0 && len(rejected) > 0 {
			h.sendError(client, req.ID, fmt.Sprintf("No valid symbols in %v, watchlist unchanged", rejected))
			return
		}
		msg := fmt.Sprintf("Watching %v", accepted)
		if len(rejected) > 0 {
			msg += fmt.Sprintf(", rejected %v", rejected)
		}
		h.sendAck(client, req.ID, msg)

	default:
		h.sendError(client, req.ID, "Unknown event: "+req.Event)
	}
}

// JoinBroadcast adds symbol to the card set of client. It reports whether
// the membership is new; repeating the call is a no-op.
func (h *Hub) JoinBroadcast(client ClientInterface, symbol string) (bool, error) {
	sym, err := h.canonical(symbol)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false, ErrHubClosed
	}
	var b batch
	cs := h.state(client)
	added := h.addCard(cs, sym, &b)
	var sendErr error
	if added {
		sendErr = h.sendSnapshot(client, sym)
	}
	h.reserve(&b)
	h.mu.Unlock()

	h.flush(b)
	if sendErr != nil {
		h.evict(client, sym)
		return false, sendErr
	}
	return added, nil
}

// Focus makes symbol the single focus of client, replacing any prior focus.
func (h *Hub) Focus(client ClientInterface, symbol string) error {
	sym, err := h.canonical(symbol)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	var b batch
	h.setFocus(h.state(client), sym, &b)
	h.reserve(&b)
	h.mu.Unlock()

	h.flush(b)
	return nil
}

func (h *Hub) Unfocus(client ClientInterface) {
	h.mu.Lock()
	var b batch
	if cs, ok := h.clients[client.ID()]; ok {
		h.setFocus(cs, "", &b)
	}
	h.reserve(&b)
	h.mu.Unlock()

	h.flush(b)
}

// AdjustMultiSymbolSet replaces the card set of client with symbols.
// Invalid symbols are skipped and returned as rejected. When every symbol is
// rejected the current set is left as it is.
func (h *Hub) AdjustMultiSymbolSet(client ClientInterface, symbols []string) (accepted, rejected []string) {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		sym, err := h.canonical(s)
		if err != nil {
			rejected = append(rejected, s)
			continue
		}
		if !want[sym] {
			want[sym] = true
			accepted = append(accepted, sym)
		}
	}

	if len(accepted) == 0 && len(symbols) > 0 {
		return nil, rejected
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, rejected
	}
	var b batch
	cs := h.state(client)
	for sym := range cs.cards {
		if !want[sym] {
			h.removeCard(cs, sym, &b)
		}
	}
	var added []string
	for _, sym := range accepted {
		if h.addCard(cs, sym, &b) {
			added = append(added, sym)
		}
	}
	sendErr := h.sendSnapshot(client, added...)
	h.reserve(&b)
	h.mu.Unlock()

	h.flush(b)
	if sendErr != nil {
		h.evict(client, strings.Join(added, ","))
	}
	return accepted, rejected
}

// LeaveAll removes client from every card membership and its focus slot.
// The client stays registered.
func (h *Hub) LeaveAll(client ClientInterface) {
	h.mu.Lock()
	var b batch
	if cs, ok := h.clients[client.ID()]; ok {
		h.leaveAll(cs, &b)
	}
	h.reserve(&b)
	h.mu.Unlock()

	h.flush(b)
}

// Unregister is the disconnect path: LeaveAll, forget the client and close it.
func (h *Hub) Unregister(client ClientInterface) {
	b := h.detach(client)
	client.Close()
	h.flush(b)
}

// Close unregisters every client. Clients registering afterwards are closed
// immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]ClientInterface, 0, len(h.clients))
	for _, cs := range h.clients {
		clients = append(clients, cs.client)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
	h.logger.Info("Hub closed", zap.Int("clients", len(clients)))
}

func (h *Hub) detach(client ClientInterface) batch {
	h.mu.Lock()
	defer h.mu.Unlock()

	var b batch
	if cs, ok := h.clients[client.ID()]; ok {
		h.leaveAll(cs, &b)
		delete(h.clients, client.ID())
	}
	h.reserve(&b)
	return b
}

func (h *Hub) evict(client ClientInterface, symbol string) {
	h.logger.Warn("Evicting client", zap.String("client", client.ID()), zap.String("symbol", symbol))
	h.Unregister(client)
}

// Deliver fans a card update out to the card index of its symbol and a
// single update to the connections focused on it. Sends never block; a
// connection that cannot accept the message is evicted.
func (h *Hub) Deliver(card models.CardUpdate) {
	var evict []ClientInterface

	h.mu.RLock()
	if cards := h.subscribers[card.Symbol]; len(cards) > 0 {
		msg, err := json.Marshal(protocol.Message{Event: protocol.EventStockUpdate, Data: card})
		if err == nil {
			for _, c := range cards {
				if err := c.SendBytes(msg); err != nil {
					evict = append(evict, c)
				}
			}
		}
	}
	if focus := h.focused[card.Symbol]; len(focus) > 0 {
		msg, err := json.Marshal(protocol.Message{
			Event: protocol.EventSingleUpdate,
			Data:  models.SingleUpdate{Symbol: card.Symbol, Price: card.Price},
		})
		if err == nil {
			for _, c := range focus {
				if err := c.SendBytes(msg); err != nil {
					evict = append(evict, c)
				}
			}
		}
	}
	h.mu.RUnlock()

	// The dispatcher must not wait on upstream I/O, so only the registry
	// cleanup happens inline.
	for _, c := range evict {
		h.logger.Warn("Evicting client", zap.String("client", c.ID()), zap.String("symbol", card.Symbol))
		b := h.detach(c)
		c.Close()
		if b.queued {
			go h.flush(b)
		}
	}
}

// Demand returns the number of interest sources for symbol: one per card
// membership plus one if any connection focuses it.
func (h *Hub) Demand(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.refCount[normalize(symbol)]
}

// DemandSet returns every symbol that must be subscribed upstream right now,
// sorted.
func (h *Hub) DemandSet() []string {
	h.mu.RLock()
	set := make(map[string]bool, len(h.refCount)+len(h.pinned))
	for sym, n := range h.refCount {
		if n > 0 {
			set[sym] = true
		}
	}
	for sym := range h.pinned {
		set[sym] = true
	}
	h.mu.RUnlock()

	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Interest reports the card set and focus of a connection.
func (h *Hub) Interest(client ClientInterface) (cards []string, focus string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cs, ok := h.clients[client.ID()]
	if !ok {
		return nil, ""
	}
	for sym := range cs.cards {
		cards = append(cards, sym)
	}
	sort.Strings(cards)
	return cards, cs.focus
}

// The helpers below require h.mu to be held for writing.

func (h *Hub) state(client ClientInterface) *clientState {
	cs, ok := h.clients[client.ID()]
	if !ok {
		cs = &clientState{client: client, cards: make(map[string]bool)}
		h.clients[client.ID()] = cs
	}
	return cs
}

func (h *Hub) addCard(cs *clientState, sym string, b *batch) bool {
	if cs.cards[sym] {
		return false
	}
	cs.cards[sym] = true
	if h.subscribers[sym] == nil {
		h.subscribers[sym] = make(map[string]ClientInterface)
	}
	h.subscribers[sym][cs.client.ID()] = cs.client
	h.increaseRefCount(sym, b)
	return true
}

func (h *Hub) removeCard(cs *clientState, sym string, b *batch) {
	if !cs.cards[sym] {
		return
	}
	delete(cs.cards, sym)
	delete(h.subscribers[sym], cs.client.ID())
	if len(h.subscribers[sym]) == 0 {
		delete(h.subscribers, sym)
	}
	h.decreaseRefCount(sym, b)
}

// setFocus moves the focus of cs to sym ("" clears it). The focus index
// contributes one unit of demand per symbol however many connections share it.
func (h *Hub) setFocus(cs *clientState, sym string, b *batch) {
	if cs.focus == sym {
		return
	}
	id := cs.client.ID()
	if prev := cs.focus; prev != "" {
		delete(h.focused[prev], id)
		if len(h.focused[prev]) == 0 {
			delete(h.focused, prev)
			h.decreaseRefCount(prev, b)
		}
	}
	cs.focus = sym
	if sym == "" {
		return
	}
	if h.focused[sym] == nil {
		h.focused[sym] = make(map[string]ClientInterface)
	}
	h.focused[sym][id] = cs.client
	if len(h.focused[sym]) == 1 {
		h.increaseRefCount(sym, b)
	}
}

func (h *Hub) leaveAll(cs *clientState, b *batch) {
	for sym := range cs.cards {
		h.removeCard(cs, sym, b)
	}
	h.setFocus(cs, "", b)
}

func (h *Hub) increaseRefCount(sym string, b *batch) {
	h.refCount[sym]++
	if h.refCount[sym] != 1 {
		return
	}
	if !h.pinned[sym] {
		b.sub = append(b.sub, sym)
	}
	if h.seeder != nil && h.quotes != nil && !h.quotes.Has(sym) {
		h.seeder.Ensure(sym)
	}
}

func (h *Hub) decreaseRefCount(sym string, b *batch) {
	h.refCount[sym]--
	if h.refCount[sym] <= 0 {
		delete(h.refCount, sym)
		if !h.pinned[sym] {
			b.unsub = append(b.unsub, sym)
		}
	}
}

// reserve takes the next upstream turn for a non-empty batch. Requires h.mu.
func (h *Hub) reserve(b *batch) {
	if h.upstream == nil || (len(b.sub) == 0 && len(b.unsub) == 0) {
		return
	}
	h.order.mu.Lock()
	b.turn = h.order.next
	h.order.next++
	h.order.mu.Unlock()
	b.queued = true
}

// flush waits for the turn of b and sends it. Must be called without h.mu.
func (h *Hub) flush(b batch) {
	if !b.queued {
		return
	}
	h.order.mu.Lock()
	for h.order.serving != b.turn {
		h.order.cond.Wait()
	}
	h.order.mu.Unlock()
	defer func() {
		h.order.mu.Lock()
		h.order.serving++
		h.order.cond.Broadcast()
		h.order.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
	defer cancel()

	if len(b.unsub) > 0 {
		if err := h.upstream.Unsubscribe(ctx, b.unsub); err != nil {
			h.logger.Error("Failed to unsubscribe upstream", zap.Strings("symbols", b.unsub), zap.Error(err))
		}
	}
	if len(b.sub) > 0 {
		if err := h.upstream.Subscribe(ctx, b.sub); err != nil {
			h.logger.Error("Failed to subscribe upstream", zap.Strings("symbols", b.sub), zap.Error(err))
		}
	}
}

// sendSnapshot pushes the current cards so a new subscriber does not wait
// for the next trade. It runs under the hub lock so it cannot overtake a
// newer Deliver for the same symbol. A send error means the client must go.
func (h *Hub) sendSnapshot(client ClientInterface, symbols ...string) error {
	if h.quotes == nil || len(symbols) == 0 {
		return nil
	}
	for _, card := range h.quotes.SnapshotOf(symbols) {
		msg, err := json.Marshal(protocol.Message{Event: protocol.EventStockUpdate, Data: card})
		if err != nil {
			continue
		}
		if err := client.SendBytes(msg); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) canonical(symbol string) (string, error) {
	sym := normalize(symbol)
	if err := h.validate.Var(sym, "required,max=32,printascii"); err != nil || strings.ContainsAny(sym, " \t") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if len(h.validTickers) > 0 && !h.validTickers[sym] {
		return "", fmt.Errorf("%w: %q is not tradable", ErrInvalidSymbol, sym)
	}
	return sym, nil
}

func (h *Hub) sendAck(c ClientInterface, id, msg string) {
	_ = c.SendJSON(protocol.Message{Event: protocol.EventAck, ID: id, Data: protocol.Reply{Status: "success", Message: msg}})
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	_ = c.SendJSON(protocol.Message{Event: protocol.EventError, ID: id, Data: protocol.Reply{Status: "error", Message: msg}})
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
