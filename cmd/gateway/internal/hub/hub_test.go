package hub_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/cache"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/testutils"
	"github.com/shubham-shewale/stock-relay/pkg/models"
)

func setup(opts ...hub.Option) (*hub.Hub, *testutils.MockUpstream, *cache.Cache) {
	up := testutils.NewMockUpstream()
	c := cache.New()
	c.Seed(models.Profile{Symbol: "AAPL", CompanyName: "Apple Inc", PrevClose: 150})
	c.Seed(models.Profile{Symbol: "TSLA", CompanyName: "Tesla Inc", PrevClose: 200})
	return hub.NewHub(up, c, zap.NewNop(), opts...), up, c
}

func request(event string, data interface{}, id string) protocol.Request {
	raw, _ := json.Marshal(data)
	return protocol.Request{Event: event, Data: raw, ID: id}
}

func TestHub_Subscribe_Success(t *testing.T) {
	h, up, _ := setup()
	client := testutils.NewMockClient("c1")

	h.HandleCommand(client, request(protocol.EventSubscribeStock, "AAPL", "req-1"))

	msg, reply := client.LastReply()
	if msg.Event != protocol.EventAck || msg.ID != "req-1" {
		t.Errorf("Expected ack for req-1, got %+v", msg)
	}
	if !strings.Contains(reply.Message, "AAPL") {
		t.Errorf("Ack should name the symbol, got %q", reply.Message)
	}
	if up.Count("AAPL") != 1 {
		t.Errorf("Expected upstream subscription to AAPL")
	}
	if h.Demand("AAPL") != 1 {
		t.Errorf("Expected demand 1, got %d", h.Demand("AAPL"))
	}
}

func TestHub_Subscribe_SendsSnapshot(t *testing.T) {
	h, _, _ := setup()
	client := testutils.NewMockClient("c1")

	h.HandleCommand(client, request(protocol.EventSubscribeStock, "aapl", ""))

	cards := client.Cards()
	if len(cards) != 1 {
		t.Fatalf("Expected one snapshot card, got %d", len(cards))
	}
	if cards[0].Symbol != "AAPL" || cards[0].Price != 150 {
		t.Errorf("Unexpected snapshot %+v", cards[0])
	}
}

func TestHub_Subscribe_Idempotency(t *testing.T) {
	h, up, _ := setup()
	client := testutils.NewMockClient("c1")
	req := request(protocol.EventSubscribeStock, "AAPL", "")

	h.HandleCommand(client, req)
	h.HandleCommand(client, req)

	// Upstream should still have count 1, not 2
	if up.Count("AAPL") != 1 {
		t.Errorf("Upstream should only subscribe once per unique symbol")
	}
	if h.Demand("AAPL") != 1 {
		t.Errorf("Repeated join must not raise demand, got %d", h.Demand("AAPL"))
	}
	if len(client.Cards()) != 1 {
		t.Errorf("Snapshot should be sent only on the first join")
	}
}

func TestHub_Subscribe_InvalidSymbol(t *testing.T) {
	h, up, _ := setup(hub.WithValidTickers([]string{"AAPL", "TSLA"}))
	client := testutils.NewMockClient("c1")

	for _, bad := range []string{"", "   ", "GOOG", "BRK A"} {
		h.HandleCommand(client, request(protocol.EventSubscribeStock, bad, "bad"))
		if client.LastMsgType() != protocol.EventError {
			t.Errorf("Expected error for %q, got %s", bad, client.LastMsgType())
		}
	}
	if len(up.CallLog()) != 0 {
		t.Errorf("Invalid symbols must not reach upstream: %v", up.CallLog())
	}

	if _, err := h.JoinBroadcast(client, "GOOG"); !errors.Is(err, hub.ErrInvalidSymbol) {
		t.Errorf("Expected ErrInvalidSymbol, got %v", err)
	}
}

func TestHub_UnknownEvent(t *testing.T) {
	h, _, _ := setup()
	client := testutils.NewMockClient("c1")

	h.HandleCommand(client, protocol.Request{Event: "subscribe-to-everything", ID: "x"})

	if client.LastMsgType() != protocol.EventError {
		t.Errorf("Expected error for unknown event")
	}
}

func TestHub_Focus_Replaces(t *testing.T) {
	h, up, _ := setup()
	client := testutils.NewMockClient("c1")

	h.HandleCommand(client, request(protocol.EventSubscribeSingle, "AAPL", ""))
	h.HandleCommand(client, request(protocol.EventSubscribeSingle, "TSLA", ""))

	_, focus := h.Interest(client)
	if focus != "TSLA" {
		t.Errorf("Expected focus TSLA, got %q", focus)
	}
	if h.Demand("AAPL") != 0 || up.Count("AAPL") != 0 {
		t.Errorf("Previous focus should release its demand")
	}
	if h.Demand("TSLA") != 1 || up.Count("TSLA") != 1 {
		t.Errorf("New focus should hold demand")
	}

	h.HandleCommand(client, protocol.Request{Event: protocol.EventUnsubscribeSingle, ID: "u"})
	if h.Demand("TSLA") != 0 || up.Count("TSLA") != 0 {
		t.Errorf("Unfocus should release demand")
	}
	if client.LastMsgType() != protocol.EventAck {
		t.Errorf("Expected ack for unsubscribe-from-single")
	}
}

func TestHub_Focus_SharedCountsOnce(t *testing.T) {
	h, up, _ := setup()
	c1 := testutils.NewMockClient("c1")
	c2 := testutils.NewMockClient("c2")

	h.Focus(c1, "AAPL")
	h.Focus(c2, "AAPL")
	h.JoinBroadcast(c1, "AAPL")

	if h.Demand("AAPL") != 2 {
		t.Errorf("Expected demand 2 (one card + focus), got %d", h.Demand("AAPL"))
	}

	h.Unfocus(c1)
	if h.Demand("AAPL") != 2 {
		t.Errorf("Focus demand stays while c2 still focuses, got %d", h.Demand("AAPL"))
	}
	h.Unfocus(c2)
	if h.Demand("AAPL") != 1 {
		t.Errorf("Expected demand 1 after all unfocus, got %d", h.Demand("AAPL"))
	}
	if up.Count("AAPL") != 1 {
		t.Errorf("Upstream must stay subscribed while demand > 0")
	}
}

func TestHub_MultiSet_Diff(t *testing.T) {
	h, up, _ := setup()
	client := testutils.NewMockClient("c1")

	h.HandleCommand(client, request(protocol.EventSubscribeMulti, []string{"AAPL", "TSLA"}, ""))
	client.Reset()
	h.HandleCommand(client, request(protocol.EventSubscribeMulti, []string{"TSLA", "MSFT", "msft"}, "m2"))

	cards, _ := h.Interest(client)
	if !reflect.DeepEqual(cards, []string{"MSFT", "TSLA"}) {
		t.Errorf("Unexpected card set %v", cards)
	}
	if up.Count("AAPL") != 0 || up.Count("MSFT") != 1 || up.Count("TSLA") != 1 {
		t.Errorf("Unexpected upstream state %v", up.Subscribed)
	}
	// MSFT is unseeded, so no card snapshot; TSLA was already a member.
	if len(client.Cards()) != 0 {
		t.Errorf("Expected no snapshot, got %v", client.Cards())
	}
	msg, _ := client.LastReply()
	if msg.Event != protocol.EventAck || msg.ID != "m2" {
		t.Errorf("Expected ack, got %+v", msg)
	}
}

func TestHub_MultiSet_RejectsInvalid(t *testing.T) {
	h, _, _ := setup(hub.WithValidTickers([]string{"AAPL"}))
	client := testutils.NewMockClient("c1")

	accepted, rejected := h.AdjustMultiSymbolSet(client, []string{"AAPL", "NOPE"})

	if !reflect.DeepEqual(accepted, []string{"AAPL"}) || !reflect.DeepEqual(rejected, []string{"NOPE"}) {
		t.Errorf("accepted=%v rejected=%v", accepted, rejected)
	}
}

func TestHub_MultiSet_AllInvalidKeepsCards(t *testing.T) {
	h, up, _ := setup(hub.WithValidTickers([]string{"AAPL", "TSLA"}))
	client := testutils.NewMockClient("c1")

	h.HandleCommand(client, request(protocol.EventSubscribeMulti, []string{"AAPL", "TSLA"}, ""))
	h.HandleCommand(client, request(protocol.EventSubscribeMulti, []string{"NOPE", "", "BAD SYM"}, "m2"))

	cards, _ := h.Interest(client)
	if !reflect.DeepEqual(cards, []string{"AAPL", "TSLA"}) {
		t.Errorf("Card set should be unchanged, got %v", cards)
	}
	if h.Demand("AAPL") != 1 || up.Count("AAPL") != 1 || up.Count("TSLA") != 1 {
		t.Errorf("Demand should be unchanged, upstream %v", up.Subscribed)
	}
	msg, _ := client.LastReply()
	if msg.Event != protocol.EventError || msg.ID != "m2" {
		t.Errorf("Expected error reply, got %+v", msg)
	}

	// An explicit empty list still clears the set.
	h.AdjustMultiSymbolSet(client, []string{})
	if cards, _ := h.Interest(client); len(cards) != 0 {
		t.Errorf("Empty list should clear the set, got %v", cards)
	}
}

func TestHub_LeaveAll_SingleUnsubscribe(t *testing.T) {
	h, up, _ := setup()
	client := testutils.NewMockClient("c1")

	h.JoinBroadcast(client, "AAPL")
	h.Focus(client, "AAPL")
	h.LeaveAll(client)

	calls := up.CallLog()
	if !reflect.DeepEqual(calls, []string{"sub AAPL", "unsub AAPL"}) {
		t.Errorf("Expected exactly one subscribe and one unsubscribe, got %v", calls)
	}
	if h.ClientCount() != 1 {
		t.Errorf("LeaveAll keeps the client registered")
	}
}

func TestHub_Unregister(t *testing.T) {
	h, up, _ := setup()
	client := testutils.NewMockClient("c1")

	h.JoinBroadcast(client, "AAPL")
	h.JoinBroadcast(client, "TSLA")
	h.Unregister(client)

	if len(up.Subscribed) != 0 {
		t.Errorf("Upstream should be empty after disconnect, got %v", up.Subscribed)
	}
	if h.ClientCount() != 0 {
		t.Errorf("Client should be forgotten")
	}
	if !client.IsClosed() {
		t.Errorf("Client should be closed")
	}
}

func TestHub_Pinned(t *testing.T) {
	h, up, _ := setup()
	client := testutils.NewMockClient("c1")

	h.Pin("AAPL", "TSLA")
	h.JoinBroadcast(client, "AAPL")
	h.Unregister(client)

	if !reflect.DeepEqual(up.CallLog(), []string{"sub AAPL,TSLA"}) {
		t.Errorf("Pinned symbols must not be resubscribed or dropped, got %v", up.CallLog())
	}
	if !reflect.DeepEqual(h.DemandSet(), []string{"AAPL", "TSLA"}) {
		t.Errorf("DemandSet should include pinned symbols, got %v", h.DemandSet())
	}
}

func TestHub_DemandSet(t *testing.T) {
	h, _, _ := setup()
	c1 := testutils.NewMockClient("c1")
	c2 := testutils.NewMockClient("c2")

	h.JoinBroadcast(c1, "TSLA")
	h.Focus(c2, "GOOG")
	h.JoinBroadcast(c2, "AAPL")

	if got := h.DemandSet(); !reflect.DeepEqual(got, []string{"AAPL", "GOOG", "TSLA"}) {
		t.Errorf("Unexpected demand set %v", got)
	}
}

func TestHub_Deliver_Routing(t *testing.T) {
	h, _, c := setup()
	cardClient := testutils.NewMockClient("c1")
	focusClient := testutils.NewMockClient("c2")

	h.JoinBroadcast(cardClient, "AAPL")
	h.Focus(focusClient, "AAPL")
	cardClient.Reset()

	q, _ := c.Apply("AAPL", 153)
	h.Deliver(q.Card())

	if len(cardClient.Cards()) != 1 || len(cardClient.Singles()) != 0 {
		t.Errorf("Card member should get only stock-update")
	}
	if len(focusClient.Cards()) != 0 || len(focusClient.Singles()) != 1 {
		t.Errorf("Focused client should get only stock-single-update")
	}
	if got := focusClient.Singles()[0]; got.Symbol != "AAPL" || got.Price != 153 {
		t.Errorf("Unexpected single update %+v", got)
	}
	if got := cardClient.Cards()[0]; got.Percent != "+2.00%" || got.Change != "+3.00" {
		t.Errorf("Unexpected card %+v", got)
	}
}

func TestHub_Deliver_EvictsSlowClient(t *testing.T) {
	h, up, c := setup()
	slow := testutils.NewMockClient("slow")
	fast := testutils.NewMockClient("fast")

	h.JoinBroadcast(slow, "AAPL")
	h.JoinBroadcast(fast, "AAPL")
	slow.SetFull(true)

	q, _ := c.Apply("AAPL", 151)
	h.Deliver(q.Card())

	if !slow.IsClosed() {
		t.Errorf("Slow client should be evicted")
	}
	if fast.IsClosed() || len(fast.Cards()) != 2 {
		t.Errorf("Fast client should be unaffected")
	}
	if h.ClientCount() != 1 || up.Count("AAPL") != 1 {
		t.Errorf("Eviction should release only the slow client's interest")
	}
}

func TestHub_SnapshotFailureEvicts(t *testing.T) {
	h, up, _ := setup()
	ok := testutils.NewMockClient("ok")
	full := testutils.NewMockClient("full")
	h.JoinBroadcast(ok, "TSLA")
	full.SetFull(true)

	added, err := h.JoinBroadcast(full, "AAPL")
	if !errors.Is(err, hub.ErrSendBufferFull) || added {
		t.Errorf("Expected ErrSendBufferFull, got added=%v err=%v", added, err)
	}
	if !full.IsClosed() {
		t.Errorf("Client that missed its snapshot should be closed")
	}
	if h.ClientCount() != 1 || h.Demand("AAPL") != 0 || up.Count("AAPL") != 0 {
		t.Errorf("Evicted client should release its interest, upstream %v", up.Subscribed)
	}

	multi := testutils.NewMockClient("multi")
	multi.SetFull(true)
	h.AdjustMultiSymbolSet(multi, []string{"AAPL", "TSLA"})
	if !multi.IsClosed() || h.Demand("TSLA") != 1 || up.Count("AAPL") != 0 {
		t.Errorf("Multi snapshot failure should evict, demand TSLA=%d upstream %v", h.Demand("TSLA"), up.Subscribed)
	}
	if ok.IsClosed() {
		t.Errorf("Healthy client should stay connected")
	}
}

func TestHub_Close_DisconnectsEveryClient(t *testing.T) {
	h, up, _ := setup()
	idle := testutils.NewMockClient("idle")
	watcher := testutils.NewMockClient("watcher")
	focused := testutils.NewMockClient("focused")

	h.Register(idle)
	h.JoinBroadcast(watcher, "AAPL")
	h.Focus(focused, "TSLA")

	h.Close()

	for _, c := range []*testutils.MockClient{idle, watcher, focused} {
		if !c.IsClosed() {
			t.Errorf("Client %s should be closed", c.ID())
		}
	}
	if h.ClientCount() != 0 || len(h.DemandSet()) != 0 || len(up.Subscribed) != 0 {
		t.Errorf("Close should release all demand, upstream %v", up.Subscribed)
	}

	late := testutils.NewMockClient("late")
	h.Register(late)
	if !late.IsClosed() {
		t.Errorf("Registering on a closed hub should close the client")
	}
	if _, err := h.JoinBroadcast(late, "AAPL"); !errors.Is(err, hub.ErrHubClosed) {
		t.Errorf("Expected ErrHubClosed, got %v", err)
	}
	if h.ClientCount() != 0 {
		t.Errorf("Closed hub should not track new clients")
	}
}

// gatedUpstream holds Subscribe for the symbols in hold until release is
// closed.
type gatedUpstream struct {
	hold    map[string]bool
	release chan struct{}
	entered chan string

	mu    sync.Mutex
	calls []string
}

func (u *gatedUpstream) Subscribe(ctx context.Context, symbols []string) error {
	u.mu.Lock()
	u.calls = append(u.calls, "sub "+strings.Join(symbols, ","))
	u.mu.Unlock()
	u.entered <- symbols[0]
	if u.hold[symbols[0]] {
		<-u.release
	}
	return nil
}

func (u *gatedUpstream) Unsubscribe(ctx context.Context, symbols []string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, "unsub "+strings.Join(symbols, ","))
	return nil
}

func (u *gatedUpstream) Calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.calls...)
}

func TestHub_SlowUpstreamDoesNotBlockDelivery(t *testing.T) {
	c := cache.New()
	c.Seed(models.Profile{Symbol: "AAPL", CompanyName: "Apple Inc", PrevClose: 150})
	up := &gatedUpstream{hold: map[string]bool{"MSFT": true}, release: make(chan struct{}), entered: make(chan string, 8)}
	h := hub.NewHub(up, c, zap.NewNop())

	viewer := testutils.NewMockClient("viewer")
	h.JoinBroadcast(viewer, "AAPL")
	<-up.entered

	joined := make(chan struct{})
	go func() {
		h.JoinBroadcast(testutils.NewMockClient("slow"), "MSFT")
		close(joined)
	}()
	if sym := <-up.entered; sym != "MSFT" {
		t.Fatalf("Expected MSFT to reach upstream, got %s", sym)
	}

	delivered := make(chan struct{})
	go func() {
		q, _ := c.Apply("AAPL", 151)
		h.Deliver(q.Card())
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Deliver blocked behind a pending upstream subscribe")
	}
	if len(viewer.Cards()) != 2 {
		t.Errorf("Expected snapshot and live card, got %d", len(viewer.Cards()))
	}

	// Later upstream batches still go out in mutation order.
	second := make(chan struct{})
	go func() {
		h.JoinBroadcast(testutils.NewMockClient("late"), "NFLX")
		close(second)
	}()
	select {
	case sym := <-up.entered:
		t.Fatalf("%s overtook the pending MSFT subscribe", sym)
	case <-time.After(50 * time.Millisecond):
	}

	close(up.release)
	<-joined
	<-second
	if got := up.Calls(); !reflect.DeepEqual(got, []string{"sub AAPL", "sub MSFT", "sub NFLX"}) {
		t.Errorf("Unexpected upstream order %v", got)
	}
}

func TestHub_SeedsUnknownSymbols(t *testing.T) {
	seeder := &testutils.MockSeeder{}
	h, _, _ := setup(hub.WithSeeder(seeder))
	c1 := testutils.NewMockClient("c1")
	c2 := testutils.NewMockClient("c2")

	h.JoinBroadcast(c1, "AAPL")
	h.JoinBroadcast(c1, "NFLX")
	h.JoinBroadcast(c2, "NFLX")

	if !reflect.DeepEqual(seeder.Ensured, []string{"NFLX"}) {
		t.Errorf("Only the first demand on an unseeded symbol should seed, got %v", seeder.Ensured)
	}
}

func TestHub_RaceCondition(t *testing.T) {
	// Run with `go test -race ./...`
	h, up, c := setup()
	var wg sync.WaitGroup

	clients := make([]*testutils.MockClient, 0, 8)
	for i := 0; i < 8; i++ {
		i := i
		client := testutils.NewMockClient(string(rune('a' + i)))
		clients = append(clients, client)
		wg.Add(3)
		go func() {
			defer wg.Done()
			h.HandleCommand(client, request(protocol.EventSubscribeStock, "AAPL", ""))
			h.HandleCommand(client, request(protocol.EventSubscribeSingle, "TSLA", ""))
		}()
		go func() {
			defer wg.Done()
			h.HandleCommand(client, request(protocol.EventSubscribeMulti, []string{"TSLA"}, ""))
			h.Unregister(client)
		}()
		go func() {
			defer wg.Done()
			q, _ := c.Apply("AAPL", 150+float64(i))
			h.Deliver(q.Card())
		}()
	}
	wg.Wait()

	// Late joins after Unregister re-register the client, so compare the
	// counters against the recorded interest instead of expecting zero.
	if len(h.DemandSet()) != len(up.Subscribed) {
		t.Errorf("Upstream %v out of sync with demand %v", up.Subscribed, h.DemandSet())
	}
	for _, sym := range []string{"AAPL", "TSLA"} {
		members, focused := 0, false
		for _, client := range clients {
			cards, focus := h.Interest(client)
			for _, card := range cards {
				if card == sym {
					members++
				}
			}
			if focus == sym {
				focused = true
			}
		}
		want := members
		if focused {
			want++
		}
		if got := h.Demand(sym); got != want {
			t.Errorf("%s: demand %d, but %d card members and focused=%v", sym, got, members, focused)
		}
		wantUp := 0
		if want > 0 {
			wantUp = 1
		}
		if up.Count(sym) != wantUp {
			t.Errorf("%s: upstream count %d with demand %d", sym, up.Count(sym), want)
		}
	}
}
