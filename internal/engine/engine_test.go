package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cta-grid-engine/internal/gateway"
	"cta-grid-engine/internal/models"
)

// stubGateway is an in-memory Gateway that lets tests drive callbacks.
// syncAck makes SendOrder push the NOTTRADED ack before returning, and
// cancelConfirm makes CancelOrder push the CANCELLED report, the way a
// synchronous gateway behaves.
type stubGateway struct {
	mu   sync.Mutex
	sink gateway.EventSink

	sentOrders    []models.OrderRequest
	nextID        int
	syncAck       bool
	cancelConfirm bool
}

func (s *stubGateway) Name() string                  { return "STUB" }
func (s *stubGateway) Connect() error                { return nil }
func (s *stubGateway) Close() error                  { return nil }
func (s *stubGateway) Subscribe(symbol string) error { return nil }

func (s *stubGateway) SendOrder(req models.OrderRequest) ([]string, error) {
	s.mu.Lock()
	s.sentOrders = append(s.sentOrders, req)
	s.nextID++
	id := string(rune('A' + s.nextID - 1))
	sink := s.sink
	syncAck := s.syncAck
	s.mu.Unlock()

	if syncAck && sink != nil {
		sink.OnGatewayOrder(models.OrderData{OrderID: id, Symbol: req.Symbol, Status: models.StatusNotTraded})
	}
	return []string{id}, nil
}

func (s *stubGateway) CancelOrder(orderID string) error {
	s.mu.Lock()
	sink := s.sink
	confirm := s.cancelConfirm
	s.mu.Unlock()
	if confirm && sink != nil {
		sink.OnGatewayOrder(models.OrderData{OrderID: orderID, Status: models.StatusCancelled})
	}
	return nil
}

func (s *stubGateway) Price(symbol string) (float64, error)         { return 10, nil }
func (s *stubGateway) Tick(symbol string) (*models.TickData, error) { return nil, errors.New("no tick") }
func (s *stubGateway) PriceTick(symbol string) float64              { return 0.01 }
func (s *stubGateway) VolumeTick(symbol string) float64             { return 100 }
func (s *stubGateway) Position(string, models.Direction) float64    { return 0 }
func (s *stubGateway) Available() float64                           { return 100000 }

func (s *stubGateway) SetSink(sink gateway.EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// recordingStrategy captures every callback it receives.
type recordingStrategy struct {
	name    string
	symbols []string

	mu        sync.Mutex
	ticks     []*models.TickData
	orders    []models.OrderData
	trades    []models.TradeData
	active    int
	overlap   bool
	startErr  error
	panicOnce bool
	stopped   bool
	done      chan struct{}
}

func newRecordingStrategy(name string, symbols ...string) *recordingStrategy {
	return &recordingStrategy{name: name, symbols: symbols, done: make(chan struct{}, 64)}
}

func (r *recordingStrategy) Name() string      { return r.name }
func (r *recordingStrategy) Symbols() []string { return r.symbols }
func (r *recordingStrategy) OnStart() error    { return r.startErr }
func (r *recordingStrategy) OnStop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// enter/leave detect overlapping callbacks, which would break the
// single-goroutine dispatch guarantee.
func (r *recordingStrategy) enter() {
	r.mu.Lock()
	r.active++
	if r.active > 1 {
		r.overlap = true
	}
	r.mu.Unlock()
	time.Sleep(time.Millisecond)
}

func (r *recordingStrategy) leave() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recordingStrategy) OnTick(tick *models.TickData) {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	r.ticks = append(r.ticks, tick)
	panicNow := r.panicOnce
	r.panicOnce = false
	r.mu.Unlock()
	if panicNow {
		panic("boom")
	}
}

func (r *recordingStrategy) OnBar(*models.BarData) { r.enter(); defer r.leave() }

func (r *recordingStrategy) OnOrder(order models.OrderData) {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	r.orders = append(r.orders, order)
	r.mu.Unlock()
}

func (r *recordingStrategy) OnTrade(trade models.TradeData) {
	r.enter()
	defer r.leave()
	r.mu.Lock()
	r.trades = append(r.trades, trade)
	r.mu.Unlock()
}

func (r *recordingStrategy) OnStopOrder(models.StopOrderData) { r.enter(); defer r.leave() }
func (r *recordingStrategy) OnTimer(time.Time)                { r.enter(); defer r.leave() }

func (r *recordingStrategy) waitEvents(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
}

func startEngine(t *testing.T, strategies ...*recordingStrategy) (*Engine, *stubGateway) {
	t.Helper()
	gw := &stubGateway{}
	eng := New(gw, nil, nil, nil, 64)
	for _, s := range strategies {
		require.NoError(t, eng.Register(s))
	}
	require.NoError(t, eng.Start())
	t.Cleanup(eng.Stop)
	return eng, gw
}

// TestTickRoutedBySubscription verifies ticks reach only subscribers.
func TestTickRoutedBySubscription(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	s2 := newRecordingStrategy("s2", "000001.SZSE")
	eng, _ := startEngine(t, s1, s2)

	eng.OnGatewayTick(&models.TickData{Symbol: "600000.SSE", LastPrice: 10})
	s1.waitEvents(t, 1)

	s1.mu.Lock()
	s2.mu.Lock()
	assert.Len(t, s1.ticks, 1)
	assert.Empty(t, s2.ticks)
	s1.mu.Unlock()
	s2.mu.Unlock()
}

// TestOrderRoutedToOwner verifies reports flow back to the strategy that
// submitted the order, and unclaimed reports are never misrouted.
func TestOrderRoutedToOwner(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	s2 := newRecordingStrategy("s2", "600000.SSE")
	eng, _ := startEngine(t, s1, s2)

	ctx := eng.BindContext("s1")
	ids, err := ctx.SendOrder(models.OrderRequest{Symbol: "600000.SSE", Volume: 100})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	eng.OnGatewayOrder(models.OrderData{OrderID: ids[0], Status: models.StatusNotTraded})
	eng.OnGatewayOrder(models.OrderData{OrderID: "ghost", Status: models.StatusNotTraded})
	s1.waitEvents(t, 1)

	s1.mu.Lock()
	s2.mu.Lock()
	require.Len(t, s1.orders, 1)
	assert.Equal(t, ids[0], s1.orders[0].OrderID)
	assert.Empty(t, s2.orders)
	s1.mu.Unlock()
	s2.mu.Unlock()
}

// TestTradeRoutedToOwner verifies trade reports follow order ownership.
func TestTradeRoutedToOwner(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	eng, _ := startEngine(t, s1)

	ctx := eng.BindContext("s1")
	ids, err := ctx.SendOrder(models.OrderRequest{Symbol: "600000.SSE", Volume: 100})
	require.NoError(t, err)

	eng.OnGatewayTrade(models.TradeData{TradeID: "T1", OrderID: ids[0], Volume: 100})
	s1.waitEvents(t, 1)

	s1.mu.Lock()
	defer s1.mu.Unlock()
	require.Len(t, s1.trades, 1)
	assert.Equal(t, "T1", s1.trades[0].TradeID)
}

// TestTradeAfterTerminalOrderRouted verifies a trade arriving after the
// terminal order report still reaches the owner: gateways do not guarantee
// the trade is pushed first.
func TestTradeAfterTerminalOrderRouted(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	eng, _ := startEngine(t, s1)

	ctx := eng.BindContext("s1")
	ids, err := ctx.SendOrder(models.OrderRequest{Symbol: "600000.SSE", Volume: 100})
	require.NoError(t, err)

	eng.OnGatewayOrder(models.OrderData{OrderID: ids[0], Status: models.StatusAllTraded, Traded: 100})
	eng.OnGatewayTrade(models.TradeData{TradeID: "T1", OrderID: ids[0], Volume: 100})
	s1.waitEvents(t, 2)

	s1.mu.Lock()
	defer s1.mu.Unlock()
	require.Len(t, s1.trades, 1, "trade after terminal report must still be routed")
	assert.Equal(t, "T1", s1.trades[0].TradeID)
}

// TestOwnershipEvictedAfterGrace verifies the retained ownership entry is
// swept once the grace period after the terminal report has passed.
func TestOwnershipEvictedAfterGrace(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	eng, _ := startEngine(t, s1)

	ctx := eng.BindContext("s1")
	ids, err := ctx.SendOrder(models.OrderRequest{Symbol: "600000.SSE", Volume: 100})
	require.NoError(t, err)

	eng.OnGatewayOrder(models.OrderData{OrderID: ids[0], Status: models.StatusAllTraded, Traded: 100})
	s1.waitEvents(t, 1)

	eng.sweepOwners(time.Now().Add(time.Minute))
	eng.mu.Lock()
	_, stillOwned := eng.orderOwner[ids[0]]
	eng.mu.Unlock()
	assert.False(t, stillOwned, "released entry must be evicted after the grace period")
}

// TestSyncAckReplayedToOwner verifies the ack a gateway pushes before
// SendOrder returns is stashed and replayed once ownership is claimed.
func TestSyncAckReplayedToOwner(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	gw := &stubGateway{syncAck: true}
	eng := New(gw, nil, nil, nil, 64)
	require.NoError(t, eng.Register(s1))
	require.NoError(t, eng.Start())
	t.Cleanup(eng.Stop)

	ctx := eng.BindContext("s1")
	ids, err := ctx.SendOrder(models.OrderRequest{Symbol: "600000.SSE", Volume: 100})
	require.NoError(t, err)
	s1.waitEvents(t, 1)

	s1.mu.Lock()
	defer s1.mu.Unlock()
	require.Len(t, s1.orders, 1, "ack pushed during SendOrder must reach the owner")
	assert.Equal(t, ids[0], s1.orders[0].OrderID)
	assert.Equal(t, models.StatusNotTraded, s1.orders[0].Status)
}

// TestCancelClaimsOwnership verifies cancelling an order the engine never
// sent (a restart leftover) claims it, so the broker's CANCELLED confirm is
// routed back to the cancelling strategy.
func TestCancelClaimsOwnership(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	gw := &stubGateway{cancelConfirm: true}
	eng := New(gw, nil, nil, nil, 64)
	require.NoError(t, eng.Register(s1))
	require.NoError(t, eng.Start())
	t.Cleanup(eng.Stop)

	ctx := eng.BindContext("s1")
	require.NoError(t, ctx.CancelOrder("X1"))
	s1.waitEvents(t, 1)

	s1.mu.Lock()
	defer s1.mu.Unlock()
	require.Len(t, s1.orders, 1)
	assert.Equal(t, "X1", s1.orders[0].OrderID)
	assert.Equal(t, models.StatusCancelled, s1.orders[0].Status)
}

// TestUnclaimedStashExpires verifies reports that are never claimed are
// dropped by the sweep instead of accumulating.
func TestUnclaimedStashExpires(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	eng, _ := startEngine(t, s1)

	eng.OnGatewayOrder(models.OrderData{OrderID: "ghost", Status: models.StatusNotTraded})
	eng.sweepOwners(time.Now().Add(time.Minute))

	eng.claimOrders("s1", []string{"ghost"})
	time.Sleep(20 * time.Millisecond)
	s1.mu.Lock()
	defer s1.mu.Unlock()
	assert.Empty(t, s1.orders, "expired stash must not be replayed")
}

// sizedStrategy carries its own queue length.
type sizedStrategy struct {
	*recordingStrategy
	size int
}

func (s *sizedStrategy) QueueSize() int { return s.size }

// TestPerStrategyQueueSize verifies a strategy's own queue length wins over
// the engine default.
func TestPerStrategyQueueSize(t *testing.T) {
	gw := &stubGateway{}
	eng := New(gw, nil, nil, nil, 64)
	require.NoError(t, eng.Register(&sizedStrategy{recordingStrategy: newRecordingStrategy("q", "600000.SSE"), size: 7}))

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Equal(t, 7, cap(eng.runtimes["q"].queue))
}

// TestCallbacksAreSerialized verifies callbacks never overlap even when
// events are posted from several goroutines.
func TestCallbacksAreSerialized(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	eng, _ := startEngine(t, s1)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/4; j++ {
				eng.OnGatewayTick(&models.TickData{Symbol: "600000.SSE"})
			}
		}()
	}
	wg.Wait()
	s1.waitEvents(t, n)

	s1.mu.Lock()
	defer s1.mu.Unlock()
	assert.False(t, s1.overlap, "callbacks overlapped")
	assert.Len(t, s1.ticks, n)
}

// TestPanicBarrier verifies a panicking callback does not kill the
// dispatch goroutine.
func TestPanicBarrier(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	s1.panicOnce = true
	eng, _ := startEngine(t, s1)

	eng.OnGatewayTick(&models.TickData{Symbol: "600000.SSE"})
	s1.waitEvents(t, 1)
	eng.OnGatewayTick(&models.TickData{Symbol: "600000.SSE"})
	s1.waitEvents(t, 1)

	s1.mu.Lock()
	defer s1.mu.Unlock()
	assert.Len(t, s1.ticks, 2, "strategy must keep receiving events after a panic")
}

// TestStartFailureIsolatesStrategy verifies one failing OnStart does not
// stop the others.
func TestStartFailureIsolatesStrategy(t *testing.T) {
	bad := newRecordingStrategy("bad", "600000.SSE")
	bad.startErr = errors.New("init failed")
	good := newRecordingStrategy("good", "600000.SSE")
	eng, _ := startEngine(t, bad, good)

	eng.OnGatewayTick(&models.TickData{Symbol: "600000.SSE"})
	good.waitEvents(t, 1)

	good.mu.Lock()
	bad.mu.Lock()
	assert.Len(t, good.ticks, 1)
	assert.Empty(t, bad.ticks, "failed strategy must not receive events")
	good.mu.Unlock()
	bad.mu.Unlock()
}

// TestStopDrainsAndCallsOnStop verifies shutdown ordering.
func TestStopDrainsAndCallsOnStop(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	gw := &stubGateway{}
	eng := New(gw, nil, nil, nil, 64)
	require.NoError(t, eng.Register(s1))
	require.NoError(t, eng.Start())

	eng.OnGatewayTick(&models.TickData{Symbol: "600000.SSE"})
	eng.Stop()

	s1.mu.Lock()
	defer s1.mu.Unlock()
	assert.True(t, s1.stopped)
	assert.Len(t, s1.ticks, 1, "queued events must be drained before stop")
}

// fakeJournal records journaled rows for assertions.
type fakeJournal struct {
	mu     sync.Mutex
	orders []models.OrderData
	trades []models.TradeData
}

func (f *fakeJournal) RecordOrder(o models.OrderData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, o)
	return nil
}

func (f *fakeJournal) RecordTrade(tr models.TradeData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, tr)
	return nil
}

// TestJournalRecordsTerminalOrdersAndTrades verifies what gets journaled.
func TestJournalRecordsTerminalOrdersAndTrades(t *testing.T) {
	s1 := newRecordingStrategy("s1", "600000.SSE")
	gw := &stubGateway{}
	journal := &fakeJournal{}
	eng := New(gw, nil, journal, nil, 64)
	require.NoError(t, eng.Register(s1))
	require.NoError(t, eng.Start())
	t.Cleanup(eng.Stop)

	ctx := eng.BindContext("s1")
	ids, err := ctx.SendOrder(models.OrderRequest{Symbol: "600000.SSE", Volume: 100})
	require.NoError(t, err)

	eng.OnGatewayOrder(models.OrderData{OrderID: ids[0], Status: models.StatusNotTraded})
	eng.OnGatewayTrade(models.TradeData{TradeID: "T1", OrderID: ids[0], Volume: 100})
	eng.OnGatewayOrder(models.OrderData{OrderID: ids[0], Status: models.StatusAllTraded, Traded: 100})
	s1.waitEvents(t, 3)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	require.Len(t, journal.orders, 1, "only terminal orders are journaled")
	assert.Equal(t, models.StatusAllTraded, journal.orders[0].Status)
	assert.Len(t, journal.trades, 1)
}
