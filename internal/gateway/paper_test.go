package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cta-grid-engine/internal/models"
)

// recordingSink collects every callback for assertions.
type recordingSink struct {
	mu     sync.Mutex
	ticks  []*models.TickData
	orders []models.OrderData
	trades []models.TradeData
}

func (r *recordingSink) OnGatewayTick(tick *models.TickData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, tick)
}

func (r *recordingSink) OnGatewayOrder(order models.OrderData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, order)
}

func (r *recordingSink) OnGatewayTrade(trade models.TradeData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trade)
}

func (r *recordingSink) OnGatewayAccount(models.AccountData) {}

func (r *recordingSink) lastOrder() models.OrderData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[len(r.orders)-1]
}

func tickAt(symbol string, last, bid, ask, bidVol, askVol float64) *models.TickData {
	tick := &models.TickData{
		Symbol:    symbol,
		Datetime:  time.Now(),
		LastPrice: last,
	}
	tick.BidPrice[0] = bid
	tick.AskPrice[0] = ask
	tick.BidVolume[0] = bidVol
	tick.AskVolume[0] = askVol
	return tick
}

func newPaper(t *testing.T) (*PaperGateway, *recordingSink) {
	t.Helper()
	gw := NewPaperGateway(1_000_000, nil)
	sink := &recordingSink{}
	gw.SetSink(sink)
	require.NoError(t, gw.Subscribe("600000.SSE"))
	return gw, sink
}

// TestLimitBuyFillsOnCross verifies a limit buy fills against the ask and
// the report sequence is NOTTRADED then ALLTRADED with one trade.
func TestLimitBuyFillsOnCross(t *testing.T) {
	gw, sink := newPaper(t)
	gw.PushTick(tickAt("600000.SSE", 10.0, 9.99, 10.01, 1000, 1000))

	ids, err := gw.SendOrder(models.OrderRequest{
		Symbol:    "600000.SSE",
		Direction: models.DirectionLong,
		Offset:    models.OffsetOpen,
		Type:      models.OrderTypeLimit,
		Price:     10.05,
		Volume:    100,
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, models.StatusNotTraded, sink.lastOrder().Status)

	gw.PushTick(tickAt("600000.SSE", 10.01, 10.00, 10.01, 1000, 1000))

	final := sink.lastOrder()
	assert.Equal(t, models.StatusAllTraded, final.Status)
	assert.Equal(t, 100.0, final.Traded)
	require.Len(t, sink.trades, 1)
	assert.Equal(t, 10.01, sink.trades[0].Price)
	assert.Equal(t, 100.0, gw.Position("600000.SSE", models.DirectionLong))
	assert.Less(t, gw.Available(), 1_000_000.0)
}

// TestPartialFillAgainstThinBook verifies fills are capped by top-of-book
// volume and progress through PARTTRADED.
func TestPartialFillAgainstThinBook(t *testing.T) {
	gw, sink := newPaper(t)
	gw.PushTick(tickAt("600000.SSE", 10.0, 9.99, 10.01, 1000, 1000))

	_, err := gw.SendOrder(models.OrderRequest{
		Symbol:    "600000.SSE",
		Direction: models.DirectionLong,
		Type:      models.OrderTypeLimit,
		Price:     10.05,
		Volume:    100,
	})
	require.NoError(t, err)

	// only 30 on the ask
	gw.PushTick(tickAt("600000.SSE", 10.01, 10.00, 10.01, 1000, 30))
	assert.Equal(t, models.StatusPartTraded, sink.lastOrder().Status)
	assert.Equal(t, 30.0, sink.lastOrder().Traded)

	// the rest fills on the next tick
	gw.PushTick(tickAt("600000.SSE", 10.01, 10.00, 10.01, 1000, 500))
	assert.Equal(t, models.StatusAllTraded, sink.lastOrder().Status)
	assert.Equal(t, 100.0, sink.lastOrder().Traded)
	require.Len(t, sink.trades, 2)
	assert.Equal(t, 70.0, sink.trades[1].Volume)
}

// TestSellFillsAgainstBid verifies the symmetric sell path.
func TestSellFillsAgainstBid(t *testing.T) {
	gw, sink := newPaper(t)
	gw.SetPosition("600000.SSE", 100)
	gw.PushTick(tickAt("600000.SSE", 10.0, 9.99, 10.01, 1000, 1000))

	_, err := gw.SendOrder(models.OrderRequest{
		Symbol:    "600000.SSE",
		Direction: models.DirectionShort,
		Offset:    models.OffsetClose,
		Type:      models.OrderTypeLimit,
		Price:     9.98,
		Volume:    100,
	})
	require.NoError(t, err)

	gw.PushTick(tickAt("600000.SSE", 9.99, 9.99, 10.01, 1000, 1000))
	assert.Equal(t, models.StatusAllTraded, sink.lastOrder().Status)
	assert.Equal(t, 0.0, gw.Position("600000.SSE", models.DirectionLong))
}

// TestCancelActiveOrder verifies the cancel path emits CANCELLED once.
func TestCancelActiveOrder(t *testing.T) {
	gw, sink := newPaper(t)
	gw.PushTick(tickAt("600000.SSE", 10.0, 9.99, 10.01, 1000, 1000))

	ids, err := gw.SendOrder(models.OrderRequest{
		Symbol:    "600000.SSE",
		Direction: models.DirectionLong,
		Type:      models.OrderTypeLimit,
		Price:     9.50, // resting far from the market
		Volume:    100,
	})
	require.NoError(t, err)

	require.NoError(t, gw.CancelOrder(ids[0]))
	assert.Equal(t, models.StatusCancelled, sink.lastOrder().Status)

	// cancelling again reports an error the caller treats as already-cancelled
	assert.Error(t, gw.CancelOrder(ids[0]))
	assert.Error(t, gw.CancelOrder("unknown"))
}

// TestFAKBuyAtLimitUpRejected verifies the exchange-side guard: an
// aggressive FAK buy at the limit-up price is refused with an empty id list.
func TestFAKBuyAtLimitUpRejected(t *testing.T) {
	gw, sink := newPaper(t)
	tick := tickAt("600000.SSE", 11.0, 10.99, 11.0, 1000, 1000)
	tick.LimitUp = 11.0
	gw.PushTick(tick)

	before := len(sink.orders)
	ids, err := gw.SendOrder(models.OrderRequest{
		Symbol:    "600000.SSE",
		Direction: models.DirectionLong,
		Type:      models.OrderTypeFAK,
		Price:     11.0,
		Volume:    100,
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Len(t, sink.orders, before, "no report for a refused order")
}

// TestMarketOrderFillsImmediately verifies market orders settle at last.
func TestMarketOrderFillsImmediately(t *testing.T) {
	gw, sink := newPaper(t)
	gw.PushTick(tickAt("600000.SSE", 10.0, 9.99, 10.01, 1000, 1000))

	_, err := gw.SendOrder(models.OrderRequest{
		Symbol:    "600000.SSE",
		Direction: models.DirectionLong,
		Type:      models.OrderTypeMarket,
		Volume:    50,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAllTraded, sink.lastOrder().Status)
	require.Len(t, sink.trades, 1)
	assert.Equal(t, 10.0, sink.trades[0].Price)
}

// TestContractDefaults verifies tick size fallbacks.
func TestContractDefaults(t *testing.T) {
	gw := NewPaperGateway(0, []models.ContractData{
		{Symbol: "600000.SSE", PriceTick: 0.01, VolumeTick: 100},
	})
	assert.Equal(t, 0.01, gw.PriceTick("600000.SSE"))
	assert.Equal(t, 100.0, gw.VolumeTick("600000.SSE"))
	assert.Equal(t, 0.01, gw.PriceTick("unknown"))
	assert.Equal(t, 1.0, gw.VolumeTick("unknown"))
}
