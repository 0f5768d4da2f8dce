package gateway

import (
	"fmt"
	"sync"
	"time"

	"cta-grid-engine/internal/logger"
	"cta-grid-engine/internal/models"
)

// PaperGateway 实现了 Gateway 接口，在内存中模拟交易所撮合。
// 用于demo运行和测试：限价单在行情穿越时按对手档位的量逐步成交，
// 完整复刻回报序列（NOTTRADED → PARTTRADED* → ALLTRADED）。
type PaperGateway struct {
	mu sync.Mutex

	sink       EventSink
	contracts  map[string]models.ContractData
	ticks      map[string]*models.TickData
	subscribed map[string]struct{}

	orders      map[string]*paperOrder
	nextOrderID int64
	nextTradeID int64

	cash      float64
	positions map[string]float64
}

type paperOrder struct {
	req    models.OrderRequest
	id     string
	traded float64
	status models.OrderStatus
	ctime  time.Time
}

// NewPaperGateway 创建仿真网关，contracts提供每个合约的交易规则。
func NewPaperGateway(cash float64, contracts []models.ContractData) *PaperGateway {
	cm := make(map[string]models.ContractData, len(contracts))
	for _, c := range contracts {
		cm[c.Symbol] = c
	}
	return &PaperGateway{
		contracts:  cm,
		ticks:      make(map[string]*models.TickData),
		subscribed: make(map[string]struct{}),
		orders:     make(map[string]*paperOrder),
		cash:       cash,
		positions:  make(map[string]float64),
	}
}

// Name 返回网关标识
func (p *PaperGateway) Name() string { return "PAPER" }

// Connect 仿真网关无需连接
func (p *PaperGateway) Connect() error { return nil }

// Close 仿真网关无需断开
func (p *PaperGateway) Close() error { return nil }

// SetSink 注册回报接收方
func (p *PaperGateway) SetSink(sink EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// Subscribe 记录订阅，重复订阅幂等。
func (p *PaperGateway) Subscribe(symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed[symbol] = struct{}{}
	return nil
}

// PushTick 注入一笔行情：先推送给订阅方，再驱动撮合。
func (p *PaperGateway) PushTick(tick *models.TickData) {
	p.mu.Lock()
	p.ticks[tick.Symbol] = tick
	_, subbed := p.subscribed[tick.Symbol]
	sink := p.sink
	fills := p.matchLocked(tick)
	p.mu.Unlock()

	if sink == nil {
		return
	}
	if subbed {
		sink.OnGatewayTick(tick)
	}
	for _, f := range fills {
		sink.OnGatewayOrder(f.order)
		if f.trade != nil {
			sink.OnGatewayTrade(*f.trade)
		}
	}
}

type fillEvent struct {
	order models.OrderData
	trade *models.TradeData
}

// matchLocked 在持锁状态下对一笔行情做撮合，返回待推送的回报。
func (p *PaperGateway) matchLocked(tick *models.TickData) []fillEvent {
	var out []fillEvent
	for _, o := range p.orders {
		if !o.status.IsActive() || o.req.Symbol != tick.Symbol {
			continue
		}

		var crossed bool
		var fillPrice, available float64
		if o.req.Direction == models.DirectionLong {
			crossed = tick.AskPrice[0] > 0 && tick.AskPrice[0] <= o.req.Price
			fillPrice = tick.AskPrice[0]
			available = tick.AskVolume[0]
		} else {
			crossed = tick.BidPrice[0] > 0 && tick.BidPrice[0] >= o.req.Price
			fillPrice = tick.BidPrice[0]
			available = tick.BidVolume[0]
		}
		if !crossed {
			continue
		}

		remaining := o.req.Volume - o.traded
		fillVol := remaining
		if available > 0 && available < fillVol {
			fillVol = available
		}
		if fillVol <= 0 {
			continue
		}

		o.traded += fillVol
		if o.traded >= o.req.Volume {
			o.status = models.StatusAllTraded
		} else {
			o.status = models.StatusPartTraded
		}
		p.settleLocked(o.req, fillVol, fillPrice)

		p.nextTradeID++
		trade := &models.TradeData{
			TradeID:   fmt.Sprintf("PT%d", p.nextTradeID),
			OrderID:   o.id,
			Symbol:    o.req.Symbol,
			Direction: o.req.Direction,
			Offset:    o.req.Offset,
			Price:     fillPrice,
			Volume:    fillVol,
			TradeTime: tick.Datetime,
		}
		out = append(out, fillEvent{order: p.orderData(o), trade: trade})
	}
	return out
}

// settleLocked 更新资金和持仓
func (p *PaperGateway) settleLocked(req models.OrderRequest, volume, price float64) {
	if req.Direction == models.DirectionLong {
		p.cash -= volume * price
		p.positions[req.Symbol] += volume
	} else {
		p.cash += volume * price
		p.positions[req.Symbol] -= volume
	}
}

func (p *PaperGateway) orderData(o *paperOrder) models.OrderData {
	return models.OrderData{
		OrderID:   o.id,
		Symbol:    o.req.Symbol,
		Direction: o.req.Direction,
		Offset:    o.req.Offset,
		Type:      o.req.Type,
		Price:     o.req.Price,
		Volume:    o.req.Volume,
		Traded:    o.traded,
		Status:    o.status,
		OrderTime: o.ctime,
	}
}

// SendOrder 接受委托并立即推送NOTTRADED回报。
// 涨停价的FAK/FOK买单按交易所拒绝处理，返回空列表。
func (p *PaperGateway) SendOrder(req models.OrderRequest) ([]string, error) {
	p.mu.Lock()

	if req.Volume <= 0 {
		p.mu.Unlock()
		return nil, nil
	}
	tick := p.ticks[req.Symbol]
	if (req.Type == models.OrderTypeFAK || req.Type == models.OrderTypeFOK) &&
		req.Direction == models.DirectionLong &&
		tick != nil && tick.LimitUp > 0 && req.Price >= tick.LimitUp {
		p.mu.Unlock()
		logger.S().Warnf("仿真网关拒绝涨停价%s买单: %s @ %v", req.Type, req.Symbol, req.Price)
		return nil, nil
	}

	p.nextOrderID++
	o := &paperOrder{
		req:    req,
		id:     fmt.Sprintf("P%d", p.nextOrderID),
		status: models.StatusNotTraded,
		ctime:  time.Now(),
	}
	if tick != nil {
		o.ctime = tick.Datetime
	}
	p.orders[o.id] = o
	sink := p.sink
	ack := p.orderData(o)

	// 市价单按最新价立即全部成交
	var fills []fillEvent
	if req.Type == models.OrderTypeMarket && tick != nil && tick.LastPrice > 0 {
		o.traded = req.Volume
		o.status = models.StatusAllTraded
		p.settleLocked(req, req.Volume, tick.LastPrice)
		p.nextTradeID++
		fills = append(fills, fillEvent{order: p.orderData(o), trade: &models.TradeData{
			TradeID:   fmt.Sprintf("PT%d", p.nextTradeID),
			OrderID:   o.id,
			Symbol:    req.Symbol,
			Direction: req.Direction,
			Offset:    req.Offset,
			Price:     tick.LastPrice,
			Volume:    req.Volume,
			TradeTime: tick.Datetime,
		}})
	}
	p.mu.Unlock()

	if sink != nil {
		sink.OnGatewayOrder(ack)
		for _, f := range fills {
			sink.OnGatewayOrder(f.order)
			if f.trade != nil {
				sink.OnGatewayTrade(*f.trade)
			}
		}
	}
	return []string{o.id}, nil
}

// CancelOrder 撤销一笔存活委托并推送CANCELLED回报。
// 未知或已终结的委托返回错误，调用方按"已撤掉"处理。
func (p *PaperGateway) CancelOrder(orderID string) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok || !o.status.IsActive() {
		p.mu.Unlock()
		return fmt.Errorf("委托 %s 不存在或已终结", orderID)
	}
	o.status = models.StatusCancelled
	sink := p.sink
	od := p.orderData(o)
	p.mu.Unlock()

	if sink != nil {
		sink.OnGatewayOrder(od)
	}
	return nil
}

// Price 返回最新价
func (p *PaperGateway) Price(symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tick, ok := p.ticks[symbol]
	if !ok {
		return 0, fmt.Errorf("合约 %s 暂无行情", symbol)
	}
	return tick.LastPrice, nil
}

// Tick 返回最新行情快照
func (p *PaperGateway) Tick(symbol string) (*models.TickData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tick, ok := p.ticks[symbol]
	if !ok {
		return nil, fmt.Errorf("合约 %s 暂无行情", symbol)
	}
	c := *tick
	return &c, nil
}

// PriceTick 返回最小价格变动，未配置时默认0.01。
func (p *PaperGateway) PriceTick(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.contracts[symbol]; ok && c.PriceTick > 0 {
		return c.PriceTick
	}
	return 0.01
}

// VolumeTick 返回最小下单量，未配置时默认1。
func (p *PaperGateway) VolumeTick(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.contracts[symbol]; ok && c.VolumeTick > 0 {
		return c.VolumeTick
	}
	return 1
}

// Position 返回券商侧持仓
func (p *PaperGateway) Position(symbol string, _ models.Direction) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[symbol]
}

// Available 返回可用资金
func (p *PaperGateway) Available() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// SetPosition 直接设置券商侧持仓，测试持仓核对用。
func (p *PaperGateway) SetPosition(symbol string, volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = volume
}
