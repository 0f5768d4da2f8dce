package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"

	"cta-grid-engine/internal/logger"
	"cta-grid-engine/internal/models"
)

const pollInterval = time.Second

// BinanceGateway 通过币安现货REST接口实现Gateway。
// 行情与委托状态靠轮询驱动：每秒拉取订阅合约的五档盘口和
// 全部在途委托的最新状态，差分出回报事件推给引擎。
type BinanceGateway struct {
	client *binance.Client

	mu        sync.Mutex
	sink      EventSink
	contracts map[string]models.ContractData // 本地代码 → 交易规则
	baseAsset map[string]string              // 本地代码 → 基础资产
	subs      []string
	ticks     map[string]*models.TickData
	watched   map[string]*watchedOrder // order_id → 轮询状态
	balances  map[string]float64       // 资产 → 可用余额
	quoteFree float64

	quit chan struct{}
	wg   sync.WaitGroup
}

// watchedOrder 记录一笔在途委托上次轮询到的进度，用于差分。
type watchedOrder struct {
	symbol     string // 本地合约代码，如 BTCUSDT.BINANCE
	exchange   string
	binanceID  int64
	lastTraded float64
	lastQuote  float64
	lastStatus models.OrderStatus
	tradeSeq   int
}

// NewBinanceGateway 创建币安网关。
func NewBinanceGateway(apiKey, secretKey string) *BinanceGateway {
	return &BinanceGateway{
		client:    binance.NewClient(apiKey, secretKey),
		contracts: make(map[string]models.ContractData),
		baseAsset: make(map[string]string),
		ticks:     make(map[string]*models.TickData),
		watched:   make(map[string]*watchedOrder),
		balances:  make(map[string]float64),
		quit:      make(chan struct{}),
	}
}

func (g *BinanceGateway) Name() string { return "BINANCE" }

// SetSink 注册事件接收方
func (g *BinanceGateway) SetSink(sink EventSink) {
	g.mu.Lock()
	g.sink = sink
	g.mu.Unlock()
}

// Connect 校验连通性、拉取账户余额并启动轮询协程。
func (g *BinanceGateway) Connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := g.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("币安连通性检查失败: %w", err)
	}
	if err := g.refreshAccount(ctx); err != nil {
		return fmt.Errorf("拉取账户信息失败: %w", err)
	}

	g.wg.Add(1)
	go g.pollLoop()
	logger.S().Info("币安网关已连接")
	return nil
}

// Close 停止轮询
func (g *BinanceGateway) Close() error {
	close(g.quit)
	g.wg.Wait()
	return nil
}

// Subscribe 登记行情订阅并加载该合约的交易规则。
func (g *BinanceGateway) Subscribe(symbol string) error {
	code, _ := models.SplitSymbol(symbol)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := g.client.NewExchangeInfoService().Symbol(code).Do(ctx)
	if err != nil {
		return fmt.Errorf("拉取 %s 交易规则失败: %w", code, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range info.Symbols {
		if s.Symbol != code {
			continue
		}
		contract := models.ContractData{Symbol: symbol, Name: s.Symbol}
		if f := s.PriceFilter(); f != nil {
			contract.PriceTick, _ = strconv.ParseFloat(f.TickSize, 64)
		}
		if f := s.LotSizeFilter(); f != nil {
			contract.VolumeTick, _ = strconv.ParseFloat(f.StepSize, 64)
		}
		g.contracts[symbol] = contract
		g.baseAsset[symbol] = s.BaseAsset
	}
	for _, s := range g.subs {
		if s == symbol {
			return nil
		}
	}
	g.subs = append(g.subs, symbol)
	return nil
}

// SendOrder 把委托请求转换为币安下单调用。
// 返回的委托号是币安orderId的十进制字符串。
func (g *BinanceGateway) SendOrder(req models.OrderRequest) ([]string, error) {
	code, exchange := models.SplitSymbol(req.Symbol)

	side := binance.SideTypeBuy
	if req.Direction == models.DirectionShort {
		side = binance.SideTypeSell
	}

	svc := g.client.NewCreateOrderService().
		Symbol(code).
		Side(side).
		Quantity(strconv.FormatFloat(req.Volume, 'f', -1, 64))

	switch req.Type {
	case models.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case models.OrderTypeFAK:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeIOC).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	case models.OrderTypeFOK:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeFOK).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	default:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := svc.Do(ctx)
	if err != nil {
		logger.S().Warnf("币安下单失败: %s %s %v@%v: %v", code, side, req.Volume, req.Price, err)
		// 交易所明确拒绝按"拒绝本次请求"处理，返回空列表
		return nil, nil
	}

	orderID := strconv.FormatInt(resp.OrderID, 10)
	g.mu.Lock()
	g.watched[orderID] = &watchedOrder{
		symbol:    req.Symbol,
		exchange:  exchange,
		binanceID: resp.OrderID,
	}
	sink := g.sink
	g.mu.Unlock()

	if sink != nil {
		sink.OnGatewayOrder(models.OrderData{
			OrderID:   orderID,
			Symbol:    req.Symbol,
			Direction: req.Direction,
			Offset:    req.Offset,
			Type:      req.Type,
			Price:     req.Price,
			Volume:    req.Volume,
			Status:    models.StatusNotTraded,
			OrderTime: time.Now(),
		})
	}
	return []string{orderID}, nil
}

// CancelOrder 撤销一笔在途委托
func (g *BinanceGateway) CancelOrder(orderID string) error {
	g.mu.Lock()
	w, ok := g.watched[orderID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("未知或已终结的委托: %s", orderID)
	}

	code, _ := models.SplitSymbol(w.symbol)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := g.client.NewCancelOrderService().Symbol(code).OrderID(w.binanceID).Do(ctx)
	if err != nil {
		return fmt.Errorf("撤单 %s 失败: %w", orderID, err)
	}
	// 终态回报由轮询差分产生，这里不直接推事件
	return nil
}

// Price 返回最近一次轮询到的最新价
func (g *BinanceGateway) Price(symbol string) (float64, error) {
	g.mu.Lock()
	tick, ok := g.ticks[symbol]
	g.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("暂无 %s 的行情", symbol)
	}
	return tick.LastPrice, nil
}

// Tick 返回最近一次轮询到的五档行情
func (g *BinanceGateway) Tick(symbol string) (*models.TickData, error) {
	g.mu.Lock()
	tick, ok := g.ticks[symbol]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("暂无 %s 的行情", symbol)
	}
	return tick, nil
}

// PriceTick 返回最小变动价位
func (g *BinanceGateway) PriceTick(symbol string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.contracts[symbol]; ok && c.PriceTick > 0 {
		return c.PriceTick
	}
	return 0.01
}

// VolumeTick 返回最小下单数量步长
func (g *BinanceGateway) VolumeTick(symbol string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.contracts[symbol]; ok && c.VolumeTick > 0 {
		return c.VolumeTick
	}
	return 1
}

// Position 返回基础资产的持仓数量（现货视角，方向参数忽略空头）。
func (g *BinanceGateway) Position(symbol string, direction models.Direction) float64 {
	if direction == models.DirectionShort {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	asset, ok := g.baseAsset[symbol]
	if !ok {
		return 0
	}
	return g.balances[asset]
}

// Available 返回计价货币（USDT）的可用余额
func (g *BinanceGateway) Available() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quoteFree
}

// pollLoop 是网关的心跳：每秒依次刷新盘口、委托进度和账户余额。
func (g *BinanceGateway) pollLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.quit:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
			g.pollTicks(ctx)
			g.pollOrders(ctx)
			if err := g.refreshAccount(ctx); err != nil {
				logger.S().Warnf("刷新账户余额失败: %v", err)
			}
			cancel()
		}
	}
}

func (g *BinanceGateway) pollTicks(ctx context.Context) {
	g.mu.Lock()
	subs := append([]string{}, g.subs...)
	sink := g.sink
	g.mu.Unlock()

	for _, symbol := range subs {
		code, _ := models.SplitSymbol(symbol)

		depth, err := g.client.NewDepthService().Symbol(code).Limit(5).Do(ctx)
		if err != nil {
			logger.S().Warnf("拉取 %s 盘口失败: %v", code, err)
			continue
		}
		prices, err := g.client.NewListPricesService().Symbol(code).Do(ctx)
		if err != nil || len(prices) == 0 {
			logger.S().Warnf("拉取 %s 最新价失败: %v", code, err)
			continue
		}

		tick := &models.TickData{Symbol: symbol, Datetime: time.Now()}
		tick.LastPrice, _ = strconv.ParseFloat(prices[0].Price, 64)
		for i := 0; i < 5 && i < len(depth.Bids); i++ {
			tick.BidPrice[i], _ = strconv.ParseFloat(depth.Bids[i].Price, 64)
			tick.BidVolume[i], _ = strconv.ParseFloat(depth.Bids[i].Quantity, 64)
		}
		for i := 0; i < 5 && i < len(depth.Asks); i++ {
			tick.AskPrice[i], _ = strconv.ParseFloat(depth.Asks[i].Price, 64)
			tick.AskVolume[i], _ = strconv.ParseFloat(depth.Asks[i].Quantity, 64)
		}

		g.mu.Lock()
		g.ticks[symbol] = tick
		g.mu.Unlock()

		if sink != nil {
			sink.OnGatewayTick(tick)
		}
	}
}

// pollOrders 逐笔查询在途委托，差分出成交增量和状态变化。
func (g *BinanceGateway) pollOrders(ctx context.Context) {
	g.mu.Lock()
	watched := make(map[string]*watchedOrder, len(g.watched))
	for id, w := range g.watched {
		watched[id] = w
	}
	sink := g.sink
	g.mu.Unlock()

	for orderID, w := range watched {
		code, _ := models.SplitSymbol(w.symbol)
		order, err := g.client.NewGetOrderService().Symbol(code).OrderID(w.binanceID).Do(ctx)
		if err != nil {
			logger.S().Warnf("查询委托 %s 失败: %v", orderID, err)
			continue
		}

		traded, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
		quote, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
		status := mapOrderStatus(order.Status)
		if traded == w.lastTraded && status == w.lastStatus {
			continue
		}

		price, _ := strconv.ParseFloat(order.Price, 64)
		volume, _ := strconv.ParseFloat(order.OrigQuantity, 64)
		direction := models.DirectionLong
		if order.Side == binance.SideTypeSell {
			direction = models.DirectionShort
		}

		// 先推成交增量，再推委托状态
		if delta := traded - w.lastTraded; delta > 0 && sink != nil {
			fillPrice := price
			if quoteDelta := quote - w.lastQuote; quoteDelta > 0 {
				fillPrice = quoteDelta / delta
			}
			w.tradeSeq++
			sink.OnGatewayTrade(models.TradeData{
				TradeID:   fmt.Sprintf("%s-%d", orderID, w.tradeSeq),
				OrderID:   orderID,
				Symbol:    w.symbol,
				Direction: direction,
				Price:     fillPrice,
				Volume:    delta,
				TradeTime: time.Now(),
			})
		}
		w.lastTraded = traded
		w.lastQuote = quote
		w.lastStatus = status

		if sink != nil {
			sink.OnGatewayOrder(models.OrderData{
				OrderID:   orderID,
				Symbol:    w.symbol,
				Direction: direction,
				Price:     price,
				Volume:    volume,
				Traded:    traded,
				Status:    status,
				OrderTime: time.UnixMilli(order.Time),
			})
		}

		if !status.IsActive() {
			g.mu.Lock()
			delete(g.watched, orderID)
			g.mu.Unlock()
		}
	}
}

func (g *BinanceGateway) refreshAccount(ctx context.Context) error {
	account, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range account.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		g.balances[b.Asset] = free + locked
		if b.Asset == "USDT" {
			g.quoteFree = free
		}
	}

	if g.sink != nil {
		g.sink.OnGatewayAccount(models.AccountData{
			AccountID: "binance-spot",
			Available: g.quoteFree,
		})
	}
	return nil
}

// mapOrderStatus 把币安委托状态映射到内部状态
func mapOrderStatus(status binance.OrderStatusType) models.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew:
		return models.StatusNotTraded
	case binance.OrderStatusTypePartiallyFilled:
		return models.StatusPartTraded
	case binance.OrderStatusTypeFilled:
		return models.StatusAllTraded
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return models.StatusCancelled
	case binance.OrderStatusTypeRejected:
		return models.StatusRejected
	default:
		return models.StatusSubmitting
	}
}
