// Package strategy 实现CTA执行模板：把策略层面的持仓意图（网格）
// 转换为正确的委托序列，跟踪部分成交，处理撤单、拒单和重启恢复，
// 并在每次有意义的状态变更后把账本落盘。
//
// 信号生成不在这里：具体策略通过ArmGrid设置意图、通过SetSignal
// 记录信号，模板只负责把意图可靠地执行出去。
package strategy

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"cta-grid-engine/internal/config"
	"cta-grid-engine/internal/engine"
	"cta-grid-engine/internal/grid"
	"cta-grid-engine/internal/klines"
	"cta-grid-engine/internal/logger"
	"cta-grid-engine/internal/models"
	"cta-grid-engine/internal/policy"
	"cta-grid-engine/internal/position"
	"cta-grid-engine/internal/report"
	"cta-grid-engine/internal/session"
	"cta-grid-engine/internal/tracker"
)

// dist日志的operation列取值
const (
	opOpen         = "open"
	opCloseTrigger = "close-trigger"
	opStopTrigger  = "stop-trigger"
	opClose        = "close"
	opCloseRequeue = "close-requeue"
	opReArm        = "re-arm"
	opSplit        = "split"
	opReject       = "reject"
)

const reconcileInterval = 5 * time.Second

var distHeader = []string{"datetime", "symbol", "volume", "price", "operation"}
var tnsHeader = []string{"datetime", "symbol", "trade_id", "order_id", "direction", "price", "volume"}

// CtaTemplate 是一个策略实例的执行内核。
// 所有回调都由引擎在策略专属协程上串行调用，内部不再需要大锁；
// 网格账本自带的锁只保护跨协程的快照读取。
type CtaTemplate struct {
	name     string
	cfg      config.StrategyConfig
	ctx      engine.Context
	calendar session.Calendar
	dataRoot string

	book      *grid.Book
	orders    *tracker.Tracker
	policy    *policy.Store
	positions *position.Keeper
	kcache    *klines.Cache
	barCaches map[string][]byte

	lastTicks map[string]*models.TickData
	distLog   *csvAppender
	tnsLog    *csvAppender

	lastReconcile time.Time
	inited        bool
}

// NewCtaTemplate 创建策略实例。calendar为nil时使用A股默认日历。
func NewCtaTemplate(cfg config.StrategyConfig, ctx engine.Context, calendar session.Calendar, dataRoot string) *CtaTemplate {
	if calendar == nil {
		calendar = session.NewCNEquity()
	}
	return &CtaTemplate{
		name:      cfg.Name,
		cfg:       cfg,
		ctx:       ctx,
		calendar:  calendar,
		dataRoot:  dataRoot,
		book:      grid.NewBook(cfg.Name, dataRoot),
		orders:    tracker.New(),
		policy:    policy.NewStore(cfg.Name, dataRoot),
		positions: position.NewKeeper(cfg.Name),
		kcache:    klines.NewCache(cfg.Name, dataRoot),
		barCaches: make(map[string][]byte),
		lastTicks: make(map[string]*models.TickData),
		distLog:   newCSVAppender(dataRoot+"/"+cfg.Name+"_dist.csv", distHeader),
		tnsLog:    newCSVAppender(dataRoot+"/"+cfg.Name+"_tns.csv", tnsHeader),
	}
}

// Name 返回策略实例名
func (s *CtaTemplate) Name() string { return s.name }

// Symbols 返回策略绑定的合约
func (s *CtaTemplate) Symbols() []string { return s.cfg.Symbols }

// QueueSize 返回配置的事件队列长度，引擎注册时读取
func (s *CtaTemplate) QueueSize() int { return s.cfg.QueueSize }

// Book 返回网格账本（测试与报表用）
func (s *CtaTemplate) Book() *grid.Book { return s.book }

// Positions 返回持仓簿
func (s *CtaTemplate) Positions() *position.Keeper { return s.positions }

// LiveOrderCount 返回存活委托数量
func (s *CtaTemplate) LiveOrderCount() int { return s.orders.Count() }

// Status 返回用于报表的状态快照
func (s *CtaTemplate) Status() report.StrategyStatus {
	return report.StrategyStatus{
		Name:       s.name,
		Grids:      s.book.Snapshot(),
		Positions:  s.positions.Snapshot(),
		LiveOrders: s.orders.Count(),
	}
}

// OnStart 恢复状态并接管重启前遗留的在途委托。
// 数据目录缺失或policy不可读属于致命错误，终止本策略的初始化。
func (s *CtaTemplate) OnStart() error {
	if info, err := os.Stat(s.dataRoot); err != nil || !info.IsDir() {
		return fmt.Errorf("数据目录不可用: %s", s.dataRoot)
	}

	orphans, err := s.book.Load()
	if err != nil {
		return fmt.Errorf("恢复网格账本失败: %w", err)
	}
	if err := s.policy.Load(); err != nil {
		return fmt.Errorf("恢复policy失败: %w", err)
	}
	if caches, err := s.kcache.Load(); err != nil {
		logger.S().Warnf("[%s] K线缓存不可用，忽略: %v", s.name, err)
	} else {
		s.barCaches = caches
	}

	for _, symbol := range s.cfg.Symbols {
		if err := s.ctx.Subscribe(symbol); err != nil {
			logger.S().Warnf("[%s] 订阅 %s 失败: %v", s.name, symbol, err)
		}
	}

	// 重启前在途的委托先登记再撤销：撤单确认回来后走正常的
	// 释放路径，把网格重新置回待命状态。
	for orderID, gridID := range orphans {
		g := s.book.ByID(gridID)
		if g == nil {
			continue
		}
		s.orders.Restore(&tracker.Record{
			OrderID:   orderID,
			Symbol:    g.Symbol,
			Direction: models.Direction(g.Direction),
			Status:    models.StatusCancelling,
			OrderTime: g.OrderTime,
			GridID:    gridID,
		})
		logger.S().Infof("[%s] 撤销重启前遗留委托: %s (网格 %s)", s.name, orderID, gridID)
		if err := s.ctx.CancelOrder(orderID); err != nil {
			// 网关已不认识这笔委托，按已撤处理
			s.applyOrder(models.OrderData{
				OrderID: orderID,
				Symbol:  g.Symbol,
				Status:  models.StatusCancelled,
			})
		}
	}

	s.inited = true
	return nil
}

// OnStop 撤掉全部在途委托并把状态落盘
func (s *CtaTemplate) OnStop() {
	s.CancelAll("进程停止")
	if err := s.book.Save(); err != nil {
		logger.S().Errorf("[%s] 停止时保存账本失败: %v", s.name, err)
	}
	if err := s.policy.Save(); err != nil {
		logger.S().Errorf("[%s] 停止时保存policy失败: %v", s.name, err)
	}
	if err := s.kcache.Save(s.barCaches); err != nil {
		logger.S().Errorf("[%s] 停止时保存K线缓存失败: %v", s.name, err)
	}
	s.distLog.Close()
	s.tnsLog.Close()
	logger.S().Infof("[%s] 策略已停止", s.name)
}

// ArmGrid 由策略代码调用：设置一手新的持仓意图（armed-open）。
func (s *CtaTemplate) ArmGrid(symbol string, volume, openPrice, closePrice, stopPrice float64, gridType string) *grid.Grid {
	g := grid.NewGrid(symbol, string(models.DirectionLong), volume, openPrice)
	g.ClosePrice = closePrice
	g.StopPrice = stopPrice
	g.Type = gridType
	s.book.Add(g)
	s.saveBook()
	return g
}

// SetSignal 记录某个周期的最新信号并落盘
func (s *CtaTemplate) SetSignal(interval, signal string, when time.Time) {
	if err := s.policy.SetSignal(interval, signal, when); err != nil {
		logger.S().Errorf("[%s] 保存信号失败: %v", s.name, err)
	}
}

// SetBarCache 更新某个周期的K线聚合器负载，停止时统一落盘。
func (s *CtaTemplate) SetBarCache(interval string, payload []byte) {
	s.barCaches[interval] = payload
}

// BarCache 读取某个周期的K线聚合器负载
func (s *CtaTemplate) BarCache(interval string) ([]byte, bool) {
	payload, ok := s.barCaches[interval]
	return payload, ok
}

// OnTick 缓存行情并驱动一轮执行
func (s *CtaTemplate) OnTick(tick *models.TickData) {
	if !s.inited {
		return
	}
	s.lastTicks[tick.Symbol] = tick
	s.execute(eventTime(tick.Datetime))
}

// OnBar 驱动一轮执行。K线聚合由具体策略完成，模板只消费。
func (s *CtaTemplate) OnBar(bar *models.BarData) {
	if !s.inited {
		return
	}
	s.execute(eventTime(bar.Datetime))
}

// OnTimer 处理交易日切换、持仓核对，并驱动一轮执行。
func (s *CtaTemplate) OnTimer(now time.Time) {
	if !s.inited {
		return
	}

	date := now.Format("2006-01-02")
	if s.policy.Doc.CurrentTradingDate != date {
		s.policy.Doc.CurrentTradingDate = date
		if err := s.policy.Save(); err != nil {
			logger.S().Errorf("[%s] 保存policy失败: %v", s.name, err)
		}
	}

	if now.Sub(s.lastReconcile) >= reconcileInterval {
		s.lastReconcile = now
		s.positions.Reconcile(s.ctx, func(symbol string, expected, actual float64) {
			s.ctx.Publish(string(engine.EventPosition), map[string]interface{}{
				"strategy": s.name,
				"symbol":   symbol,
				"expected": expected,
				"actual":   actual,
				"mismatch": true,
			})
		})
	}

	s.execute(now)
}

// OnStopOrder 本地停止单回报，模板只记录。
func (s *CtaTemplate) OnStopOrder(stop models.StopOrderData) {
	logger.S().Infof("[%s] 停止单回报: %s triggered=%v", s.name, stop.StopOrderID, stop.Triggered)
}

// OnOrder 处理委托回报
func (s *CtaTemplate) OnOrder(order models.OrderData) {
	if !s.inited {
		return
	}
	s.applyOrder(order)
}

// OnTrade 处理成交回报：更新持仓并写tns流水。
// 重复推送的成交按trade_id去重，保证重放幂等。
func (s *CtaTemplate) OnTrade(trade models.TradeData) {
	if !s.inited {
		return
	}
	if !s.orders.MarkTrade(trade.TradeID) {
		logger.S().Debugf("[%s] 重复成交回报: %s", s.name, trade.TradeID)
		return
	}

	pos := s.positions.ApplyFill(trade)
	s.ctx.Publish(string(engine.EventPosition), pos)

	when := eventTime(trade.TradeTime)
	if err := s.tnsLog.Append([]string{
		when.Format(policy.TimeLayout),
		trade.Symbol,
		trade.TradeID,
		trade.OrderID,
		string(trade.Direction),
		formatFloat(trade.Price),
		formatFloat(trade.Volume),
	}); err != nil {
		logger.S().Warnf("[%s] 写tns流水失败: %v", s.name, err)
	}
}

// execute 是执行循环：时段门控 → 撤单扫描 → 平仓条件扫描 →
// 平仓派发 → 开仓派发。对同一状态重复调用是无害的。
func (s *CtaTemplate) execute(now time.Time) {
	canSubmit := s.calendar.CanSubmit(now)

	// 撤单扫描不受交易时段限制
	s.cancelSweep(now)
	if !canSubmit {
		return
	}

	for _, symbol := range s.cfg.Symbols {
		tick, ok := s.lastTicks[symbol]
		if !ok {
			continue
		}
		s.closeSweep(symbol, tick, now)
		s.dispatchClose(symbol, tick, now)
		s.dispatchOpen(symbol, tick, now)
	}
}

// cancelSweep 撤销超时的限价挂单。
// 只处理SUBMITTING/NOTTRADED：已有成交的委托留给交易所继续撮合。
func (s *CtaTemplate) cancelSweep(now time.Time) {
	timeout := time.Duration(s.cfg.CancelSeconds) * time.Second
	for _, rec := range s.orders.Live() {
		if rec.Type != models.OrderTypeLimit {
			continue
		}
		if rec.Status != models.StatusSubmitting && rec.Status != models.StatusNotTraded {
			continue
		}
		if now.Sub(rec.OrderTime) < timeout {
			continue
		}
		logger.S().Infof("[%s] 委托 %s 挂单超时，请求撤单", s.name, rec.OrderID)
		s.requestCancel(rec)
	}
}

// requestCancel 发出撤单请求。请求失败按"已撤掉"处理：
// 合成一条CANCELLED回报走正常释放路径，重复撤单是安全的。
func (s *CtaTemplate) requestCancel(rec *tracker.Record) {
	if err := s.ctx.CancelOrder(rec.OrderID); err != nil {
		logger.S().Warnf("[%s] 撤单 %s 失败，按已撤处理: %v", s.name, rec.OrderID, err)
		s.applyOrder(models.OrderData{
			OrderID:   rec.OrderID,
			Symbol:    rec.Symbol,
			Direction: rec.Direction,
			Offset:    rec.Offset,
			Type:      rec.Type,
			Price:     rec.Price,
			Volume:    rec.Volume,
			Traded:    rec.Traded,
			Status:    models.StatusCancelled,
		})
	}
}

// CancelAll 无视挂单时长强制撤销全部在途委托。
// 强制撤单必须由调用方显式发起并说明原因，不属于常规扫描。
func (s *CtaTemplate) CancelAll(reason string) {
	live := s.orders.Live()
	if len(live) == 0 {
		return
	}
	logger.S().Warnf("[%s] 强制撤销全部%d笔在途委托: %s", s.name, len(live), reason)
	for _, rec := range live {
		s.requestCancel(rec)
	}
}

// closeSweep 对持仓网格应用止损和止盈条件
func (s *CtaTemplate) closeSweep(symbol string, tick *models.TickData, now time.Time) {
	price := tick.LastPrice
	if price <= 0 {
		return
	}
	for _, g := range s.book.Holding(symbol) {
		stopHit := g.StopPrice > 0 && price <= g.StopPrice
		takeHit := g.ClosePrice > 0 && price >= g.ClosePrice
		if !stopHit && !takeHit {
			continue
		}
		op := opCloseTrigger
		target := g.ClosePrice
		if stopHit {
			op = opStopTrigger
			target = g.StopPrice
		}
		g.MarkPendingClose(now)
		logger.S().Infof("[%s] 网格 %s 触发%s: last=%v 目标=%v 距离=%v",
			s.name, g.ID, op, price, target, price-target)
		s.logDist(now, symbol, g.Volume, price, op)
		s.saveBook()
	}
}

// dispatchClose 为每个合约派发至多一笔平仓委托。
// 委托价为买一价减一个tick，吃过价差保证成交概率。
func (s *CtaTemplate) dispatchClose(symbol string, tick *models.TickData, now time.Time) {
	// 买一为空时无法定价，等有盘口再派发
	if tick.BidPrice[0] <= 0 {
		return
	}
	var g *grid.Grid
	for _, cand := range s.book.Filter(func(cand *grid.Grid) bool {
		return cand.Symbol == symbol && cand.CloseStatus && !cand.HasLiveOrders()
	}) {
		g = cand
		break
	}
	if g == nil {
		return
	}

	minVol := s.ctx.VolumeTick(symbol)
	volume := s.clampVolume(g.Volume-g.TradedVolume, tick, minVol)
	if volume < minVol || volume <= 0 {
		logger.S().Debugf("[%s] 平仓量 %v 不足最小单位 %v，本轮不派发", s.name, g.Volume-g.TradedVolume, minVol)
		return
	}

	price := tick.BidPrice[0] - s.ctx.PriceTick(symbol)
	s.sendGridOrder(g, models.OrderRequest{
		Symbol:    symbol,
		Direction: models.DirectionShort,
		Offset:    models.OffsetClose,
		Type:      models.OrderTypeLimit,
		Price:     price,
		Volume:    volume,
	}, now)
}

// dispatchOpen 为每个合约派发至多一笔开仓委托。
// 委托价为最新价上浮open_price_ticks个tick的激进买价。
// 可用资金不足时就地缩减网格量并落盘，不中止。
func (s *CtaTemplate) dispatchOpen(symbol string, tick *models.TickData, now time.Time) {
	var g *grid.Grid
	for _, cand := range s.book.Filter(func(cand *grid.Grid) bool {
		return cand.Symbol == symbol && !cand.OpenStatus && !cand.CloseStatus && !cand.HasLiveOrders()
	}) {
		g = cand
		break
	}
	if g == nil {
		return
	}

	minVol := s.ctx.VolumeTick(symbol)
	price := tick.LastPrice + float64(s.cfg.OpenPriceTicks)*s.ctx.PriceTick(symbol)
	if price <= 0 {
		return
	}

	volume := s.clampVolume(g.Volume-g.TradedVolume, tick, minVol)

	if avail := s.ctx.Available(); avail < volume*price {
		scaled := models.FloorToStep(avail/price, minVol)
		if scaled <= 0 {
			logger.S().Warnf("[%s] 可用资金 %v 不足最小一手 %s，本轮不派发", s.name, avail, symbol)
			return
		}
		logger.S().Warnf("[%s] 可用资金不足，网格 %s 目标量 %v 缩减为 %v", s.name, g.ID, g.Volume, scaled)
		g.Volume = scaled
		if g.TradedVolume > g.Volume {
			g.TradedVolume = g.Volume
		}
		volume = scaled - g.TradedVolume
		s.saveBook()
	}

	if volume < minVol || volume <= 0 {
		return
	}

	s.sendGridOrder(g, models.OrderRequest{
		Symbol:    symbol,
		Direction: models.DirectionLong,
		Offset:    models.OffsetOpen,
		Type:      models.OrderTypeLimit,
		Price:     price,
		Volume:    volume,
	}, now)
}

// clampVolume 按五档盘口深度限制单笔委托量，避免扫穿流动性差的盘口。
// 只有买卖双方五档都有量时才启用，下限为一个最小单位。
func (s *CtaTemplate) clampVolume(volume float64, tick *models.TickData, minVol float64) float64 {
	volume = models.FloorToStep(volume, minVol)
	if !tick.DepthComplete() {
		return volume
	}
	depth := math.Min(tick.TotalBidVolume(), tick.TotalAskVolume())
	clamp := models.FloorToStep(depth*s.cfg.DepthFraction, minVol)
	if clamp < minVol {
		clamp = minVol
	}
	if volume > clamp {
		volume = clamp
	}
	return volume
}

// checkRequest 拦截合约层面不支持的委托：
// 涨停价的FAK/FOK买单必然废单，记警告后丢弃，状态不变。
func (s *CtaTemplate) checkRequest(req models.OrderRequest) bool {
	if req.Type != models.OrderTypeFAK && req.Type != models.OrderTypeFOK {
		return true
	}
	if req.Direction != models.DirectionLong {
		return true
	}
	tick, ok := s.lastTicks[req.Symbol]
	if ok && tick.LimitUp > 0 && req.Price >= tick.LimitUp {
		logger.S().Warnf("[%s] %s买单价格 %v 已达涨停 %v，不予发出", s.name, req.Type, req.Price, tick.LimitUp)
		return false
	}
	return true
}

// sendGridOrder 把一笔网格委托发给网关并登记。
// 网关返回空列表视为拒绝，网格保持待命下轮重试。
// 提交窗口期抢跑到达的回报由tracker暂存，在登记时合并处理。
func (s *CtaTemplate) sendGridOrder(g *grid.Grid, req models.OrderRequest, now time.Time) {
	if !s.checkRequest(req) {
		return
	}

	ids, err := s.ctx.SendOrder(req)
	if err != nil {
		logger.S().Warnf("[%s] 发送委托失败: %v", s.name, err)
		return
	}
	if len(ids) == 0 {
		logger.S().Warnf("[%s] 网关拒绝委托 %s %s %v@%v，下轮重试", s.name, req.Symbol, req.Direction, req.Volume, req.Price)
		return
	}

	if !g.OrderStatus {
		g.MarkPendingOpen(now)
	} else {
		g.OrderTime = now
	}

	var merged []*tracker.Update
	for _, id := range ids {
		g.AddOrderID(id)
		up := s.orders.Add(&tracker.Record{
			OrderID:   id,
			Symbol:    req.Symbol,
			Direction: req.Direction,
			Offset:    req.Offset,
			Type:      req.Type,
			Price:     req.Price,
			Volume:    req.Volume,
			Status:    models.StatusSubmitting,
			OrderTime: now,
			GridID:    g.ID,
			Intent:    req,
		})
		if up != nil {
			merged = append(merged, up)
		}
	}
	s.saveBook()

	for _, up := range merged {
		s.applyUpdate(up, now)
	}
}

// applyOrder 把委托回报交给tracker入账，再驱动网格状态机。
func (s *CtaTemplate) applyOrder(order models.OrderData) {
	up := s.orders.Apply(order)
	if up == nil {
		return
	}
	s.applyUpdate(up, eventTime(order.OrderTime))
}

// applyUpdate 根据入账结果推进归属网格的相位
func (s *CtaTemplate) applyUpdate(up *tracker.Update, now time.Time) {
	rec := up.Record

	g := s.book.ByID(rec.GridID)
	if g == nil {
		g = s.book.ByOrderID(rec.OrderID)
	}
	if g == nil {
		// 网格已退休后才到达的终态回报
		logger.S().Warnf("[%s] 委托 %s 回报找不到归属网格，忽略", s.name, rec.OrderID)
		return
	}

	if up.FillDelta > 0 {
		g.TradedVolume += up.FillDelta
		if g.TradedVolume > g.Volume {
			logger.S().Errorf("[%s] 网格 %s 成交量 %v 超出目标 %v", s.name, g.ID, g.TradedVolume, g.Volume)
			g.TradedVolume = g.Volume
		}
	}

	switch rec.Status {
	case models.StatusAllTraded:
		s.onOrderFilled(g, rec, now)
	case models.StatusCancelled:
		s.onOrderCancelled(g, rec, now)
	case models.StatusRejected:
		s.onOrderRejected(g, rec, now)
	default:
		if up.FillDelta > 0 {
			s.saveBook()
		}
	}
}

// onOrderFilled 处理委托全部成交。
// 开仓阶段全部到位则进入holding；平仓阶段全部卖出则退休。
// 盘口限量导致的分笔委托不满足条件时留在原相位，下轮继续派发。
func (s *CtaTemplate) onOrderFilled(g *grid.Grid, rec *tracker.Record, now time.Time) {
	g.RemoveOrderID(rec.OrderID)

	if !g.CloseStatus {
		if g.TradedVolume >= g.Volume {
			g.CompleteOpen(now)
			logger.S().Infof("[%s] 网格 %s 开仓完成: %v@%v", s.name, g.ID, g.Volume, rec.Price)
			s.logDist(now, g.Symbol, g.Volume, rec.Price, opOpen)
		}
		s.saveBook()
		return
	}

	if g.CloseFinished() {
		s.retire(g, rec.Price, now)
		return
	}
	s.saveBook()
}

// onOrderCancelled 处理撤单确认。撤单窗口期内的成交已经在
// FillDelta中入账，这里只做相位回退：
//   - 开仓零成交：回到armed-open（场景：超时撤单后重试）
//   - 开仓部分成交：已成交部分拆分为新的holding网格，原网格缩减重arm
//   - 平仓部分成交：已卖出部分从目标量中扣除，回到holding等待再次触发
func (s *CtaTemplate) onOrderCancelled(g *grid.Grid, rec *tracker.Record, now time.Time) {
	g.RemoveOrderID(rec.OrderID)
	if g.HasLiveOrders() {
		s.saveBook()
		return
	}

	filled := g.TradedVolume
	if !g.CloseStatus {
		switch {
		case filled <= 0:
			g.Rewind()
			logger.S().Infof("[%s] 网格 %s 开仓委托已撤，回到待命", s.name, g.ID)
			s.logDist(now, g.Symbol, g.Volume, rec.Price, opReArm)
		case filled >= g.Volume:
			g.CompleteOpen(now)
			s.logDist(now, g.Symbol, g.Volume, rec.Price, opOpen)
		default:
			s.splitGrid(g, filled, now)
		}
		s.saveBook()
		return
	}

	sold := filled
	if sold >= g.Volume {
		s.retire(g, rec.Price, now)
		return
	}
	g.Volume -= sold
	g.Rewind()
	logger.S().Infof("[%s] 网格 %s 平仓委托已撤，剩余 %v 回到持仓", s.name, g.ID, g.Volume)
	s.logDist(now, g.Symbol, g.Volume, rec.Price, opCloseRequeue)
	s.saveBook()
}

// splitGrid 把部分成交的开仓意图一分为二：已成交的量立刻成为
// 持仓网格（带原止盈止损），原网格缩减为剩余量重新待命。
func (s *CtaTemplate) splitGrid(g *grid.Grid, filled float64, now time.Time) {
	held := grid.NewGrid(g.Symbol, g.Direction, filled, g.OpenPrice)
	held.ClosePrice = g.ClosePrice
	held.StopPrice = g.StopPrice
	held.Type = g.Type
	held.CompleteOpen(now)
	s.book.Add(held)

	g.Volume -= filled
	g.Rewind()
	logger.S().Infof("[%s] 网格 %s 部分成交后撤单: 拆出持仓 %v (新网格 %s)，剩余 %v 重新待命",
		s.name, g.ID, filled, held.ID, g.Volume)
	s.logDist(now, g.Symbol, filled, g.OpenPrice, opSplit)
}

// onOrderRejected 按零成交撤单处理拒单：
// 释放在途相位、清零阶段成交计数，记错误日志。
func (s *CtaTemplate) onOrderRejected(g *grid.Grid, rec *tracker.Record, now time.Time) {
	logger.S().Errorf("[%s] 委托 %s 被拒绝: %s %v@%v", s.name, rec.OrderID, rec.Symbol, rec.Volume, rec.Price)
	g.RemoveOrderID(rec.OrderID)
	if !g.HasLiveOrders() {
		g.Rewind()
	}
	s.logDist(now, g.Symbol, g.Volume, rec.Price, opReject)
	s.saveBook()
}

// retire 网格完成整个回合，从账本移除并落盘。
func (s *CtaTemplate) retire(g *grid.Grid, price float64, now time.Time) {
	g.OrderIDs = []string{}
	logger.S().Infof("[%s] 网格 %s 平仓完成退休: %v@%v", s.name, g.ID, g.Volume, price)
	s.logDist(now, g.Symbol, g.Volume, price, opClose)
	s.book.RemoveByIDs([]string{g.ID})
	s.saveBook()
}

func (s *CtaTemplate) saveBook() {
	if err := s.book.Save(); err != nil {
		logger.S().Errorf("[%s] 保存网格账本失败: %v", s.name, err)
	}
}

func (s *CtaTemplate) logDist(now time.Time, symbol string, volume, price float64, operation string) {
	if err := s.distLog.Append([]string{
		now.Format(policy.TimeLayout),
		symbol,
		formatFloat(volume),
		formatFloat(price),
		operation,
	}); err != nil {
		logger.S().Warnf("[%s] 写dist流水失败: %v", s.name, err)
	}
}

func eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
