// Package engine 实现事件引擎：接收网关推送的行情和回报，
// 按归属路由到各策略实例的有界队列，由每个策略专属的
// 分发协程串行消费。策略内部因此是逻辑单线程的，
// 策略之间互不阻塞。队列满时投递方短暂阻塞（有界背压，不丢事件）。
package engine

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"cta-grid-engine/internal/gateway"
	"cta-grid-engine/internal/logger"
	"cta-grid-engine/internal/models"
	"cta-grid-engine/internal/registry"
)

// Strategy 是引擎托管的策略实例需要实现的回调集合。
// 除OnStart/OnStop外，所有回调都在策略专属协程上被串行调用。
type Strategy interface {
	Name() string
	Symbols() []string
	OnStart() error
	OnStop()
	OnTick(tick *models.TickData)
	OnBar(bar *models.BarData)
	OnOrder(order models.OrderData)
	OnTrade(trade models.TradeData)
	OnStopOrder(stop models.StopOrderData)
	OnTimer(now time.Time)
}

// Context 是策略访问网关和行情的受控入口。
// 通过它报出的委托会登记归属关系，回报才能路由回本策略。
type Context interface {
	SendOrder(req models.OrderRequest) ([]string, error)
	CancelOrder(orderID string) error
	Subscribe(symbol string) error
	Price(symbol string) (float64, error)
	Tick(symbol string) (*models.TickData, error)
	PriceTick(symbol string) float64
	VolumeTick(symbol string) float64
	Position(symbol string, direction models.Direction) float64
	Available() float64

	// Publish 向监控事件流发布一条事件（EVENT_POSITION等）
	Publish(eventType string, data interface{})
}

// Journal 记录成交流水与终态委托，可为nil。
type Journal interface {
	RecordTrade(t models.TradeData) error
	RecordOrder(o models.OrderData) error
}

// unclaimedCap 限制归属未明回报的暂存规模
const unclaimedCap = 256

// Engine 是进程级的执行引擎，托管多个策略实例。
type Engine struct {
	gw        gateway.Gateway
	reg       *registry.Registry
	journal   Journal
	publisher Publisher

	queueSize     int
	timerInterval time.Duration
	ownerGrace    time.Duration

	mu         sync.Mutex
	runtimes   map[string]*runtime
	orderOwner map[string]*ownerEntry // order_id → 归属登记
	unclaimed  map[string]*pendingReports
	symbolSubs map[string][]string // symbol → 订阅的策略名

	timerStop chan struct{}
	wg        sync.WaitGroup
	started   bool
}

// ownerEntry 记录一笔委托归属哪个策略。
// 终态回报到达后归属并不立刻删除：网关推送成交和委托终态的先后
// 没有保证，迟到的成交回报在宽限期内仍要能路由回归属策略。
type ownerEntry struct {
	owner    string
	released time.Time // 零值表示委托仍存活
}

// pendingReports 暂存归属未明的回报。
// 网关在SendOrder返回前就同步推送回报时，提交方还来不及登记归属，
// 这些回报先存在这里，待claimOrders时按原顺序重放。
type pendingReports struct {
	events []Event
	at     time.Time
}

type runtime struct {
	strategy Strategy
	queue    chan Event
	quit     chan struct{}
	alive    bool
}

// New 创建引擎。journal和publisher都可以为nil。
func New(gw gateway.Gateway, reg *registry.Registry, journal Journal, publisher Publisher, queueSize int) *Engine {
	if queueSize <= 0 {
		queueSize = 1024
	}
	e := &Engine{
		gw:            gw,
		reg:           reg,
		journal:       journal,
		publisher:     publisher,
		queueSize:     queueSize,
		timerInterval: time.Second,
		ownerGrace:    30 * time.Second,
		runtimes:      make(map[string]*runtime),
		orderOwner:    make(map[string]*ownerEntry),
		unclaimed:     make(map[string]*pendingReports),
		symbolSubs:    make(map[string][]string),
		timerStop:     make(chan struct{}),
	}
	gw.SetSink(e)
	return e
}

// SetTimerInterval 调整定时事件的周期，必须在Start之前调用。
// 回测和联调时加速用。
func (e *Engine) SetTimerInterval(d time.Duration) {
	if d > 0 {
		e.timerInterval = d
	}
}

// QueueSizer 是策略的可选接口：携带自己的事件队列长度。
type QueueSizer interface {
	QueueSize() int
}

// Register 登记一个策略实例。必须在Start之前调用。
// 策略实现了QueueSizer时使用其自带的队列长度。
func (e *Engine) Register(s Strategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.runtimes[s.Name()]; dup {
		return fmt.Errorf("策略 %s 已注册", s.Name())
	}
	size := e.queueSize
	if qs, ok := s.(QueueSizer); ok && qs.QueueSize() > 0 {
		size = qs.QueueSize()
	}
	e.runtimes[s.Name()] = &runtime{
		strategy: s,
		queue:    make(chan Event, size),
		quit:     make(chan struct{}),
	}
	for _, symbol := range s.Symbols() {
		e.symbolSubs[symbol] = append(e.symbolSubs[symbol], s.Name())
	}
	return nil
}

// BindContext 为策略实例生成受控上下文
func (e *Engine) BindContext(strategyName string) Context {
	return &boundContext{eng: e, owner: strategyName}
}

// Start 连接网关并逐个初始化策略。
// 单个策略初始化失败只终止该策略，其余继续运行。
func (e *Engine) Start() error {
	if err := e.gw.Connect(); err != nil {
		return fmt.Errorf("网关连接失败: %w", err)
	}

	e.mu.Lock()
	e.started = true
	runtimes := make([]*runtime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		runtimes = append(runtimes, rt)
	}
	e.mu.Unlock()

	for _, rt := range runtimes {
		// 初始化期间网关同步推送的回报也必须能入队，
		// 所以先标记存活再调OnStart，失败时再撤销。
		e.setAlive(rt, true)
		if err := rt.strategy.OnStart(); err != nil {
			e.setAlive(rt, false)
			logger.S().Errorf("策略 %s 初始化失败，已终止该策略: %v", rt.strategy.Name(), err)
			e.publish(string(EventLog), map[string]string{
				"strategy": rt.strategy.Name(),
				"level":    "fatal",
				"message":  err.Error(),
			})
			continue
		}
		e.wg.Add(1)
		go e.consume(rt)
		logger.S().Infof("策略 %s 已启动", rt.strategy.Name())
	}

	e.wg.Add(1)
	go e.timerLoop()
	return nil
}

// Stop 停止定时器和全部策略，随后关闭网关。
func (e *Engine) Stop() {
	close(e.timerStop)

	e.mu.Lock()
	runtimes := make([]*runtime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		if rt.alive {
			runtimes = append(runtimes, rt)
		}
	}
	e.mu.Unlock()

	for _, rt := range runtimes {
		close(rt.quit)
	}
	e.wg.Wait()

	for _, rt := range runtimes {
		e.safeCall(rt.strategy.Name(), "stop", func() { rt.strategy.OnStop() })
	}

	if err := e.gw.Close(); err != nil {
		logger.S().Warnf("网关关闭失败: %v", err)
	}
}

// consume 是策略专属的分发协程
func (e *Engine) consume(rt *runtime) {
	defer e.wg.Done()
	name := rt.strategy.Name()
	for {
		select {
		case ev := <-rt.queue:
			e.dispatch(rt, ev)
		case <-rt.quit:
			// 排干队列，保证停止前已入队的回报不丢
			for {
				select {
				case ev := <-rt.queue:
					e.dispatch(rt, ev)
				default:
					logger.S().Infof("策略 %s 分发协程退出", name)
					return
				}
			}
		}
	}
}

// dispatch 带恐慌屏障地调用策略回调：单个坏事件不能卡死策略。
func (e *Engine) dispatch(rt *runtime, ev Event) {
	name := rt.strategy.Name()
	e.safeCall(name, string(ev.Type), func() {
		switch ev.Type {
		case EventTick:
			rt.strategy.OnTick(ev.Data.(*models.TickData))
		case EventBar:
			rt.strategy.OnBar(ev.Data.(*models.BarData))
		case EventOrder:
			rt.strategy.OnOrder(ev.Data.(models.OrderData))
		case EventTrade:
			rt.strategy.OnTrade(ev.Data.(models.TradeData))
		case EventStopOrder:
			rt.strategy.OnStopOrder(ev.Data.(models.StopOrderData))
		case EventTimer:
			rt.strategy.OnTimer(ev.Time)
		}
	})
}

func (e *Engine) setAlive(rt *runtime, alive bool) {
	e.mu.Lock()
	rt.alive = alive
	e.mu.Unlock()
}

func (e *Engine) safeCall(strategy, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.S().Errorf("策略 %s 处理 %s 时panic: %v\n%s", strategy, what, r, debug.Stack())
			e.publish(string(EventLog), map[string]string{
				"strategy": strategy,
				"level":    "error",
				"message":  fmt.Sprintf("callback panic: %v", r),
			})
		}
	}()
	fn()
}

// post 把事件投入指定策略的队列，队列满时阻塞。
func (e *Engine) post(strategyName string, ev Event) {
	e.mu.Lock()
	rt, ok := e.runtimes[strategyName]
	e.mu.Unlock()
	if !ok || !rt.alive {
		return
	}
	select {
	case rt.queue <- ev:
	case <-rt.quit:
	}
}

// timerLoop 周期性向所有策略投递定时事件，并清理过期的归属登记
func (e *Engine) timerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.timerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.timerStop:
			return
		case now := <-ticker.C:
			e.sweepOwners(now)
			e.mu.Lock()
			names := make([]string, 0, len(e.runtimes))
			for name, rt := range e.runtimes {
				if rt.alive {
					names = append(names, name)
				}
			}
			e.mu.Unlock()
			for _, name := range names {
				e.post(name, Event{Type: EventTimer, Time: now})
			}
		}
	}
}

func (e *Engine) publish(eventType string, data interface{}) {
	if e.publisher != nil {
		e.publisher.Publish(eventType, data)
	}
}

// OnGatewayTick 把行情路由到所有订阅该合约的策略
func (e *Engine) OnGatewayTick(tick *models.TickData) {
	e.mu.Lock()
	subs := append([]string{}, e.symbolSubs[tick.Symbol]...)
	e.mu.Unlock()
	for _, name := range subs {
		e.post(name, Event{Type: EventTick, Time: tick.Datetime, Data: tick})
	}
}

// OnGatewayOrder 把委托回报路由到归属策略。
// 归属未明的回报先暂存，等提交方登记后重放。
func (e *Engine) OnGatewayOrder(order models.OrderData) {
	e.mu.Lock()
	entry, ok := e.orderOwner[order.OrderID]
	if ok && !order.Status.IsActive() && entry.released.IsZero() {
		entry.released = time.Now()
	}
	if !ok {
		e.stashUnclaimedLocked(order.OrderID, Event{Type: EventOrder, Time: order.OrderTime, Data: order})
	}
	e.mu.Unlock()

	if e.journal != nil && !order.Status.IsActive() {
		if err := e.journal.RecordOrder(order); err != nil {
			logger.S().Warnf("记录委托流水失败: %v", err)
		}
	}
	e.publish(string(EventOrder), order)

	if !ok {
		logger.S().Debugf("收到暂无归属的委托回报: id=%s status=%s", order.OrderID, order.Status)
		return
	}
	e.post(entry.owner, Event{Type: EventOrder, Time: order.OrderTime, Data: order})
}

// OnGatewayTrade 把成交回报路由到归属策略。
// 归属在委托终态后仍保留一个宽限期，迟到的成交照常路由。
func (e *Engine) OnGatewayTrade(trade models.TradeData) {
	e.mu.Lock()
	entry, ok := e.orderOwner[trade.OrderID]
	if !ok {
		e.stashUnclaimedLocked(trade.OrderID, Event{Type: EventTrade, Time: trade.TradeTime, Data: trade})
	}
	e.mu.Unlock()

	if e.journal != nil {
		if err := e.journal.RecordTrade(trade); err != nil {
			logger.S().Warnf("记录成交流水失败: %v", err)
		}
	}
	e.publish(string(EventTrade), trade)

	if !ok {
		logger.S().Debugf("收到暂无归属的成交回报: trade=%s order=%s", trade.TradeID, trade.OrderID)
		return
	}
	e.post(entry.owner, Event{Type: EventTrade, Time: trade.TradeTime, Data: trade})
}

// stashUnclaimedLocked 暂存一条归属未明的回报，调用方必须持锁。
// 暂存区有界，满时丢弃新来的委托号并告警。
func (e *Engine) stashUnclaimedLocked(orderID string, ev Event) {
	box, exists := e.unclaimed[orderID]
	if !exists {
		if len(e.unclaimed) >= unclaimedCap {
			logger.S().Warnf("无归属回报暂存区已满，丢弃: id=%s", orderID)
			return
		}
		box = &pendingReports{at: time.Now()}
		e.unclaimed[orderID] = box
	}
	box.events = append(box.events, ev)
}

// claimOrders 把一批委托登记到策略名下，已有归属的不覆盖。
// 暂存的抢跑回报在这里按到达顺序重放给归属策略。
func (e *Engine) claimOrders(owner string, ids []string) {
	var replay []Event
	e.mu.Lock()
	for _, id := range ids {
		entry, exists := e.orderOwner[id]
		if !exists {
			entry = &ownerEntry{owner: owner}
			e.orderOwner[id] = entry
		}
		box, ok := e.unclaimed[id]
		if !ok {
			continue
		}
		delete(e.unclaimed, id)
		for _, ev := range box.events {
			if od, isOrder := ev.Data.(models.OrderData); isOrder && !od.Status.IsActive() && entry.released.IsZero() {
				entry.released = time.Now()
			}
			replay = append(replay, ev)
		}
	}
	e.mu.Unlock()

	for _, ev := range replay {
		e.post(owner, ev)
	}
}

// sweepOwners 清理过期的归属登记和始终无人认领的暂存回报
func (e *Engine) sweepOwners(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, entry := range e.orderOwner {
		if !entry.released.IsZero() && now.Sub(entry.released) > e.ownerGrace {
			delete(e.orderOwner, id)
		}
	}
	for id, box := range e.unclaimed {
		if now.Sub(box.at) > e.ownerGrace {
			logger.S().Warnf("委托 %s 的 %d 条回报始终无人认领，丢弃", id, len(box.events))
			delete(e.unclaimed, id)
		}
	}
}

// OnGatewayAccount 只向监控流转发账户快照
func (e *Engine) OnGatewayAccount(account models.AccountData) {
	e.publish(string(EventAccount), account)
}

// PostBar 把策略聚合出的K线重新投回事件队列（回测驱动用）
func (e *Engine) PostBar(strategyName string, bar *models.BarData) {
	e.post(strategyName, Event{Type: EventBar, Time: bar.Datetime, Data: bar})
}

// boundContext 把Context调用绑定到具体策略，登记委托归属。
type boundContext struct {
	eng   *Engine
	owner string
}

func (c *boundContext) SendOrder(req models.OrderRequest) ([]string, error) {
	ids, err := c.eng.gw.SendOrder(req)
	if err != nil {
		return nil, err
	}
	c.eng.claimOrders(c.owner, ids)
	return ids, nil
}

// CancelOrder 撤单前先认领归属。重启恢复的遗留委托不是本进程报出的，
// 不认领的话交易所的撤单确认就路由不回发起撤单的策略。
func (c *boundContext) CancelOrder(orderID string) error {
	c.eng.claimOrders(c.owner, []string{orderID})
	return c.eng.gw.CancelOrder(orderID)
}

func (c *boundContext) Subscribe(symbol string) error {
	return c.eng.gw.Subscribe(symbol)
}

func (c *boundContext) Price(symbol string) (float64, error) {
	return c.eng.gw.Price(symbol)
}

func (c *boundContext) Tick(symbol string) (*models.TickData, error) {
	return c.eng.gw.Tick(symbol)
}

// PriceTick 先查合约注册表，不在表中的合约落回网关并回填。
func (c *boundContext) PriceTick(symbol string) float64 {
	if c.eng.reg != nil {
		if contract, ok := c.eng.reg.Get(symbol); ok && contract.PriceTick > 0 {
			return contract.PriceTick
		}
	}
	tick := c.eng.gw.PriceTick(symbol)
	c.fillRegistry(symbol)
	return tick
}

func (c *boundContext) VolumeTick(symbol string) float64 {
	if c.eng.reg != nil {
		if contract, ok := c.eng.reg.Get(symbol); ok && contract.VolumeTick > 0 {
			return contract.VolumeTick
		}
	}
	step := c.eng.gw.VolumeTick(symbol)
	c.fillRegistry(symbol)
	return step
}

func (c *boundContext) fillRegistry(symbol string) {
	if c.eng.reg == nil {
		return
	}
	if _, ok := c.eng.reg.Get(symbol); ok {
		return
	}
	contract := models.ContractData{
		Symbol:     symbol,
		PriceTick:  c.eng.gw.PriceTick(symbol),
		VolumeTick: c.eng.gw.VolumeTick(symbol),
	}
	if err := c.eng.reg.Put(contract); err != nil {
		logger.S().Warnf("回填合约注册表失败: %s %v", symbol, err)
	}
}

func (c *boundContext) Position(symbol string, direction models.Direction) float64 {
	return c.eng.gw.Position(symbol, direction)
}

func (c *boundContext) Available() float64 {
	return c.eng.gw.Available()
}

func (c *boundContext) Publish(eventType string, data interface{}) {
	c.eng.publish(eventType, data)
}
