// Package tracker 维护所有存活委托的簿记。
//
// 委托状态机完全由网关回报驱动：执行循环可以发起撤单请求，
// 但本地从不自行落入CANCELLING。从撤单请求发出到交易所确认之间
// 委托依然存活，窗口期内到达的成交必须照常入账。
package tracker

import (
	"sync"
	"time"

	"cta-grid-engine/internal/logger"
	"cta-grid-engine/internal/models"
)

// Record 是单笔委托的可变簿记
type Record struct {
	OrderID   string
	Symbol    string
	Direction models.Direction
	Offset    models.Offset
	Type      models.OrderType
	Price     float64
	Volume    float64
	Traded    float64 // 累计成交量
	Status    models.OrderStatus
	OrderTime time.Time
	GridID    string // 归属网格，可为空
	Intent    models.OrderRequest
}

// Update 描述一次回报入账的结果
type Update struct {
	Record    *Record
	FillDelta float64 // 本次回报新增的成交量
	Terminal  bool    // 委托是否进入终态并已被移除
}

// stashCap 限制暂存回报的条数
const stashCap = 256

// defaultStashTTL 限定抢跑回报的暂存寿命。正常的提交窗口是毫秒级，
// 超过这个时长仍无人认领的就是真正的未知委托，按忽略处理。
const defaultStashTTL = 10 * time.Second

type stashEntry struct {
	od models.OrderData
	at time.Time
}

// Tracker 维护 order_id 到存活委托的映射。
// 终态（ALLTRADED/CANCELLED/REJECTED）的委托在入账后即被移除。
type Tracker struct {
	mu     sync.Mutex
	orders map[string]*Record

	// 提交窗口期：网关回报先于提交结果到达时暂存于此，
	// 待Add登记真实委托时合并。超时未认领的条目被清掉。
	stashed  map[string]stashEntry
	stashTTL time.Duration

	// 已入账的成交号，用于幂等去重
	seenTrades map[string]struct{}
}

// New 创建一个空的委托追踪器
func New() *Tracker {
	return &Tracker{
		orders:     make(map[string]*Record),
		stashed:    make(map[string]stashEntry),
		stashTTL:   defaultStashTTL,
		seenTrades: make(map[string]struct{}),
	}
}

// Add 在提交成功后登记委托。
// 如果该委托的回报在提交窗口期先到，这里会把暂存的回报合并进来，
// 返回的Update反映合并效果；否则返回nil。
func (t *Tracker) Add(rec *Record) *Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.Status == "" {
		rec.Status = models.StatusSubmitting
	}

	t.sweepStashLocked(time.Now())
	stash, ok := t.stashed[rec.OrderID]
	if !ok {
		t.orders[rec.OrderID] = rec
		return nil
	}
	delete(t.stashed, rec.OrderID)

	t.orders[rec.OrderID] = rec
	return t.applyLocked(rec, stash.od)
}

// Restore 在重启恢复时登记一笔历史在途委托。
// 这些委托随即会被撤销，登记的目的是让CANCELLED回报能找到归属网格。
func (t *Tracker) Restore(rec *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec.Status == "" {
		rec.Status = models.StatusCancelling
	}
	t.orders[rec.OrderID] = rec
}

// Apply 处理一条委托回报。
// 未知委托号的回报会暂存（提交窗口期）并返回nil；
// 累计成交量回退的回报按交易所重发处理，记日志后忽略。
func (t *Tracker) Apply(od models.OrderData) *Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.orders[od.OrderID]
	if !ok {
		// 可能是提交窗口期的抢跑回报，也可能是真正的未知委托。
		// 先暂存，由Add合并；超时或超量的暂存被丢弃。
		now := time.Now()
		t.sweepStashLocked(now)
		prev, exists := t.stashed[od.OrderID]
		if !exists && len(t.stashed) >= stashCap {
			logger.S().Warnf("未知委托回报暂存区已满，忽略: id=%s status=%s", od.OrderID, od.Status)
			return nil
		}
		logger.S().Debugf("未知委托回报暂存: id=%s status=%s traded=%v", od.OrderID, od.Status, od.Traded)
		t.stashed[od.OrderID] = stashEntry{od: mergeStash(prev.od, od), at: now}
		return nil
	}

	return t.applyLocked(rec, od)
}

// sweepStashLocked 丢弃超过暂存寿命仍无人认领的回报，调用方必须持锁。
func (t *Tracker) sweepStashLocked(now time.Time) {
	for id, entry := range t.stashed {
		if now.Sub(entry.at) > t.stashTTL {
			logger.S().Warnf("未知委托 %s 的暂存回报过期丢弃: status=%s traded=%v", id, entry.od.Status, entry.od.Traded)
			delete(t.stashed, id)
		}
	}
}

// applyLocked 把回报合并进簿记，调用方必须持锁。
func (t *Tracker) applyLocked(rec *Record, od models.OrderData) *Update {
	if od.Traded < rec.Traded {
		// 交易所重发的旧回报，按"最大值"语义幂等处理
		logger.S().Warnf("委托 %s 回报累计成交量回退(%v < %v)，忽略", od.OrderID, od.Traded, rec.Traded)
		return nil
	}

	delta := od.Traded - rec.Traded
	rec.Traded = od.Traded
	rec.Status = od.Status

	up := &Update{Record: rec, FillDelta: delta}
	if !od.Status.IsActive() {
		up.Terminal = true
		delete(t.orders, rec.OrderID)
	}
	return up
}

// mergeStash 合并同一委托的多条抢跑回报，保留最大累计成交量和最新状态。
func mergeStash(old, latest models.OrderData) models.OrderData {
	if latest.Traded < old.Traded {
		latest.Traded = old.Traded
	}
	if old.Status != "" && !old.Status.IsActive() && latest.Status.IsActive() {
		latest.Status = old.Status
	}
	return latest
}

// MarkTrade 登记一条成交号，返回是否首次见到。
// 重复推送的成交回报靠这里去重。
func (t *Tracker) MarkTrade(tradeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.seenTrades[tradeID]; seen {
		return false
	}
	t.seenTrades[tradeID] = struct{}{}
	return true
}

// Get 按委托号查找存活委托
func (t *Tracker) Get(orderID string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.orders[orderID]
	return rec, ok
}

// Remove 直接移除一笔委托，拒单路径使用。
func (t *Tracker) Remove(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.orders, orderID)
}

// Live 返回当前全部存活委托的快照切片，供撤单扫描遍历。
func (t *Tracker) Live() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, 0, len(t.orders))
	for _, rec := range t.orders {
		out = append(out, rec)
	}
	return out
}

// Count 返回存活委托数量
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}
