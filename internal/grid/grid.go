package grid

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"
)

// Phase 是由三个相位标志推导出的网格状态
type Phase string

const (
	PhaseArmedOpen    Phase = "armed-open"    // 意图已设置，委托未发出
	PhasePendingOpen  Phase = "pending-open"  // 开仓委托在途
	PhaseHolding      Phase = "holding"       // 持仓中
	PhasePendingClose Phase = "pending-close" // 平仓委托在途
	PhaseInvalid      Phase = "invalid"       // 标志组合非法，需要修复
)

// Grid 代表策略意图持有的一手仓位，从设置意图到平仓退出的完整回合。
//
// 三个相位标志编码状态机：
//
//	armed-open    : order=F open=F close=F
//	pending-open  : order=T open=F close=F
//	holding       : order=F open=T close=F
//	pending-close : order=T open=T close=T
//
// TradedVolume 只统计当前在途阶段内的成交量，相位切换时清零。
type Grid struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Direction    string    `json:"direction"`
	Volume       float64   `json:"volume"`
	TradedVolume float64   `json:"traded_volume"`
	OpenPrice    float64   `json:"open_price"`
	ClosePrice   float64   `json:"close_price"` // 止盈价，0表示不启用
	StopPrice    float64   `json:"stop_price"`  // 止损价，0表示不启用
	OrderIDs     []string  `json:"order_ids"`
	OrderStatus  bool      `json:"order_status"` // 有委托在途
	OpenStatus   bool      `json:"open_status"`  // 持仓中
	CloseStatus  bool      `json:"close_status"` // 正在退出
	OpenTime     time.Time `json:"open_time"`
	OrderTime    time.Time `json:"order_time"`
	Type         string    `json:"type"` // 策略自定义标签，如 "tns-buy"

	// 策略附加的诊断信息，引擎只负责原样持久化
	Snapshot map[string]interface{} `json:"snapshot,omitempty"`
}

var gridSeq uint64

// NewGrid 创建一个armed-open状态的网格，ID由时间戳加序号经base62编码生成。
func NewGrid(symbol, direction string, volume, openPrice float64) *Grid {
	seq := atomic.AddUint64(&gridSeq, 1)
	raw := time.Now().UnixNano()<<12 | int64(seq&0xfff)
	return &Grid{
		ID:        string(base62.FormatInt(raw)),
		Symbol:    symbol,
		Direction: direction,
		Volume:    volume,
		OpenPrice: openPrice,
		OrderIDs:  []string{},
	}
}

// Phase 根据相位标志返回网格当前状态
func (g *Grid) Phase() Phase {
	switch {
	case !g.OrderStatus && !g.OpenStatus && !g.CloseStatus:
		return PhaseArmedOpen
	case g.OrderStatus && !g.OpenStatus && !g.CloseStatus:
		return PhasePendingOpen
	case !g.OrderStatus && g.OpenStatus && !g.CloseStatus:
		return PhaseHolding
	case g.OrderStatus && g.OpenStatus && g.CloseStatus:
		return PhasePendingClose
	default:
		return PhaseInvalid
	}
}

// Pending 判断网格是否有委托在途
func (g *Grid) Pending() bool {
	return g.OrderStatus
}

// Validate 检查网格的不变量，返回第一个被破坏的约束。
func (g *Grid) Validate() error {
	if g.TradedVolume < 0 || g.TradedVolume > g.Volume {
		return fmt.Errorf("网格 %s 成交量越界: traded=%v volume=%v", g.ID, g.TradedVolume, g.Volume)
	}
	if g.Phase() == PhaseInvalid {
		return fmt.Errorf("网格 %s 相位标志组合非法: order=%v open=%v close=%v",
			g.ID, g.OrderStatus, g.OpenStatus, g.CloseStatus)
	}
	if g.OrderStatus && len(g.OrderIDs) == 0 && !g.OrderTime.IsZero() {
		// 在途但没有任何委托号，说明提交过程丢失
		return fmt.Errorf("网格 %s 在途状态下没有关联委托", g.ID)
	}
	return nil
}

// Rewind 回退当前在途阶段：清除在途标志和阶段内成交计数。
// 持仓相关的 OpenStatus 不受影响，pending-close 回退后重新变成 holding。
func (g *Grid) Rewind() {
	g.OrderStatus = false
	g.CloseStatus = false
	g.TradedVolume = 0
	g.OrderIDs = []string{}
}

// AddOrderID 登记一个归属于本网格的在途委托号
func (g *Grid) AddOrderID(orderID string) {
	for _, id := range g.OrderIDs {
		if id == orderID {
			return
		}
	}
	g.OrderIDs = append(g.OrderIDs, orderID)
}

// RemoveOrderID 移除一个已终结的委托号
func (g *Grid) RemoveOrderID(orderID string) {
	for i, id := range g.OrderIDs {
		if id == orderID {
			g.OrderIDs = append(g.OrderIDs[:i], g.OrderIDs[i+1:]...)
			return
		}
	}
}

// HasLiveOrders 判断是否还有在途委托号
func (g *Grid) HasLiveOrders() bool {
	return len(g.OrderIDs) > 0
}

// MarkPendingOpen 进入pending-open：开仓委托即将或已经发出
func (g *Grid) MarkPendingOpen(now time.Time) {
	g.OrderStatus = true
	g.OrderTime = now
}

// CompleteOpen 开仓全部成交，进入holding。阶段内成交计数清零。
func (g *Grid) CompleteOpen(now time.Time) {
	g.OrderStatus = false
	g.OpenStatus = true
	g.TradedVolume = 0
	g.OrderIDs = []string{}
	g.OpenTime = now
}

// MarkPendingClose 进入pending-close：止盈或止损触发，准备退出。
func (g *Grid) MarkPendingClose(now time.Time) {
	g.OrderStatus = true
	g.CloseStatus = true
	g.TradedVolume = 0
	g.OrderTime = now
}

// CloseFinished 判断平仓是否已经完成（可以退休）
func (g *Grid) CloseFinished() bool {
	return g.CloseStatus && g.Volume <= g.TradedVolume
}

// Clone 返回网格的深拷贝，用于在不持锁的情况下访问。
func (g *Grid) Clone() *Grid {
	c := *g
	c.OrderIDs = append([]string{}, g.OrderIDs...)
	if g.Snapshot != nil {
		c.Snapshot = make(map[string]interface{}, len(g.Snapshot))
		for k, v := range g.Snapshot {
			c.Snapshot[k] = v
		}
	}
	return &c
}
