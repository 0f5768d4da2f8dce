package models

import (
	"fmt"
	"strings"
	"time"
)

// Direction 表示委托或持仓的方向
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionNet   Direction = "NET" // 股票等现货使用净持仓
)

// Offset 表示开平仓标志
type Offset string

const (
	OffsetOpen           Offset = "OPEN"
	OffsetClose          Offset = "CLOSE"
	OffsetCloseToday     Offset = "CLOSETODAY"
	OffsetCloseYesterday Offset = "CLOSEYESTERDAY"
	OffsetNone           Offset = "NONE"
)

// OrderStatus 表示委托在交易所的生命周期状态
type OrderStatus string

const (
	StatusSubmitting OrderStatus = "SUBMITTING" // 已发出，尚未收到交易所回报
	StatusNotTraded  OrderStatus = "NOTTRADED"  // 已挂单，未有成交
	StatusPartTraded OrderStatus = "PARTTRADED" // 部分成交
	StatusAllTraded  OrderStatus = "ALLTRADED"  // 全部成交（终态）
	StatusCancelling OrderStatus = "CANCELLING" // 撤单请求已发出，等待确认
	StatusCancelled  OrderStatus = "CANCELLED"  // 已撤销（终态）
	StatusRejected   OrderStatus = "REJECTED"   // 被拒绝（终态）
)

// IsActive 判断委托是否仍然存活（非终态）。
// 注意：CANCELLING 期间委托仍可能有成交，必须按存活处理。
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusSubmitting, StatusNotTraded, StatusPartTraded, StatusCancelling:
		return true
	default:
		return false
	}
}

// OrderType 表示委托类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeFAK    OrderType = "FAK"
	OrderTypeFOK    OrderType = "FOK"
	OrderTypeStop   OrderType = "STOP"
)

// SplitSymbol 将 "600000.SSE" 形式的合约标识拆分为代码和交易所两部分。
func SplitSymbol(vtSymbol string) (code, venue string) {
	idx := strings.LastIndex(vtSymbol, ".")
	if idx < 0 {
		return vtSymbol, ""
	}
	return vtSymbol[:idx], vtSymbol[idx+1:]
}

// TickData 是引擎消费的行情快照，包含五档盘口。
type TickData struct {
	Symbol    string    `json:"symbol"` // 形如 600000.SSE
	Datetime  time.Time `json:"datetime"`
	LastPrice float64   `json:"last_price"`
	LimitUp   float64   `json:"limit_up"`
	LimitDown float64   `json:"limit_down"`

	BidPrice  [5]float64 `json:"bid_price"`
	AskPrice  [5]float64 `json:"ask_price"`
	BidVolume [5]float64 `json:"bid_volume"`
	AskVolume [5]float64 `json:"ask_volume"`
}

// DepthComplete 判断五档盘口买卖双方是否都有量。
// 用于决定是否启用按盘口深度限制下单量的逻辑。
func (t *TickData) DepthComplete() bool {
	for i := 0; i < 5; i++ {
		if t.BidVolume[i] <= 0 || t.AskVolume[i] <= 0 {
			return false
		}
	}
	return true
}

// TotalBidVolume 返回五档买量之和
func (t *TickData) TotalBidVolume() float64 {
	var sum float64
	for i := 0; i < 5; i++ {
		sum += t.BidVolume[i]
	}
	return sum
}

// TotalAskVolume 返回五档卖量之和
func (t *TickData) TotalAskVolume() float64 {
	var sum float64
	for i := 0; i < 5; i++ {
		sum += t.AskVolume[i]
	}
	return sum
}

// BarData 是策略产生并消费的K线数据，引擎本身不做聚合。
type BarData struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"` // 周期名，如 "1m"、"15m"、"1d"
	Datetime time.Time `json:"datetime"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// OrderData 是网关推送的委托回报
type OrderData struct {
	OrderID   string      `json:"order_id"`
	Symbol    string      `json:"symbol"`
	Direction Direction   `json:"direction"`
	Offset    Offset      `json:"offset"`
	Type      OrderType   `json:"type"`
	Price     float64     `json:"price"`
	Volume    float64     `json:"volume"`
	Traded    float64     `json:"traded"` // 累计成交量，单调不减
	Status    OrderStatus `json:"status"`
	OrderTime time.Time   `json:"order_time"`
}

// TradeData 是网关推送的成交回报
type TradeData struct {
	TradeID   string    `json:"trade_id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	TradeTime time.Time `json:"trade_time"`
}

// StopOrderData 是本地停止单的回报（引擎透传给策略）
type StopOrderData struct {
	StopOrderID string    `json:"stop_order_id"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Price       float64   `json:"price"`
	Volume      float64   `json:"volume"`
	Triggered   bool      `json:"triggered"`
}

// PositionData 是每个合约的净持仓汇总
type PositionData struct {
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	Volume          float64   `json:"volume"`
	AveragePrice    float64   `json:"average_price"`
	Frozen          float64   `json:"frozen"`
	YesterdayVolume float64   `json:"yesterday_volume"`
}

// Key 返回持仓的唯一键
func (p *PositionData) Key() string {
	return fmt.Sprintf("%s.%s", p.Symbol, p.Direction)
}

// AccountData 是账户资金快照
type AccountData struct {
	AccountID string  `json:"account_id"`
	Balance   float64 `json:"balance"`
	Available float64 `json:"available"`
	Frozen    float64 `json:"frozen"`
}

// ContractData 保存合约的交易规则常量，来自合约注册表。
type ContractData struct {
	Symbol     string  `json:"symbol"`
	Name       string  `json:"name"`
	PriceTick  float64 `json:"price_tick"`  // 最小价格变动
	VolumeTick float64 `json:"volume_tick"` // 最小下单量及其整数倍
}

// OrderRequest 是策略向网关发出的委托请求
type OrderRequest struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Type      OrderType `json:"type"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
}

// RoundToTick 将价格按最小变动价位取整
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return float64(int64(price/tick+0.5)) * tick
}

// FloorToStep 将数量向下取整到最小增量的整数倍
func FloorToStep(volume, step float64) float64 {
	if step <= 0 {
		return volume
	}
	return float64(int64(volume/step+1e-9)) * step
}
