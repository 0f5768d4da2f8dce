package gateway

import "cta-grid-engine/internal/models"

// EventSink 接收网关推送的行情和回报，由引擎实现。
// 同一委托的回报保证按网关送达顺序被观察到，累计成交量单调不减。
type EventSink interface {
	OnGatewayTick(tick *models.TickData)
	OnGatewayOrder(order models.OrderData)
	OnGatewayTrade(trade models.TradeData)
	OnGatewayAccount(account models.AccountData)
}

// Gateway 定义了所有券商/交易所适配器必须提供的通用方法。
// 引擎只依赖这个接口，实盘与仿真可以互换。
type Gateway interface {
	Name() string
	Connect() error
	Close() error

	// Subscribe 订阅行情，重复订阅是幂等的
	Subscribe(symbol string) error

	// SendOrder 发出委托，被拒绝时返回空列表
	SendOrder(req models.OrderRequest) ([]string, error)

	// CancelOrder 请求撤单。失败按"已经撤掉"处理，重复撤单是安全的。
	CancelOrder(orderID string) error

	Price(symbol string) (float64, error)
	Tick(symbol string) (*models.TickData, error)
	PriceTick(symbol string) float64
	VolumeTick(symbol string) float64
	Position(symbol string, direction models.Direction) float64

	// Available 返回账户可用资金
	Available() float64

	SetSink(sink EventSink)
}
