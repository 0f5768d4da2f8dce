package engine

import "time"

// EventType 标识引擎内部与监控事件流中的事件种类
type EventType string

const (
	EventTick      EventType = "EVENT_TICK"
	EventBar       EventType = "EVENT_BAR"
	EventOrder     EventType = "EVENT_ORDER"
	EventTrade     EventType = "EVENT_TRADE"
	EventStopOrder EventType = "EVENT_STOP_ORDER"
	EventTimer     EventType = "EVENT_TIMER"
	EventAccount   EventType = "EVENT_ACCOUNT"
	EventPosition  EventType = "EVENT_POSITION"
	EventLog       EventType = "EVENT_LOG"
)

// Event 是路由到策略队列的统一事件载体
type Event struct {
	Type EventType
	Time time.Time
	Data interface{}
}

// Publisher 把事件推送给外部订阅者（监控websocket等）。
// 实现必须能容忍订阅者缺席。
type Publisher interface {
	Publish(eventType string, data interface{})
}
