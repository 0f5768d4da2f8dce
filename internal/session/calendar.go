package session

import "time"

// Calendar 决定某个时刻是否允许发出新委托。
// 撤单扫描不受交易时段限制，只有报单受到门控。
type Calendar interface {
	CanSubmit(t time.Time) bool
}

// Window 是一个以本地时钟表示的允许报单区间，[Open, Close)。
type Window struct {
	Open  string `json:"open"`  // "09:30"
	Close string `json:"close"` // "11:30"
}

// ClockCalendar 按每日固定时段门控报单
type ClockCalendar struct {
	Windows []Window
}

// NewCNEquity 返回A股默认日历：[09:30, 11:30) 和 [13:00, 15:00)。
func NewCNEquity() *ClockCalendar {
	return &ClockCalendar{
		Windows: []Window{
			{Open: "09:30", Close: "11:30"},
			{Open: "13:00", Close: "15:00"},
		},
	}
}

// CanSubmit 判断本地时刻是否落在任一允许报单区间内
func (c *ClockCalendar) CanSubmit(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	for _, w := range c.Windows {
		if minute >= minuteOfDay(w.Open) && minute < minuteOfDay(w.Close) {
			return true
		}
	}
	return false
}

func minuteOfDay(hhmm string) int {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0
	}
	return parsed.Hour()*60 + parsed.Minute()
}

// AllHours 是全天可交易的日历，加密货币市场使用。
type AllHours struct{}

// CanSubmit 永远允许报单
func (AllHours) CanSubmit(time.Time) bool {
	return true
}
