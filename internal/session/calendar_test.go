package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 9, 1, hour, minute, 0, 0, time.Local)
}

// TestCNEquityWindows walks the boundaries of the A股 trading sessions.
func TestCNEquityWindows(t *testing.T) {
	cal := NewCNEquity()

	cases := []struct {
		hour, minute int
		want         bool
	}{
		{9, 29, false},
		{9, 30, true}, // open is inclusive
		{10, 45, true},
		{11, 29, true},
		{11, 30, false}, // close is exclusive
		{12, 30, false},
		{12, 59, false},
		{13, 0, true},
		{14, 59, true},
		{15, 0, false},
		{20, 0, false},
		{0, 0, false},
	}
	for _, tc := range cases {
		got := cal.CanSubmit(at(tc.hour, tc.minute))
		assert.Equal(t, tc.want, got, "%02d:%02d", tc.hour, tc.minute)
	}
}

// TestCustomWindows verifies user supplied windows.
func TestCustomWindows(t *testing.T) {
	cal := &ClockCalendar{Windows: []Window{{Open: "21:00", Close: "23:30"}}}
	assert.False(t, cal.CanSubmit(at(20, 59)))
	assert.True(t, cal.CanSubmit(at(21, 0)))
	assert.True(t, cal.CanSubmit(at(23, 29)))
	assert.False(t, cal.CanSubmit(at(23, 30)))
}

// TestAllHoursAlwaysOpen verifies the crypto calendar.
func TestAllHoursAlwaysOpen(t *testing.T) {
	cal := AllHours{}
	assert.True(t, cal.CanSubmit(at(3, 0)))
	assert.True(t, cal.CanSubmit(at(12, 0)))
}
