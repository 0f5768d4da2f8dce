package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cta-grid-engine/internal/models"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

// TestRecordTradeIsIdempotent verifies replayed trades do not duplicate rows.
func TestRecordTradeIsIdempotent(t *testing.T) {
	j := openTestJournal(t)

	trade := models.TradeData{
		TradeID:   "T1",
		OrderID:   "O1",
		Symbol:    "600000.SSE",
		Direction: models.DirectionLong,
		Price:     10.5,
		Volume:    100,
		TradeTime: time.Now(),
	}
	require.NoError(t, j.RecordTrade(trade))
	require.NoError(t, j.RecordTrade(trade))
	require.NoError(t, j.RecordTrade(models.TradeData{TradeID: "T2", OrderID: "O1", TradeTime: time.Now()}))

	count, err := j.TradeCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

// TestRecordOrderUpserts verifies the latest terminal state wins.
func TestRecordOrderUpserts(t *testing.T) {
	j := openTestJournal(t)

	order := models.OrderData{
		OrderID: "O1",
		Symbol:  "600000.SSE",
		Status:  models.StatusCancelled,
		Volume:  100,
		Traded:  30,
	}
	require.NoError(t, j.RecordOrder(order))

	order.Status = models.StatusAllTraded
	order.Traded = 100
	require.NoError(t, j.RecordOrder(order))
}
