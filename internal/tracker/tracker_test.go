package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cta-grid-engine/internal/models"
)

func newRecord(orderID string, volume float64) *Record {
	return &Record{
		OrderID:   orderID,
		Symbol:    "600000.SSE",
		Direction: models.DirectionLong,
		Offset:    models.OffsetOpen,
		Type:      models.OrderTypeLimit,
		Price:     10.5,
		Volume:    volume,
		OrderTime: time.Now(),
		GridID:    "G1",
	}
}

// TestFillDeltaFromCumulativeTraded verifies that fills are credited as
// deltas of the cumulative traded quantity across successive reports.
func TestFillDeltaFromCumulativeTraded(t *testing.T) {
	tr := New()
	require.Nil(t, tr.Add(newRecord("O1", 100)))

	up := tr.Apply(models.OrderData{OrderID: "O1", Traded: 30, Status: models.StatusPartTraded})
	require.NotNil(t, up)
	assert.Equal(t, 30.0, up.FillDelta)
	assert.False(t, up.Terminal)

	up = tr.Apply(models.OrderData{OrderID: "O1", Traded: 80, Status: models.StatusPartTraded})
	require.NotNil(t, up)
	assert.Equal(t, 50.0, up.FillDelta)

	up = tr.Apply(models.OrderData{OrderID: "O1", Traded: 100, Status: models.StatusAllTraded})
	require.NotNil(t, up)
	assert.Equal(t, 20.0, up.FillDelta)
	assert.True(t, up.Terminal)
	assert.Zero(t, tr.Count(), "terminal orders are removed")
}

// TestDuplicateReportIsIdempotent verifies the "max" semantics: a replayed
// report with the same cumulative quantity yields a zero delta.
func TestDuplicateReportIsIdempotent(t *testing.T) {
	tr := New()
	tr.Add(newRecord("O1", 100))

	tr.Apply(models.OrderData{OrderID: "O1", Traded: 30, Status: models.StatusPartTraded})
	up := tr.Apply(models.OrderData{OrderID: "O1", Traded: 30, Status: models.StatusPartTraded})
	require.NotNil(t, up)
	assert.Zero(t, up.FillDelta)
}

// TestRegressedReportIsIgnored verifies that a stale resent report with a
// lower cumulative quantity is dropped entirely.
func TestRegressedReportIsIgnored(t *testing.T) {
	tr := New()
	tr.Add(newRecord("O1", 100))
	tr.Apply(models.OrderData{OrderID: "O1", Traded: 80, Status: models.StatusPartTraded})

	up := tr.Apply(models.OrderData{OrderID: "O1", Traded: 30, Status: models.StatusPartTraded})
	assert.Nil(t, up)

	rec, ok := tr.Get("O1")
	require.True(t, ok)
	assert.Equal(t, 80.0, rec.Traded)
}

// TestFillDuringCancelWindow verifies that a fill arriving between the
// cancel request and the cancel confirm is still credited.
func TestFillDuringCancelWindow(t *testing.T) {
	tr := New()
	tr.Add(newRecord("O1", 100))

	// cancel already requested upstream; exchange reports one more fill
	up := tr.Apply(models.OrderData{OrderID: "O1", Traded: 40, Status: models.StatusPartTraded})
	require.NotNil(t, up)
	assert.Equal(t, 40.0, up.FillDelta)

	up = tr.Apply(models.OrderData{OrderID: "O1", Traded: 40, Status: models.StatusCancelled})
	require.NotNil(t, up)
	assert.Zero(t, up.FillDelta)
	assert.True(t, up.Terminal)
	assert.Equal(t, 40.0, up.Record.Traded)
}

// TestSubmitRaceStash verifies that reports arriving before the submit
// call returns are stashed and merged once the order is registered.
func TestSubmitRaceStash(t *testing.T) {
	tr := New()

	// report outruns the submit result
	assert.Nil(t, tr.Apply(models.OrderData{OrderID: "O9", Traded: 20, Status: models.StatusPartTraded}))
	assert.Nil(t, tr.Apply(models.OrderData{OrderID: "O9", Traded: 50, Status: models.StatusPartTraded}))
	assert.Zero(t, tr.Count())

	up := tr.Add(newRecord("O9", 100))
	require.NotNil(t, up, "stashed report must be merged on Add")
	assert.Equal(t, 50.0, up.FillDelta)
	assert.Equal(t, models.StatusPartTraded, up.Record.Status)
}

// TestSubmitRaceStashTerminal verifies that a terminal status stashed
// before registration survives the merge.
func TestSubmitRaceStashTerminal(t *testing.T) {
	tr := New()
	tr.Apply(models.OrderData{OrderID: "O9", Traded: 100, Status: models.StatusAllTraded})

	up := tr.Add(newRecord("O9", 100))
	require.NotNil(t, up)
	assert.Equal(t, 100.0, up.FillDelta)
	assert.True(t, up.Terminal)
	assert.Zero(t, tr.Count())
}

// TestRestoreDefaultsToCancelling verifies recovery registration.
func TestRestoreDefaultsToCancelling(t *testing.T) {
	tr := New()
	tr.Restore(&Record{OrderID: "O1", GridID: "G1"})

	rec, ok := tr.Get("O1")
	require.True(t, ok)
	assert.Equal(t, models.StatusCancelling, rec.Status)

	up := tr.Apply(models.OrderData{OrderID: "O1", Status: models.StatusCancelled})
	require.NotNil(t, up)
	assert.True(t, up.Terminal)
	assert.Equal(t, "G1", up.Record.GridID)
}

// TestMarkTradeDeduplicates verifies trade id based dedup.
func TestMarkTradeDeduplicates(t *testing.T) {
	tr := New()
	assert.True(t, tr.MarkTrade("T1"))
	assert.False(t, tr.MarkTrade("T1"))
	assert.True(t, tr.MarkTrade("T2"))
}

// TestLiveSnapshot verifies the sweep view of active orders.
func TestLiveSnapshot(t *testing.T) {
	tr := New()
	tr.Add(newRecord("O1", 100))
	tr.Add(newRecord("O2", 100))
	assert.Len(t, tr.Live(), 2)

	tr.Apply(models.OrderData{OrderID: "O1", Traded: 100, Status: models.StatusAllTraded})
	assert.Len(t, tr.Live(), 1)
}

// TestStashExpiresUnclaimed verifies that stashed reports nobody ever
// registers are swept out instead of merging much later.
func TestStashExpiresUnclaimed(t *testing.T) {
	tr := New()
	tr.stashTTL = -time.Second // every entry is already expired at the next sweep

	assert.Nil(t, tr.Apply(models.OrderData{OrderID: "O9", Traded: 50, Status: models.StatusPartTraded}))
	assert.Nil(t, tr.Apply(models.OrderData{OrderID: "O8", Status: models.StatusNotTraded}))

	up := tr.Add(newRecord("O9", 100))
	assert.Nil(t, up, "expired stash must not be merged")
}

// TestStashBounded verifies the stash refuses new order ids once full.
func TestStashBounded(t *testing.T) {
	tr := New()
	for i := 0; i < stashCap+10; i++ {
		tr.Apply(models.OrderData{OrderID: fmt.Sprintf("U%d", i), Traded: 1, Status: models.StatusPartTraded})
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Len(t, tr.stashed, stashCap)
}
