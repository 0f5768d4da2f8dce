package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"cta-grid-engine/internal/grid"
	"cta-grid-engine/internal/models"
)

// TestRenderWritesGridAndPositionTables verifies that a status snapshot is
// rendered with one table per section and the key fields present.
func TestRenderWritesGridAndPositionTables(t *testing.T) {
	g := grid.NewGrid("600000.SSE", string(models.DirectionLong), 500, 10.20)
	g.ClosePrice = 10.50
	g.StopPrice = 9.80

	var buf bytes.Buffer
	New(&buf).Render([]StrategyStatus{{
		Name:  "demo",
		Grids: []*grid.Grid{g},
		Positions: []models.PositionData{
			{Symbol: "600000.SSE", Volume: 500, AveragePrice: 10.21},
		},
		LiveOrders: 1,
	}})

	out := buf.String()
	assert.Contains(t, out, "demo")
	assert.Contains(t, out, g.ID)
	assert.Contains(t, out, "600000.SSE")
	assert.Contains(t, out, "10.21")
}

// TestRenderEmptyStatusDoesNotPanic verifies that strategies with no grids and
// no positions only produce the summary line.
func TestRenderEmptyStatusDoesNotPanic(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Render([]StrategyStatus{{Name: "idle"}})
	assert.Contains(t, buf.String(), "idle")
}
