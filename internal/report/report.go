// Package report 定期把各策略的运行状态渲染成表格输出。
package report

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"cta-grid-engine/internal/grid"
	"cta-grid-engine/internal/models"
)

// StrategyStatus 是单个策略实例的状态快照
type StrategyStatus struct {
	Name       string
	Grids      []*grid.Grid
	Positions  []models.PositionData
	LiveOrders int
}

// StatusSource 提供状态快照，由策略实现。
type StatusSource interface {
	Status() StrategyStatus
}

// Reporter 把状态快照渲染为表格
type Reporter struct {
	out io.Writer
}

// New 创建报表输出器，out为nil时写stdout。
func New(out io.Writer) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	return &Reporter{out: out}
}

// Render 输出一次全量状态报告
func (r *Reporter) Render(statuses []StrategyStatus) {
	fmt.Fprintf(r.out, "========== 运行状态 %s ==========\n", time.Now().Format("2006-01-02 15:04:05"))
	for _, st := range statuses {
		r.renderStrategy(st)
	}
}

func (r *Reporter) renderStrategy(st StrategyStatus) {
	fmt.Fprintf(r.out, "策略 %s: 网格 %d 个, 在途委托 %d 笔\n", st.Name, len(st.Grids), st.LiveOrders)

	if len(st.Grids) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(r.out)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"网格", "合约", "状态", "目标量", "阶段成交", "开仓价", "止盈", "止损", "在途委托"})
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 4, Align: text.AlignRight},
			{Number: 5, Align: text.AlignRight},
			{Number: 6, Align: text.AlignRight},
			{Number: 7, Align: text.AlignRight},
			{Number: 8, Align: text.AlignRight},
		})
		for _, g := range st.Grids {
			t.AppendRow(table.Row{
				g.ID, g.Symbol, string(g.Phase()),
				g.Volume, g.TradedVolume,
				g.OpenPrice, g.ClosePrice, g.StopPrice,
				len(g.OrderIDs),
			})
		}
		t.Render()
	}

	if len(st.Positions) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(r.out)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"合约", "净持仓", "均价"})
		for _, pos := range st.Positions {
			t.AppendRow(table.Row{pos.Symbol, pos.Volume, fmt.Sprintf("%.4f", pos.AveragePrice)})
		}
		t.Render()
	}
}
