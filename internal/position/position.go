package position

import (
	"sync"

	"cta-grid-engine/internal/logger"
	"cta-grid-engine/internal/models"
)

// BrokerView 提供券商侧的持仓查询，由网关实现。
type BrokerView interface {
	Position(symbol string, direction models.Direction) float64
}

// Keeper 维护策略视角的每合约净持仓，由成交回报驱动，
// 并定期与券商报告的持仓核对。
type Keeper struct {
	mu        sync.Mutex
	name      string
	positions map[string]*models.PositionData
}

// NewKeeper 创建一个空的持仓簿
func NewKeeper(name string) *Keeper {
	return &Keeper{
		name:      name,
		positions: make(map[string]*models.PositionData),
	}
}

// ApplyFill 把一笔成交记入净持仓：多头方向加，空头方向减。
// 均价是运行中的加权平均，策略不依赖它计算盈亏。
func (k *Keeper) ApplyFill(trade models.TradeData) models.PositionData {
	k.mu.Lock()
	defer k.mu.Unlock()

	pos, ok := k.positions[trade.Symbol]
	if !ok {
		pos = &models.PositionData{
			Symbol:    trade.Symbol,
			Direction: models.DirectionNet,
		}
		k.positions[trade.Symbol] = pos
	}

	signed := trade.Volume
	if trade.Direction == models.DirectionShort {
		signed = -trade.Volume
	}

	newVolume := pos.Volume + signed
	if signed > 0 && newVolume > 0 {
		// 仅买入时更新加权均价
		pos.AveragePrice = (pos.AveragePrice*pos.Volume + trade.Price*trade.Volume) / newVolume
	}
	if newVolume <= 0 {
		pos.AveragePrice = 0
	}
	pos.Volume = newVolume

	return *pos
}

// Get 返回指定合约的持仓快照
func (k *Keeper) Get(symbol string) models.PositionData {
	k.mu.Lock()
	defer k.mu.Unlock()
	if pos, ok := k.positions[symbol]; ok {
		return *pos
	}
	return models.PositionData{Symbol: symbol, Direction: models.DirectionNet}
}

// Snapshot 返回全部持仓的快照
func (k *Keeper) Snapshot() []models.PositionData {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]models.PositionData, 0, len(k.positions))
	for _, pos := range k.positions {
		out = append(out, *pos)
	}
	return out
}

// Reconcile 将每个合约的内部持仓与券商报告核对。
// 券商报告严格小于预期时记错误日志并通知回调，不做自动修正；
// 券商多出的部分不归属本策略，忽略。
func (k *Keeper) Reconcile(broker BrokerView, onMismatch func(symbol string, expected, actual float64)) {
	for _, pos := range k.Snapshot() {
		if pos.Volume <= 0 {
			continue
		}
		actual := broker.Position(pos.Symbol, pos.Direction)
		if actual < pos.Volume {
			logger.S().Errorf("[%s] 持仓核对不一致: %s 预期%v 券商报告%v，需要人工检查",
				k.name, pos.Symbol, pos.Volume, actual)
			if onMismatch != nil {
				onMismatch(pos.Symbol, pos.Volume, actual)
			}
		}
	}
}
