package grid

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cta-grid-engine/internal/fsutil"
	"cta-grid-engine/internal/logger"
	"cta-grid-engine/internal/models"
)

// Book 是一个策略实例的网格账本，按方向分为多头和空头两个列表。
// 股票策略只使用多头列表。列表按创建顺序排列，没有优先级语义。
//
// 持久化是整本替换：每次有意义的变更之后整体重写到稳定路径，
// 写盘采用临时文件加原子改名，内存锁不跨越磁盘IO。
type Book struct {
	mu   sync.Mutex
	name string
	path string

	longGrids  []*Grid
	shortGrids []*Grid
}

// bookFile 是账本的磁盘布局
type bookFile struct {
	LongGrids  []*Grid `json:"long_grids"`
	ShortGrids []*Grid `json:"short_grids"`
}

// NewBook 创建策略S的网格账本，落盘路径为 dataRoot/S_grids.json。
func NewBook(name, dataRoot string) *Book {
	return &Book{
		name: name,
		path: filepath.Join(dataRoot, name+"_grids.json"),
	}
}

// Path 返回账本的落盘路径
func (b *Book) Path() string {
	return b.path
}

// Add 按方向把网格追加到账本末尾
func (b *Book) Add(g *Grid) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if models.Direction(g.Direction) == models.DirectionShort {
		b.shortGrids = append(b.shortGrids, g)
		return
	}
	b.longGrids = append(b.longGrids, g)
}

// Grids 返回指定方向的网格切片拷贝（元素仍是共享指针，调用方须在策略线程内使用）
func (b *Book) Grids(direction models.Direction) []*Grid {
	b.mu.Lock()
	defer b.mu.Unlock()
	if direction == models.DirectionShort {
		return append([]*Grid{}, b.shortGrids...)
	}
	return append([]*Grid{}, b.longGrids...)
}

// All 返回账本内全部网格
func (b *Book) All() []*Grid {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Grid, 0, len(b.longGrids)+len(b.shortGrids))
	out = append(out, b.longGrids...)
	out = append(out, b.shortGrids...)
	return out
}

// Snapshot 在持锁状态下深拷贝全部网格，供报表等其他协程读取。
func (b *Book) Snapshot() []*Grid {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Grid, 0, len(b.longGrids)+len(b.shortGrids))
	for _, g := range b.longGrids {
		out = append(out, g.Clone())
	}
	for _, g := range b.shortGrids {
		out = append(out, g.Clone())
	}
	return out
}

// Filter 返回满足谓词的网格
func (b *Book) Filter(keep func(*Grid) bool) []*Grid {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Grid
	for _, g := range b.longGrids {
		if keep(g) {
			out = append(out, g)
		}
	}
	for _, g := range b.shortGrids {
		if keep(g) {
			out = append(out, g)
		}
	}
	return out
}

// Holding 返回指定合约当前持仓中的网格（open且未在退出）
func (b *Book) Holding(symbol string) []*Grid {
	return b.Filter(func(g *Grid) bool {
		return g.Symbol == symbol && g.OpenStatus && !g.CloseStatus
	})
}

// ByID 按ID查找网格
func (b *Book) ByID(id string) *Grid {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.longGrids {
		if g.ID == id {
			return g
		}
	}
	for _, g := range b.shortGrids {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// ByOrderID 查找持有指定委托号的网格
func (b *Book) ByOrderID(orderID string) *Grid {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.longGrids {
		for _, id := range g.OrderIDs {
			if id == orderID {
				return g
			}
		}
	}
	for _, g := range b.shortGrids {
		for _, id := range g.OrderIDs {
			if id == orderID {
				return g
			}
		}
	}
	return nil
}

// RemoveByIDs 按ID集合移除网格（退休）。返回实际移除的数量。
func (b *Book) RemoveByIDs(ids []string) int {
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	filter := func(grids []*Grid) []*Grid {
		out := grids[:0]
		for _, g := range grids {
			if _, hit := idSet[g.ID]; hit {
				removed++
				continue
			}
			out = append(out, g)
		}
		return out
	}
	b.longGrids = filter(b.longGrids)
	b.shortGrids = filter(b.shortGrids)
	return removed
}

// Count 返回账本内网格总数
func (b *Book) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.longGrids) + len(b.shortGrids)
}

// Save 把整本账本持久化到磁盘。
// 在锁内做序列化快照，锁外写临时文件并原子改名。
func (b *Book) Save() error {
	b.mu.Lock()
	data, err := json.MarshalIndent(bookFile{
		LongGrids:  b.longGrids,
		ShortGrids: b.shortGrids,
	}, "", "  ")
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("序列化网格账本失败: %w", err)
	}

	return fsutil.AtomicWrite(b.path, data)
}

// Load 从磁盘恢复账本。
// 破坏不变量的网格在日志中记录后回退在途阶段，任何网格都不会被丢弃。
// 返回孤儿委托号到网格ID的映射：重启前在途的委托需要先撤销再继续工作。
func (b *Book) Load() (map[string]string, error) {
	orphans := make(map[string]string)

	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.S().Infof("[%s] 网格账本不存在，使用空账本", b.name)
			return orphans, nil
		}
		return nil, fmt.Errorf("读取网格账本失败: %w", err)
	}
	if len(data) == 0 {
		return orphans, nil
	}

	var file bookFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析网格账本失败: %w", err)
	}

	repair := func(grids []*Grid) {
		for _, g := range grids {
			if g.OrderIDs == nil {
				g.OrderIDs = []string{}
			}
			if err := g.Validate(); err != nil {
				logger.S().Warnf("[%s] 恢复时发现非法网格，回退在途阶段: %v", b.name, err)
				g.Rewind()
				continue
			}
			if g.Pending() && len(g.OrderIDs) > 0 {
				for _, id := range g.OrderIDs {
					orphans[id] = g.ID
				}
			}
		}
	}
	repair(file.LongGrids)
	repair(file.ShortGrids)

	b.mu.Lock()
	b.longGrids = file.LongGrids
	b.shortGrids = file.ShortGrids
	b.mu.Unlock()

	logger.S().Infof("[%s] 网格账本恢复完成: 多头%d个 空头%d个 孤儿委托%d笔",
		b.name, len(file.LongGrids), len(file.ShortGrids), len(orphans))
	return orphans, nil
}
