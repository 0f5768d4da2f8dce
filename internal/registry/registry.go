// Package registry 维护合约交易规则（最小价格变动、最小下单量）的注册表。
// 规则很少变化但每次下单都要查，所以内存缓存之外用BadgerDB落地，
// 重启后不必重新向网关逐个查询。
package registry

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"cta-grid-engine/internal/models"
)

const keyPrefix = "contract/"

// Registry 是进程内唯一的合约注册表实例，由引擎持有并显式传给策略。
type Registry struct {
	mu    sync.RWMutex
	db    *badger.DB
	cache map[string]models.ContractData
}

// Open 打开注册表。path为空时使用纯内存模式（测试用）。
func Open(path string) (*Registry, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger自己的日志太吵，关掉。操作错误仍会正常返回。
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		db:    db,
		cache: make(map[string]models.ContractData),
	}
	if err := r.warmCache(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// warmCache 启动时把全部合约读进内存
func (r *Registry) warmCache() error {
	return r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c models.ContractData
				if err := json.Unmarshal(val, &c); err != nil {
					return err
				}
				r.cache[c.Symbol] = c
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Put 写入或更新一个合约的规则
func (r *Registry) Put(c models.ContractData) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+c.Symbol), data)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cache[c.Symbol] = c
	r.mu.Unlock()
	return nil
}

// Get 查询合约规则
func (r *Registry) Get(symbol string) (models.ContractData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[symbol]
	return c, ok
}

// Close 关闭底层数据库
func (r *Registry) Close() error {
	if r.db == nil {
		return errors.New("registry未打开")
	}
	return r.db.Close()
}
