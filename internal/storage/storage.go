package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3驱动

	"cta-grid-engine/internal/models"
)

// Journal 把成交流水和终态委托写入SQLite，供事后核对与审计。
// 引擎在收到回报时写入，不在交易路径上读它。
type Journal struct {
	db *sql.DB
}

// Open 打开流水库并确保表存在
func Open(dataSourceName string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("打开流水库失败: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("连接流水库失败: %w", err)
	}
	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("建表失败: %w", err)
	}
	return &Journal{db: db}, nil
}

func createTables(db *sql.DB) error {
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		offset TEXT NOT NULL,
		price REAL NOT NULL,
		volume REAL NOT NULL,
		trade_time INTEGER NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		offset TEXT NOT NULL,
		type TEXT NOT NULL,
		price REAL NOT NULL,
		volume REAL NOT NULL,
		traded REAL NOT NULL,
		status TEXT NOT NULL,
		order_time INTEGER NOT NULL
	);`
	_, err := db.Exec(createOrdersTableSQL)
	return err
}

// RecordTrade 写入一笔成交，按trade_id幂等。
func (j *Journal) RecordTrade(t models.TradeData) error {
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO trades
		 (trade_id, order_id, symbol, direction, offset, price, volume, trade_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.OrderID, t.Symbol, string(t.Direction), string(t.Offset),
		t.Price, t.Volume, t.TradeTime.UnixMilli(),
	)
	return err
}

// RecordOrder 写入或更新一笔委托的最终快照
func (j *Journal) RecordOrder(o models.OrderData) error {
	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO orders
		 (order_id, symbol, direction, offset, type, price, volume, traded, status, order_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.Symbol, string(o.Direction), string(o.Offset), string(o.Type),
		o.Price, o.Volume, o.Traded, string(o.Status), o.OrderTime.UnixMilli(),
	)
	return err
}

// TradeCount 返回已记录的成交笔数
func (j *Journal) TradeCount() (int, error) {
	row := j.db.QueryRow(`SELECT COUNT(*) FROM trades`)
	var n int
	err := row.Scan(&n)
	return n, err
}

// Close 关闭流水库
func (j *Journal) Close() error {
	return j.db.Close()
}
