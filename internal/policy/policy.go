// Package policy 实现策略私有状态的JSON存取。
//
// Policy文档与网格账本分离：它保存各周期最近一次信号、
// 子事务等策略自己才理解的结构。引擎只负责可靠地读写，
// 对其中未知的字段原样保留（向前兼容）。
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cta-grid-engine/internal/fsutil"
	"cta-grid-engine/internal/logger"
)

// TimeLayout 是文档中所有时间字段的格式
const TimeLayout = "2006-01-02 15:04:05"

// Timestamp 以 "YYYY-MM-DD HH:MM:SS" 往返序列化。
// 解析失败得到零值时间，绝不报错中断。
type Timestamp struct {
	time.Time
}

// MarshalJSON 按固定格式输出，零值输出空串。
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(ts.Format(TimeLayout))
}

// UnmarshalJSON 解析固定格式，任何解析失败都退化为零值。
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		ts.Time = time.Time{}
		return nil
	}
	if raw == "" {
		ts.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(TimeLayout, raw, time.Local)
	if err != nil {
		logger.S().Warnf("policy时间字段无法解析: %q", raw)
		ts.Time = time.Time{}
		return nil
	}
	ts.Time = parsed
	return nil
}

// Signal 记录某个周期最近一次信号
type Signal struct {
	LastSignal     string    `json:"last_signal"`
	LastSignalTime Timestamp `json:"last_signal_time"`
}

// Document 是策略私有状态的顶层结构。
// Extra 持有文件中引擎不认识的字段，重写时原样带回。
type Document struct {
	CurrentTradingDate string             `json:"current_trading_date"`
	Signals            map[string]*Signal `json:"signals"`
	SubTransactions    json.RawMessage    `json:"sub_transactions,omitempty"`
	UpdatedAt          Timestamp          `json:"updated_at"`

	Extra map[string]json.RawMessage `json:"-"`
}

// 已知的顶层键，其余进入Extra
var knownKeys = map[string]struct{}{
	"current_trading_date": {},
	"signals":              {},
	"sub_transactions":     {},
	"updated_at":           {},
}

// UnmarshalJSON 把未知顶层字段收进Extra
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type alias Document
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*d = Document(known)

	for k, v := range raw {
		if _, ok := knownKeys[k]; ok {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]json.RawMessage)
		}
		d.Extra[k] = v
	}
	return nil
}

// MarshalJSON 把Extra中的字段一并写回
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+4)
	for k, v := range d.Extra {
		out[k] = v
	}

	put := func(key string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = data
		return nil
	}
	if err := put("current_trading_date", d.CurrentTradingDate); err != nil {
		return nil, err
	}
	if err := put("signals", d.Signals); err != nil {
		return nil, err
	}
	if len(d.SubTransactions) > 0 {
		out["sub_transactions"] = d.SubTransactions
	}
	if err := put("updated_at", d.UpdatedAt); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Store 负责一个策略实例Policy文档的读写
type Store struct {
	name string
	path string
	Doc  Document
}

// NewStore 创建策略S的Policy存取器，落盘路径为 dataRoot/S_policy.json。
func NewStore(name, dataRoot string) *Store {
	return &Store{
		name: name,
		path: filepath.Join(dataRoot, name+"_policy.json"),
		Doc:  Document{Signals: make(map[string]*Signal)},
	}
}

// Path 返回落盘路径
func (s *Store) Path() string {
	return s.path
}

// Load 在启动时读入文档。文件不存在视为空文档。
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.S().Infof("[%s] policy文件不存在，使用空文档", s.name)
			return nil
		}
		return fmt.Errorf("读取policy失败: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.Doc); err != nil {
		return fmt.Errorf("解析policy失败: %w", err)
	}
	if s.Doc.Signals == nil {
		s.Doc.Signals = make(map[string]*Signal)
	}
	return nil
}

// Save 持久化文档。每次保存刷新版本时间戳，重载时后写的胜出。
func (s *Store) Save() error {
	s.Doc.UpdatedAt = Timestamp{time.Now()}
	data, err := json.MarshalIndent(s.Doc, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化policy失败: %w", err)
	}
	return fsutil.AtomicWrite(s.path, data)
}

// SetSignal 更新某个周期的最近信号并立即落盘
func (s *Store) SetSignal(interval, signal string, when time.Time) error {
	s.Doc.Signals[interval] = &Signal{
		LastSignal:     signal,
		LastSignalTime: Timestamp{when},
	}
	return s.Save()
}
