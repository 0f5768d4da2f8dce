// Package klines 实现策略自有K线聚合器的磁盘缓存。
// 缓存是按周期名组织的不透明二进制键值对，bzip2压缩后
// 落盘为 D/S_klines.pkb2，引擎不解释其中内容。
package klines

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dsnet/compress/bzip2"

	"cta-grid-engine/internal/fsutil"
)

// Cache 负责一个策略实例K线缓存的读写
type Cache struct {
	name string
	path string
}

// NewCache 创建策略S的缓存，路径为 dataRoot/S_klines.pkb2。
func NewCache(name, dataRoot string) *Cache {
	return &Cache{
		name: name,
		path: filepath.Join(dataRoot, name+"_klines.pkb2"),
	}
}

// Path 返回落盘路径
func (c *Cache) Path() string {
	return c.path
}

// Save 把各周期的聚合器负载压缩落盘，同样走临时文件加原子改名。
func (c *Cache) Save(payloads map[string][]byte) error {
	raw, err := json.Marshal(payloads)
	if err != nil {
		return fmt.Errorf("序列化K线缓存失败: %w", err)
	}

	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return fsutil.AtomicWrite(c.path, buf.Bytes())
}

// Load 读入缓存。文件不存在返回空映射。
func (c *Cache) Load() (map[string][]byte, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]byte{}, nil
		}
		return nil, fmt.Errorf("打开K线缓存失败: %w", err)
	}
	defer f.Close()

	r, err := bzip2.NewReader(f, nil)
	if err != nil {
		return nil, fmt.Errorf("解压K线缓存失败: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("读取K线缓存失败: %w", err)
	}

	payloads := map[string][]byte{}
	if err := json.Unmarshal(raw, &payloads); err != nil {
		return nil, fmt.Errorf("解析K线缓存失败: %w", err)
	}
	return payloads, nil
}
