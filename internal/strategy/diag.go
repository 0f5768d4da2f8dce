package strategy

import (
	"encoding/csv"
	"os"
	"sync"
)

// csvAppender 是带固定表头的追加式CSV写入器。
// 文件首次创建时写入表头；之后只追加，不走重写改名。
type csvAppender struct {
	mu     sync.Mutex
	path   string
	header []string
	file   *os.File
	writer *csv.Writer
}

func newCSVAppender(path string, header []string) *csvAppender {
	return &csvAppender{path: path, header: header}
}

func (a *csvAppender) ensureOpen() error {
	if a.file != nil {
		return nil
	}
	_, statErr := os.Stat(a.path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	a.file = f
	a.writer = csv.NewWriter(f)

	if fresh {
		if err := a.writer.Write(a.header); err != nil {
			return err
		}
		a.writer.Flush()
	}
	return a.writer.Error()
}

// Append 写入一行并立即刷盘
func (a *csvAppender) Append(record []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureOpen(); err != nil {
		return err
	}
	if err := a.writer.Write(record); err != nil {
		return err
	}
	a.writer.Flush()
	return a.writer.Error()
}

// Close 关闭底层文件
func (a *csvAppender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	a.writer.Flush()
	err := a.file.Close()
	a.file = nil
	a.writer = nil
	return err
}
