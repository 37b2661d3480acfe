package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "AgentPay/internal/errors"
)

// FileStore 将审计事件以 JSONL 形式追加到单个文件。文件只追加
// 打开，进程内用互斥锁串行化写入。
type FileStore struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileStore 打开（必要时创建）账本文件。
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(CodeLedgerFailure, err, "创建账本目录失败")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(CodeLedgerFailure, err, "打开账本文件失败")
	}
	return &FileStore{file: file, path: path}, nil
}

// Append 实现 Store。
func (s *FileStore) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "审计事件不能为空")
	}
	line, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(CodeLedgerFailure, err, "序列化审计事件失败")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return xerrors.Wrap(CodeLedgerFailure, err, "追加审计事件失败")
	}
	return nil
}

// List 实现 Store。全量扫描文件后按条件过滤，账本规模可控时
// 足够用。
func (s *FileStore) List(ctx context.Context, q Query) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(CodeLedgerFailure, err, "读取账本文件失败")
	}
	defer file.Close()

	var events []*Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, xerrors.Wrap(CodeLedgerFailure, err, fmt.Sprintf("解析账本行失败: %s", line))
		}
		if !q.matches(&event) {
			continue
		}
		events = append(events, &event)
		if q.Limit > 0 && len(events) >= q.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(CodeLedgerFailure, err, "扫描账本文件失败")
	}
	return events, nil
}

// Close 实现 Store。
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
