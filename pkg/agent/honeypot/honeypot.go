package honeypot

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DirName = ".honeypot"

	fileMode = 0400
	dirMode  = 0700
)

// DefaultNames 默认蜜罐文件名
func DefaultNames() []string {
	return []string{
		"important_documents.txt",
		"passwords.txt",
		"financial_data.xlsx",
		"backup_keys.txt",
		"company_secrets.docx",
	}
}

// File 已部署的蜜罐文件
type File struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"createdAt"`
}

// Trigger 蜜罐文件被触碰
type Trigger struct {
	Path string
	Op   string
	Time time.Time
}

// Compromise 校验时发现的异常蜜罐
type Compromise struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Manager 蜜罐管理器
type Manager struct {
	mu      sync.Mutex // 部署、销毁互斥
	filesMu sync.RWMutex
	files   map[string]File

	dir      string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	triggers chan Trigger
}

// NewManager 创建蜜罐管理器
func NewManager(dir string, logger *zap.Logger) *Manager {
	return &Manager{
		dir:      dir,
		logger:   logger,
		files:    make(map[string]File),
		triggers: make(chan Trigger, 64),
	}
}

// Dir 蜜罐目录
func (m *Manager) Dir() string {
	return m.dir
}

// Triggers 触发通道
func (m *Manager) Triggers() <-chan Trigger {
	return m.triggers
}

// Deploy 部署蜜罐文件并开始监控
// 单个文件失败只记录日志，全部失败才返回错误
func (m *Manager) Deploy(names []string) ([]File, error) {
	if err := os.MkdirAll(m.dir, dirMode); err != nil {
		return nil, fmt.Errorf("创建蜜罐目录失败: %w", err)
	}
	_ = os.Chmod(m.dir, dirMode)

	m.mu.Lock()
	defer m.mu.Unlock()

	// 先停止旧的监控，避免重写时自触发
	m.stopWatchLocked()

	var lastErr error
	for _, name := range names {
		f, err := m.writeCanary(name)
		if err != nil {
			m.logger.Warn("部署蜜罐文件失败", zap.String("name", name), zap.Error(err))
			lastErr = err
			continue
		}
		m.filesMu.Lock()
		m.files[f.Path] = f
		m.filesMu.Unlock()
		m.logger.Debug("已部署蜜罐文件", zap.String("path", f.Path))
	}

	files := m.Files()
	if len(files) == 0 && lastErr != nil {
		return nil, fmt.Errorf("部署蜜罐失败: %w", lastErr)
	}

	if err := m.startWatchLocked(); err != nil {
		return files, err
	}

	m.logger.Info("蜜罐已部署", zap.String("dir", m.dir), zap.Int("count", len(files)))
	return files, nil
}

func (m *Manager) writeCanary(name string) (File, error) {
	if name == "" || filepath.Base(name) != name {
		return File{}, fmt.Errorf("非法的蜜罐文件名: %q", name)
	}
	path := filepath.Join(m.dir, name)

	// 上次运行遗留的只读文件
	if _, err := os.Lstat(path); err == nil {
		_ = os.Chmod(path, 0600)
		if err := os.Remove(path); err != nil {
			return File{}, fmt.Errorf("删除旧蜜罐文件失败: %w", err)
		}
	}

	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return File{}, fmt.Errorf("生成随机内容失败: %w", err)
	}
	now := time.Now()
	content := fmt.Sprintf("HONEYPOT FILE - DO NOT MODIFY\nID: %s\nTimestamp: %s",
		hex.EncodeToString(token), now.Format(time.RFC3339))

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return File{}, err
	}
	if err := os.Chmod(path, fileMode); err != nil {
		return File{}, fmt.Errorf("设置只读权限失败: %w", err)
	}

	sum := sha256.Sum256([]byte(content))
	return File{
		Name:      name,
		Path:      path,
		Hash:      hex.EncodeToString(sum[:]),
		CreatedAt: now,
	}, nil
}

// startWatchLocked 监控蜜罐目录，只关心已注册的文件
func (m *Manager) startWatchLocked() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监控器失败: %w", err)
	}
	if err := w.Add(m.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("监控蜜罐目录失败: %w", err)
	}
	m.watcher = w
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.watchLoop(w, m.done)
	return nil
}

func (m *Manager) stopWatchLocked() {
	if m.watcher == nil {
		return
	}
	close(m.done)
	if err := m.watcher.Close(); err != nil {
		m.logger.Warn("关闭蜜罐监控失败", zap.Error(err))
	}
	m.wg.Wait()
	m.watcher = nil
	m.done = nil
}

func (m *Manager) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			m.handleEvent(event, done)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("蜜罐监控错误", zap.Error(err))
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event, done chan struct{}) {
	path := filepath.Clean(event.Name)

	if !m.IsHoneypot(path) {
		return
	}

	trigger := Trigger{Path: path, Op: OpName(event.Op), Time: time.Now()}
	m.logger.Warn("蜜罐文件被访问", zap.String("path", path), zap.String("op", trigger.Op))

	// 蜜罐触发不能丢弃，阻塞直到被消费或停止
	select {
	case m.triggers <- trigger:
	case <-done:
	}
}

// OpName fsnotify 操作名称
func OpName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return "unknown"
	}
}

// Files 已部署的蜜罐文件，按路径排序
func (m *Manager) Files() []File {
	m.filesMu.RLock()
	defer m.filesMu.RUnlock()
	files := make([]File, 0, len(m.files))
	for _, f := range m.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// IsHoneypot 判断路径是否为蜜罐文件
func (m *Manager) IsHoneypot(path string) bool {
	m.filesMu.RLock()
	defer m.filesMu.RUnlock()
	_, ok := m.files[filepath.Clean(path)]
	return ok
}

// Verify 重新计算哈希，只读不写
func (m *Manager) Verify() []Compromise {
	var result []Compromise
	for _, f := range m.Files() {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			reason := "unreadable"
			if os.IsNotExist(err) {
				reason = "missing"
			}
			result = append(result, Compromise{Path: f.Path, Reason: reason})
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != f.Hash {
			result = append(result, Compromise{Path: f.Path, Reason: "modified"})
		}
	}
	return result
}

// Destroy 停止监控并删除所有蜜罐文件
func (m *Manager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopWatchLocked()

	var lastErr error
	for _, f := range m.Files() {
		_ = os.Chmod(f.Path, 0600)
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("删除蜜罐文件失败", zap.String("path", f.Path), zap.Error(err))
			lastErr = err
			continue
		}
		m.filesMu.Lock()
		delete(m.files, f.Path)
		m.filesMu.Unlock()
	}
	if lastErr == nil {
		m.logger.Info("蜜罐已清除", zap.String("dir", m.dir))
	}
	return lastErr
}
