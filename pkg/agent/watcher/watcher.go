package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-errors/errors"
	"go.uber.org/zap"
)

var ErrDirectoryNotFound = errors.New("directory not found")

// Event 受监控目录下的文件变动
type Event struct {
	Root string      // 所属监控根目录
	Path string      // 变动文件的完整路径
	Name string      // 文件名
	Op   fsnotify.Op // 原始操作
	Time time.Time
}

// IsModification chmod 之外的操作都算修改
func (e Event) IsModification() bool {
	return e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

// Watcher 递归目录监控
type Watcher struct {
	mu      sync.RWMutex
	roots   map[string]map[string]struct{} // 根目录 -> 已注册的子目录
	ignore  []string
	logger  *zap.Logger
	fsw     *fsnotify.Watcher
	eventCh chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// New 创建监控器，ignore 中的路径及其子路径不产生事件
func New(logger *zap.Logger, ignore ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}
	w := &Watcher{
		roots:   make(map[string]map[string]struct{}),
		logger:  logger,
		fsw:     fsw,
		eventCh: make(chan Event, 1024),
		done:    make(chan struct{}),
	}
	for _, p := range ignore {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			w.ignore = append(w.ignore, abs)
		}
	}

	w.wg.Add(1)
	go w.watchLoop()
	return w, nil
}

// Events 事件通道
func (w *Watcher) Events() <-chan Event {
	return w.eventCh
}

// Watch 递归监控目录，重复调用无副作用
func (w *Watcher) Watch(dir string) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("解析路径失败: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrDirectoryNotFound, root)
		}
		return fmt.Errorf("无法访问路径: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s 不是目录", ErrDirectoryNotFound, root)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("监控器已关闭")
	}
	if _, ok := w.roots[root]; ok {
		return nil
	}

	dirs := make(map[string]struct{})
	if err := w.addRecursive(root, dirs); err != nil {
		for d := range dirs {
			w.removeIfUnused(d, root)
		}
		return err
	}
	w.roots[root] = dirs
	w.logger.Info("已监控目录", zap.String("path", root), zap.Int("dirs", len(dirs)))
	return nil
}

// addRecursive 注册 dir 及其所有子目录(调用方持锁)
// 子目录失败只记录，根目录失败才返回错误
func (w *Watcher) addRecursive(dir string, dirs map[string]struct{}) error {
	var errCount int
	var lastErr error

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Warn("访问路径失败", zap.String("path", path), zap.Error(err))
			errCount++
			lastErr = err
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			if path == dir {
				return addErr
			}
			w.logger.Warn("添加监控失败", zap.String("path", path), zap.Error(addErr))
			errCount++
			lastErr = addErr
			return nil
		}
		dirs[path] = struct{}{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("添加路径到监控失败: %w", err)
	}
	if errCount > 0 {
		w.logger.Warn("部分子目录监控失败", zap.String("root", dir), zap.Int("count", errCount), zap.Error(lastErr))
	}
	return nil
}

// removeIfUnused 其它根目录不再使用时才真正移除(调用方持锁)
func (w *Watcher) removeIfUnused(dir, owner string) {
	for root, dirs := range w.roots {
		if root == owner {
			continue
		}
		if _, ok := dirs[dir]; ok {
			return
		}
	}
	if err := w.fsw.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		w.logger.Debug("从监控中移除路径失败", zap.String("path", dir), zap.Error(err))
	}
}

// Unwatch 取消监控目录及其子目录
func (w *Watcher) Unwatch(dir string) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(root)
}

func (w *Watcher) unwatchLocked(root string) {
	dirs, ok := w.roots[root]
	if !ok {
		return
	}
	for d := range dirs {
		w.removeIfUnused(d, root)
	}
	delete(w.roots, root)
	w.logger.Info("已取消监控目录", zap.String("path", root))
}

// UnwatchAll 取消所有监控，返回被取消的根目录
func (w *Watcher) UnwatchAll() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	roots := w.currentRoots()
	for _, root := range roots {
		w.unwatchLocked(root)
	}
	return roots
}

// Watched 当前监控的根目录
func (w *Watcher) Watched() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentRoots()
}

// IsWatching 是否正在监控该根目录
func (w *Watcher) IsWatching(dir string) bool {
	root, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.roots[root]
	return ok
}

func (w *Watcher) currentRoots() []string {
	roots := make([]string, 0, len(w.roots))
	for root := range w.roots {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Close 停止监控
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.roots = make(map[string]map[string]struct{})
	w.mu.Unlock()

	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("文件监控错误", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	name := filepath.Base(path)
	if event.Name == "" || name == "" || name == "." || name == string(filepath.Separator) {
		return
	}
	if w.ignored(path) {
		return
	}

	w.mu.Lock()
	root := w.rootOf(path)
	if root == "" {
		w.mu.Unlock()
		return
	}
	// 新建的子目录加入监控
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			if err := w.addRecursive(path, w.roots[root]); err != nil {
				w.logger.Warn("监控新目录失败", zap.String("path", path), zap.Error(err))
			}
		}
	}
	w.mu.Unlock()

	e := Event{
		Root: root,
		Path: path,
		Name: name,
		Op:   event.Op,
		Time: time.Now(),
	}

	// 发送事件(非阻塞)
	select {
	case w.eventCh <- e:
	default:
		w.logger.Warn("事件队列已满,丢弃事件", zap.String("path", path))
	}
}

// rootOf 最长前缀匹配所属根目录(调用方持锁)
func (w *Watcher) rootOf(path string) string {
	var best string
	for root := range w.roots {
		if within(root, path) && len(root) > len(best) {
			best = root
		}
	}
	return best
}

func (w *Watcher) ignored(path string) bool {
	for _, ig := range w.ignore {
		if within(ig, path) {
			return true
		}
	}
	return false
}

func within(dir, path string) bool {
	if path == dir {
		return true
	}
	prefix := dir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
