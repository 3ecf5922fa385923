package activity

import (
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultWindow    = 5 * time.Second
	DefaultThreshold = 10
)

// ModificationEvent 文件修改记录
type ModificationEvent struct {
	Path      string
	Timestamp time.Time
	Extension string
}

// Tracker 滑动窗口内的文件修改计数
// 每次写入都会清理窗口外的记录，内存占用只与窗口内事件数有关
type Tracker struct {
	mu        sync.Mutex
	events    []ModificationEvent
	window    time.Duration
	threshold int
}

// NewTracker 创建修改计数器
func NewTracker(window time.Duration, threshold int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Tracker{
		events:    make([]ModificationEvent, 0, threshold*2),
		window:    window,
		threshold: threshold,
	}
}

// Record 记录一次修改并清理过期记录
func (t *Tracker) Record(path string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = append(t.events, ModificationEvent{
		Path:      path,
		Timestamp: at,
		Extension: filepath.Ext(path),
	})
	t.prune(at)
}

// prune 丢弃早于 now-window 的记录(调用方持锁)
func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.events) && t.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	// 复用底层数组
	n := copy(t.events, t.events[i:])
	t.events = t.events[:n]
}

// CheckThreshold 返回窗口内修改数以及是否达到阈值
func (t *Tracker) CheckThreshold() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := len(t.events)
	return count, count >= t.threshold
}

// Len 当前窗口内的记录数
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Reset 清空记录
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = t.events[:0]
}

// Window 窗口长度
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Threshold 阈值
func (t *Tracker) Threshold() int {
	return t.threshold
}
