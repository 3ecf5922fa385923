package engine

import (
	"sync"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"go.uber.org/zap"
)

const subscriberBuffer = 64

// Broadcaster 事件广播，订阅者消费过慢时丢弃事件
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan protocol.Event
	nextID int
	closed bool
	logger *zap.Logger
}

func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]chan protocol.Event),
		logger: logger,
	}
}

// Subscribe 订阅事件，返回的函数用于取消订阅
func (b *Broadcaster) Subscribe() (<-chan protocol.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan protocol.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish 非阻塞发送给所有订阅者
func (b *Broadcaster) Publish(event protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("事件订阅者处理过慢,丢弃事件", zap.Int("subscriber", id), zap.String("type", string(event.Type)))
		}
	}
}

// Close 关闭所有订阅
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
