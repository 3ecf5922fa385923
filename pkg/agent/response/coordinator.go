package response

import (
	"sync"
	"time"

	"github.com/dushixiang/ransomguard/internal/protocol"
)

// Coordinator 威胁响应状态机 Idle -> Responding -> Cooldown -> Idle
// 同一时刻只允许一个响应在执行
type Coordinator struct {
	mu      sync.Mutex
	state   protocol.ResponseState
	alertID string
	since   time.Time
}

func NewCoordinator() *Coordinator {
	return &Coordinator{state: protocol.ResponseIdle, since: time.Now()}
}

// TryBegin 空闲时进入响应状态，返回 false 表示已有响应在进行
func (c *Coordinator) TryBegin(alertID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != protocol.ResponseIdle {
		return false
	}
	c.transition(protocol.ResponseResponding)
	c.alertID = alertID
	return true
}

// EnterCooldown 响应结束进入冷却
func (c *Coordinator) EnterCooldown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != protocol.ResponseResponding {
		return false
	}
	c.transition(protocol.ResponseCooldown)
	return true
}

// Finish 冷却结束回到空闲
func (c *Coordinator) Finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != protocol.ResponseCooldown {
		return false
	}
	c.transition(protocol.ResponseIdle)
	c.alertID = ""
	return true
}

// Reset 强制回到空闲，用于关闭保护
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transition(protocol.ResponseIdle)
	c.alertID = ""
}

func (c *Coordinator) transition(to protocol.ResponseState) {
	c.state = to
	c.since = time.Now()
}

// State 当前状态
func (c *Coordinator) State() protocol.ResponseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current 正在处理的告警
func (c *Coordinator) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alertID
}

// Since 进入当前状态的时间
func (c *Coordinator) Since() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.since
}
