package response

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"github.com/stretchr/testify/assert"
)

func TestCoordinatorLifecycle(t *testing.T) {
	c := NewCoordinator()
	assert.Equal(t, protocol.ResponseIdle, c.State())

	assert.False(t, c.EnterCooldown())
	assert.False(t, c.Finish())

	assert.True(t, c.TryBegin("a1"))
	assert.Equal(t, protocol.ResponseResponding, c.State())
	assert.Equal(t, "a1", c.Current())
	assert.False(t, c.TryBegin("a2"))

	assert.True(t, c.EnterCooldown())
	assert.Equal(t, protocol.ResponseCooldown, c.State())
	assert.False(t, c.TryBegin("a3"))

	assert.True(t, c.Finish())
	assert.Equal(t, protocol.ResponseIdle, c.State())
	assert.Empty(t, c.Current())
	assert.True(t, c.TryBegin("a4"))

	c.Reset()
	assert.Equal(t, protocol.ResponseIdle, c.State())
}

func TestCoordinatorSingleFlight(t *testing.T) {
	c := NewCoordinator()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryBegin("x") {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
