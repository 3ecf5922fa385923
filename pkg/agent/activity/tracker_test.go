package activity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerThreshold(t *testing.T) {
	tr := NewTracker(5*time.Second, 10)
	base := time.Unix(1700000000, 0)

	for i := 0; i < 9; i++ {
		tr.Record(fmt.Sprintf("/data/f%d.txt", i), base.Add(time.Duration(i)*100*time.Millisecond))
	}
	count, breached := tr.CheckThreshold()
	assert.Equal(t, 9, count)
	assert.False(t, breached)

	tr.Record("/data/f9.txt", base.Add(time.Second))
	count, breached = tr.CheckThreshold()
	assert.Equal(t, 10, count)
	assert.True(t, breached)
}

func TestTrackerPrunesOldEntries(t *testing.T) {
	tr := NewTracker(5*time.Second, 10)
	base := time.Unix(1700000000, 0)

	for i := 0; i < 8; i++ {
		tr.Record(fmt.Sprintf("/data/old%d", i), base)
	}
	assert.Equal(t, 8, tr.Len())

	// 刚好在窗口边界上的记录保留
	tr.Record("/data/edge", base.Add(5*time.Second))
	assert.Equal(t, 9, tr.Len())

	tr.Record("/data/new", base.Add(5*time.Second+time.Millisecond))
	assert.Equal(t, 2, tr.Len())

	_, breached := tr.CheckThreshold()
	assert.False(t, breached)
}

func TestTrackerSpreadOutNeverBreaches(t *testing.T) {
	tr := NewTracker(5*time.Second, 10)
	base := time.Unix(1700000000, 0)

	for i := 0; i < 50; i++ {
		tr.Record("/data/slow", base.Add(time.Duration(i)*time.Second))
		_, breached := tr.CheckThreshold()
		assert.False(t, breached, "iteration %d", i)
		assert.LessOrEqual(t, tr.Len(), 6)
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(0, 0)
	assert.Equal(t, DefaultWindow, tr.Window())
	assert.Equal(t, DefaultThreshold, tr.Threshold())

	now := time.Now()
	for i := 0; i < 12; i++ {
		tr.Record("/x", now)
	}
	_, breached := tr.CheckThreshold()
	assert.True(t, breached)

	tr.Reset()
	count, breached := tr.CheckThreshold()
	assert.Equal(t, 0, count)
	assert.False(t, breached)
}
