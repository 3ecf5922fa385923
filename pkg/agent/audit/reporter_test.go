package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReporterCounters(t *testing.T) {
	j := NewJournal(filepath.Join(t.TempDir(), "audit.db"), 0)
	r := NewReporter("agent-1", j, zap.NewNop())
	at := time.UnixMilli(1700000000000)

	r.RecordAlert(protocol.NewHoneypotAlert("/h/a.txt", "write", at))
	r.RecordAlert(protocol.NewMassModificationAlert(10, 5*time.Second, at.Add(time.Second)))
	r.RecordAlert(protocol.NewSuspiciousFileAlert("/d/a.locked", protocol.ReasonRansomwareExtension, at.Add(2*time.Second)))
	r.RecordResponseStarted()
	r.RecordSuppressed()
	r.RecordSuppressed()
	r.RecordQuarantine(protocol.QuarantineRecord{OriginalPath: "/d/a.locked"})
	r.RecordResponse(protocol.ResponseReport{ProcessesKilled: 2, FilesBackedUp: 7, BackupFailures: 1, FinishedAt: 1700000009000})
	r.RecordBackup(3, 0, time.UnixMilli(1700000010000))
	r.SetProtection(true, protocol.ProtectionActive)
	r.SetResponseState(protocol.ResponseCooldown)
	r.SetGauges(5, 2)

	s := r.Snapshot()
	assert.Equal(t, "agent-1", s.AgentID)
	assert.Equal(t, int64(1), s.HoneypotTriggers)
	assert.Equal(t, int64(1), s.SuspiciousActivities)
	assert.Equal(t, int64(1), s.SuspiciousFiles)
	assert.Equal(t, int64(1), s.ThreatsBlocked)
	assert.Equal(t, int64(2), s.SuppressedAlerts)
	assert.Equal(t, int64(1), s.FilesQuarantined)
	assert.Equal(t, int64(2), s.ProcessesBlocked)
	assert.Equal(t, int64(10), s.FilesBackedUp)
	assert.Equal(t, int64(10), s.FilesProtected)
	assert.Equal(t, int64(1), s.BackupFailures)
	assert.Equal(t, int64(1700000010000), s.LastBackupTime)
	assert.Equal(t, int64(1700000002000), s.LastThreatTime)
	assert.True(t, s.ProtectionActive)
	assert.Equal(t, protocol.ProtectionActive, s.State)
	assert.Equal(t, protocol.ResponseCooldown, s.ResponseState)
	assert.Equal(t, 5, s.HoneypotFiles)
	assert.Equal(t, 2, s.WatchedDirectories)

	r.Close()
	records, err := j.Recent(0)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestReporterWithoutJournal(t *testing.T) {
	r := NewReporter("", nil, zap.NewNop())
	r.RecordQuarantine(protocol.QuarantineRecord{})
	r.RecordRestore("x", "y")
	r.Close()
	r.Close()
	assert.Equal(t, int64(1), r.Snapshot().FilesQuarantined)
	assert.Equal(t, protocol.ProtectionSuspended, r.Snapshot().State)
}
