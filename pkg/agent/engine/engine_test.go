package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"github.com/dushixiang/ransomguard/pkg/agent/audit"
	"github.com/dushixiang/ransomguard/pkg/agent/backup"
	"github.com/dushixiang/ransomguard/pkg/agent/honeypot"
	"github.com/dushixiang/ransomguard/pkg/agent/watcher"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeResponder struct {
	mu     sync.Mutex
	alerts []protocol.ThreatAlert
	delay  time.Duration
}

func (f *fakeResponder) Run(ctx context.Context, alert protocol.ThreatAlert) protocol.ResponseReport {
	f.mu.Lock()
	f.alerts = append(f.alerts, alert)
	f.mu.Unlock()

	start := time.Now()
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
	return protocol.ResponseReport{
		AlertID:    alert.ID,
		StartedAt:  start.UnixMilli(),
		FinishedAt: time.Now().UnixMilli(),
	}
}

func (f *fakeResponder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type harness struct {
	engine    *Engine
	responder *fakeResponder
	store     *backup.Store
	workDir   string
	dataDir   string
	events    <-chan protocol.Event
}

func newHarness(t *testing.T, mutate func(*Options), responseDelay ...time.Duration) *harness {
	t.Helper()

	work := t.TempDir()
	data := t.TempDir()

	store, err := backup.NewStore(afero.NewOsFs(), filepath.Join(work, backup.DirName), work, 0, zap.NewNop())
	require.NoError(t, err)
	reporter := audit.NewReporter("test-agent", nil, zap.NewNop())
	responder := &fakeResponder{delay: 100 * time.Millisecond}
	if len(responseDelay) > 0 {
		responder.delay = responseDelay[0]
	}

	opts := Options{
		Protection:     true,
		HoneypotDir:    filepath.Join(work, honeypot.DirName),
		ActivityWindow: 5 * time.Second,
		Threshold:      10,
		Cooldown:       300 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	e, err := New(zap.NewNop(), opts, store, responder, reporter)
	require.NoError(t, err)
	events, unsubscribe := e.Subscribe()
	require.NoError(t, e.Start(context.Background()))

	t.Cleanup(func() {
		unsubscribe()
		_ = e.Close()
		reporter.Close()
	})

	return &harness{
		engine:    e,
		responder: responder,
		store:     store,
		workDir:   work,
		dataDir:   data,
		events:    events,
	}
}

// collect 在 d 时间内收集事件
func (h *harness) collect(d time.Duration) []protocol.Event {
	var events []protocol.Event
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
}

// waitFor 等待满足条件的事件
func (h *harness) waitFor(t *testing.T, match func(protocol.Event) bool) protocol.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("等待事件超时")
			return protocol.Event{}
		}
	}
}

func ofType(typ protocol.EventType) func(protocol.Event) bool {
	return func(ev protocol.Event) bool { return ev.Type == typ }
}

func countAlerts(events []protocol.Event, typ protocol.AlertType) int {
	n := 0
	for _, ev := range events {
		if ev.Alert != nil && ev.Alert.Type == typ {
			n++
		}
	}
	return n
}

// overwrite 用重命名覆盖只读文件，只产生一个事件
func overwrite(t *testing.T, path string) {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(tmp, []byte("encrypted!"), 0600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestNotRunning(t *testing.T) {
	work := t.TempDir()
	store, err := backup.NewStore(afero.NewOsFs(), filepath.Join(work, backup.DirName), work, 0, zap.NewNop())
	require.NoError(t, err)
	e, err := New(zap.NewNop(), Options{HoneypotDir: filepath.Join(work, honeypot.DirName)}, store, &fakeResponder{}, audit.NewReporter("", nil, zap.NewNop()))
	require.NoError(t, err)

	assert.ErrorIs(t, e.MonitorDirectory(work), ErrNotRunning)
	assert.ErrorIs(t, e.SetProtection(true), ErrNotRunning)
	require.NoError(t, e.Close())
}

func TestInvalidBackupSchedule(t *testing.T) {
	work := t.TempDir()
	store, err := backup.NewStore(afero.NewOsFs(), filepath.Join(work, backup.DirName), work, 0, zap.NewNop())
	require.NoError(t, err)

	_, err = New(zap.NewNop(), Options{
		HoneypotDir:    filepath.Join(work, honeypot.DirName),
		BackupEnabled:  true,
		BackupSchedule: "not a schedule",
	}, store, &fakeResponder{}, audit.NewReporter("", nil, zap.NewNop()))
	assert.Error(t, err)
}

func TestStartDeploysHoneypots(t *testing.T) {
	h := newHarness(t, nil)

	files := h.engine.Honeypots()
	require.Len(t, files, len(honeypot.DefaultNames()))
	assert.Empty(t, h.engine.VerifyHoneypots())

	stats := h.engine.Stats()
	assert.True(t, stats.ProtectionActive)
	assert.Equal(t, protocol.ProtectionActive, stats.State)
	assert.Equal(t, len(files), stats.HoneypotFiles)
	assert.Equal(t, "test-agent", stats.AgentID)
}

func TestScenarioHoneypotTriggered(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.MonitorDirectory(h.dataDir))
	require.Equal(t, []string{h.dataDir}, h.engine.Watched())

	target := filepath.Join(h.workDir, honeypot.DirName, "passwords.txt")
	overwrite(t, target)

	ev := h.waitFor(t, ofType(protocol.EventRansomwareDetected))
	require.NotNil(t, ev.Alert)
	assert.Equal(t, protocol.AlertHoneypotTriggered, ev.Alert.Type)
	assert.Equal(t, protocol.SeverityCritical, ev.Alert.Severity)
	assert.Equal(t, target, ev.Alert.FilePath)

	// 响应期间暂停监控，冷却结束后恢复
	require.Eventually(t, func() bool { return len(h.engine.Watched()) == 0 }, time.Second, 10*time.Millisecond)
	h.waitFor(t, ofType(protocol.EventResponseCompleted))
	require.Eventually(t, func() bool {
		w := h.engine.Watched()
		return len(w) == 1 && w[0] == h.dataDir
	}, 5*time.Second, 20*time.Millisecond)

	assert.Zero(t, countAlerts(h.collect(200*time.Millisecond), protocol.AlertHoneypotTriggered))

	stats := h.engine.Stats()
	assert.Equal(t, int64(1), stats.ThreatsBlocked)
	assert.Equal(t, int64(1), stats.HoneypotTriggers)
	assert.Equal(t, protocol.ResponseIdle, stats.ResponseState)
	assert.Equal(t, 1, h.responder.calls())

	compromised := h.engine.VerifyHoneypots()
	require.Len(t, compromised, 1)
	assert.Equal(t, target, compromised[0].Path)
}

func TestScenarioMassModification(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.MonitorDirectory(h.dataDir))

	for i := 0; i < 12; i++ {
		path := filepath.Join(h.dataDir, fmt.Sprintf("file%02d.txt", i))
		require.NoError(t, os.WriteFile(path, []byte("data"), 0600))
	}

	ev := h.waitFor(t, ofType(protocol.EventSuspiciousActivity))
	require.NotNil(t, ev.Alert)
	assert.Equal(t, protocol.AlertMassEncryption, ev.Alert.Type)
	assert.Equal(t, protocol.SeverityHigh, ev.Alert.Severity)
	assert.Equal(t, 10, ev.Alert.ModificationCount)
	assert.Equal(t, int64(5000), ev.Alert.TimeWindow)

	// 冷却结束恢复监控后不会再次告警
	rest := h.collect(time.Second)
	assert.Zero(t, countAlerts(rest, protocol.AlertMassEncryption))

	stats := h.engine.Stats()
	assert.Equal(t, int64(1), stats.SuspiciousActivities)
	assert.Equal(t, int64(1), stats.ThreatsBlocked)
}

func TestScenarioSuspiciousFile(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.MonitorDirectory(h.dataDir))

	path := filepath.Join(h.dataDir, "report.locked")
	require.NoError(t, os.WriteFile(path, []byte("ciphertext"), 0600))

	ev := h.waitFor(t, ofType(protocol.EventSuspiciousFile))
	require.NotNil(t, ev.Alert)
	assert.Equal(t, protocol.AlertSuspiciousFile, ev.Alert.Type)
	assert.Equal(t, protocol.ReasonRansomwareExtension, ev.Alert.Reason)
	assert.Equal(t, path, ev.Alert.FilePath)

	q := h.waitFor(t, ofType(protocol.EventFileQuarantined))
	require.NotNil(t, q.Quarantine)
	assert.Equal(t, path, q.Quarantine.OriginalPath)
	assert.True(t, strings.HasPrefix(filepath.Base(q.Quarantine.QuarantinePath), backup.QuarantinePrefix))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	quarantined, err := h.engine.Quarantined()
	require.NoError(t, err)
	require.Len(t, quarantined, 1)

	backups, err := h.engine.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)

	stats := h.engine.Stats()
	assert.Equal(t, int64(1), stats.SuspiciousFiles)
	assert.Equal(t, int64(1), stats.FilesQuarantined)
}

func TestScenarioProtectionDisabled(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.MonitorDirectory(h.dataDir))

	require.NoError(t, h.engine.SetProtection(false))
	assert.Empty(t, h.engine.Watched())
	assert.Empty(t, h.engine.Honeypots())
	assert.False(t, h.engine.Stats().ProtectionActive)

	require.NoError(t, os.WriteFile(filepath.Join(h.dataDir, "x.locked"), []byte("x"), 0600))
	for i := 0; i < 12; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(h.dataDir, fmt.Sprintf("f%d", i)), []byte("x"), 0600))
	}
	for _, ev := range h.collect(500 * time.Millisecond) {
		assert.Nil(t, ev.Alert, "unexpected alert %+v", ev.Alert)
	}

	assert.ErrorIs(t, h.engine.MonitorDirectory(h.dataDir), ErrProtectionDisabled)

	// 重新开启不会恢复之前的目录
	require.NoError(t, h.engine.SetProtection(true))
	assert.Empty(t, h.engine.Watched())
	assert.Empty(t, h.engine.Remembered())
	assert.Len(t, h.engine.Honeypots(), len(honeypot.DefaultNames()))

	require.NoError(t, h.engine.MonitorDirectory(h.dataDir))
	assert.Equal(t, []string{h.dataDir}, h.engine.Watched())
}

func TestMonitorDirectoryIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.engine.MonitorDirectory(h.dataDir))
	require.NoError(t, h.engine.MonitorDirectory(h.dataDir))
	assert.Equal(t, []string{h.dataDir}, h.engine.Watched())
	assert.Equal(t, 1, h.engine.Stats().WatchedDirectories)

	err := h.engine.MonitorDirectory(filepath.Join(h.dataDir, "missing"))
	assert.ErrorIs(t, err, watcher.ErrDirectoryNotFound)
	assert.Equal(t, []string{h.dataDir}, h.engine.Remembered())
}

func TestStopResumeMonitoring(t *testing.T) {
	h := newHarness(t, nil)
	other := t.TempDir()
	require.NoError(t, h.engine.MonitorDirectory(h.dataDir))
	require.NoError(t, h.engine.MonitorDirectory(other))

	require.NoError(t, h.engine.StopMonitoring())
	assert.Empty(t, h.engine.Watched())
	assert.ElementsMatch(t, []string{h.dataDir, other}, h.engine.Remembered())
	assert.Equal(t, protocol.ProtectionSuspended, h.engine.Stats().State)

	// 暂停期间被移除的目录恢复后不再监控
	require.NoError(t, h.engine.UnmonitorDirectory(other))

	require.NoError(t, h.engine.ResumeMonitoring())
	assert.Equal(t, []string{h.dataDir}, h.engine.Watched())
	assert.Equal(t, protocol.ProtectionActive, h.engine.Stats().State)
}

func TestAlertsDuringResponseAreSuppressed(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Cooldown = time.Second }, 300*time.Millisecond)

	dir := filepath.Join(h.workDir, honeypot.DirName)
	overwrite(t, filepath.Join(dir, "passwords.txt"))
	h.waitFor(t, ofType(protocol.EventRansomwareDetected))

	overwrite(t, filepath.Join(dir, "backup_keys.txt"))
	h.waitFor(t, ofType(protocol.EventRansomwareDetected))

	require.Eventually(t, func() bool {
		return h.engine.Stats().SuppressedAlerts == 1
	}, 2*time.Second, 20*time.Millisecond)

	stats := h.engine.Stats()
	assert.Equal(t, int64(2), stats.HoneypotTriggers)
	assert.Equal(t, int64(1), stats.ThreatsBlocked)
	assert.Equal(t, 1, h.responder.calls())
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	src := filepath.Join(h.dataDir, "doc.txt")
	content := []byte("quarterly numbers")
	require.NoError(t, os.WriteFile(src, content, 0600))

	entry, err := h.store.BackupFile(src, false)
	require.NoError(t, err)

	backups, err := h.engine.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, entry.Name, backups[0].Name)

	target := filepath.Join(t.TempDir(), "restored", "doc.txt")
	require.NoError(t, h.engine.RestoreFromBackup(entry.Name, target))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.ErrorIs(t, h.engine.RestoreFromBackup("missing", target), backup.ErrNotFound)
}

func TestQuarantineSuspiciousFile(t *testing.T) {
	h := newHarness(t, nil)

	path := filepath.Join(t.TempDir(), "invoice.pdf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

	rec, err := h.engine.QuarantineSuspiciousFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, rec.OriginalPath)

	ev := h.waitFor(t, ofType(protocol.EventFileQuarantined))
	assert.Equal(t, rec.QuarantinePath, ev.Quarantine.QuarantinePath)

	_, err = h.engine.QuarantineSuspiciousFile(path)
	assert.ErrorIs(t, err, backup.ErrNotFound)
}

func TestPeriodicBackup(t *testing.T) {
	var data string
	h := newHarness(t, func(o *Options) {
		data = filepath.Join(filepath.Dir(o.HoneypotDir), "docs")
		o.BackupEnabled = true
		o.BackupDirectories = []string{data}
	})
	require.NoError(t, os.MkdirAll(filepath.Join(data, "sub"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(data, "a.txt"), []byte("a"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(data, "sub", "b.txt"), []byte("b"), 0600))

	h.engine.periodicBackup()

	stats := h.engine.Stats()
	assert.Equal(t, int64(2), stats.FilesBackedUp)
	assert.NotZero(t, stats.LastBackupTime)

	// 防护关闭时跳过
	require.NoError(t, h.engine.SetProtection(false))
	h.engine.periodicBackup()
	assert.Equal(t, int64(2), h.engine.Stats().FilesBackedUp)
}
