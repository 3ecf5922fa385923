package response

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"github.com/dushixiang/ransomguard/pkg/agent/backup"
	"github.com/go-errors/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testTime = time.UnixMilli(1700000000000)

type fakeKiller struct {
	calls  int32
	result KillResult
}

func (f *fakeKiller) KillSuspicious(context.Context) KillResult {
	atomic.AddInt32(&f.calls, 1)
	return f.result
}

type fakeShadow struct {
	calls int32
	err   error
}

func (f *fakeShadow) Protect(context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func newMemStore(t *testing.T) (*backup.Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := backup.NewStore(fs, filepath.FromSlash("/work/.ransomware-backup"), filepath.FromSlash("/work"), 0, zap.NewNop())
	require.NoError(t, err)
	return s, fs
}

func writeMemFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
}

func TestExecutorRun(t *testing.T) {
	store, fs := newMemStore(t)
	docs := filepath.FromSlash("/home/u/Documents")
	desktop := filepath.FromSlash("/home/u/Desktop")
	writeMemFile(t, fs, filepath.Join(docs, "a.txt"), "a")
	writeMemFile(t, fs, filepath.Join(docs, "sub", "b.txt"), "b")
	writeMemFile(t, fs, filepath.Join(docs, "l1", "l2", "l3", "deep.txt"), "d")
	writeMemFile(t, fs, filepath.Join(desktop, "c.txt"), "c")

	killer := &fakeKiller{result: KillResult{
		Killed: []ProcessRef{{PID: 100, Name: "locker"}},
		Failed: []ProcessRef{{PID: 101, Name: "encryptor"}},
	}}
	shadow := &fakeShadow{}

	e := NewExecutor(killer, shadow, store, ExecutorOptions{
		KillProcesses: true,
		EmergencyDirs: []string{docs, desktop, docs, filepath.FromSlash("/missing")},
		ShadowCopy:    true,
	}, zap.NewNop())

	alert := protocol.NewMassModificationAlert(10, 0, testTime)
	report := e.Run(context.Background(), alert)

	assert.Equal(t, alert.ID, report.AlertID)
	assert.Equal(t, 1, report.ProcessesKilled)
	assert.Equal(t, 1, report.KillFailures)
	assert.Equal(t, 3, report.FilesBackedUp)
	assert.Zero(t, report.BackupFailures)
	assert.True(t, report.ShadowCopyChecked)
	assert.LessOrEqual(t, report.StartedAt, report.FinishedAt)
	assert.Equal(t, int32(1), killer.calls)
	assert.Equal(t, int32(1), shadow.calls)

	entries, err := store.List()
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestExecutorStepsIndependent(t *testing.T) {
	store, fs := newMemStore(t)
	docs := filepath.FromSlash("/home/u/Documents")
	writeMemFile(t, fs, filepath.Join(docs, "a.txt"), "a")

	shadow := &fakeShadow{err: errors.New("vssadmin failed")}
	e := NewExecutor(&fakeKiller{}, shadow, store, ExecutorOptions{
		KillProcesses: true,
		EmergencyDirs: []string{docs},
		ShadowCopy:    true,
	}, zap.NewNop())

	report := e.Run(context.Background(), protocol.NewHoneypotAlert("/h/passwords.txt", "write", testTime))
	assert.Equal(t, 1, report.FilesBackedUp)
	assert.False(t, report.ShadowCopyChecked)
}

func TestExecutorDisabledSteps(t *testing.T) {
	killer := &fakeKiller{}
	shadow := &fakeShadow{err: ErrShadowUnsupported}
	e := NewExecutor(killer, shadow, nil, ExecutorOptions{}, zap.NewNop())

	report := e.Run(context.Background(), protocol.NewSuspiciousFileAlert("/d/x.locked", protocol.ReasonRansomwareExtension, testTime))
	assert.Zero(t, killer.calls)
	assert.Zero(t, shadow.calls)
	assert.Zero(t, report.FilesBackedUp)
}
