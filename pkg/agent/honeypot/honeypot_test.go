package honeypot

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(filepath.Join(t.TempDir(), DirName), zap.NewNop())
	t.Cleanup(func() { _ = m.Destroy() })
	return m
}

func waitTrigger(t *testing.T, m *Manager) Trigger {
	t.Helper()
	select {
	case tr := <-m.Triggers():
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("蜜罐未触发")
		return Trigger{}
	}
}

func TestDeploy(t *testing.T) {
	m := newTestManager(t)

	files, err := m.Deploy(DefaultNames())
	require.NoError(t, err)
	require.Len(t, files, len(DefaultNames()))

	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "HONEYPOT FILE - DO NOT MODIFY\nID: "))
		assert.Len(t, f.Hash, 64)

		if runtime.GOOS != "windows" {
			info, err := os.Stat(f.Path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0400), info.Mode().Perm())
		}
		assert.True(t, m.IsHoneypot(f.Path))
	}
	assert.Empty(t, m.Verify())
}

func TestDeployUniqueContent(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Deploy([]string{"passwords.txt"})
	require.NoError(t, err)
	second, err := m.Deploy([]string{"passwords.txt"})
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].Hash, second[0].Hash)
}

func TestDeployRejectsNestedName(t *testing.T) {
	m := newTestManager(t)

	files, err := m.Deploy([]string{"../escape.txt", "ok.txt"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "ok.txt", files[0].Name)

	_, err = m.Deploy([]string{"../escape.txt"})
	assert.NoError(t, err, "已有蜜罐时单个失败不报错")
}

func TestTriggerOnWrite(t *testing.T) {
	m := newTestManager(t)
	files, err := m.Deploy([]string{"passwords.txt"})
	require.NoError(t, err)
	path := files[0].Path

	require.NoError(t, os.Chmod(path, 0600))
	require.NoError(t, os.WriteFile(path, []byte("encrypted"), 0600))

	tr := waitTrigger(t, m)
	assert.Equal(t, path, tr.Path)
	assert.NotEmpty(t, tr.Op)

	compromised := m.Verify()
	require.Len(t, compromised, 1)
	assert.Equal(t, "modified", compromised[0].Reason)
}

func TestTriggerOnRename(t *testing.T) {
	m := newTestManager(t)
	files, err := m.Deploy([]string{"backup_keys.txt"})
	require.NoError(t, err)
	path := files[0].Path

	require.NoError(t, os.Rename(path, path+".locked"))

	tr := waitTrigger(t, m)
	assert.Equal(t, path, tr.Path)

	compromised := m.Verify()
	require.Len(t, compromised, 1)
	assert.Equal(t, "missing", compromised[0].Reason)
}

func TestUnrelatedFileIgnored(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Deploy([]string{"passwords.txt"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "other.txt"), []byte("x"), 0600))

	select {
	case tr := <-m.Triggers():
		t.Fatalf("unexpected trigger %+v", tr)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDestroy(t *testing.T) {
	m := newTestManager(t)
	files, err := m.Deploy(DefaultNames())
	require.NoError(t, err)

	require.NoError(t, m.Destroy())
	assert.Empty(t, m.Files())
	for _, f := range files {
		_, err := os.Stat(f.Path)
		assert.True(t, os.IsNotExist(err))
	}

	select {
	case tr := <-m.Triggers():
		t.Fatalf("销毁不应触发告警: %+v", tr)
	case <-time.After(200 * time.Millisecond):
	}
}
