package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dushixiang/ransomguard/pkg/agent/config"
	"github.com/dushixiang/ransomguard/pkg/agent/id"
	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.WorkDir = dir
	cfg.Audit.Path = filepath.Join(dir, "audit.db")
	cfg.Response.KillProcesses = false
	cfg.Backup.Enabled = false
	return cfg
}

func TestEngineOptions(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Protection.MonitorDirectories = []string{"docs"}
	cfg.Protection.Cooldown = "3s"

	opts := New(cfg, zap.NewNop()).engineOptions()
	assert.True(t, opts.Protection)
	assert.Equal(t, []string{filepath.Join(cfg.WorkDir, "docs")}, opts.MonitorDirectories)
	assert.Equal(t, filepath.Join(cfg.WorkDir, ".honeypot"), opts.HoneypotDir)
	assert.Equal(t, 5*time.Second, opts.ActivityWindow)
	assert.Equal(t, 10, opts.Threshold)
	assert.Equal(t, 3*time.Second, opts.Cooldown)
	assert.Equal(t, []string{cfg.WorkDir}, opts.BackupDirectories)
}

func TestAgentRunsAndStops(t *testing.T) {
	cfg := newTestConfig(t)
	a := New(cfg, zap.NewNop())
	a.idMgr = id.NewManager(filepath.Join(cfg.WorkDir, "agent.id"))

	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()

	require.Eventually(t, func() bool { return a.Engine() != nil }, 5*time.Second, 20*time.Millisecond)

	stats := a.Engine().Stats()
	assert.True(t, stats.ProtectionActive)
	assert.Equal(t, 5, stats.HoneypotFiles)
	assert.NotEmpty(t, stats.AgentID)

	a.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.Nil(t, a.Engine())
}

func TestAgentInfo(t *testing.T) {
	info := AgentInfo("agent-1")
	assert.Equal(t, "agent-1", info.ID)
	assert.NotEmpty(t, info.OS)
	assert.Equal(t, GetVersion(), info.Version)
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "运行中", StatusText(service.StatusRunning))
	assert.Equal(t, "已停止", StatusText(service.StatusStopped))
	assert.Equal(t, "未知", StatusText(service.StatusUnknown))
}
