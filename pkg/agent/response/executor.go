package response

import (
	"context"
	"time"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"github.com/dushixiang/ransomguard/pkg/agent/backup"
	"github.com/go-errors/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	DefaultEmergencyMaxDepth = 2
	maxBackupWorkers         = 4
)

// BackupStore 紧急备份使用的存储
type BackupStore interface {
	DirExists(dir string) bool
	BackupDirectory(dir string, opts backup.Options) backup.Result
}

// ExecutorOptions 响应步骤配置
type ExecutorOptions struct {
	KillProcesses bool
	EmergencyDirs []string
	MaxDepth      int
	ShadowCopy    bool
}

// Executor 执行一次威胁响应: 结束进程 -> 紧急备份 -> 卷影副本
type Executor struct {
	killer ProcessKiller
	shadow ShadowGuard
	store  BackupStore
	opts   ExecutorOptions
	logger *zap.Logger
}

func NewExecutor(killer ProcessKiller, shadow ShadowGuard, store BackupStore, opts ExecutorOptions, logger *zap.Logger) *Executor {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultEmergencyMaxDepth
	}
	return &Executor{
		killer: killer,
		shadow: shadow,
		store:  store,
		opts:   opts,
		logger: logger,
	}
}

// Run 依次执行响应步骤，任何一步失败都不会中断后续步骤
func (e *Executor) Run(ctx context.Context, alert protocol.ThreatAlert) protocol.ResponseReport {
	report := protocol.ResponseReport{
		AlertID:   alert.ID,
		StartedAt: time.Now().UnixMilli(),
	}
	e.logger.Warn("开始威胁响应", zap.String("alertId", alert.ID), zap.String("type", string(alert.Type)))

	// 1. 结束可疑进程
	if e.opts.KillProcesses && e.killer != nil {
		result := e.killer.KillSuspicious(ctx)
		report.ProcessesKilled = len(result.Killed)
		report.KillFailures = len(result.Failed)
	}

	// 2. 紧急备份
	if e.store != nil {
		e.emergencyBackup(ctx, &report)
	}

	// 3. 卷影副本
	if e.opts.ShadowCopy && e.shadow != nil {
		if err := e.shadow.Protect(ctx); err != nil {
			if errors.Is(err, ErrShadowUnsupported) {
				e.logger.Debug("当前平台不支持卷影副本")
			} else {
				e.logger.Warn("卷影副本保护失败", zap.Error(err))
			}
		} else {
			report.ShadowCopyChecked = true
		}
	}

	report.FinishedAt = time.Now().UnixMilli()
	e.logger.Warn("威胁响应完成",
		zap.String("alertId", alert.ID),
		zap.Int("processesKilled", report.ProcessesKilled),
		zap.Int("killFailures", report.KillFailures),
		zap.Int("filesBackedUp", report.FilesBackedUp),
		zap.Int("backupFailures", report.BackupFailures),
		zap.Int64("costMs", report.FinishedAt-report.StartedAt))
	return report
}

func (e *Executor) emergencyBackup(ctx context.Context, report *protocol.ResponseReport) {
	p := pool.NewWithResults[backup.Result]().WithMaxGoroutines(maxBackupWorkers)
	seen := make(map[string]struct{}, len(e.opts.EmergencyDirs))
	for _, dir := range e.opts.EmergencyDirs {
		if _, ok := seen[dir]; ok || dir == "" {
			continue
		}
		seen[dir] = struct{}{}
		if !e.store.DirExists(dir) {
			e.logger.Debug("紧急备份目录不存在", zap.String("dir", dir))
			continue
		}
		dir := dir
		p.Go(func() backup.Result {
			if ctx.Err() != nil {
				return backup.Result{}
			}
			return e.store.BackupDirectory(dir, backup.Options{MaxDepth: e.opts.MaxDepth, Emergency: true})
		})
	}

	for _, r := range p.Wait() {
		report.FilesBackedUp += len(r.Entries)
		report.BackupSkipped += r.Skipped
		report.BackupFailures += r.Failed
	}
}
