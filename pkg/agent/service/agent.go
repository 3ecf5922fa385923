package service

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dushixiang/ransomguard/internal"
	"github.com/dushixiang/ransomguard/internal/handler"
	"github.com/dushixiang/ransomguard/internal/protocol"
	notify "github.com/dushixiang/ransomguard/internal/service"
	"github.com/dushixiang/ransomguard/pkg/agent/audit"
	"github.com/dushixiang/ransomguard/pkg/agent/backup"
	"github.com/dushixiang/ransomguard/pkg/agent/config"
	"github.com/dushixiang/ransomguard/pkg/agent/engine"
	"github.com/dushixiang/ransomguard/pkg/agent/id"
	"github.com/dushixiang/ransomguard/pkg/agent/response"
	"github.com/dushixiang/ransomguard/pkg/version"
	"github.com/jpillora/backoff"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Agent 防护服务，负责组装引擎及其外围组件
type Agent struct {
	cfg    *config.Config
	logger *zap.Logger
	idMgr  *id.Manager
	cancel context.CancelFunc

	mu     sync.RWMutex
	engine *engine.Engine
}

// New 创建 Agent 实例
func New(cfg *config.Config, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		logger: logger,
		idMgr:  id.NewManager(""),
	}
}

// Start 启动防护服务，引擎异常退出后按退避策略重启
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b := &backoff.Backoff{
		Min:    5 * time.Second,
		Max:    5 * time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := a.runOnce(ctx); err != nil {
			retryAfter := b.Duration()
			a.logger.Error("防护服务运行出错，稍后重试", zap.Error(err), zap.Duration("retryAfter", retryAfter))

			select {
			case <-time.After(retryAfter):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		b.Reset()
	}
}

// Stop 停止防护服务
func (a *Agent) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// Engine 当前运行的引擎，未运行时为 nil
func (a *Agent) Engine() *engine.Engine {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.engine
}

func (a *Agent) setEngine(e *engine.Engine) {
	a.mu.Lock()
	a.engine = e
	a.mu.Unlock()
}

// AgentInfo 探针信息
func AgentInfo(agentID string) protocol.AgentInfo {
	hostname, _ := os.Hostname()
	return protocol.AgentInfo{
		ID:       agentID,
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Version:  version.GetVersion(),
	}
}

// OpenBackupStore 按配置打开备份目录
func OpenBackupStore(cfg *config.Config, logger *zap.Logger) (*backup.Store, error) {
	return backup.NewStore(afero.NewOsFs(), cfg.GetBackupDir(), cfg.GetWorkDir(), cfg.GetMaxFileSize(), logger)
}

// OpenJournal 按配置打开审计日志
func OpenJournal(cfg *config.Config) *audit.Journal {
	return audit.NewJournal(cfg.GetAuditPath(), cfg.Audit.MaxRecords)
}

func (a *Agent) engineOptions() engine.Options {
	cfg := a.cfg
	return engine.Options{
		Protection:         cfg.Protection.Enabled,
		MonitorDirectories: cfg.GetMonitorDirectories(),
		HoneypotDir:        cfg.GetHoneypotDir(),
		HoneypotNames:      cfg.Protection.HoneypotNames,
		ActivityWindow:     cfg.GetActivityWindow(),
		Threshold:          cfg.Protection.SuspiciousActivityThreshold,
		Cooldown:           cfg.GetCooldown(),
		Extensions:         cfg.Protection.RansomwareExtensions,
		NoteNames:          cfg.Protection.RansomNoteNames,
		BackupEnabled:      cfg.Backup.Enabled,
		BackupSchedule:     cfg.Backup.Schedule,
		BackupDirectories:  cfg.GetBackupDirectories(),
		BackupMaxDepth:     cfg.Backup.MaxDepth,
	}
}

func (a *Agent) newResponder(store *backup.Store) *response.Executor {
	cfg := a.cfg.Response
	keywords := cfg.ProcessKeywords
	if len(keywords) == 0 {
		keywords = response.DefaultKeywords()
	}
	whitelist := cfg.ProcessWhitelist
	if len(whitelist) == 0 {
		whitelist = response.DefaultWhitelist()
	}

	logger := a.logger.Named("response")
	return response.NewExecutor(
		response.NewProcessKiller(keywords, whitelist, logger),
		response.NewShadowGuard(logger),
		store,
		response.ExecutorOptions{
			KillProcesses: cfg.KillProcesses,
			EmergencyDirs: a.cfg.GetEmergencyDirectories(),
			MaxDepth:      cfg.EmergencyMaxDepth,
			ShadowCopy:    cfg.ShadowCopy,
		},
		logger,
	)
}

// runOnce 组装并运行一次引擎，直到 ctx 结束或控制接口异常退出
func (a *Agent) runOnce(ctx context.Context) error {
	agentID, err := a.idMgr.Load()
	if err != nil {
		return fmt.Errorf("加载 agent ID 失败: %w", err)
	}
	info := AgentInfo(agentID)

	store, err := OpenBackupStore(a.cfg, a.logger.Named("backup"))
	if err != nil {
		return err
	}

	journal := OpenJournal(a.cfg)
	reporter := audit.NewReporter(agentID, journal, a.logger.Named("audit"))
	defer reporter.Close()

	eng, err := engine.New(a.logger.Named("engine"), a.engineOptions(), store, a.newResponder(store), reporter)
	if err != nil {
		return fmt.Errorf("创建引擎失败: %w", err)
	}
	defer func() {
		a.setEngine(nil)
		if err := eng.Close(); err != nil {
			a.logger.Warn("关闭引擎失败", zap.Error(err))
		}
	}()

	// 先订阅再启动，启动阶段的告警也能通知到
	notifier := notify.NewNotifier(a.logger.Named("notifier"), info, a.cfg.Notify)
	if notifier.Enabled() {
		events, unsubscribe := eng.Subscribe()
		defer unsubscribe()
		go notifier.Run(ctx, events)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("启动引擎失败: %w", err)
	}
	a.setEngine(eng)

	a.logger.Info("防护服务已启动",
		zap.String("agentId", agentID),
		zap.String("version", info.Version),
		zap.String("workdir", a.cfg.GetWorkDir()))

	errCh := make(chan error, 1)
	if a.cfg.API.Enabled {
		h := handler.NewGuardHandler(a.logger.Named("api"), info, eng, journal)
		srv := internal.NewServer(a.logger.Named("api"), a.cfg.API.Listen, a.cfg.API.Token, h)
		go func() {
			errCh <- srv.Start()
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("关闭控制接口失败", zap.Error(err))
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("防护服务正在停止")
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return fmt.Errorf("控制接口异常退出: %w", err)
	}
}

// GetVersion 获取版本号
func GetVersion() string {
	return version.GetVersion()
}
