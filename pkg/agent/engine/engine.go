package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"github.com/dushixiang/ransomguard/pkg/agent/activity"
	"github.com/dushixiang/ransomguard/pkg/agent/audit"
	"github.com/dushixiang/ransomguard/pkg/agent/backup"
	"github.com/dushixiang/ransomguard/pkg/agent/classifier"
	"github.com/dushixiang/ransomguard/pkg/agent/honeypot"
	"github.com/dushixiang/ransomguard/pkg/agent/response"
	"github.com/dushixiang/ransomguard/pkg/agent/watcher"
	"github.com/go-errors/errors"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	DefaultCooldown       = 5 * time.Second
	DefaultBackupSchedule = "@every 1m"
	DefaultBackupMaxDepth = 2

	jobQueueSize = 256
	maxWorkers   = 4
)

var (
	ErrNotRunning         = errors.New("engine is not running")
	ErrProtectionDisabled = errors.New("protection is disabled")
)

// Responder 执行威胁响应步骤
type Responder interface {
	Run(ctx context.Context, alert protocol.ThreatAlert) protocol.ResponseReport
}

// Options 引擎参数
type Options struct {
	Protection         bool
	MonitorDirectories []string

	HoneypotDir   string
	HoneypotNames []string

	ActivityWindow time.Duration
	Threshold      int
	Cooldown       time.Duration

	Extensions []string
	NoteNames  []string

	BackupEnabled     bool
	BackupSchedule    string
	BackupDirectories []string
	BackupMaxDepth    int
}

// Engine 勒索软件检测与响应引擎
// 保护状态、修改记录、响应状态机和监控目录集合只在事件循环中修改
type Engine struct {
	opts   Options
	logger *zap.Logger

	classifier  *classifier.Classifier
	tracker     *activity.Tracker
	watcher     *watcher.Watcher
	honeypots   *honeypot.Manager
	store       *backup.Store
	responder   Responder
	coordinator *response.Coordinator
	reporter    *audit.Reporter
	events      *Broadcaster
	scheduler   *cron.Cron

	cmds         chan func()
	responseDone chan protocol.ResponseReport
	jobs         chan func()
	workers      *pool.Pool
	inflight     sync.Map

	// 以下字段只在事件循环中访问
	initialized bool
	protection  bool
	paused      bool
	remembered  map[string]struct{}
	cooldown    *time.Timer

	protected atomic.Bool
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	respWg    sync.WaitGroup
	closeOnce sync.Once
}

// New 创建引擎，store 和 reporter 必须非空
func New(logger *zap.Logger, opts Options, store *backup.Store, responder Responder, reporter *audit.Reporter) (*Engine, error) {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.BackupSchedule == "" {
		opts.BackupSchedule = DefaultBackupSchedule
	}
	if opts.BackupMaxDepth <= 0 {
		opts.BackupMaxDepth = DefaultBackupMaxDepth
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = classifier.DefaultExtensions()
	}
	if len(opts.NoteNames) == 0 {
		opts.NoteNames = classifier.DefaultNoteNames()
	}
	if len(opts.HoneypotNames) == 0 {
		opts.HoneypotNames = honeypot.DefaultNames()
	}
	honeypotDir, err := filepath.Abs(opts.HoneypotDir)
	if err != nil {
		return nil, fmt.Errorf("解析蜜罐目录失败: %w", err)
	}
	opts.HoneypotDir = honeypotDir

	// 自身的蜜罐和备份目录不参与检测
	w, err := watcher.New(logger.Named("watcher"), honeypotDir, store.Dir())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:         opts,
		logger:       logger,
		classifier:   classifier.New(opts.Extensions, opts.NoteNames),
		tracker:      activity.NewTracker(opts.ActivityWindow, opts.Threshold),
		watcher:      w,
		honeypots:    honeypot.NewManager(honeypotDir, logger.Named("honeypot")),
		store:        store,
		responder:    responder,
		coordinator:  response.NewCoordinator(),
		reporter:     reporter,
		events:       NewBroadcaster(logger),
		scheduler:    cron.New(),
		cmds:         make(chan func()),
		responseDone: make(chan protocol.ResponseReport, 1),
		jobs:         make(chan func(), jobQueueSize),
		workers:      pool.New().WithMaxGoroutines(maxWorkers),
		remembered:   make(map[string]struct{}),
	}

	if opts.BackupEnabled {
		if _, err := e.scheduler.AddFunc(opts.BackupSchedule, func() { e.submit(e.periodicBackup) }); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("解析备份计划失败: %w", err)
		}
	}
	return e, nil
}

// Start 启动事件循环，部署蜜罐并监控配置的目录
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Load() {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go e.loop()
	go e.dispatch()
	e.started.Store(true)

	if e.opts.BackupEnabled {
		e.scheduler.Start()
	}

	if err := e.SetProtection(e.opts.Protection); err != nil {
		return err
	}
	for _, dir := range e.opts.MonitorDirectories {
		if err := e.MonitorDirectory(dir); err != nil {
			// 目录不存在只记录日志
			e.logger.Warn("监控目录失败,已跳过", zap.String("path", dir), zap.Error(err))
		}
	}

	e.logger.Info("勒索防护引擎已启动",
		zap.Bool("protection", e.opts.Protection),
		zap.Int("directories", len(e.Watched())),
		zap.Duration("window", e.tracker.Window()),
		zap.Int("threshold", e.tracker.Threshold()))
	return nil
}

// Close 停止引擎并清理蜜罐
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.opts.BackupEnabled {
			<-e.scheduler.Stop().Done()
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.respWg.Wait()

		if e.cooldown != nil {
			e.cooldown.Stop()
		}
		if cerr := e.watcher.Close(); cerr != nil {
			err = cerr
		}
		if derr := e.honeypots.Destroy(); derr != nil {
			err = derr
		}
		e.events.Close()
		e.started.Store(false)
		e.logger.Info("勒索防护引擎已停止")
	})
	return err
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		var cooldownC <-chan time.Time
		if e.cooldown != nil {
			cooldownC = e.cooldown.C
		}

		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.watcher.Events():
			e.handleFileEvent(ev)
		case tr := <-e.honeypots.Triggers():
			e.handleHoneypot(tr)
		case fn := <-e.cmds:
			fn()
		case report := <-e.responseDone:
			e.handleResponseDone(report)
		case <-cooldownC:
			e.cooldown = nil
			e.finishCooldown()
		}
	}
}

// dispatch 把文件 I/O 任务交给工作池，事件循环不做备份和隔离
func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case job := <-e.jobs:
			e.workers.Go(job)
		case <-e.ctx.Done():
			e.workers.Wait()
			return
		}
	}
}

func (e *Engine) submit(job func()) bool {
	select {
	case e.jobs <- job:
		return true
	default:
		e.logger.Warn("任务队列已满,丢弃任务")
		return false
	}
}

// do 在事件循环中执行 fn 并等待完成
func (e *Engine) do(fn func()) error {
	if !e.started.Load() {
		return ErrNotRunning
	}
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-e.ctx.Done():
		return ErrNotRunning
	}
	select {
	case <-done:
		return nil
	case <-e.ctx.Done():
		return ErrNotRunning
	}
}

func (e *Engine) handleFileEvent(ev watcher.Event) {
	if !e.protection {
		return
	}
	// 响应期间取消监控前已排队的事件
	if !e.watcher.IsWatching(ev.Root) {
		return
	}

	category := e.classifier.Classify(ev.Name)
	if category.Suspicious() {
		info, err := os.Lstat(ev.Path)
		if err != nil || info.IsDir() {
			// 文件已被移走(例如刚被隔离)
			return
		}
		if _, loaded := e.inflight.LoadOrStore(ev.Path, struct{}{}); loaded {
			return
		}
		path := ev.Path
		if !e.submit(func() { e.quarantine(path) }) {
			e.inflight.Delete(path)
		}
		e.raise(protocol.NewSuspiciousFileAlert(ev.Path, category.Reason(), ev.Time))
		return
	}

	if !ev.IsModification() {
		return
	}
	e.tracker.Record(ev.Path, ev.Time)
	if count, breached := e.tracker.CheckThreshold(); breached {
		e.tracker.Reset()
		e.raise(protocol.NewMassModificationAlert(count, e.tracker.Window(), ev.Time))
	}
}

func (e *Engine) handleHoneypot(tr honeypot.Trigger) {
	if !e.protection {
		return
	}
	e.raise(protocol.NewHoneypotAlert(tr.Path, tr.Op, tr.Time))
}

// raise 记录告警并在空闲时启动响应，响应期间的告警只计数
func (e *Engine) raise(alert protocol.ThreatAlert) {
	e.logger.Warn("检测到威胁",
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))

	e.reporter.RecordAlert(alert)
	e.events.Publish(protocol.Event{Type: alert.EventType(), Timestamp: alert.Timestamp, Alert: &alert})

	if !e.coordinator.TryBegin(alert.ID) {
		e.reporter.RecordSuppressed()
		e.logger.Info("威胁响应进行中,告警已合并", zap.String("id", alert.ID), zap.String("current", e.coordinator.Current()))
		return
	}

	e.reporter.RecordResponseStarted()
	e.reporter.SetResponseState(protocol.ResponseResponding)

	// 暂停监控，避免响应自身的写入再次触发检测
	paused := e.watcher.UnwatchAll()
	e.logger.Info("响应期间暂停监控", zap.Strings("directories", paused))
	e.syncGauges()

	e.respWg.Add(1)
	go func() {
		defer e.respWg.Done()
		report := e.responder.Run(e.ctx, alert)
		select {
		case e.responseDone <- report:
		case <-e.ctx.Done():
		}
	}()
}

func (e *Engine) handleResponseDone(report protocol.ResponseReport) {
	e.reporter.RecordResponse(report)
	e.events.Publish(protocol.Event{Type: protocol.EventResponseCompleted, Timestamp: report.FinishedAt, Report: &report})

	if e.coordinator.EnterCooldown() {
		e.reporter.SetResponseState(protocol.ResponseCooldown)
		e.cooldown = time.NewTimer(e.opts.Cooldown)
	}
}

func (e *Engine) finishCooldown() {
	if !e.coordinator.Finish() {
		return
	}
	e.reporter.SetResponseState(protocol.ResponseIdle)
	if e.protection && !e.paused {
		e.rewatch()
	}
	e.logger.Info("威胁响应冷却结束,已恢复监控", zap.Int("directories", len(e.watcher.Watched())))
}

// rewatch 重新监控记住的目录
func (e *Engine) rewatch() {
	for dir := range e.remembered {
		if err := e.watcher.Watch(dir); err != nil {
			e.logger.Warn("恢复监控目录失败", zap.String("path", dir), zap.Error(err))
		}
	}
	e.syncGauges()
}

func (e *Engine) syncGauges() {
	e.reporter.SetGauges(len(e.honeypots.Files()), len(e.watcher.Watched()))
}

func (e *Engine) syncState() {
	state := protocol.ProtectionSuspended
	if e.protection && !e.paused {
		state = protocol.ProtectionActive
	}
	e.reporter.SetProtection(e.protection, state)
	e.protected.Store(e.protection)
}

func (e *Engine) quarantine(path string) {
	defer e.inflight.Delete(path)

	if _, err := e.QuarantineSuspiciousFile(path); err != nil {
		if errors.Is(err, backup.ErrNotFound) {
			e.logger.Debug("可疑文件已不存在", zap.String("path", path))
			return
		}
		e.logger.Warn("隔离可疑文件失败", zap.String("path", path), zap.Error(err))
	}
}

func (e *Engine) periodicBackup() {
	if !e.protected.Load() {
		return
	}
	var files, failures int
	for _, dir := range e.opts.BackupDirectories {
		if !e.store.DirExists(dir) {
			continue
		}
		result := e.store.BackupDirectory(dir, backup.Options{MaxDepth: e.opts.BackupMaxDepth})
		files += len(result.Entries)
		failures += result.Failed
	}
	e.reporter.RecordBackup(files, failures, time.Now())
	e.logger.Info("定时备份完成", zap.Int("files", files), zap.Int("failures", failures))
}

// MonitorDirectory 递归监控目录，重复调用无副作用
// 响应期间或暂停时只记录目录，恢复后生效
func (e *Engine) MonitorDirectory(path string) error {
	dir, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	var result error
	err = e.do(func() {
		if !e.protection {
			result = ErrProtectionDisabled
			return
		}
		if e.paused || e.coordinator.State() != protocol.ResponseIdle {
			info, err := os.Stat(dir)
			if err != nil || !info.IsDir() {
				result = fmt.Errorf("%w: %s", watcher.ErrDirectoryNotFound, dir)
				return
			}
			e.remembered[dir] = struct{}{}
			return
		}
		if err := e.watcher.Watch(dir); err != nil {
			result = err
			return
		}
		e.remembered[dir] = struct{}{}
		e.syncGauges()
	})
	if err != nil {
		return err
	}
	return result
}

// UnmonitorDirectory 取消监控，恢复监控时不再包含该目录
func (e *Engine) UnmonitorDirectory(path string) error {
	dir, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return e.do(func() {
		delete(e.remembered, dir)
		e.watcher.Unwatch(dir)
		e.syncGauges()
	})
}

// StopMonitoring 暂停所有监控，目录列表保留
func (e *Engine) StopMonitoring() error {
	return e.do(func() {
		e.paused = true
		e.watcher.UnwatchAll()
		e.syncState()
		e.syncGauges()
		e.logger.Info("监控已暂停")
	})
}

// ResumeMonitoring 恢复之前监控的目录
func (e *Engine) ResumeMonitoring() error {
	return e.do(func() {
		e.paused = false
		e.syncState()
		if e.protection && e.coordinator.State() == protocol.ResponseIdle {
			e.rewatch()
		}
		e.logger.Info("监控已恢复")
	})
}

// SetProtection 开启时部署蜜罐，关闭时取消所有监控并清除蜜罐
// 重新开启不会恢复之前的目录
func (e *Engine) SetProtection(enabled bool) error {
	return e.do(func() {
		if e.initialized && enabled == e.protection {
			return
		}
		e.initialized = true
		e.protection = enabled
		if enabled {
			if _, err := e.honeypots.Deploy(e.opts.HoneypotNames); err != nil {
				e.logger.Error("部署蜜罐失败", zap.Error(err))
			}
			e.logger.Info("防护已开启")
		} else {
			e.watcher.UnwatchAll()
			e.remembered = make(map[string]struct{})
			e.paused = false
			e.tracker.Reset()
			if err := e.honeypots.Destroy(); err != nil {
				e.logger.Warn("清除蜜罐失败", zap.Error(err))
			}
			e.logger.Warn("防护已关闭")
		}
		e.syncState()
		e.syncGauges()
	})
}

// Stats 统计快照
func (e *Engine) Stats() protocol.ProtectionStats {
	return e.reporter.Snapshot()
}

// Watched 当前正在监控的目录
func (e *Engine) Watched() []string {
	return e.watcher.Watched()
}

// Remembered 记住的目录，包括暂停中的
func (e *Engine) Remembered() []string {
	var dirs []string
	_ = e.do(func() {
		for dir := range e.remembered {
			dirs = append(dirs, dir)
		}
	})
	sort.Strings(dirs)
	return dirs
}

// Backups 备份列表，按时间倒序
func (e *Engine) Backups() ([]protocol.BackupEntry, error) {
	return e.store.List()
}

// Quarantined 隔离文件列表
func (e *Engine) Quarantined() ([]protocol.BackupEntry, error) {
	return e.store.ListQuarantine()
}

// RestoreFromBackup 从备份恢复到目标路径
func (e *Engine) RestoreFromBackup(name, target string) error {
	if err := e.store.Restore(name, target); err != nil {
		return err
	}
	e.reporter.RecordRestore(name, target)
	return nil
}

// QuarantineSuspiciousFile 隔离文件并通知订阅者
func (e *Engine) QuarantineSuspiciousFile(path string) (protocol.QuarantineRecord, error) {
	rec, err := e.store.Quarantine(path)
	if err != nil {
		return protocol.QuarantineRecord{}, err
	}
	e.reporter.RecordQuarantine(rec)
	e.events.Publish(protocol.Event{Type: protocol.EventFileQuarantined, Timestamp: rec.Timestamp, Quarantine: &rec})
	return rec, nil
}

// Honeypots 已部署的蜜罐
func (e *Engine) Honeypots() []honeypot.File {
	return e.honeypots.Files()
}

// VerifyHoneypots 校验蜜罐完整性
func (e *Engine) VerifyHoneypots() []honeypot.Compromise {
	return e.honeypots.Verify()
}

// Subscribe 订阅引擎事件
func (e *Engine) Subscribe() (<-chan protocol.Event, func()) {
	return e.events.Subscribe()
}
