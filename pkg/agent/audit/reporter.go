package audit

import (
	"sync"
	"time"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"go.uber.org/zap"
)

const pendingBuffer = 256

type pending struct {
	kind Kind
	v    interface{}
}

// Reporter 保护统计与审计
// 审计日志在后台写入，调用方不等待磁盘 I/O
type Reporter struct {
	mu      sync.Mutex
	stats   protocol.ProtectionStats
	journal *Journal
	logger  *zap.Logger

	pending   chan pending
	done      chan struct{}
	closeOnce sync.Once
}

// NewReporter journal 可以为 nil
func NewReporter(agentID string, journal *Journal, logger *zap.Logger) *Reporter {
	r := &Reporter{
		stats: protocol.ProtectionStats{
			AgentID:       agentID,
			State:         protocol.ProtectionSuspended,
			ResponseState: protocol.ResponseIdle,
		},
		journal: journal,
		logger:  logger,
		pending: make(chan pending, pendingBuffer),
		done:    make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

func (r *Reporter) writeLoop() {
	defer close(r.done)
	for p := range r.pending {
		if err := r.journal.Append(p.kind, p.v); err != nil {
			r.logger.Warn("写入审计日志失败", zap.String("kind", string(p.kind)), zap.Error(err))
		}
	}
}

// Close 等待审计日志写完
func (r *Reporter) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.pending)
		r.pending = nil
		r.mu.Unlock()
		<-r.done
	})
}

// Journal 审计日志
func (r *Reporter) Journal() *Journal {
	return r.journal
}

func (r *Reporter) persist(kind Kind, v interface{}) {
	if r.journal == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return
	}
	select {
	case r.pending <- pending{kind: kind, v: v}:
	default:
		r.logger.Warn("审计队列已满,丢弃记录", zap.String("kind", string(kind)))
	}
}

// RecordAlert 记录告警
func (r *Reporter) RecordAlert(alert protocol.ThreatAlert) {
	r.mu.Lock()
	switch alert.Type {
	case protocol.AlertHoneypotTriggered:
		r.stats.HoneypotTriggers++
	case protocol.AlertMassEncryption:
		r.stats.SuspiciousActivities++
	case protocol.AlertSuspiciousFile:
		r.stats.SuspiciousFiles++
	}
	r.stats.LastThreatTime = alert.Timestamp
	r.mu.Unlock()

	r.persist(KindAlert, alert)
}

// RecordResponseStarted 响应开始，计入拦截次数
func (r *Reporter) RecordResponseStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.ThreatsBlocked++
}

// RecordSuppressed 响应进行中被合并的告警
func (r *Reporter) RecordSuppressed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.SuppressedAlerts++
}

// RecordResponse 响应结果
func (r *Reporter) RecordResponse(report protocol.ResponseReport) {
	r.mu.Lock()
	r.stats.ProcessesBlocked += int64(report.ProcessesKilled)
	r.addBackupLocked(report.FilesBackedUp, report.BackupFailures, report.FinishedAt)
	r.mu.Unlock()

	r.persist(KindResponse, report)
}

// RecordBackup 定时备份或手动备份结果
func (r *Reporter) RecordBackup(files, failures int, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addBackupLocked(files, failures, at.UnixMilli())
}

func (r *Reporter) addBackupLocked(files, failures int, at int64) {
	r.stats.FilesBackedUp += int64(files)
	r.stats.FilesProtected += int64(files)
	r.stats.BackupFailures += int64(failures)
	if files > 0 {
		r.stats.LastBackupTime = at
	}
}

// RecordQuarantine 隔离记录
func (r *Reporter) RecordQuarantine(rec protocol.QuarantineRecord) {
	r.mu.Lock()
	r.stats.FilesQuarantined++
	r.mu.Unlock()

	r.persist(KindQuarantine, rec)
}

// RecordRestore 恢复记录
func (r *Reporter) RecordRestore(name, target string) {
	r.persist(KindRestore, map[string]string{"backup": name, "target": target})
}

// SetProtection 保护状态
func (r *Reporter) SetProtection(active bool, state protocol.ProtectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.ProtectionActive = active
	r.stats.State = state
}

// SetResponseState 响应状态
func (r *Reporter) SetResponseState(state protocol.ResponseState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.ResponseState = state
}

// SetGauges 蜜罐数与监控目录数
func (r *Reporter) SetGauges(honeypots, watched int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.HoneypotFiles = honeypots
	r.stats.WatchedDirectories = watched
}

// Snapshot 统计快照
func (r *Reporter) Snapshot() protocol.ProtectionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
