package response

import (
	"context"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// DefaultKeywords 可疑进程名关键字
func DefaultKeywords() []string {
	return []string{"encrypt", "crypt", "ransom", "locker", "wannacry", "petya", "cerber", "locky"}
}

// DefaultWhitelist 名称命中关键字但属于系统组件的进程
func DefaultWhitelist() []string {
	return []string{"cryptsetup", "systemd-cryptsetup", "kcryptd", "cryptd", "cryptsvc", "gpg-agent"}
}

// ProcessRef 进程标识
type ProcessRef struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
}

// KillResult 结束进程结果
type KillResult struct {
	Killed []ProcessRef
	Failed []ProcessRef
}

// ProcessKiller 结束可疑进程
type ProcessKiller interface {
	KillSuspicious(ctx context.Context) KillResult
}

type processKiller struct {
	keywords  []string
	whitelist map[string]struct{}
	self      int32
	logger    *zap.Logger
}

// NewProcessKiller 基于 gopsutil 的进程查杀
func NewProcessKiller(keywords, whitelist []string, logger *zap.Logger) ProcessKiller {
	k := &processKiller{
		whitelist: make(map[string]struct{}, len(whitelist)),
		self:      int32(os.Getpid()),
		logger:    logger,
	}
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			k.keywords = append(k.keywords, kw)
		}
	}
	for _, name := range whitelist {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			k.whitelist[name] = struct{}{}
		}
	}
	return k
}

// Suspicious 进程名是否命中关键字
func (k *processKiller) Suspicious(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := k.whitelist[strings.TrimSuffix(lower, ".exe")]; ok {
		return false
	}
	if _, ok := k.whitelist[lower]; ok {
		return false
	}
	for _, kw := range k.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (k *processKiller) KillSuspicious(ctx context.Context) KillResult {
	var result KillResult

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		k.logger.Warn("获取进程列表失败", zap.Error(err))
		return result
	}

	for _, p := range procs {
		if ctx.Err() != nil {
			break
		}
		// 跳过自身和内核进程
		if p.Pid == k.self || p.Pid <= 2 {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || !k.Suspicious(name) {
			continue
		}

		ref := ProcessRef{PID: p.Pid, Name: name}
		if err := p.KillWithContext(ctx); err != nil {
			k.logger.Warn("结束可疑进程失败", zap.Int32("pid", p.Pid), zap.String("name", name), zap.Error(err))
			result.Failed = append(result.Failed, ref)
			continue
		}
		k.logger.Warn("已结束可疑进程", zap.Int32("pid", p.Pid), zap.String("name", name))
		result.Killed = append(result.Killed, ref)
	}
	return result
}
