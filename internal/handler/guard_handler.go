package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"github.com/dushixiang/ransomguard/pkg/agent/audit"
	"github.com/dushixiang/ransomguard/pkg/agent/backup"
	"github.com/dushixiang/ransomguard/pkg/agent/engine"
	"github.com/dushixiang/ransomguard/pkg/agent/honeypot"
	"github.com/dushixiang/ransomguard/pkg/agent/watcher"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 1000
)

// Guard 引擎对外操作
type Guard interface {
	MonitorDirectory(path string) error
	UnmonitorDirectory(path string) error
	StopMonitoring() error
	ResumeMonitoring() error
	SetProtection(enabled bool) error
	Stats() protocol.ProtectionStats
	Watched() []string
	Remembered() []string
	Backups() ([]protocol.BackupEntry, error)
	Quarantined() ([]protocol.BackupEntry, error)
	RestoreFromBackup(name, target string) error
	QuarantineSuspiciousFile(path string) (protocol.QuarantineRecord, error)
	Honeypots() []honeypot.File
	VerifyHoneypots() []honeypot.Compromise
	Subscribe() (<-chan protocol.Event, func())
}

// AlertLog 审计日志查询
type AlertLog interface {
	Recent(n int, kinds ...audit.Kind) ([]audit.Record, error)
}

type GuardHandler struct {
	logger   *zap.Logger
	agent    protocol.AgentInfo
	guard    Guard
	alerts   AlertLog
	upgrader websocket.Upgrader
}

func NewGuardHandler(logger *zap.Logger, agent protocol.AgentInfo, guard Guard, alerts AlertLog) *GuardHandler {
	return &GuardHandler{
		logger: logger,
		agent:  agent,
		guard:  guard,
		alerts: alerts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024 * 32,
		},
	}
}

type directoryRequest struct {
	Path string `json:"path" query:"path" validate:"required"`
}

type protectionRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type restoreRequest struct {
	Name   string `json:"name" validate:"required"`
	Target string `json:"target" validate:"required"`
}

type quarantineRequest struct {
	Path string `json:"path" validate:"required"`
}

func (h *GuardHandler) bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "请求参数错误")
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// fail 引擎错误转换为 HTTP 状态码
func (h *GuardHandler) fail(err error, msg string) error {
	switch {
	case errors.Is(err, engine.ErrNotRunning):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, engine.ErrProtectionDisabled):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, watcher.ErrDirectoryNotFound), errors.Is(err, backup.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	h.logger.Error(msg, zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, msg+": "+err.Error())
}

// GetInfo 探针信息
// GET /api/info
func (h *GuardHandler) GetInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, h.agent)
}

// GetStats 保护统计
// GET /api/stats
func (h *GuardHandler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.guard.Stats())
}

// GetDirectories 监控目录
// GET /api/directories
func (h *GuardHandler) GetDirectories(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"watched":    nonNil(h.guard.Watched()),
		"remembered": nonNil(h.guard.Remembered()),
	})
}

// MonitorDirectory 添加监控目录
// POST /api/directories
func (h *GuardHandler) MonitorDirectory(c echo.Context) error {
	var req directoryRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	if err := h.guard.MonitorDirectory(req.Path); err != nil {
		return h.fail(err, "监控目录失败")
	}
	return h.GetDirectories(c)
}

// UnmonitorDirectory 取消监控目录
// DELETE /api/directories?path=
func (h *GuardHandler) UnmonitorDirectory(c echo.Context) error {
	var req directoryRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	if err := h.guard.UnmonitorDirectory(req.Path); err != nil {
		return h.fail(err, "取消监控失败")
	}
	return h.GetDirectories(c)
}

// StopMonitoring 暂停监控
// POST /api/monitoring/stop
func (h *GuardHandler) StopMonitoring(c echo.Context) error {
	if err := h.guard.StopMonitoring(); err != nil {
		return h.fail(err, "暂停监控失败")
	}
	return c.JSON(http.StatusOK, h.guard.Stats())
}

// ResumeMonitoring 恢复监控
// POST /api/monitoring/resume
func (h *GuardHandler) ResumeMonitoring(c echo.Context) error {
	if err := h.guard.ResumeMonitoring(); err != nil {
		return h.fail(err, "恢复监控失败")
	}
	return c.JSON(http.StatusOK, h.guard.Stats())
}

// SetProtection 开启或关闭防护
// PUT /api/protection
func (h *GuardHandler) SetProtection(c echo.Context) error {
	var req protectionRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	if err := h.guard.SetProtection(*req.Enabled); err != nil {
		return h.fail(err, "切换防护状态失败")
	}
	return c.JSON(http.StatusOK, h.guard.Stats())
}

// GetBackups 备份列表
// GET /api/backups
func (h *GuardHandler) GetBackups(c echo.Context) error {
	entries, err := h.guard.Backups()
	if err != nil {
		return h.fail(err, "获取备份列表失败")
	}
	return c.JSON(http.StatusOK, entries)
}

// RestoreBackup 从备份恢复文件
// POST /api/backups/restore
func (h *GuardHandler) RestoreBackup(c echo.Context) error {
	var req restoreRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	if err := h.guard.RestoreFromBackup(req.Name, req.Target); err != nil {
		return h.fail(err, "恢复文件失败")
	}
	return c.JSON(http.StatusOK, echo.Map{"name": req.Name, "target": req.Target})
}

// GetQuarantine 隔离文件列表
// GET /api/quarantine
func (h *GuardHandler) GetQuarantine(c echo.Context) error {
	entries, err := h.guard.Quarantined()
	if err != nil {
		return h.fail(err, "获取隔离列表失败")
	}
	return c.JSON(http.StatusOK, entries)
}

// QuarantineFile 手动隔离文件
// POST /api/quarantine
func (h *GuardHandler) QuarantineFile(c echo.Context) error {
	var req quarantineRequest
	if err := h.bind(c, &req); err != nil {
		return err
	}
	rec, err := h.guard.QuarantineSuspiciousFile(req.Path)
	if err != nil {
		return h.fail(err, "隔离文件失败")
	}
	return c.JSON(http.StatusOK, rec)
}

// GetHoneypots 蜜罐列表及完整性
// GET /api/honeypots
func (h *GuardHandler) GetHoneypots(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"files":       nonNil(h.guard.Honeypots()),
		"compromised": nonNil(h.guard.VerifyHoneypots()),
	})
}

// GetAlerts 最近的审计记录，kind 可选 alert/quarantine/response/restore
// GET /api/alerts?limit=50&kind=alert
func (h *GuardHandler) GetAlerts(c echo.Context) error {
	if h.alerts == nil {
		return c.JSON(http.StatusOK, []audit.Record{})
	}

	limit := defaultAlertLimit
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit 参数错误")
		}
		limit = min(n, maxAlertLimit)
	}

	var kinds []audit.Kind
	for _, k := range c.QueryParams()["kind"] {
		kinds = append(kinds, audit.Kind(k))
	}

	records, err := h.alerts.Recent(limit, kinds...)
	if err != nil {
		return h.fail(err, "读取审计日志失败")
	}
	return c.JSON(http.StatusOK, records)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
