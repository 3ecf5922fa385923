package protocol

import (
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasttemplate"
)

// AlertType 告警类型
type AlertType string

const (
	AlertHoneypotTriggered AlertType = "HONEYPOT_TRIGGERED"
	AlertMassEncryption    AlertType = "MASS_ENCRYPTION"
	AlertSuspiciousFile    AlertType = "SUSPICIOUS_FILE"
)

// Severity 告警级别
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
)

// SuspiciousReason 可疑文件原因
type SuspiciousReason string

const (
	ReasonRansomwareExtension SuspiciousReason = "RANSOMWARE_EXTENSION"
	ReasonRansomNote          SuspiciousReason = "RANSOMWARE_NOTE"
)

// ThreatAlert 威胁告警，只能通过 New*Alert 构造，创建后不可变
type ThreatAlert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp int64     `json:"timestamp"`
	Message   string    `json:"message"`

	// HONEYPOT_TRIGGERED / SUSPICIOUS_FILE
	FilePath string `json:"filePath,omitempty"`
	// HONEYPOT_TRIGGERED
	Operation string `json:"operation,omitempty"`
	// SUSPICIOUS_FILE
	Reason SuspiciousReason `json:"reason,omitempty"`
	// MASS_ENCRYPTION
	ModificationCount int   `json:"modificationCount,omitempty"`
	TimeWindow        int64 `json:"timeWindow,omitempty"`
}

var (
	honeypotTemplate   = fasttemplate.New("检测到勒索软件活动！蜜罐文件被访问: {{file}} ({{op}})", "{{", "}}")
	massTemplate       = fasttemplate.New("检测到大量文件修改: {{count}} 个文件 / {{window}}ms", "{{", "}}")
	suspiciousTemplate = fasttemplate.New("检测到可疑文件: {{name}} ({{reason}})", "{{", "}}")
)

func render(t *fasttemplate.Template, values map[string]string) string {
	return t.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		return w.Write([]byte(values[tag]))
	})
}

// NewHoneypotAlert 蜜罐触发告警
func NewHoneypotAlert(path, op string, at time.Time) ThreatAlert {
	return ThreatAlert{
		ID:        uuid.NewString(),
		Type:      AlertHoneypotTriggered,
		Severity:  SeverityCritical,
		Timestamp: at.UnixMilli(),
		Message:   render(honeypotTemplate, map[string]string{"file": path, "op": op}),
		FilePath:  path,
		Operation: op,
	}
}

// NewMassModificationAlert 大量修改告警
func NewMassModificationAlert(count int, window time.Duration, at time.Time) ThreatAlert {
	return ThreatAlert{
		ID:        uuid.NewString(),
		Type:      AlertMassEncryption,
		Severity:  SeverityHigh,
		Timestamp: at.UnixMilli(),
		Message: render(massTemplate, map[string]string{
			"count":  strconv.Itoa(count),
			"window": strconv.FormatInt(window.Milliseconds(), 10),
		}),
		ModificationCount: count,
		TimeWindow:        window.Milliseconds(),
	}
}

// NewSuspiciousFileAlert 可疑文件告警
func NewSuspiciousFileAlert(path string, reason SuspiciousReason, at time.Time) ThreatAlert {
	return ThreatAlert{
		ID:        uuid.NewString(),
		Type:      AlertSuspiciousFile,
		Severity:  SeverityHigh,
		Timestamp: at.UnixMilli(),
		Message: render(suspiciousTemplate, map[string]string{
			"name":   filepath.Base(path),
			"reason": string(reason),
		}),
		FilePath: path,
		Reason:   reason,
	}
}

// EventType 告警对应的对外事件类型
func (a ThreatAlert) EventType() EventType {
	switch a.Type {
	case AlertHoneypotTriggered:
		return EventRansomwareDetected
	case AlertMassEncryption:
		return EventSuspiciousActivity
	default:
		return EventSuspiciousFile
	}
}
