package protocol

import "encoding/json"

// Message WebSocket消息结构
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

type MessageType string

const (
	MessageTypeHello MessageType = "hello"
	MessageTypeEvent MessageType = "event"
	MessageTypeStats MessageType = "stats"
)

// AgentInfo 探针信息
type AgentInfo struct {
	ID       string `json:"id"`       // 探针唯一标识（持久化）
	Hostname string `json:"hostname"` // 主机名
	OS       string `json:"os"`       // 操作系统
	Arch     string `json:"arch"`     // 架构
	Version  string `json:"version"`  // 版本号
}

// EventType 引擎对外事件类型
type EventType string

const (
	EventRansomwareDetected EventType = "ransomware_detected"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventSuspiciousFile     EventType = "suspicious_file"
	EventFileQuarantined    EventType = "file_quarantined"
	EventResponseCompleted  EventType = "response_completed"
)

// Event 引擎对外事件
type Event struct {
	Type       EventType         `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	Alert      *ThreatAlert      `json:"alert,omitempty"`
	Quarantine *QuarantineRecord `json:"quarantine,omitempty"`
	Report     *ResponseReport   `json:"report,omitempty"`
}

// QuarantineRecord 隔离记录
type QuarantineRecord struct {
	OriginalPath   string `json:"original"`
	QuarantinePath string `json:"quarantine"`
	Timestamp      int64  `json:"timestamp"`
}

// BackupEntry 备份条目
type BackupEntry struct {
	Name       string `json:"filename"`
	SourcePath string `json:"sourcePath,omitempty"`
	BackupPath string `json:"path"`
	SizeBytes  int64  `json:"size"`
	CreatedAt  int64  `json:"created"`
}

// ProtectionState 保护状态
type ProtectionState string

const (
	ProtectionActive    ProtectionState = "active"
	ProtectionSuspended ProtectionState = "suspended"
)

// ResponseState 威胁响应状态机
type ResponseState string

const (
	ResponseIdle       ResponseState = "idle"
	ResponseResponding ResponseState = "responding"
	ResponseCooldown   ResponseState = "cooldown"
)

// ProtectionStats 保护统计
type ProtectionStats struct {
	AgentID              string          `json:"agentId,omitempty"`
	ProtectionActive     bool            `json:"protectionActive"`
	State                ProtectionState `json:"state"`
	ResponseState        ResponseState   `json:"responseState"`
	ThreatsBlocked       int64           `json:"threatsBlocked"`
	FilesProtected       int64           `json:"filesProtected"`
	HoneypotTriggers     int64           `json:"honeypotTriggers"`
	SuspiciousActivities int64           `json:"suspiciousActivities"`
	SuspiciousFiles      int64           `json:"suspiciousFiles"`
	FilesQuarantined     int64           `json:"filesQuarantined"`
	ProcessesBlocked     int64           `json:"processesBlocked"`
	FilesBackedUp        int64           `json:"filesBackedUp"`
	BackupFailures       int64           `json:"backupFailures"`
	SuppressedAlerts     int64           `json:"suppressedAlerts"`
	LastThreatTime       int64           `json:"lastThreatTime,omitempty"`
	LastBackupTime       int64           `json:"lastBackup,omitempty"`
	HoneypotFiles        int             `json:"honeypotFiles"`
	WatchedDirectories   int             `json:"watchedDirectories"`
}

// ResponseReport 一次威胁响应的执行结果
type ResponseReport struct {
	AlertID           string `json:"alertId"`
	ProcessesKilled   int    `json:"processesKilled"`
	KillFailures      int    `json:"killFailures"`
	FilesBackedUp     int    `json:"filesBackedUp"`
	BackupSkipped     int    `json:"backupSkipped"`
	BackupFailures    int    `json:"backupFailures"`
	ShadowCopyChecked bool   `json:"shadowCopyChecked"`
	StartedAt         int64  `json:"startedAt"`
	FinishedAt        int64  `json:"finishedAt"`
}
