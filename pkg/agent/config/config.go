package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dushixiang/ransomguard/pkg/agent/utils"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config 防护程序配置
type Config struct {
	// 配置文件路径
	Path string `yaml:"-"`

	// 工作目录，相对路径以此为基准
	WorkDir string `yaml:"workdir"`

	// 检测配置
	Protection ProtectionConfig `yaml:"protection"`

	// 响应配置
	Response ResponseConfig `yaml:"response"`

	// 备份配置
	Backup BackupConfig `yaml:"backup"`

	// 审计日志配置
	Audit AuditConfig `yaml:"audit"`

	// 本地控制接口
	API APIConfig `yaml:"api"`

	// 告警通知
	Notify NotifyConfig `yaml:"notify"`

	// 日志配置
	Log LogConfig `yaml:"log"`
}

// ProtectionConfig 检测配置
type ProtectionConfig struct {
	// 启动时是否开启防护
	Enabled bool `yaml:"enabled"`

	// 启动时监控的目录
	MonitorDirectories []string `yaml:"monitor_directories"`

	// 蜜罐目录
	HoneypotDir string `yaml:"honeypot_dir" validate:"required"`

	// 蜜罐文件名，为空时使用内置列表
	HoneypotNames []string `yaml:"honeypot_names" validate:"dive,required,excludesall=/\\"`

	// 批量修改统计窗口（毫秒）
	ActivityWindowMs int `yaml:"activity_window_ms" validate:"gte=100"`

	// 窗口内触发告警的修改次数
	SuspiciousActivityThreshold int `yaml:"suspicious_activity_threshold" validate:"gte=1"`

	// 响应结束后的冷却时间
	Cooldown string `yaml:"cooldown" validate:"required"`

	// 勒索软件扩展名，为空时使用内置列表
	RansomwareExtensions []string `yaml:"ransomware_extensions" validate:"dive,required"`

	// 勒索信文件名，为空时使用内置列表
	RansomNoteNames []string `yaml:"ransom_note_names" validate:"dive,required"`
}

// ResponseConfig 响应配置
type ResponseConfig struct {
	// 是否结束可疑进程
	KillProcesses bool `yaml:"kill_processes"`

	// 可疑进程名关键字
	ProcessKeywords []string `yaml:"process_keywords"`

	// 进程白名单
	ProcessWhitelist []string `yaml:"process_whitelist"`

	// 紧急备份目录，为空时使用文档、桌面和工作目录
	EmergencyDirectories []string `yaml:"emergency_directories"`

	// 紧急备份最大递归深度
	EmergencyMaxDepth int `yaml:"emergency_max_depth" validate:"gte=1,lte=32"`

	// 是否检查卷影副本（仅 Windows）
	ShadowCopy bool `yaml:"shadow_copy"`
}

// BackupConfig 备份配置
type BackupConfig struct {
	// 是否开启定时备份
	Enabled bool `yaml:"enabled"`

	// 备份目录
	Dir string `yaml:"dir" validate:"required"`

	// 定时备份计划，支持 cron 表达式或 @every 1m
	Schedule string `yaml:"schedule" validate:"required"`

	// 定时备份的目录，为空时备份工作目录
	Directories []string `yaml:"directories"`

	// 定时备份最大递归深度
	MaxDepth int `yaml:"max_depth" validate:"gte=1,lte=32"`

	// 单个文件大小上限（MB）
	MaxFileSizeMB int64 `yaml:"max_file_size_mb" validate:"gte=1"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	// bbolt 文件路径
	Path string `yaml:"path" validate:"required"`

	// 保留的最大记录数
	MaxRecords int `yaml:"max_records" validate:"gte=100"`
}

// APIConfig 本地控制接口配置
type APIConfig struct {
	Enabled bool `yaml:"enabled"`

	// 监听地址，默认只监听本机
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`

	// 访问令牌，为空时不校验
	Token string `yaml:"token"`
}

// NotifyConfig 告警通知配置
type NotifyConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	Email   EmailConfig   `yaml:"email"`
}

// WebhookConfig 自定义 Webhook
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"omitempty,url"`
	Method  string `yaml:"method" validate:"omitempty,oneof=GET POST PUT"`

	// 自定义请求头
	Headers map[string]string `yaml:"headers"`

	// 请求体模板，为空时发送 JSON，支持 {{message}} {{agent.id}} {{alert.type}} {{alert.path}} 等变量
	Body string `yaml:"body"`
}

// EmailConfig 邮件通知
type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host" validate:"required_if=Enabled true"`
	Port     int      `yaml:"port" validate:"omitempty,gte=1,lte=65535"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from" validate:"omitempty,email"`
	To       []string `yaml:"to" validate:"dive,email"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// 日志文件，为空时只输出到控制台
	File string `yaml:"file"`

	// 单个日志文件大小（MB）
	MaxSize int `yaml:"max_size" validate:"gte=0"`

	// 保留的旧日志数量
	MaxBackups int `yaml:"max_backups" validate:"gte=0"`

	// 旧日志保留天数
	MaxAge int `yaml:"max_age" validate:"gte=0"`
}

var validate = validator.New()

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		WorkDir: "",
		Protection: ProtectionConfig{
			Enabled:                     true,
			HoneypotDir:                 ".honeypot",
			ActivityWindowMs:            5000,
			SuspiciousActivityThreshold: 10,
			Cooldown:                    "5s",
		},
		Response: ResponseConfig{
			KillProcesses:     true,
			EmergencyMaxDepth: 2,
			ShadowCopy:        true,
		},
		Backup: BackupConfig{
			Enabled:       true,
			Dir:           ".ransomware-backup",
			Schedule:      "@every 1m",
			MaxDepth:      2,
			MaxFileSizeMB: 100,
		},
		Audit: AuditConfig{
			Path:       filepath.Join(utils.GetAppDir(), "audit.db"),
			MaxRecords: 10000,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:18990",
		},
		Notify: NotifyConfig{
			Webhook: WebhookConfig{
				Method: "POST",
			},
			Email: EmailConfig{
				Port: 465,
			},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// GetDefaultConfigPath 获取默认配置文件路径
func GetDefaultConfigPath() string {
	return filepath.Join(utils.GetAppDir(), "guard.yaml")
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	if path == "" {
		path = GetDefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// 配置文件不存在，创建默认配置
			cfg := DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("创建默认配置文件失败: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	cfg.Path = path
	return cfg, nil
}

// Save 保存配置文件
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.Path
	}
	if path == "" {
		path = GetDefaultConfigPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	// 配置中可能包含邮箱密码和访问令牌
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}

	c.Path = path
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if _, err := time.ParseDuration(c.Protection.Cooldown); err != nil {
		return fmt.Errorf("冷却时间格式错误: %w", err)
	}
	if _, err := cron.ParseStandard(c.Backup.Schedule); err != nil {
		return fmt.Errorf("备份计划格式错误: %w", err)
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("开启控制接口时必须配置监听地址")
	}
	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return fmt.Errorf("开启 Webhook 通知时必须配置 URL")
	}
	if c.Notify.Email.Enabled && (c.Notify.Email.From == "" || len(c.Notify.Email.To) == 0) {
		return fmt.Errorf("开启邮件通知时必须配置发件人和收件人")
	}
	return nil
}

// GetWorkDir 工作目录，未配置时使用当前目录
func (c *Config) GetWorkDir() string {
	if c.WorkDir != "" {
		return utils.ResolvePath(utils.GetSafeHomeDir(), c.WorkDir)
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return utils.GetSafeHomeDir()
}

// ResolvePath 把配置中的路径解析为绝对路径
func (c *Config) ResolvePath(path string) string {
	return utils.ResolvePath(c.GetWorkDir(), path)
}

func (c *Config) resolvePaths(paths []string) []string {
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		resolved = append(resolved, c.ResolvePath(p))
	}
	return resolved
}

// GetActivityWindow 批量修改统计窗口
func (c *Config) GetActivityWindow() time.Duration {
	return time.Duration(c.Protection.ActivityWindowMs) * time.Millisecond
}

// GetCooldown 冷却时间
func (c *Config) GetCooldown() time.Duration {
	d, err := time.ParseDuration(c.Protection.Cooldown)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetHoneypotDir 蜜罐目录绝对路径
func (c *Config) GetHoneypotDir() string {
	return c.ResolvePath(c.Protection.HoneypotDir)
}

// GetMonitorDirectories 启动时监控的目录
func (c *Config) GetMonitorDirectories() []string {
	return c.resolvePaths(c.Protection.MonitorDirectories)
}

// GetBackupDir 备份目录绝对路径
func (c *Config) GetBackupDir() string {
	return c.ResolvePath(c.Backup.Dir)
}

// GetBackupDirectories 定时备份的目录
func (c *Config) GetBackupDirectories() []string {
	if len(c.Backup.Directories) == 0 {
		return []string{c.GetWorkDir()}
	}
	return c.resolvePaths(c.Backup.Directories)
}

// GetMaxFileSize 单个备份文件大小上限（字节）
func (c *Config) GetMaxFileSize() int64 {
	return c.Backup.MaxFileSizeMB * 1024 * 1024
}

// GetEmergencyDirectories 紧急备份目录
func (c *Config) GetEmergencyDirectories() []string {
	if len(c.Response.EmergencyDirectories) == 0 {
		return utils.CriticalDirectories(c.GetWorkDir())
	}
	return c.resolvePaths(c.Response.EmergencyDirectories)
}

// GetAuditPath 审计日志文件路径
func (c *Config) GetAuditPath() string {
	return utils.ResolvePath(utils.GetAppDir(), c.Audit.Path)
}

// GetLogFile 日志文件路径，为空表示不写文件
func (c *Config) GetLogFile() string {
	if c.Log.File == "" {
		return ""
	}
	return utils.ResolvePath(utils.GetAppDir(), c.Log.File)
}
