package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dushixiang/ransomguard/pkg/agent/audit"
	"github.com/dushixiang/ransomguard/pkg/agent/config"
	"github.com/dushixiang/ransomguard/pkg/agent/id"
	"github.com/dushixiang/ransomguard/pkg/agent/logger"
	"github.com/dushixiang/ransomguard/pkg/agent/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "guard",
	Short: "RansomGuard 勒索软件防护",
	Long:  `RansomGuard 监控本地目录，通过蜜罐、批量修改检测和可疑文件识别发现勒索软件，并自动结束进程、紧急备份和隔离可疑文件。`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("RansomGuard v%s\n", service.GetVersion())
		fmt.Printf("OS: %s\n", runtime.GOOS)
		fmt.Printf("Arch: %s\n", runtime.GOARCH)
		fmt.Printf("Go Version: %s\n", runtime.Version())
	},
}

// runCmd 运行命令
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "运行防护",
	Long:  `在前台启动防护引擎，按 Ctrl+C 退出`,
	Run:   runGuard,
}

// installCmd 安装服务命令
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "安装为系统服务",
	Long:  `将 RansomGuard 安装为系统服务（systemd/launchd/Windows 服务），开机自动启动`,
	Run:   installService,
}

// uninstallCmd 卸载服务命令
var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "卸载系统服务",
	Run:   uninstallService,
}

// startCmd 启动服务命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "启动服务",
	Run:   startService,
}

// stopCmd 停止服务命令
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "停止服务",
	Run:   stopService,
}

// restartCmd 重启服务命令
var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "重启服务",
	Run:   restartService,
}

// statusCmd 查看服务状态命令
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看服务状态",
	Run:   statusService,
}

// configCmd 配置命令
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理",
}

// configInitCmd 初始化配置命令
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "初始化配置文件",
	Run:   initConfig,
}

// configShowCmd 显示配置命令
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "显示配置文件路径",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("配置文件路径: %s\n", configPath)
	},
}

// infoCmd 信息命令
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示配置信息",
	Run:   showInfo,
}

// backupsCmd 备份列表命令
var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "列出备份文件",
	Run:   listBackups,
}

// restoreCmd 恢复命令
var restoreCmd = &cobra.Command{
	Use:   "restore <backup> <target>",
	Short: "从备份恢复文件",
	Args:  cobra.ExactArgs(2),
	Run:   restoreBackup,
}

// quarantineCmd 隔离命令
var quarantineCmd = &cobra.Command{
	Use:   "quarantine [path]",
	Short: "隔离可疑文件，不带参数时列出已隔离的文件",
	Args:  cobra.MaximumNArgs(1),
	Run:   quarantineFile,
}

// alertsCmd 审计记录命令
var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "查看最近的告警和响应记录",
	Run:   showAlerts,
}

// honeypotsCmd 蜜罐命令
var honeypotsCmd = &cobra.Command{
	Use:   "honeypots",
	Short: "列出蜜罐文件",
	Run:   listHoneypots,
}

var (
	alertLimit int
	alertKinds []string
)

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（默认: ~/.ransomguard/guard.yaml）")

	alertsCmd.Flags().IntVarP(&alertLimit, "limit", "n", 20, "显示条数")
	alertsCmd.Flags().StringSliceVarP(&alertKinds, "kind", "k", nil, "记录类型: alert, quarantine, response, restore")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(quarantineCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(honeypotsCmd)

	// 配置命令
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)

	cobra.OnInitialize(func() {
		if configPath == "" {
			configPath = config.GetDefaultConfigPath()
		}
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并创建日志
func loadConfig() (*config.Config, *zap.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}

	l, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.GetLogFile(),
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	})
	if err != nil {
		log.Fatalf("❌ 创建日志失败: %v", err)
	}
	return cfg, l
}

func newServiceManager() *service.ServiceManager {
	cfg, l := loadConfig()
	mgr, err := service.NewServiceManager(cfg, l)
	if err != nil {
		log.Fatalf("❌ 创建服务管理器失败: %v", err)
	}
	return mgr
}

// runGuard 运行防护
func runGuard(cmd *cobra.Command, args []string) {
	mgr := newServiceManager()
	if err := mgr.Run(); err != nil {
		log.Fatalf("❌ 运行失败: %v", err)
	}
}

// installService 安装服务
func installService(cmd *cobra.Command, args []string) {
	mgr := newServiceManager()
	if err := mgr.Install(); err != nil {
		log.Fatalf("❌ 安装服务失败: %v", err)
	}

	log.Println("✅ 服务安装成功")
	log.Println("   使用 'guard start' 启动服务")
}

// uninstallService 卸载服务
func uninstallService(cmd *cobra.Command, args []string) {
	mgr := newServiceManager()
	if err := mgr.Uninstall(); err != nil {
		log.Fatalf("❌ 卸载失败: %v", err)
	}
	log.Println("✅ 服务卸载成功")
}

// startService 启动服务
func startService(cmd *cobra.Command, args []string) {
	mgr := newServiceManager()
	if err := mgr.Start(); err != nil {
		log.Fatalf("❌ 启动服务失败: %v", err)
	}
	log.Println("✅ 服务启动成功")
}

// stopService 停止服务
func stopService(cmd *cobra.Command, args []string) {
	mgr := newServiceManager()
	if err := mgr.Stop(); err != nil {
		log.Fatalf("❌ 停止服务失败: %v", err)
	}
	log.Println("✅ 服务停止成功")
}

// restartService 重启服务
func restartService(cmd *cobra.Command, args []string) {
	mgr := newServiceManager()
	if err := mgr.Restart(); err != nil {
		log.Fatalf("❌ 重启服务失败: %v", err)
	}
	log.Println("✅ 服务重启成功")
}

// statusService 查看服务状态
func statusService(cmd *cobra.Command, args []string) {
	mgr := newServiceManager()
	status, err := mgr.Status()
	if err != nil {
		log.Printf("⚠️  获取服务状态失败: %v", err)
	}
	fmt.Println(status)
}

// initConfig 初始化配置文件
func initConfig(cmd *cobra.Command, args []string) {
	cfg := config.DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		log.Fatalf("❌ 保存配置文件失败: %v", err)
	}

	log.Printf("✅ 配置文件已创建: %s", configPath)
	log.Println("   请编辑配置文件，设置 protection.monitor_directories 等参数")
}

// maskToken 对 Token 进行部分遮蔽显示
func maskToken(token string) string {
	if token == "" {
		return "(未设置)"
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

func enabledText(enabled bool) string {
	if enabled {
		return "已启用"
	}
	return "已禁用"
}

// showInfo 显示配置信息
func showInfo(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}

	agentID := "(未生成)"
	if idMgr := id.NewManager(""); idMgr.Exists() {
		if v, err := idMgr.Load(); err == nil {
			agentID = v
		}
	}

	fmt.Println("═══════════════════════════════════════")
	fmt.Println("   📋 RansomGuard 配置信息")
	fmt.Println("═══════════════════════════════════════")
	fmt.Println()

	fmt.Println("🔧 基本配置:")
	fmt.Printf("   配置文件路径: %s\n", configPath)
	fmt.Printf("   探针 ID: %s\n", agentID)
	fmt.Printf("   工作目录: %s\n", cfg.GetWorkDir())
	fmt.Printf("   当前版本: %s\n", service.GetVersion())
	fmt.Println()

	fmt.Println("🛡️  检测配置:")
	fmt.Printf("   防护状态: %s\n", enabledText(cfg.Protection.Enabled))
	fmt.Printf("   监控目录: %v\n", cfg.GetMonitorDirectories())
	fmt.Printf("   蜜罐目录: %s\n", cfg.GetHoneypotDir())
	fmt.Printf("   批量修改阈值: %d 次 / %v\n", cfg.Protection.SuspiciousActivityThreshold, cfg.GetActivityWindow())
	fmt.Printf("   冷却时间: %v\n", cfg.GetCooldown())
	fmt.Println()

	fmt.Println("🚑 响应配置:")
	fmt.Printf("   结束可疑进程: %s\n", enabledText(cfg.Response.KillProcesses))
	fmt.Printf("   紧急备份目录: %v\n", cfg.GetEmergencyDirectories())
	fmt.Printf("   卷影副本检查: %s\n", enabledText(cfg.Response.ShadowCopy))
	fmt.Println()

	fmt.Println("💾 备份配置:")
	fmt.Printf("   定时备份: %s (%s)\n", enabledText(cfg.Backup.Enabled), cfg.Backup.Schedule)
	fmt.Printf("   备份目录: %s\n", cfg.GetBackupDir())
	fmt.Printf("   备份来源: %v\n", cfg.GetBackupDirectories())
	fmt.Println()

	fmt.Println("🌐 控制接口:")
	fmt.Printf("   状态: %s\n", enabledText(cfg.API.Enabled))
	if cfg.API.Enabled {
		fmt.Printf("   监听地址: %s\n", cfg.API.Listen)
		fmt.Printf("   访问令牌: %s\n", maskToken(cfg.API.Token))
	}
	fmt.Println()

	fmt.Println("📣 告警通知:")
	fmt.Printf("   Webhook: %s\n", enabledText(cfg.Notify.Webhook.Enabled))
	fmt.Printf("   邮件: %s\n", enabledText(cfg.Notify.Email.Enabled))
}

func formatSize(size int64) string {
	switch {
	case size >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(size)/(1<<30))
	case size >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(size)/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(size)/(1<<10))
	}
	return fmt.Sprintf("%dB", size)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

// listBackups 列出备份
func listBackups(cmd *cobra.Command, args []string) {
	cfg, l := loadConfig()
	store, err := service.OpenBackupStore(cfg, l)
	if err != nil {
		log.Fatalf("❌ 打开备份目录失败: %v", err)
	}

	entries, err := store.List()
	if err != nil {
		log.Fatalf("❌ 读取备份列表失败: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("暂无备份")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %8s  %s\n", formatMillis(e.CreatedAt), formatSize(e.SizeBytes), e.Name)
	}
}

// restoreBackup 恢复文件
func restoreBackup(cmd *cobra.Command, args []string) {
	cfg, l := loadConfig()
	store, err := service.OpenBackupStore(cfg, l)
	if err != nil {
		log.Fatalf("❌ 打开备份目录失败: %v", err)
	}

	target, err := filepath.Abs(args[1])
	if err != nil {
		log.Fatalf("❌ 目标路径无效: %v", err)
	}
	if err := store.Restore(args[0], target); err != nil {
		log.Fatalf("❌ 恢复失败: %v", err)
	}
	if err := service.OpenJournal(cfg).Append(audit.KindRestore, map[string]string{"backup": args[0], "target": target}); err != nil {
		log.Printf("⚠️  写入审计日志失败: %v", err)
	}
	log.Printf("✅ 已恢复到 %s", target)
}

// quarantineFile 隔离文件或列出隔离区
func quarantineFile(cmd *cobra.Command, args []string) {
	cfg, l := loadConfig()
	store, err := service.OpenBackupStore(cfg, l)
	if err != nil {
		log.Fatalf("❌ 打开备份目录失败: %v", err)
	}

	if len(args) == 0 {
		entries, err := store.ListQuarantine()
		if err != nil {
			log.Fatalf("❌ 读取隔离列表失败: %v", err)
		}
		if len(entries) == 0 {
			fmt.Println("隔离区为空")
			return
		}
		for _, e := range entries {
			fmt.Printf("%s  %8s  %s\n", formatMillis(e.CreatedAt), formatSize(e.SizeBytes), e.Name)
		}
		return
	}

	path, err := filepath.Abs(args[0])
	if err != nil {
		log.Fatalf("❌ 路径无效: %v", err)
	}
	rec, err := store.Quarantine(path)
	if err != nil {
		log.Fatalf("❌ 隔离失败: %v", err)
	}
	if err := service.OpenJournal(cfg).Append(audit.KindQuarantine, rec); err != nil {
		log.Printf("⚠️  写入审计日志失败: %v", err)
	}
	log.Printf("✅ 已隔离到 %s", rec.QuarantinePath)
}

// showAlerts 查看审计记录
func showAlerts(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}

	kinds := make([]audit.Kind, 0, len(alertKinds))
	for _, k := range alertKinds {
		kinds = append(kinds, audit.Kind(strings.ToLower(k)))
	}

	records, err := service.OpenJournal(cfg).Recent(alertLimit, kinds...)
	if err != nil {
		log.Fatalf("❌ 读取审计日志失败: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("暂无记录")
		return
	}
	for _, r := range records {
		fmt.Printf("%s  %-10s  %s\n", formatMillis(r.Time), r.Kind, string(r.Data))
	}
}

// listHoneypots 列出蜜罐文件
func listHoneypots(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}

	dir := cfg.GetHoneypotDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("蜜罐未部署（防护服务运行时自动部署）")
			return
		}
		log.Fatalf("❌ 读取蜜罐目录失败: %v", err)
	}

	fmt.Printf("蜜罐目录: %s\n", dir)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Printf("   %s  %s  %s\n", info.Mode(), formatMillis(info.ModTime().UnixMilli()), e.Name())
	}
}
