package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dushixiang/ransomguard/pkg/agent/config"
	"github.com/kardianos/service"
	"go.uber.org/zap"
)

const (
	serviceName        = "ransomguard"
	serviceDisplayName = "RansomGuard"
	serviceDescription = "勒索软件检测与自动响应服务"
)

// program 实现 service.Interface
type program struct {
	agent  *Agent
	logger *zap.Logger
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := p.agent.Start(context.Background()); err != nil {
			p.logger.Error("防护服务退出", zap.Error(err))
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.agent.Stop()
	if p.done != nil {
		<-p.done
	}
	return nil
}

// ServiceManager 系统服务管理
type ServiceManager struct {
	cfg     *config.Config
	logger  *zap.Logger
	service service.Service
}

func serviceConfig(configPath string) (*service.Config, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("获取程序路径失败: %w", err)
	}
	if configPath != "" {
		configPath, err = filepath.Abs(configPath)
		if err != nil {
			return nil, err
		}
	}

	args := []string{"run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	return &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Executable:  executable,
		Arguments:   args,
		Option: service.KeyValue{
			"Restart": "always",
		},
	}, nil
}

// NewServiceManager 创建服务管理器
func NewServiceManager(cfg *config.Config, logger *zap.Logger) (*ServiceManager, error) {
	svcConfig, err := serviceConfig(cfg.Path)
	if err != nil {
		return nil, err
	}

	prg := &program{
		agent:  New(cfg, logger),
		logger: logger,
	}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		return nil, fmt.Errorf("创建服务失败: %w", err)
	}

	return &ServiceManager{
		cfg:     cfg,
		logger:  logger,
		service: s,
	}, nil
}

// Install 安装服务
func (m *ServiceManager) Install() error {
	return m.service.Install()
}

// Uninstall 卸载服务，运行中的服务先停止
func (m *ServiceManager) Uninstall() error {
	if status, err := m.service.Status(); err == nil && status == service.StatusRunning {
		if err := m.service.Stop(); err != nil {
			m.logger.Warn("停止服务失败", zap.Error(err))
		}
	}
	return m.service.Uninstall()
}

// Start 启动服务
func (m *ServiceManager) Start() error {
	return m.service.Start()
}

// Stop 停止服务
func (m *ServiceManager) Stop() error {
	return m.service.Stop()
}

// Restart 重启服务
func (m *ServiceManager) Restart() error {
	return m.service.Restart()
}

// Status 服务状态
func (m *ServiceManager) Status() (string, error) {
	status, err := m.service.Status()
	if err != nil {
		return "未知", err
	}
	return StatusText(status), nil
}

// Run 前台运行，交互模式下 Ctrl+C 退出
func (m *ServiceManager) Run() error {
	return m.service.Run()
}

// StatusText 服务状态文本
func StatusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "运行中"
	case service.StatusStopped:
		return "已停止"
	default:
		return "未知"
	}
}
