package id

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dushixiang/ransomguard/pkg/agent/utils"
	"github.com/google/uuid"
)

// Manager 管理探针的唯一标识
type Manager struct {
	idFilePath string
}

// NewManager 创建 ID 管理器，path 为空时使用 ~/.ransomguard/agent.id
func NewManager(path string) *Manager {
	if path == "" {
		path = GetIDFilePath()
	}
	return &Manager{idFilePath: path}
}

// GetIDFilePath 默认 ID 文件路径
func GetIDFilePath() string {
	return filepath.Join(utils.GetAppDir(), "agent.id")
}

// Load 加载或生成探针 ID
func (m *Manager) Load() (string, error) {
	if id, err := m.read(); err == nil {
		return id, nil
	}

	id := uuid.NewString()
	if err := m.save(id); err != nil {
		return "", fmt.Errorf("保存 agent ID 失败: %w", err)
	}
	return id, nil
}

func (m *Manager) read() (string, error) {
	data, err := os.ReadFile(m.idFilePath)
	if err != nil {
		return "", err
	}

	id := strings.TrimSpace(string(data))
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("ID 文件内容无效: %w", err)
	}
	return id, nil
}

func (m *Manager) save(id string) error {
	if err := os.MkdirAll(filepath.Dir(m.idFilePath), 0700); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	if err := os.WriteFile(m.idFilePath, []byte(id), 0600); err != nil {
		return fmt.Errorf("写入文件失败: %w", err)
	}
	return nil
}

// GetPath 获取 ID 文件路径
func (m *Manager) GetPath() string {
	return m.idFilePath
}

// Exists 检查 ID 文件是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.idFilePath)
	return err == nil
}

// Delete 删除 ID 文件
func (m *Manager) Delete() error {
	return os.Remove(m.idFilePath)
}
