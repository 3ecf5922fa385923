package utils

import (
	"os"
	"os/user"
	"path/filepath"
)

const AppDirName = ".ransomguard"

func GetSafeHomeDir() string {
	// 1. 环境变量
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}

	// 2. 系统用户数据库
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}

	// 3. 以 root 运行但没有家目录(服务模式)
	if os.Getuid() == 0 {
		if _, err := os.Stat("/root"); err == nil {
			return "/root"
		}
	}

	// 4. 兜底使用当前目录
	if pwd, err := os.Getwd(); err == nil {
		return pwd
	}

	return "./"
}

// GetAppDir 程序数据目录 ~/.ransomguard
func GetAppDir() string {
	return filepath.Join(GetSafeHomeDir(), AppDirName)
}

// CriticalDirectories 紧急备份的关键目录: 文档、桌面和工作目录
func CriticalDirectories(workDir string) []string {
	home := GetSafeHomeDir()
	return []string{
		filepath.Join(home, "Documents"),
		filepath.Join(home, "Desktop"),
		workDir,
	}
}

// ResolvePath 展开 ~ 并把相对路径解析到 base 下
func ResolvePath(base, path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		return GetSafeHomeDir()
	}
	if len(path) > 1 && path[0] == '~' && (path[1] == '/' || path[1] == '\\') {
		return filepath.Join(GetSafeHomeDir(), path[2:])
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
