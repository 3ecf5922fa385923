package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"github.com/go-errors/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	DirName          = ".ransomware-backup"
	QuarantinePrefix = "QUARANTINE_"

	DefaultMaxFileSize = 100 * 1024 * 1024
	DefaultMaxDepth    = 5

	dirMode  = 0700
	fileMode = 0600

	maxNameAttempts = 1000
)

var (
	ErrNotFound = errors.New("backup not found")
	ErrTooLarge = errors.New("file exceeds backup size limit")
)

// Options 目录备份参数
type Options struct {
	MaxDepth  int
	Emergency bool
}

// Result 目录备份结果，单个文件失败不影响整体
type Result struct {
	Entries []protocol.BackupEntry
	Skipped int
	Failed  int
}

// Store 备份与隔离存储，目录内只追加不覆盖
type Store struct {
	fs          afero.Fs
	dir         string
	baseDir     string
	maxFileSize int64
	logger      *zap.Logger
	now         func() time.Time
}

// NewStore 创建备份存储，baseDir 用于计算备份文件名中的相对路径
func NewStore(fs afero.Fs, dir, baseDir string, maxFileSize int64, logger *zap.Logger) (*Store, error) {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if err := fs.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("创建备份目录失败: %w", err)
	}
	return &Store{
		fs:          fs,
		dir:         dir,
		baseDir:     baseDir,
		maxFileSize: maxFileSize,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Dir 备份目录
func (s *Store) Dir() string {
	return s.dir
}

// DirExists 目录是否存在
func (s *Store) DirExists(dir string) bool {
	ok, err := afero.DirExists(s.fs, dir)
	return err == nil && ok
}

// flatten 源路径转为单层文件名
func (s *Store) flatten(path string) string {
	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		rel = strings.TrimPrefix(path, filepath.VolumeName(path))
		rel = strings.TrimLeft(rel, `/\`)
	}
	return strings.NewReplacer("/", "_", `\`, "_", ":", "_").Replace(rel)
}

// createUnique 以时间戳为前缀独占创建文件，冲突时递增时间戳
func (s *Store) createUnique(prefix, suffix string) (afero.File, string, int64, error) {
	ts := s.now().UnixMilli()
	for i := 0; i < maxNameAttempts; i++ {
		name := prefix + strconv.FormatInt(ts, 10) + "_" + suffix
		f, err := s.fs.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
		if err == nil {
			return f, name, ts, nil
		}
		if !os.IsExist(err) {
			return nil, "", 0, err
		}
		ts++
	}
	return nil, "", 0, fmt.Errorf("无法生成唯一的备份文件名: %s", suffix)
}

// BackupFile 复制单个文件到备份目录，紧急模式不限制大小
func (s *Store) BackupFile(path string, emergency bool) (protocol.BackupEntry, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return protocol.BackupEntry{}, err
	}
	if !info.Mode().IsRegular() {
		return protocol.BackupEntry{}, fmt.Errorf("不是普通文件: %s", path)
	}
	if !emergency && info.Size() > s.maxFileSize {
		return protocol.BackupEntry{}, fmt.Errorf("%w: %s (%d bytes)", ErrTooLarge, path, info.Size())
	}

	src, err := s.fs.Open(path)
	if err != nil {
		return protocol.BackupEntry{}, err
	}
	defer src.Close()

	dst, name, ts, err := s.createUnique("", s.flatten(path))
	if err != nil {
		return protocol.BackupEntry{}, fmt.Errorf("创建备份文件失败: %w", err)
	}
	backupPath := filepath.Join(s.dir, name)

	n, err := io.Copy(dst, src)
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(backupPath)
		return protocol.BackupEntry{}, fmt.Errorf("复制文件失败: %w", err)
	}

	return protocol.BackupEntry{
		Name:       name,
		SourcePath: path,
		BackupPath: backupPath,
		SizeBytes:  n,
		CreatedAt:  ts,
	}, nil
}

// BackupDirectory 递归备份目录，跳过 . 和 $ 开头的条目
func (s *Store) BackupDirectory(dir string, opts Options) Result {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	var result Result
	s.walk(dir, 0, opts, &result)
	s.logger.Debug("目录备份完成",
		zap.String("dir", dir),
		zap.Int("files", len(result.Entries)),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result
}

func (s *Store) walk(dir string, depth int, opts Options, result *Result) {
	if depth > opts.MaxDepth {
		return
	}
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		s.logger.Warn("读取目录失败", zap.String("dir", dir), zap.Error(err))
		result.Failed++
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "$") {
			continue
		}
		path := filepath.Join(dir, name)
		// 备份目录自身不参与备份
		if path == s.dir {
			continue
		}
		switch {
		case entry.IsDir():
			s.walk(path, depth+1, opts, result)
		case entry.Mode().IsRegular():
			backup, err := s.BackupFile(path, opts.Emergency)
			if err != nil {
				if errors.Is(err, ErrTooLarge) {
					result.Skipped++
					continue
				}
				s.logger.Warn("备份文件失败", zap.String("path", path), zap.Error(err))
				result.Failed++
				continue
			}
			result.Entries = append(result.Entries, backup)
		}
	}
}

// Quarantine 把文件移入备份目录，原位置不再保留
func (s *Store) Quarantine(path string) (protocol.QuarantineRecord, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return protocol.QuarantineRecord{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return protocol.QuarantineRecord{}, err
	}
	if info.IsDir() {
		return protocol.QuarantineRecord{}, fmt.Errorf("不能隔离目录: %s", path)
	}

	base := filepath.Base(path)
	ts := s.now().UnixMilli()
	var target string
	for i := 0; ; i++ {
		if i == maxNameAttempts {
			return protocol.QuarantineRecord{}, fmt.Errorf("无法生成唯一的隔离文件名: %s", base)
		}
		target = filepath.Join(s.dir, QuarantinePrefix+strconv.FormatInt(ts, 10)+"_"+base)
		exists, err := afero.Exists(s.fs, target)
		if err != nil {
			return protocol.QuarantineRecord{}, err
		}
		if !exists {
			break
		}
		ts++
	}

	if err := s.fs.Rename(path, target); err != nil {
		// 跨设备时退化为复制后删除
		if err := s.moveByCopy(path, target); err != nil {
			return protocol.QuarantineRecord{}, fmt.Errorf("隔离文件失败: %w", err)
		}
	}

	s.logger.Warn("已隔离可疑文件", zap.String("original", path), zap.String("quarantine", target))
	return protocol.QuarantineRecord{
		OriginalPath:   path,
		QuarantinePath: target,
		Timestamp:      ts,
	}, nil
}

func (s *Store) moveByCopy(src, dst string) error {
	if err := s.copyFile(src, dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY); err != nil {
		return err
	}
	if err := s.fs.Remove(src); err != nil {
		_ = s.fs.Remove(dst)
		return err
	}
	return nil
}

func (s *Store) copyFile(src, dst string, flag int) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := s.fs.OpenFile(dst, flag, fileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// validName 只接受备份目录内的单层文件名
func validName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// Restore 将备份复制到目标路径
func (s *Store) Restore(name, target string) error {
	if !validName(name) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	src := filepath.Join(s.dir, name)
	info, err := s.fs.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := s.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("创建目标目录失败: %w", err)
	}
	if err := s.copyFile(src, target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY); err != nil {
		return fmt.Errorf("恢复文件失败: %w", err)
	}
	s.logger.Info("已从备份恢复文件", zap.String("backup", name), zap.String("target", target))
	return nil
}

// List 备份列表，不含隔离文件，按时间倒序
func (s *Store) List() ([]protocol.BackupEntry, error) {
	return s.list(func(name string) bool { return !strings.HasPrefix(name, QuarantinePrefix) })
}

// ListQuarantine 隔离文件列表，按时间倒序
func (s *Store) ListQuarantine() ([]protocol.BackupEntry, error) {
	return s.list(func(name string) bool { return strings.HasPrefix(name, QuarantinePrefix) })
}

func (s *Store) list(keep func(name string) bool) ([]protocol.BackupEntry, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []protocol.BackupEntry{}, nil
		}
		return nil, err
	}

	entries := make([]protocol.BackupEntry, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || !keep(info.Name()) {
			continue
		}
		entries = append(entries, protocol.BackupEntry{
			Name:       info.Name(),
			BackupPath: filepath.Join(s.dir, info.Name()),
			SizeBytes:  info.Size(),
			CreatedAt:  createdAt(info),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt != entries[j].CreatedAt {
			return entries[i].CreatedAt > entries[j].CreatedAt
		}
		return entries[i].Name > entries[j].Name
	})
	return entries, nil
}

// createdAt 优先使用文件名中的时间戳
func createdAt(info os.FileInfo) int64 {
	name := strings.TrimPrefix(info.Name(), QuarantinePrefix)
	if i := strings.IndexByte(name, '_'); i > 0 {
		if ts, err := strconv.ParseInt(name[:i], 10, 64); err == nil {
			return ts
		}
	}
	return info.ModTime().UnixMilli()
}
