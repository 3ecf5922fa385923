package classifier

import (
	"path/filepath"
	"strings"

	"github.com/dushixiang/ransomguard/internal/protocol"
)

// Category 文件分类结果
type Category int

const (
	Ordinary Category = iota
	RansomwareExtension
	RansomwareNote
)

func (c Category) String() string {
	switch c {
	case RansomwareExtension:
		return "ransomware_extension"
	case RansomwareNote:
		return "ransomware_note"
	default:
		return "ordinary"
	}
}

// Suspicious 是否需要直接告警
func (c Category) Suspicious() bool {
	return c != Ordinary
}

// Reason 对应的告警原因
func (c Category) Reason() protocol.SuspiciousReason {
	if c == RansomwareNote {
		return protocol.ReasonRansomNote
	}
	return protocol.ReasonRansomwareExtension
}

// DefaultExtensions 已知勒索软件加密后缀
func DefaultExtensions() []string {
	return []string{
		".encrypted", ".locked", ".crypto", ".crypt", ".crypted",
		".enc", ".lock", ".locky", ".cerber", ".zepto",
		".odin", ".thor", ".aesir", ".wannacry", ".wcry",
		".petya", ".goldeneye", ".mischa", ".ryuk", ".maze",
		".dharma", ".phobos", ".sodinokibi", ".revil",
		".darkside", ".blackmatter", ".lockbit",
	}
}

// DefaultNoteNames 已知勒索信文件名
func DefaultNoteNames() []string {
	return []string{
		"README.txt", "HOW_TO_DECRYPT.txt", "DECRYPT_INSTRUCTION.txt",
		"HELP_DECRYPT.txt", "RECOVER_FILES.txt", "YOUR_FILES_ARE_ENCRYPTED.txt",
		"_readme.txt", "_openme.txt", "HELP_RESTORE_FILES.txt",
	}
}

// Classifier 文件名分类器，创建后只读
type Classifier struct {
	extensions map[string]struct{}
	noteNames  map[string]struct{}
}

// New 创建分类器，比较时统一转为小写
func New(extensions, noteNames []string) *Classifier {
	c := &Classifier{
		extensions: make(map[string]struct{}, len(extensions)),
		noteNames:  make(map[string]struct{}, len(noteNames)),
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.extensions[ext] = struct{}{}
	}
	for _, name := range noteNames {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			c.noteNames[name] = struct{}{}
		}
	}
	return c
}

// NewDefault 使用默认规则创建分类器
func NewDefault() *Classifier {
	return New(DefaultExtensions(), DefaultNoteNames())
}

// Classify 根据文件名判断威胁类别，未知输入一律为 Ordinary
func (c *Classifier) Classify(fileName string) Category {
	if fileName == "" {
		return Ordinary
	}
	base := filepath.Base(fileName)

	ext := strings.ToLower(filepath.Ext(base))
	if ext != "" {
		if _, ok := c.extensions[ext]; ok {
			return RansomwareExtension
		}
	}

	if _, ok := c.noteNames[strings.ToLower(base)]; ok {
		return RansomwareNote
	}
	return Ordinary
}
