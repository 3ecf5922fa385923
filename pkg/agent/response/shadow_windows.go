//go:build windows

package response

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const vssTimeout = 30 * time.Second

type vssShadowGuard struct {
	logger *zap.Logger
}

func newPlatformShadowGuard(logger *zap.Logger) ShadowGuard {
	return &vssShadowGuard{logger: logger}
}

// Protect 列出现有卷影副本，确认其仍然存在
func (g *vssShadowGuard) Protect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, vssTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, "vssadmin", "list", "shadows").CombinedOutput()
	if err != nil {
		return fmt.Errorf("vssadmin 执行失败: %w | %s", err, strings.TrimSpace(string(output)))
	}

	count := strings.Count(string(output), "Shadow Copy ID")
	g.logger.Info("卷影副本检查完成", zap.Int("shadows", count))
	return nil
}
