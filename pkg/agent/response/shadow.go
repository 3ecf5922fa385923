package response

import (
	"context"

	"github.com/go-errors/errors"
	"go.uber.org/zap"
)

var ErrShadowUnsupported = errors.New("shadow copy not supported on this platform")

// ShadowGuard 卷影副本保护
type ShadowGuard interface {
	Protect(ctx context.Context) error
}

// NewShadowGuard 当前平台的卷影副本实现
func NewShadowGuard(logger *zap.Logger) ShadowGuard {
	return newPlatformShadowGuard(logger)
}
