//go:build !windows

package response

import (
	"context"

	"go.uber.org/zap"
)

type noopShadowGuard struct{}

func newPlatformShadowGuard(_ *zap.Logger) ShadowGuard {
	return noopShadowGuard{}
}

func (noopShadowGuard) Protect(context.Context) error {
	return ErrShadowUnsupported
}
