package response

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestProcessKillerSuspicious(t *testing.T) {
	k := NewProcessKiller(DefaultKeywords(), DefaultWhitelist(), zap.NewNop()).(*processKiller)

	tests := []struct {
		name string
		want bool
	}{
		{"WannaCry.exe", true},
		{"evil_encryptor", true},
		{"RansomHub", true},
		{"locker-x", true},
		{"LOCKY", true},
		{"cryptsetup", false},
		{"systemd-cryptsetup", false},
		{"kcryptd", false},
		{"bash", false},
		{"chrome.exe", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, k.Suspicious(tt.name), tt.name)
	}
}

func TestProcessKillerNoKeywords(t *testing.T) {
	k := NewProcessKiller(nil, nil, zap.NewNop())

	// 没有关键字时不会结束任何进程
	result := k.KillSuspicious(context.Background())
	assert.Empty(t, result.Killed)
	assert.Empty(t, result.Failed)
}
