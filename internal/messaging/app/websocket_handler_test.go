package app

import (
	"errors"
	"fmt"
	"testing"

	"carpool_message_service/internal/messaging/repository"

	"github.com/stretchr/testify/assert"
)

// 測試 production 的錯誤分類：repository/driver 細節不外洩
func TestClassifyError(t *testing.T) {
	assert.Equal(t, "not permitted", classifyError(fmt.Errorf("edit window expired: %w", repository.ErrNotPermitted)))
	assert.Equal(t, "not found", classifyError(fmt.Errorf("no failed item for key k1: %w", repository.ErrNotFound)))
	assert.Equal(t, "service temporarily degraded", classifyError(repository.ErrCapabilityUnavailable))
	assert.Equal(t, "internal error", classifyError(errors.New("server selection timeout, current topology: ...")))
}

// 測試非 production 環境錯誤原文回傳方便除錯
func TestClientErrorDevPassthrough(t *testing.T) {
	err := errors.New("server selection timeout")
	assert.Equal(t, err.Error(), clientError(err))
}
