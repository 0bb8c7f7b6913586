package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	err := New(ErrorTypeValidation, "INVALID_MANIFEST", "插件清单无效")
	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeValidation, err.Type)
	assert.Equal(t, "INVALID_MANIFEST", err.Code)
	assert.Contains(t, err.Error(), "INVALID_MANIFEST")
	assert.Contains(t, err.Error(), "插件清单无效")
	assert.NotEmpty(t, err.Stack)
}

func TestWithPlugin(t *testing.T) {
	err := New(ErrorTypeOperational, "LOAD_FAILED", "加载失败").WithPlugin("weather-widget")
	assert.Equal(t, "weather-widget", err.PluginID)
	assert.Contains(t, err.Error(), "weather-widget")
	assert.Equal(t, "weather-widget", PluginID(err))
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("原始错误")
	err := Wrap(cause, ErrorTypeOperational, "INSTALL_FAILED", "安装失败")
	assert.NotNil(t, err)
	assert.Equal(t, cause, err.Cause)
	assert.Contains(t, err.Error(), "原始错误")
	assert.True(t, Is(err, cause))

	// 包装nil错误返回nil
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "X", "Y"))
}

func TestWrapPreservesType(t *testing.T) {
	inner := New(ErrorTypeValidation, "INVALID_MANIFEST", "清单无效").WithPlugin("p1")
	wrapped := Wrap(inner, ErrorTypeInternal, "IGNORED", "外层消息")

	// 包装RuntimeError时保留原始类型和插件ID
	assert.Equal(t, ErrorTypeValidation, wrapped.Type)
	assert.Equal(t, "INVALID_MANIFEST", wrapped.Code)
	assert.Equal(t, "p1", wrapped.PluginID)
	assert.True(t, IsValidation(wrapped))
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeNotFound, "PLUGIN_NOT_FOUND", "插件不存在")
	assert.True(t, IsType(err, ErrorTypeNotFound))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsType(err, ErrorTypeValidation))
	assert.False(t, IsNotFound(fmt.Errorf("普通错误")))
}

func TestRetriable(t *testing.T) {
	err := New(ErrorTypeOperational, "FLUSH_FAILED", "刷新失败").WithRetry(3, 100*time.Millisecond)
	assert.True(t, err.IsRetriable())
	assert.Equal(t, 3, err.MaxRetries)
	assert.True(t, IsRetriable(err))

	// 临时错误默认可重试
	assert.True(t, New(ErrorTypeTemporary, "BUSY", "忙碌").IsRetriable())
	assert.False(t, New(ErrorTypePermanent, "GONE", "已删除").IsRetriable())
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "Validation", ErrorTypeValidation.String())
	assert.Equal(t, "NotFound", ErrorTypeNotFound.String())
	assert.Equal(t, "Operational", ErrorTypeOperational.String())
	assert.Equal(t, "Execution", ErrorTypeExecution.String())
	assert.Equal(t, "Conflict", ErrorTypeConflict.String())
	assert.Equal(t, "Unknown", ErrorType(99).String())
}
