package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorType 表示错误类型
type ErrorType int

// 预定义错误类型
const (
	ErrorTypeValidation  ErrorType = iota // 验证错误，输入数据无效，在任何状态变更前返回
	ErrorTypeNotFound                     // 未找到错误，请求的插件或条目不存在
	ErrorTypeOperational                  // 操作错误，由加载/激活/安装等步骤产生
	ErrorTypeExecution                    // 执行错误，钩子处理器超时或异常
	ErrorTypeConflict                     // 冲突错误，插件之间的声明表面不兼容
	ErrorTypeTemporary                    // 临时错误，可以重试
	ErrorTypePermanent                    // 永久错误，不应重试
	ErrorTypeInternal                     // 内部错误，系统内部错误
)

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeValidation:
		return "Validation"
	case ErrorTypeNotFound:
		return "NotFound"
	case ErrorTypeOperational:
		return "Operational"
	case ErrorTypeExecution:
		return "Execution"
	case ErrorTypeConflict:
		return "Conflict"
	case ErrorTypeTemporary:
		return "Temporary"
	case ErrorTypePermanent:
		return "Permanent"
	case ErrorTypeInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// RuntimeError 表示插件运行时错误
// 所有公共操作返回显式的错误结果，内部异常不会跨越组件边界
type RuntimeError struct {
	Type       ErrorType              // 错误类型
	Code       string                 // 错误代码
	Message    string                 // 错误消息
	PluginID   string                 // 关联的插件ID
	Cause      error                  // 原始错误
	Context    map[string]interface{} // 错误上下文
	Stack      string                 // 堆栈跟踪
	Time       time.Time              // 错误发生时间
	Retriable  bool                   // 是否可重试
	MaxRetries int                    // 最大重试次数
	RetryDelay time.Duration          // 重试延迟
}

// Error 实现error接口
func (e *RuntimeError) Error() string {
	if e.PluginID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("[%s] 插件 %s: %s: %v", e.Code, e.PluginID, e.Message, e.Cause)
		}
		return fmt.Sprintf("[%s] 插件 %s: %s", e.Code, e.PluginID, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现errors.Unwrap接口
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// WithPlugin 关联插件ID
func (e *RuntimeError) WithPlugin(pluginID string) *RuntimeError {
	e.PluginID = pluginID
	return e
}

// WithContext 添加上下文信息
func (e *RuntimeError) WithContext(key string, value interface{}) *RuntimeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRetry 设置重试信息
func (e *RuntimeError) WithRetry(maxRetries int, retryDelay time.Duration) *RuntimeError {
	e.Retriable = true
	e.MaxRetries = maxRetries
	e.RetryDelay = retryDelay
	return e
}

// IsRetriable 检查错误是否可重试
func (e *RuntimeError) IsRetriable() bool {
	return e.Retriable || e.Type == ErrorTypeTemporary
}

// New 创建一个新的运行时错误
func New(errorType ErrorType, code string, message string) *RuntimeError {
	return &RuntimeError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Time:    time.Now(),
		Stack:   getStackTrace(2),
	}
}

// Newf 创建一个带格式化消息的运行时错误
func Newf(errorType ErrorType, code string, format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{
		Type:    errorType,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Time:    time.Now(),
		Stack:   getStackTrace(2),
	}
}

// Wrap 包装一个错误
func Wrap(err error, errorType ErrorType, code string, message string) *RuntimeError {
	if err == nil {
		return nil
	}

	// 如果已经是RuntimeError，保留原始错误类型和插件ID
	var rtErr *RuntimeError
	if errors.As(err, &rtErr) {
		return &RuntimeError{
			Type:      rtErr.Type,
			Code:      rtErr.Code,
			Message:   message,
			PluginID:  rtErr.PluginID,
			Cause:     rtErr,
			Context:   rtErr.Context,
			Stack:     getStackTrace(2),
			Time:      time.Now(),
			Retriable: rtErr.Retriable,
		}
	}

	return &RuntimeError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Cause:   err,
		Stack:   getStackTrace(2),
		Time:    time.Now(),
	}
}

// Is 检查错误是否为指定错误
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// As 将错误转换为指定类型
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsType 检查错误是否为指定类型
func IsType(err error, errorType ErrorType) bool {
	var rtErr *RuntimeError
	if errors.As(err, &rtErr) {
		return rtErr.Type == errorType
	}
	return false
}

// IsNotFound 检查错误是否为未找到错误
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsValidation 检查错误是否为验证错误
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsRetriable 检查错误是否可重试
func IsRetriable(err error) bool {
	var rtErr *RuntimeError
	if errors.As(err, &rtErr) {
		return rtErr.IsRetriable()
	}
	return false
}

// PluginID 获取错误关联的插件ID
func PluginID(err error) string {
	var rtErr *RuntimeError
	if errors.As(err, &rtErr) {
		return rtErr.PluginID
	}
	return ""
}

// getStackTrace 获取堆栈跟踪
func getStackTrace(skip int) string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(skip, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		if !more {
			break
		}

		// 跳过标准库和测试文件
		if strings.Contains(frame.File, "runtime/") || strings.Contains(frame.File, "testing/") {
			continue
		}

		builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
	}

	return builder.String()
}

// 预定义错误
var (
	ErrPluginNotFound   = New(ErrorTypeNotFound, "PLUGIN_NOT_FOUND", "插件不存在")
	ErrEntryNotFound    = New(ErrorTypeNotFound, "ENTRY_NOT_FOUND", "条目不存在")
	ErrInvalidManifest  = New(ErrorTypeValidation, "INVALID_MANIFEST", "插件清单无效")
	ErrAlreadyExists    = New(ErrorTypePermanent, "ALREADY_EXISTS", "插件已注册")
	ErrHasDependents    = New(ErrorTypeConflict, "HAS_DEPENDENTS", "存在依赖此插件的其他插件")
	ErrDependencyCycle  = New(ErrorTypeConflict, "DEPENDENCY_CYCLE", "必需依赖存在循环")
	ErrRouteConflict    = New(ErrorTypeConflict, "ROUTE_CONFLICT", "API路由冲突")
	ErrExecutionTimeout = New(ErrorTypeExecution, "EXECUTION_TIMEOUT", "执行超时")
	ErrChecksumMismatch = New(ErrorTypeInternal, "CHECKSUM_MISMATCH", "校验和不匹配")
	ErrTooManyRequests  = New(ErrorTypeTemporary, "TOO_MANY_REQUESTS", "并发执行数量超过上限")
)
