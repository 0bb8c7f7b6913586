package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/rs/zerolog"
)

// LogLevel 日志级别
type LogLevel string

// 预定义日志级别
const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat 日志格式
type LogFormat string

// 预定义日志格式
const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// LogOutput 日志输出
type LogOutput string

// 预定义日志输出
const (
	LogOutputStdout LogOutput = "stdout"
	LogOutputStderr LogOutput = "stderr"
	LogOutputFile   LogOutput = "file"
)

// LogConfig 日志配置
type LogConfig struct {
	Level    LogLevel  `mapstructure:"level" json:"level" yaml:"level"`
	Format   LogFormat `mapstructure:"format" json:"format" yaml:"format"`
	Output   LogOutput `mapstructure:"output" json:"output" yaml:"output"`
	FilePath string    `mapstructure:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  LogLevelInfo,
		Format: LogFormatText,
		Output: LogOutputStdout,
	}
}

// Logger 日志记录器接口
type Logger interface {
	// Trace 记录跟踪级别日志
	Trace(msg string, args ...interface{})

	// Debug 记录调试级别日志
	Debug(msg string, args ...interface{})

	// Info 记录信息级别日志
	Info(msg string, args ...interface{})

	// Warn 记录警告级别日志
	Warn(msg string, args ...interface{})

	// Error 记录错误级别日志
	Error(msg string, args ...interface{})

	// Named 创建命名子日志记录器
	Named(name string) Logger

	// WithFields 创建带字段的日志记录器
	WithFields(fields map[string]interface{}) Logger

	// SetLevel 设置日志级别
	SetLevel(level LogLevel)

	// GetLevel 获取日志级别
	GetLevel() LogLevel

	// GetHCLogger 获取底层hclog日志记录器
	GetHCLogger() hclog.Logger

	// Close 关闭日志记录器
	Close() error
}

// EnhancedLogger 增强日志记录器
// 使用zerolog作为结构化输出后端，同时暴露hclog接口供组件使用
type EnhancedLogger struct {
	zlogger  zerolog.Logger
	hclogger hclog.Logger
	config   *LogConfig
	name     string
	fields   map[string]interface{}
	file     *os.File
	mu       sync.RWMutex
}

// NewEnhancedLogger 创建一个新的增强日志记录器
func NewEnhancedLogger(config *LogConfig) (*EnhancedLogger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	// 创建日志输出
	writer, file, err := createLogWriter(config)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	// 创建zerolog日志记录器
	var zlogger zerolog.Logger
	if config.Format == LogFormatJSON {
		zlogger = zerolog.New(writer).With().Timestamp().Logger()
	} else {
		console := zerolog.ConsoleWriter{Out: writer, TimeFormat: "2006-01-02 15:04:05"}
		zlogger = zerolog.New(console).With().Timestamp().Logger()
	}
	zlogger = zlogger.Level(getZeroLogLevel(config.Level))

	// 创建hclog日志记录器
	hclogger := hclog.New(&hclog.LoggerOptions{
		Level:      getHCLogLevel(config.Level),
		Output:     writer,
		JSONFormat: config.Format == LogFormatJSON,
	})

	return &EnhancedLogger{
		zlogger:  zlogger,
		hclogger: hclogger,
		config:   config,
		file:     file,
	}, nil
}

// createLogWriter 创建日志输出
func createLogWriter(config *LogConfig) (io.Writer, *os.File, error) {
	switch config.Output {
	case LogOutputStdout:
		return os.Stdout, nil, nil
	case LogOutputStderr:
		return os.Stderr, nil, nil
	case LogOutputFile:
		if config.FilePath == "" {
			return nil, nil, fmt.Errorf("日志文件路径不能为空")
		}
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		return file, file, nil
	default:
		return os.Stdout, nil, nil
	}
}

// getZeroLogLevel 转换日志级别为zerolog级别
func getZeroLogLevel(level LogLevel) zerolog.Level {
	switch level {
	case LogLevelTrace:
		return zerolog.TraceLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelInfo:
		return zerolog.InfoLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	case LogLevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// getHCLogLevel 转换日志级别为hclog级别
func getHCLogLevel(level LogLevel) hclog.Level {
	switch level {
	case LogLevelTrace:
		return hclog.Trace
	case LogLevelDebug:
		return hclog.Debug
	case LogLevelInfo:
		return hclog.Info
	case LogLevelWarn:
		return hclog.Warn
	case LogLevelError, LogLevelFatal:
		return hclog.Error
	default:
		return hclog.Info
	}
}

// Trace 记录跟踪级别日志
func (l *EnhancedLogger) Trace(msg string, args ...interface{}) {
	l.log(l.zlogger.Trace(), msg, args...)
}

// Debug 记录调试级别日志
func (l *EnhancedLogger) Debug(msg string, args ...interface{}) {
	l.log(l.zlogger.Debug(), msg, args...)
}

// Info 记录信息级别日志
func (l *EnhancedLogger) Info(msg string, args ...interface{}) {
	l.log(l.zlogger.Info(), msg, args...)
}

// Warn 记录警告级别日志
func (l *EnhancedLogger) Warn(msg string, args ...interface{}) {
	l.log(l.zlogger.Warn(), msg, args...)
}

// Error 记录错误级别日志
func (l *EnhancedLogger) Error(msg string, args ...interface{}) {
	l.log(l.zlogger.Error(), msg, args...)
}

// log 记录日志
func (l *EnhancedLogger) log(event *zerolog.Event, msg string, args ...interface{}) {
	l.mu.RLock()
	name := l.name
	fields := l.fields
	l.mu.RUnlock()

	if name != "" {
		event = event.Str("logger", name)
	}
	for k, v := range fields {
		event = event.Interface(k, v)
	}

	// 将键值对参数转换为字段
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		event = event.Interface(key, args[i+1])
	}

	event.Msg(msg)
}

// Named 创建命名子日志记录器
func (l *EnhancedLogger) Named(name string) Logger {
	clone := l.clone()
	if clone.name != "" {
		clone.name = clone.name + "." + name
	} else {
		clone.name = name
	}
	clone.hclogger = l.hclogger.Named(name)
	return clone
}

// WithFields 创建带字段的日志记录器
func (l *EnhancedLogger) WithFields(fields map[string]interface{}) Logger {
	clone := l.clone()
	for k, v := range fields {
		clone.fields[k] = v
	}
	return clone
}

// SetLevel 设置日志级别
func (l *EnhancedLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Level = level
	l.zlogger = l.zlogger.Level(getZeroLogLevel(level))
	l.hclogger.SetLevel(getHCLogLevel(level))
}

// GetLevel 获取日志级别
func (l *EnhancedLogger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config.Level
}

// GetHCLogger 获取底层hclog日志记录器
func (l *EnhancedLogger) GetHCLogger() hclog.Logger {
	return l.hclogger
}

// Close 关闭日志记录器
func (l *EnhancedLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// clone 克隆日志记录器
func (l *EnhancedLogger) clone() *EnhancedLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}

	return &EnhancedLogger{
		zlogger:  l.zlogger,
		hclogger: l.hclogger,
		config:   l.config,
		name:     l.name,
		fields:   fields,
		file:     l.file,
	}
}
