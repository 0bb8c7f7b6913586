package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/lomehong/roost/pkg/cache"
	"github.com/lomehong/roost/pkg/hook"
	"github.com/lomehong/roost/pkg/loader"
	"github.com/lomehong/roost/pkg/logging"
	"github.com/lomehong/roost/pkg/registry"
	"github.com/lomehong/roost/pkg/storage"
	"github.com/lomehong/roost/pkg/transaction"
)

// envPrefix 环境变量前缀，ROOST_LOGGING_LEVEL覆盖logging.level
const envPrefix = "ROOST"

// Config 运行时的完整配置
// 各组件的配置段直接复用组件包的配置类型，路径未设置时从data_dir派生
type Config struct {
	DataDir     string             `mapstructure:"data_dir"`
	Logging     logging.LogConfig  `mapstructure:"logging"`
	Registry    registry.Config    `mapstructure:"registry"`
	Hooks       hook.Config        `mapstructure:"hooks"`
	Cache       cache.Config       `mapstructure:"cache"`
	Storage     storage.Config     `mapstructure:"storage"`
	Loader      loader.Config      `mapstructure:"loader"`
	Transaction transaction.Config `mapstructure:"transaction"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		DataDir:     "data",
		Logging:     *logging.DefaultLogConfig(),
		Hooks:       hook.DefaultConfig(),
		Cache:       cache.DefaultConfig(),
		Storage:     storage.DefaultConfig(),
		Loader:      loader.DefaultConfig(),
		Transaction: transaction.Config{},
	}
}

// Load 加载配置
// path为空时在当前目录和~/.roost查找roost.yaml，找不到配置文件则使用默认值；
// 环境变量随后覆盖文件值
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("roost")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".roost"))
		}
	}

	for key, value := range flatten("", structToMap(Default())) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(config, decodeHook); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Normalize 从data_dir派生未显式设置的路径
func (c *Config) Normalize() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Storage.Dir == "" || c.Storage.Dir == storage.DefaultConfig().Dir {
		c.Storage.Dir = filepath.Join(c.DataDir, "storage")
	}
	if c.Registry.SnapshotPath == "" {
		c.Registry.SnapshotPath = filepath.Join(c.DataDir, "registry.json")
	}
	if c.Transaction.PluginsDir == "" {
		c.Transaction.PluginsDir = filepath.Join(c.DataDir, "plugins")
	}
	if c.Transaction.BackupDir == "" {
		c.Transaction.BackupDir = filepath.Join(c.DataDir, "backups")
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case logging.LogLevelTrace, logging.LogLevelDebug, logging.LogLevelInfo,
		logging.LogLevelWarn, logging.LogLevelError, logging.LogLevelFatal:
	default:
		return fmt.Errorf("无效的日志级别: %q", c.Logging.Level)
	}

	switch c.Cache.Policy {
	case cache.PolicyLRU, cache.PolicyLFU, cache.PolicyFIFO, cache.PolicyTTL:
	default:
		return fmt.Errorf("无效的缓存淘汰策略: %q", c.Cache.Policy)
	}

	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("缓存容量不能为负数: %d", c.Cache.MaxBytes)
	}
	if c.Hooks.BreakerThreshold < 0 {
		return fmt.Errorf("熔断阈值不能为负数: %d", c.Hooks.BreakerThreshold)
	}
	for name, d := range map[string]interface{ Seconds() float64 }{
		"hooks.default_timeout":  c.Hooks.DefaultTimeout,
		"loader.init_timeout":    c.Loader.InitTimeout,
		"loader.invoke_timeout":  c.Loader.InvokeTimeout,
		"storage.flush_interval": c.Storage.FlushInterval,
	} {
		if d.Seconds() < 0 {
			return fmt.Errorf("配置项 %s 不能为负数", name)
		}
	}
	return nil
}

// structToMap 将配置结构按mapstructure标签转为map
func structToMap(c *Config) map[string]interface{} {
	out := make(map[string]interface{})
	if err := mapstructure.Decode(c, &out); err != nil {
		return out
	}
	return out
}

// flatten 展平嵌套map为点分隔键
func flatten(prefix string, in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}
