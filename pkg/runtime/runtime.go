package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lomehong/roost/pkg/cache"
	"github.com/lomehong/roost/pkg/config"
	"github.com/lomehong/roost/pkg/events"
	"github.com/lomehong/roost/pkg/hook"
	"github.com/lomehong/roost/pkg/loader"
	"github.com/lomehong/roost/pkg/logging"
	"github.com/lomehong/roost/pkg/plugin"
	"github.com/lomehong/roost/pkg/registry"
	"github.com/lomehong/roost/pkg/storage"
	"github.com/lomehong/roost/pkg/transaction"
)

// secretFileName 自动生成的存储加密密钥文件名
const secretFileName = "storage.key"

// Runtime 插件运行时
// 显式装配全部组件，组件之间只通过构造注入的引用协作，不存在全局状态
type Runtime struct {
	config *config.Config
	logger logging.Logger

	bus          *events.Bus
	registry     *registry.Registry
	storage      *storage.Engine
	cache        *cache.Engine
	hooks        *hook.Pipeline
	loader       *loader.Loader
	transactions *transaction.Manager

	started bool
	mu      sync.Mutex
}

// New 按配置装配运行时
func New(cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Normalize()

	logger, err := logging.NewEnhancedLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("创建日志记录器失败: %w", err)
	}
	hcLogger := logger.GetHCLogger()

	if cfg.Storage.Encrypt && cfg.Storage.Secret == "" {
		secret, err := loadOrCreateSecret(filepath.Join(cfg.DataDir, secretFileName))
		if err != nil {
			return nil, err
		}
		cfg.Storage.Secret = secret
	}

	bus := events.NewBus(hcLogger)

	storageEngine, err := storage.NewEngine(cfg.Storage, bus, hcLogger)
	if err != nil {
		return nil, fmt.Errorf("创建存储引擎失败: %w", err)
	}
	cacheEngine, err := cache.NewEngine(cfg.Cache, bus, hcLogger)
	if err != nil {
		return nil, fmt.Errorf("创建缓存引擎失败: %w", err)
	}
	pipeline := hook.NewPipeline(cfg.Hooks, bus, hcLogger)

	reg, err := registry.NewRegistry(cfg.Registry, bus, hcLogger)
	if err != nil {
		return nil, fmt.Errorf("创建注册表失败: %w", err)
	}
	ldr := loader.NewLoader(cfg.Loader, storageEngine, pipeline, hcLogger)

	txManager, err := transaction.NewManager(cfg.Transaction, reg, ldr, pipeline,
		storageEngine, cacheEngine, hcLogger)
	if err != nil {
		return nil, fmt.Errorf("创建事务管理器失败: %w", err)
	}

	return &Runtime{
		config:       cfg,
		logger:       logger,
		bus:          bus,
		registry:     reg,
		storage:      storageEngine,
		cache:        cacheEngine,
		hooks:        pipeline,
		loader:       ldr,
		transactions: txManager,
	}, nil
}

// Start 启动运行时
// 扫描插件目录补登记快照缺失的插件，然后按加载顺序恢复激活状态的插件
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("运行时已启动")
	}

	if err := r.discoverPlugins(); err != nil {
		return err
	}
	r.restorePlugins(ctx)

	r.started = true
	r.logger.Info("运行时已启动", "plugins", r.registry.Count())
	return nil
}

// discoverPlugins 扫描插件目录，注册快照中缺失的已安装插件
func (r *Runtime) discoverPlugins() error {
	pluginsDir := r.config.Transaction.PluginsDir
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("扫描插件目录失败: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(pluginsDir, entry.Name())
		descriptor, err := plugin.LoadManifest(dir)
		if err != nil {
			r.logger.Warn("插件目录缺少有效清单，跳过", "dir", dir, "error", err)
			continue
		}
		if _, ok := r.registry.Get(descriptor.ID); ok {
			continue
		}
		descriptor.Path = dir
		if err := r.registry.Register(descriptor, registry.RegisterOptions{}); err != nil {
			r.logger.Warn("发现的插件注册失败", "plugin_id", descriptor.ID, "error", err)
		} else {
			r.logger.Info("发现并注册插件", "plugin_id", descriptor.ID, "version", descriptor.Version)
		}
	}
	return nil
}

// restorePlugins 按加载顺序恢复上次处于激活状态的插件
func (r *Runtime) restorePlugins(ctx context.Context) {
	for _, entry := range r.registry.List() {
		if entry.Status != plugin.StatusActive {
			continue
		}
		if _, err := r.loader.Load(ctx, entry.Descriptor); err != nil {
			r.logger.Error("恢复插件失败", "plugin_id", entry.Descriptor.ID, "error", err)
			r.registry.SetError(entry.Descriptor.ID, err)
			continue
		}
		if err := r.loader.Activate(ctx, entry.Descriptor.ID); err != nil {
			r.logger.Error("恢复激活失败", "plugin_id", entry.Descriptor.ID, "error", err)
			r.registry.SetError(entry.Descriptor.ID, err)
			continue
		}
		r.logger.Info("插件已恢复", "plugin_id", entry.Descriptor.ID)
	}
}

// Shutdown 关闭运行时
// 先停止插件模块和钩子管道，再落盘注册表和存储的待写数据
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []string
	if err := r.loader.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("加载器: %v", err))
	}
	if err := r.hooks.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("钩子管道: %v", err))
	}
	r.cache.Close()
	if err := r.storage.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("存储: %v", err))
	}
	if err := r.registry.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("注册表: %v", err))
	}

	r.started = false
	r.logger.Info("运行时已关闭")
	if err := r.logger.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("日志: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("关闭运行时时发生错误: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Registry 返回插件注册表
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Loader 返回模块加载器
func (r *Runtime) Loader() *loader.Loader { return r.loader }

// Hooks 返回钩子管道
func (r *Runtime) Hooks() *hook.Pipeline { return r.hooks }

// Storage 返回存储引擎
func (r *Runtime) Storage() *storage.Engine { return r.storage }

// Cache 返回缓存引擎
func (r *Runtime) Cache() *cache.Engine { return r.cache }

// Transactions 返回事务管理器
func (r *Runtime) Transactions() *transaction.Manager { return r.transactions }

// Events 返回事件总线
func (r *Runtime) Events() *events.Bus { return r.bus }

// Logger 返回根日志记录器
func (r *Runtime) Logger() logging.Logger { return r.logger }

// loadOrCreateSecret 读取存储加密密钥，不存在时生成并持久化
func loadOrCreateSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("密钥文件 %s 为空", path)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("读取密钥文件失败: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("生成密钥失败: %w", err)
	}
	secret := hex.EncodeToString(raw)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("创建数据目录失败: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("写入密钥文件失败: %w", err)
	}
	return secret, nil
}
