package loader

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/time/rate"

	"github.com/lomehong/roost/pkg/errors"
	"github.com/lomehong/roost/pkg/hook"
	"github.com/lomehong/roost/pkg/plugin"
	"github.com/lomehong/roost/pkg/storage"
)

// State 模块加载状态
type State string

// 预定义模块状态
// Error状态需要显式Reload才能恢复
const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateInactive  State = "inactive"
	StateActive    State = "active"
	StateUnloading State = "unloading"
	StateError     State = "error"
)

// Module 已加载的插件模块
// 每个(插件ID, 版本)对应一个模块实例，跨激活/停用周期复用
type Module struct {
	ID         string
	Version    string
	descriptor *plugin.Descriptor

	state    State
	err      error
	L        *lua.LState
	loadedAt time.Time
	lastUsed time.Time

	// 插件注册过的钩子记录，停用移除后重新激活时据此恢复
	hookSpecs      []hookSpec
	hooksInstalled bool

	// LState不是并发安全的，所有Lua调用持此锁
	mu sync.Mutex
}

// hookSpec 插件通过能力表完成的一次钩子注册
type hookSpec struct {
	name     string
	priority int
	fn       *lua.LFunction
}

// State 获取模块状态
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err 获取模块的最近错误
func (m *Module) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Descriptor 获取模块的描述符
func (m *Module) Descriptor() *plugin.Descriptor {
	return m.descriptor
}

// luaHandler 将Lua函数包装为钩子处理函数
// 上下文数据转换为Lua表传入；处理函数返回(结果, 是否阻止传播)
// 对表的修改在调用结束后写回钩子上下文
func (m *Module) luaHandler(fn *lua.LFunction) hook.Handler {
	return func(ctx context.Context, hctx *hook.Context) (interface{}, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.L == nil {
			return nil, errors.Newf(errors.ErrorTypeExecution, "MODULE_UNLOADED",
				"模块 %s 已卸载", m.ID).WithPlugin(m.ID)
		}

		m.L.SetContext(ctx)
		defer m.L.RemoveContext()

		data := toLuaValue(m.L, hctx.Data)
		if err := m.L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, data); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeExecution, "HOOK_HANDLER_FAILED",
				fmt.Sprintf("插件 %s 的钩子处理函数执行失败", m.ID))
		}

		stop := m.L.Get(-1)
		result := m.L.Get(-2)
		m.L.Pop(2)

		if table, ok := data.(*lua.LTable); ok {
			for k, v := range toGoMap(table) {
				hctx.Data[k] = v
			}
		}
		if lua.LVAsBool(stop) {
			hctx.StopPropagation()
		}
		return toGoValue(result), nil
	}
}

// Config 加载器配置
type Config struct {
	InitTimeout    time.Duration `mapstructure:"init_timeout"`    // initialize的执行期限
	InvokeTimeout  time.Duration `mapstructure:"invoke_timeout"`  // 单次调用的执行期限
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"` // cleanup的执行期限
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`  // 闲置清理周期，0表示不清理
	InactiveAge    time.Duration `mapstructure:"inactive_age"`    // 闲置模块的卸载年龄
	FetchPerSecond float64       `mapstructure:"fetch_per_second"` // 出站请求速率限制
	FetchBurst     int           `mapstructure:"fetch_burst"`      // 出站请求突发容量
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`    // 出站请求超时
}

// DefaultConfig 返回默认加载器配置
func DefaultConfig() Config {
	return Config{
		InitTimeout:    10 * time.Second,
		InvokeTimeout:  5 * time.Second,
		CleanupTimeout: 5 * time.Second,
		SweepInterval:  time.Minute,
		InactiveAge:    30 * time.Minute,
		FetchPerSecond: 5,
		FetchBurst:     10,
		FetchTimeout:   15 * time.Second,
	}
}

// Loader 插件模块加载器
// 在能力受限的Lua沙箱中执行插件入口模块
type Loader struct {
	config  Config
	storage *storage.Engine
	hooks   *hook.Pipeline
	logger  hclog.Logger

	modules map[string]*Module // 按 id@version 索引
	byID    map[string]*Module // 按插件ID索引当前模块
	mu      sync.RWMutex

	httpClient *http.Client

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLoader 创建加载器
func NewLoader(config Config, storageEngine *storage.Engine, hooks *hook.Pipeline, logger hclog.Logger) *Loader {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.InitTimeout <= 0 {
		config.InitTimeout = 10 * time.Second
	}
	if config.InvokeTimeout <= 0 {
		config.InvokeTimeout = 5 * time.Second
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = 5 * time.Second
	}

	l := &Loader{
		config:  config,
		storage: storageEngine,
		hooks:   hooks,
		logger:  logger.Named("loader"),
		modules: make(map[string]*Module),
		byID:    make(map[string]*Module),
		httpClient: &http.Client{
			Timeout: config.FetchTimeout,
		},
		stopChan: make(chan struct{}),
	}

	if config.SweepInterval > 0 && config.InactiveAge > 0 {
		l.wg.Add(1)
		go l.sweepLoop()
	}
	return l
}

// moduleKey 模块缓存键
func moduleKey(id, version string) string {
	return id + "@" + version
}

// Load 加载插件的入口模块
// 同一(插件ID, 版本)的模块被缓存复用；加载包括执行入口脚本和
// 在期限内调用initialize(context)，期限内未完成视为加载失败
func (l *Loader) Load(ctx context.Context, descriptor *plugin.Descriptor) (*Module, error) {
	if descriptor == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "INVALID_DESCRIPTOR", "描述符不能为空")
	}

	key := moduleKey(descriptor.ID, descriptor.Version)

	l.mu.Lock()
	if existing, ok := l.modules[key]; ok {
		l.mu.Unlock()
		if existing.State() == StateError {
			return nil, errors.Newf(errors.ErrorTypeOperational, "MODULE_ERROR",
				"模块 %s 处于错误状态，需要显式重新加载", key).WithPlugin(descriptor.ID)
		}
		existing.touch()
		return existing, nil
	}

	module := &Module{
		ID:         descriptor.ID,
		Version:    descriptor.Version,
		descriptor: descriptor,
		state:      StateLoading,
		loadedAt:   time.Now(),
		lastUsed:   time.Now(),
	}
	previous := l.byID[descriptor.ID]
	l.modules[key] = module
	l.byID[descriptor.ID] = module
	l.mu.Unlock()

	// 同一插件的旧版本模块立即关闭，不等待闲置清理
	if previous != nil {
		l.retire(ctx, previous)
	}

	if err := l.initialize(ctx, module); err != nil {
		module.mu.Lock()
		module.state = StateError
		module.err = err
		if module.L != nil {
			module.L.Close()
			module.L = nil
		}
		module.mu.Unlock()
		l.logger.Error("加载插件模块失败", "plugin_id", descriptor.ID, "version", descriptor.Version, "error", err)
		return nil, err
	}

	module.mu.Lock()
	module.state = StateInactive
	module.mu.Unlock()

	l.logger.Info("插件模块加载完成", "plugin_id", descriptor.ID, "version", descriptor.Version)
	return module, nil
}

// initialize 创建沙箱状态，执行入口脚本并调用initialize
func (l *Loader) initialize(ctx context.Context, module *Module) error {
	descriptor := module.descriptor

	module.mu.Lock()
	defer module.mu.Unlock()

	L := newSandboxedState()
	module.L = L

	caps := &capabilitySet{
		module:     module,
		logger:     l.logger.Named("plugin").With("plugin_id", descriptor.ID),
		storage:    l.storage,
		hooks:      l.hooks,
		httpClient: l.httpClient,
	}
	if l.config.FetchPerSecond > 0 {
		caps.limiter = rate.NewLimiter(rate.Limit(l.config.FetchPerSecond), l.config.FetchBurst)
	}
	caps.install(L)

	// 入口脚本和initialize都在真实的可取消期限下运行
	initCtx, cancel := context.WithTimeout(ctx, l.config.InitTimeout)
	defer cancel()
	L.SetContext(initCtx)
	defer L.RemoveContext()

	entry := descriptor.Entry
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(descriptor.Path, entry)
	}
	if err := doFileRecovered(L, entry); err != nil {
		return errors.Wrap(err, errors.ErrorTypeOperational, "ENTRY_LOAD_FAILED",
			fmt.Sprintf("执行插件入口 %s 失败", descriptor.Entry)).WithPlugin(descriptor.ID)
	}

	initFn := L.GetGlobal("initialize")
	if initFn.Type() == lua.LTFunction {
		err := L.CallByParam(lua.P{Fn: initFn, NRet: 0, Protect: true}, L.GetGlobal("roost"))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeOperational, "INITIALIZE_FAILED",
				"插件initialize执行失败").WithPlugin(descriptor.ID)
		}
	}
	return nil
}

// doFileRecovered 执行Lua文件，恢复解释器panic
func doFileRecovered(L *lua.LState, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return L.DoFile(path)
}

// Activate 激活模块，调用可选的activate()函数
func (l *Loader) Activate(ctx context.Context, id string) error {
	module, err := l.get(id)
	if err != nil {
		return err
	}

	module.mu.Lock()
	defer module.mu.Unlock()

	switch module.state {
	case StateActive:
		return nil
	case StateInactive:
	default:
		return errors.Newf(errors.ErrorTypeOperational, "INVALID_MODULE_STATE",
			"模块 %s 处于 %s 状态，无法激活", id, module.state).WithPlugin(id)
	}

	l.restoreHooks(module)

	if err := l.callOptional(ctx, module, "activate", l.config.InvokeTimeout); err != nil {
		module.state = StateError
		module.err = err
		return err
	}

	module.state = StateActive
	module.lastUsed = time.Now()
	return nil
}

// Deactivate 停用模块
// 插件的全部钩子注册被整体移除
func (l *Loader) Deactivate(ctx context.Context, id string) error {
	module, err := l.get(id)
	if err != nil {
		return err
	}

	module.mu.Lock()
	if module.state != StateActive {
		module.mu.Unlock()
		return nil
	}
	if err := l.callOptional(ctx, module, "deactivate", l.config.InvokeTimeout); err != nil {
		// 停用失败不阻止状态转换，记录日志
		l.logger.Warn("插件deactivate执行失败", "plugin_id", id, "error", err)
	}
	module.state = StateInactive
	module.hooksInstalled = false
	module.lastUsed = time.Now()
	module.mu.Unlock()

	if l.hooks != nil {
		l.hooks.UnregisterPlugin(id)
	}
	return nil
}

// restoreHooks 重新安装停用时移除的钩子注册
// 调用方持有模块锁
func (l *Loader) restoreHooks(module *Module) {
	if l.hooks == nil || module.hooksInstalled {
		return
	}
	for _, spec := range module.hookSpecs {
		_, err := l.hooks.Register(spec.name, module.luaHandler(spec.fn), hook.RegisterOptions{
			PluginID: module.ID,
			Priority: spec.priority,
		})
		if err != nil {
			l.logger.Warn("恢复钩子注册失败", "plugin_id", module.ID, "hook", spec.name, "error", err)
		}
	}
	module.hooksInstalled = true
}

// callOptional 调用可选的全局函数，不存在时直接返回
// 调用方持有模块锁
func (l *Loader) callOptional(ctx context.Context, module *Module, name string, timeout time.Duration) error {
	if module.L == nil {
		return errors.Newf(errors.ErrorTypeOperational, "MODULE_UNLOADED", "模块 %s 已卸载", module.ID).WithPlugin(module.ID)
	}

	fn := module.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	module.L.SetContext(callCtx)
	defer module.L.RemoveContext()

	if err := module.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeExecution, "CALL_FAILED",
			fmt.Sprintf("插件函数 %s 执行失败", name)).WithPlugin(module.ID)
	}
	return nil
}

// Invoke 调用模块的全局函数
// 调用抛错或超时使模块进入错误状态
func (l *Loader) Invoke(ctx context.Context, id string, fn string, args ...interface{}) (interface{}, error) {
	module, err := l.get(id)
	if err != nil {
		return nil, err
	}

	module.mu.Lock()
	defer module.mu.Unlock()

	if module.state != StateActive && module.state != StateInactive {
		return nil, errors.Newf(errors.ErrorTypeOperational, "INVALID_MODULE_STATE",
			"模块 %s 处于 %s 状态，无法调用", id, module.state).WithPlugin(id)
	}

	fnVal := module.L.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "FUNCTION_NOT_FOUND",
			"插件函数 %s 不存在", fn).WithPlugin(id)
	}

	callCtx, cancel := context.WithTimeout(ctx, l.config.InvokeTimeout)
	defer cancel()
	module.L.SetContext(callCtx)
	defer module.L.RemoveContext()

	luaArgs := make([]lua.LValue, len(args))
	for i, arg := range args {
		luaArgs[i] = toLuaValue(module.L, arg)
	}

	if err := module.L.CallByParam(lua.P{Fn: fnVal, NRet: 1, Protect: true}, luaArgs...); err != nil {
		module.state = StateError
		module.err = err
		return nil, errors.Wrap(err, errors.ErrorTypeExecution, "INVOKE_FAILED",
			fmt.Sprintf("调用插件函数 %s 失败", fn)).WithPlugin(id)
	}

	result := module.L.Get(-1)
	module.L.Pop(1)
	module.lastUsed = time.Now()
	return toGoValue(result), nil
}

// Unload 卸载模块
// cleanup尽力调用，失败只记录日志；随后丢弃缓存的模块和Lua状态
func (l *Loader) Unload(ctx context.Context, id string) error {
	module, err := l.get(id)
	if err != nil {
		return err
	}

	module.mu.Lock()
	module.state = StateUnloading
	if module.L != nil {
		if err := l.callOptionalLocked(ctx, module, "cleanup"); err != nil {
			l.logger.Warn("插件cleanup执行失败", "plugin_id", id, "error", err)
		}
		module.L.Close()
		module.L = nil
	}
	module.state = StateUnloaded
	module.hookSpecs = nil
	module.hooksInstalled = false
	module.mu.Unlock()

	if l.hooks != nil {
		l.hooks.UnregisterPlugin(id)
	}

	l.mu.Lock()
	delete(l.modules, moduleKey(module.ID, module.Version))
	if l.byID[id] == module {
		delete(l.byID, id)
	}
	l.mu.Unlock()

	l.logger.Info("插件模块已卸载", "plugin_id", id, "version", module.Version)
	return nil
}

// retire 关闭被新版本取代的旧模块并移除其钩子注册
func (l *Loader) retire(ctx context.Context, module *Module) {
	module.mu.Lock()
	module.state = StateUnloading
	if module.L != nil {
		if err := l.callOptionalLocked(ctx, module, "cleanup"); err != nil {
			l.logger.Warn("插件cleanup执行失败", "plugin_id", module.ID, "error", err)
		}
		module.L.Close()
		module.L = nil
	}
	module.state = StateUnloaded
	module.hookSpecs = nil
	module.hooksInstalled = false
	module.mu.Unlock()

	if l.hooks != nil {
		l.hooks.UnregisterPlugin(module.ID)
	}

	l.mu.Lock()
	delete(l.modules, moduleKey(module.ID, module.Version))
	l.mu.Unlock()

	l.logger.Info("旧版本模块已卸载", "plugin_id", module.ID, "version", module.Version)
}

// callOptionalLocked 在cleanup期限内调用可选函数，调用方持有模块锁
func (l *Loader) callOptionalLocked(ctx context.Context, module *Module, name string) error {
	fn := module.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, l.config.CleanupTimeout)
	defer cancel()
	module.L.SetContext(callCtx)
	defer module.L.RemoveContext()

	return module.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true})
}

// Reload 重新加载处于错误状态的模块
func (l *Loader) Reload(ctx context.Context, id string) (*Module, error) {
	l.mu.Lock()
	module, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return nil, errors.ErrPluginNotFound
	}
	delete(l.modules, moduleKey(module.ID, module.Version))
	delete(l.byID, id)
	l.mu.Unlock()

	module.mu.Lock()
	if module.L != nil {
		module.L.Close()
		module.L = nil
	}
	descriptor := module.descriptor
	module.mu.Unlock()

	if l.hooks != nil {
		l.hooks.UnregisterPlugin(id)
	}
	return l.Load(ctx, descriptor)
}

// Get 获取已加载的模块
func (l *Loader) Get(id string) (*Module, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.byID[id]
	return module, ok
}

// Loaded 获取全部已加载模块
func (l *Loader) Loaded() []*Module {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]*Module, 0, len(l.modules))
	for _, module := range l.modules {
		result = append(result, module)
	}
	return result
}

// get 按插件ID查找模块
func (l *Loader) get(id string) (*Module, error) {
	l.mu.RLock()
	module, ok := l.byID[id]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "MODULE_NOT_FOUND", "模块 %s 未加载", id).WithPlugin(id)
	}
	return module, nil
}

// touch 更新最近使用时间
func (m *Module) touch() {
	m.mu.Lock()
	m.lastUsed = time.Now()
	m.mu.Unlock()
}

// sweepLoop 定期卸载长期闲置的非激活模块
func (l *Loader) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopChan:
			return
		}
	}
}

// Sweep 卸载闲置超过年龄阈值的非激活模块，返回卸载数量
func (l *Loader) Sweep() int {
	cutoff := time.Now().Add(-l.config.InactiveAge)

	l.mu.RLock()
	candidates := make([]*Module, 0)
	for _, module := range l.modules {
		module.mu.Lock()
		idle := module.state == StateInactive && module.lastUsed.Before(cutoff)
		module.mu.Unlock()
		if idle {
			candidates = append(candidates, module)
		}
	}
	l.mu.RUnlock()

	count := 0
	for _, module := range candidates {
		if err := l.Unload(context.Background(), module.ID); err == nil {
			count++
		}
	}
	if count > 0 {
		l.logger.Info("闲置模块清理完成", "unloaded", count)
	}
	return count
}

// Close 卸载全部模块并停止后台协程
func (l *Loader) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()

	l.mu.RLock()
	ids := make([]string, 0, len(l.byID))
	for id := range l.byID {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	for _, id := range ids {
		if err := l.Unload(context.Background(), id); err != nil {
			l.logger.Warn("关闭时卸载模块失败", "plugin_id", id, "error", err)
		}
	}
	return nil
}
