package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/lomehong/roost/pkg/errors"
	"github.com/lomehong/roost/pkg/events"
)

// Handler 钩子处理函数
// 上下文对象在同名处理函数之间按优先级顺序传递
type Handler func(ctx context.Context, hctx *Context) (interface{}, error)

// Context 钩子执行上下文
// 处理函数可以修改数据，后续处理函数看到修改后的数据
type Context struct {
	Name    string
	Data    map[string]interface{}
	stopped bool
}

// NewContext 创建钩子执行上下文
func NewContext(data map[string]interface{}) *Context {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Context{Data: data}
}

// Get 获取上下文数据
func (c *Context) Get(key string) (interface{}, bool) {
	value, ok := c.Data[key]
	return value, ok
}

// Set 设置上下文数据
func (c *Context) Set(key string, value interface{}) {
	c.Data[key] = value
}

// StopPropagation 阻止同名的后续处理函数执行
func (c *Context) StopPropagation() {
	c.stopped = true
}

// Stopped 检查是否已阻止传播
func (c *Context) Stopped() bool {
	return c.stopped
}

// Registration 钩子注册记录
type Registration struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	PluginID string        `json:"plugin_id"`
	Priority int           `json:"priority"`
	Enabled  bool          `json:"enabled"`
	Timeout  time.Duration `json:"timeout"`

	handler Handler
	seq     int64
}

// ResultStatus 单次处理函数执行的结果状态
type ResultStatus string

// 预定义结果状态
const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped" // 熔断器打开，处理函数被跳过
)

// Result 单个处理函数的执行结果
type Result struct {
	HookID   string        `json:"hook_id"`
	Name     string        `json:"name"`
	PluginID string        `json:"plugin_id"`
	Status   ResultStatus  `json:"status"`
	Output   interface{}   `json:"output,omitempty"`
	Error    error         `json:"-"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
}

// Config 钩子管道配置
type Config struct {
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`   // 处理函数默认超时
	MaxRetries       int           `mapstructure:"max_retries"`       // 失败后最大重试次数
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`     // 线性退避基数，第n次重试等待n*backoff
	BreakerThreshold int           `mapstructure:"breaker_threshold"` // 连续失败熔断阈值
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`  // 熔断冷却窗口
	MaxConcurrent    int           `mapstructure:"max_concurrent"`    // 并发执行上限，0表示不限制
	MetricsRetention time.Duration `mapstructure:"metrics_retention"` // 指标保留窗口
}

// DefaultConfig 返回默认钩子管道配置
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   5 * time.Second,
		MaxRetries:       0,
		RetryBackoff:     100 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		MaxConcurrent:    64,
		MetricsRetention: 24 * time.Hour,
	}
}

// Pipeline 钩子执行管道
// 同名处理函数按优先级降序严格串行执行，不同名称之间无顺序保证
type Pipeline struct {
	config   Config
	logger   hclog.Logger
	bus      *events.Bus
	metrics  *metricsStore
	inflight int64
	nextSeq  int64

	registrations map[string]*Registration   // 按注册ID索引
	byName        map[string][]*Registration // 按钩子名称索引
	breakers      map[string]*Breaker        // 每个注册ID一个熔断器
	nameLocks     map[string]*sync.Mutex     // 同名执行的串行锁
	mu            sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPipeline 创建钩子执行管道
func NewPipeline(config Config, bus *events.Bus, logger hclog.Logger) *Pipeline {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 5 * time.Second
	}

	p := &Pipeline{
		config:        config,
		logger:        logger.Named("hook-pipeline"),
		bus:           bus,
		metrics:       newMetricsStore(config.MetricsRetention),
		registrations: make(map[string]*Registration),
		byName:        make(map[string][]*Registration),
		breakers:      make(map[string]*Breaker),
		nameLocks:     make(map[string]*sync.Mutex),
		stopChan:      make(chan struct{}),
	}

	// 定期清理过期指标
	if config.MetricsRetention > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ticker := time.NewTicker(config.MetricsRetention / 4)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					p.metrics.prune()
				case <-p.stopChan:
					return
				}
			}
		}()
	}

	return p
}

// RegisterOptions 钩子注册选项
type RegisterOptions struct {
	PluginID string
	Priority int
	Timeout  time.Duration
}

// Register 注册钩子处理函数，返回注册ID
// 优先级高的先执行，同优先级按注册顺序执行
func (p *Pipeline) Register(name string, handler Handler, options RegisterOptions) (string, error) {
	if name == "" {
		return "", errors.New(errors.ErrorTypeValidation, "INVALID_HOOK_NAME", "钩子名称不能为空")
	}
	if handler == nil {
		return "", errors.New(errors.ErrorTypeValidation, "INVALID_HOOK_HANDLER", "钩子处理函数不能为空")
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = p.config.DefaultTimeout
	}

	p.mu.Lock()
	p.nextSeq++
	reg := &Registration{
		ID:       uuid.New().String(),
		Name:     name,
		PluginID: options.PluginID,
		Priority: options.Priority,
		Enabled:  true,
		Timeout:  timeout,
		handler:  handler,
		seq:      p.nextSeq,
	}
	p.registrations[reg.ID] = reg
	p.byName[name] = append(p.byName[name], reg)
	p.breakers[reg.ID] = NewBreaker(p.config.BreakerThreshold, p.config.BreakerCooldown)
	p.mu.Unlock()

	p.logger.Debug("注册钩子", "name", name, "hook_id", reg.ID, "plugin_id", options.PluginID, "priority", options.Priority)
	p.publish(events.EventHookRegistered, options.PluginID, map[string]interface{}{
		"hook_id":  reg.ID,
		"name":     name,
		"priority": options.Priority,
	})
	return reg.ID, nil
}

// Unregister 取消钩子注册
func (p *Pipeline) Unregister(hookID string) error {
	p.mu.Lock()
	reg, ok := p.registrations[hookID]
	if !ok {
		p.mu.Unlock()
		return errors.Newf(errors.ErrorTypeNotFound, "HOOK_NOT_FOUND", "钩子注册不存在: %s", hookID)
	}
	p.removeLocked(reg)
	p.mu.Unlock()

	p.logger.Debug("取消钩子注册", "name", reg.Name, "hook_id", hookID)
	p.publish(events.EventHookUnregistered, reg.PluginID, map[string]interface{}{
		"hook_id": hookID,
		"name":    reg.Name,
	})
	return nil
}

// UnregisterPlugin 移除插件的全部钩子注册，返回移除数量
// 插件停用和卸载时调用
func (p *Pipeline) UnregisterPlugin(pluginID string) int {
	p.mu.Lock()
	removed := make([]*Registration, 0)
	for _, reg := range p.registrations {
		if reg.PluginID == pluginID {
			removed = append(removed, reg)
		}
	}
	for _, reg := range removed {
		p.removeLocked(reg)
	}
	p.mu.Unlock()

	for _, reg := range removed {
		p.publish(events.EventHookUnregistered, pluginID, map[string]interface{}{
			"hook_id": reg.ID,
			"name":    reg.Name,
		})
	}
	if len(removed) > 0 {
		p.logger.Info("移除插件的全部钩子注册", "plugin_id", pluginID, "count", len(removed))
	}
	return len(removed)
}

// removeLocked 从全部索引中移除注册记录，调用方持有写锁
func (p *Pipeline) removeLocked(reg *Registration) {
	delete(p.registrations, reg.ID)
	delete(p.breakers, reg.ID)
	regs := p.byName[reg.Name]
	for i, r := range regs {
		if r.ID == reg.ID {
			p.byName[reg.Name] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(p.byName[reg.Name]) == 0 {
		delete(p.byName, reg.Name)
	}
}

// SetEnabled 启用或禁用钩子注册
func (p *Pipeline) SetEnabled(hookID string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	reg, ok := p.registrations[hookID]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "HOOK_NOT_FOUND", "钩子注册不存在: %s", hookID)
	}
	reg.Enabled = enabled
	return nil
}

// Registrations 获取指定钩子名称的注册记录，按执行顺序返回
func (p *Pipeline) Registrations(name string) []Registration {
	p.mu.RLock()
	regs := p.sortedLocked(name)
	p.mu.RUnlock()

	result := make([]Registration, len(regs))
	for i, reg := range regs {
		result[i] = *reg
	}
	return result
}

// BreakerState 获取指定注册的熔断器状态
func (p *Pipeline) BreakerState(hookID string) (BreakerState, error) {
	p.mu.RLock()
	breaker, ok := p.breakers[hookID]
	p.mu.RUnlock()
	if !ok {
		return "", errors.Newf(errors.ErrorTypeNotFound, "HOOK_NOT_FOUND", "钩子注册不存在: %s", hookID)
	}
	return breaker.State(), nil
}

// Execute 执行指定名称的全部钩子处理函数
// 同名处理函数按优先级降序串行执行，处理函数可以修改上下文或阻止传播
// 超出并发上限的调用被拒绝而不是排队
func (p *Pipeline) Execute(ctx context.Context, name string, hctx *Context) ([]Result, error) {
	if hctx == nil {
		hctx = NewContext(nil)
	}
	hctx.Name = name

	if p.config.MaxConcurrent > 0 {
		if atomic.AddInt64(&p.inflight, 1) > int64(p.config.MaxConcurrent) {
			atomic.AddInt64(&p.inflight, -1)
			return nil, errors.ErrTooManyRequests
		}
	} else {
		atomic.AddInt64(&p.inflight, 1)
	}
	defer atomic.AddInt64(&p.inflight, -1)

	// 同名执行严格串行，保证上下文修改和阻止传播的确定性
	lock := p.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	p.mu.RLock()
	regs := p.sortedLocked(name)
	p.mu.RUnlock()

	results := make([]Result, 0, len(regs))
	for _, reg := range regs {
		if !reg.Enabled {
			continue
		}

		p.mu.RLock()
		breaker := p.breakers[reg.ID]
		p.mu.RUnlock()
		if breaker == nil {
			// 注册在快照和执行之间被移除
			continue
		}

		// 熔断跳过不是错误，记录警告日志
		if !breaker.Allow() {
			p.logger.Warn("熔断器打开，跳过钩子处理函数",
				"name", name, "hook_id", reg.ID, "plugin_id", reg.PluginID)
			results = append(results, Result{
				HookID:   reg.ID,
				Name:     name,
				PluginID: reg.PluginID,
				Status:   ResultSkipped,
			})
			continue
		}

		results = append(results, p.invoke(ctx, reg, breaker, hctx))

		if hctx.Stopped() {
			break
		}
	}

	p.publish(events.EventHookExecuted, "", map[string]interface{}{
		"name":    name,
		"results": len(results),
	})
	return results, nil
}

// invoke 执行单个处理函数，包含重试、超时和熔断记录
func (p *Pipeline) invoke(ctx context.Context, reg *Registration, breaker *Breaker, hctx *Context) Result {
	attempts := 1 + p.config.MaxRetries
	memBefore := p.metrics.memorySample()
	started := time.Now()

	var output interface{}
	var err error
	attempt := 0
	for attempt = 1; attempt <= attempts; attempt++ {
		output, err = p.invokeOnce(ctx, reg, hctx)
		if err == nil {
			break
		}
		p.logger.Warn("钩子处理函数执行失败",
			"name", reg.Name, "hook_id", reg.ID, "plugin_id", reg.PluginID,
			"attempt", attempt, "error", err)
		// 线性退避后重试
		if attempt < attempts {
			select {
			case <-time.After(time.Duration(attempt) * p.config.RetryBackoff):
			case <-ctx.Done():
				attempt = attempts
			}
		}
	}
	if attempt > attempts {
		attempt = attempts
	}

	duration := time.Since(started)
	memoryDelta := p.metrics.memorySample() - memBefore
	p.metrics.record(reg.Name, err == nil, duration, memoryDelta)

	result := Result{
		HookID:   reg.ID,
		Name:     reg.Name,
		PluginID: reg.PluginID,
		Output:   output,
		Error:    err,
		Duration: duration,
		Attempts: attempt,
	}

	if err == nil {
		breaker.OnSuccess()
		result.Status = ResultSuccess
		return result
	}

	result.Status = ResultFailed
	if breaker.OnFailure() {
		p.logger.Warn("熔断器打开",
			"name", reg.Name, "hook_id", reg.ID, "plugin_id", reg.PluginID,
			"failures", breaker.Failures())
		p.publish(events.EventCircuitOpened, reg.PluginID, map[string]interface{}{
			"hook_id":  reg.ID,
			"name":     reg.Name,
			"failures": breaker.Failures(),
		})
	}
	p.publish(events.EventHookFailed, reg.PluginID, map[string]interface{}{
		"hook_id": reg.ID,
		"name":    reg.Name,
		"error":   err.Error(),
	})
	return result
}

// invokeOnce 执行单次处理函数调用
// 调用在真实的可取消上下文下运行，超时或panic都记为执行失败
func (p *Pipeline) invokeOnce(parent context.Context, reg *Registration, hctx *Context) (interface{}, error) {
	ctx, cancel := context.WithTimeout(parent, reg.Timeout)
	defer cancel()

	type outcome struct {
		output interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Newf(errors.ErrorTypeExecution, "HANDLER_PANIC",
					"钩子处理函数panic: %v", r).WithPlugin(reg.PluginID)}
			}
		}()
		output, err := reg.handler(ctx, hctx)
		done <- outcome{output: output, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, errors.Wrap(o.err, errors.ErrorTypeExecution, "HOOK_EXECUTION_FAILED",
				fmt.Sprintf("钩子 %s 执行失败", reg.Name))
		}
		return o.output, nil
	case <-ctx.Done():
		return nil, errors.Newf(errors.ErrorTypeExecution, "EXECUTION_TIMEOUT",
			"钩子 %s 执行超时 (%s)", reg.Name, reg.Timeout).WithPlugin(reg.PluginID)
	}
}

// sortedLocked 返回按执行顺序排序的注册快照，调用方持有读锁
func (p *Pipeline) sortedLocked(name string) []*Registration {
	regs := make([]*Registration, len(p.byName[name]))
	copy(regs, p.byName[name])
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority > regs[j].Priority
		}
		return regs[i].seq < regs[j].seq
	})
	return regs
}

// nameLock 获取钩子名称对应的串行锁
func (p *Pipeline) nameLock(name string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.nameLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		p.nameLocks[name] = lock
	}
	return lock
}

// Metrics 获取指定钩子名称的指标
func (p *Pipeline) Metrics(name string) (Metrics, bool) {
	return p.metrics.get(name)
}

// AllMetrics 获取全部钩子指标
func (p *Pipeline) AllMetrics() []Metrics {
	return p.metrics.all()
}

// publish 发布管道事件
func (p *Pipeline) publish(eventType string, pluginID string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Type:     eventType,
		Source:   "hook-pipeline",
		PluginID: pluginID,
		Data:     data,
	})
}

// Close 停止后台协程
func (p *Pipeline) Close() error {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()
	return nil
}
