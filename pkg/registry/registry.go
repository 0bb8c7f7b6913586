package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/lomehong/roost/pkg/errors"
	"github.com/lomehong/roost/pkg/events"
	"github.com/lomehong/roost/pkg/plugin"
)

// Metrics 条目的生命周期指标
type Metrics struct {
	Activations    int       `json:"activations"`
	Errors         int       `json:"errors"`
	LastError      string    `json:"last_error,omitempty"`
	StateChangedAt time.Time `json:"state_changed_at"`
}

// Reliability 可靠性评分
// 激活次数相对于错误次数的比值，无历史时视为满分
func (m Metrics) Reliability() float64 {
	total := m.Activations + m.Errors
	if total == 0 {
		return 1.0
	}
	return float64(m.Activations) / float64(total)
}

// Entry 注册表条目
// 描述符加上生命周期状态、已解析的依赖边、依赖方、加载顺序和冲突记录
type Entry struct {
	Descriptor   *plugin.Descriptor `json:"descriptor"`
	Status       plugin.Status      `json:"status"`
	Edges        []Edge             `json:"edges,omitempty"`
	Dependents   []string           `json:"dependents,omitempty"`
	LoadOrder    int                `json:"load_order"`
	OnCycle      bool               `json:"on_cycle,omitempty"`
	Conflicts    []Conflict         `json:"conflicts,omitempty"`
	Warnings     []string           `json:"warnings,omitempty"`
	Metrics      Metrics            `json:"metrics"`
	RegisteredAt time.Time          `json:"registered_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// clone 返回条目的浅拷贝，切片独立
func (e *Entry) clone() *Entry {
	copied := *e
	copied.Edges = append([]Edge(nil), e.Edges...)
	copied.Dependents = append([]string(nil), e.Dependents...)
	copied.Conflicts = append([]Conflict(nil), e.Conflicts...)
	copied.Warnings = append([]string(nil), e.Warnings...)
	return &copied
}

// RegisterOptions 注册选项
type RegisterOptions struct {
	// Override 设置后允许高严重程度冲突的插件注册
	Override bool
}

// Query 插件查询条件
type Query struct {
	ID       string
	Name     string
	Category string
	Tag      string
	Author   string
	Status   plugin.Status
}

// Config 注册表配置
type Config struct {
	SnapshotPath  string        `mapstructure:"snapshot_path"`  // 持久化快照路径，空表示不持久化
	FlushInterval time.Duration `mapstructure:"flush_interval"` // 定时落盘周期，0表示只在关闭时落盘
}

// Event 注册表变更事件
type Event struct {
	Type      string    `json:"type"`
	PluginID  string    `json:"plugin_id"`
	Status    plugin.Status `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Watcher 注册表观察者
type Watcher struct {
	registry *Registry
	id       int
	stopped  bool
	mu       sync.Mutex
}

// Stop 停止观察
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	w.registry.removeWatcher(w.id)
	return nil
}

// Registry 插件注册表
// 插件生命周期状态的唯一写入方；依赖图、加载顺序和冲突在每次变更后重算
type Registry struct {
	config  Config
	logger  hclog.Logger
	bus     *events.Bus
	entries map[string]*Entry
	dirty   bool
	mu      sync.RWMutex

	watchers      map[int]func(Event)
	nextWatcherID int
	watcherMu     sync.RWMutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry 创建注册表
// 配置了快照路径时在启动时重新加载持久化状态
func NewRegistry(config Config, bus *events.Bus, logger hclog.Logger) (*Registry, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	r := &Registry{
		config:   config,
		logger:   logger.Named("registry"),
		bus:      bus,
		entries:  make(map[string]*Entry),
		watchers: make(map[int]func(Event)),
		stopChan: make(chan struct{}),
	}

	if config.SnapshotPath != "" {
		if err := r.load(); err != nil {
			return nil, err
		}
	}
	if config.SnapshotPath != "" && config.FlushInterval > 0 {
		r.wg.Add(1)
		go r.flushLoop()
	}
	return r, nil
}

// Register 注册插件
// 必需依赖缺失阻止注册；必需依赖成环拒绝注册；高严重程度冲突
// 除非设置覆盖标志否则拒绝；可选依赖问题和中等冲突降级为警告
func (r *Registry) Register(descriptor *plugin.Descriptor, options RegisterOptions) error {
	if descriptor == nil || descriptor.ID == "" {
		return errors.New(errors.ErrorTypeValidation, "INVALID_DESCRIPTOR", "描述符无效")
	}

	r.mu.Lock()

	if _, exists := r.entries[descriptor.ID]; exists {
		r.mu.Unlock()
		return errors.Newf(errors.ErrorTypePermanent, "ALREADY_EXISTS", "插件 %s 已注册", descriptor.ID).
			WithPlugin(descriptor.ID)
	}

	// 任何状态变更前完成全部验证
	edges, warnings, err := resolveDependencies(descriptor, r.entries)
	if err != nil {
		r.mu.Unlock()
		return errors.Wrap(err, errors.ErrorTypeValidation, "DEPENDENCY_UNRESOLVED", "依赖解析失败").
			WithPlugin(descriptor.ID)
	}

	conflicts := detectConflicts(descriptor, r.entries)
	if high := highSeverity(conflicts); len(high) > 0 && !options.Override {
		r.mu.Unlock()
		return errors.Newf(errors.ErrorTypeConflict, "ROUTE_CONFLICT", "%s", high[0].Detail).
			WithPlugin(descriptor.ID)
	}
	for _, c := range conflicts {
		if c.Severity == SeverityMedium {
			warnings = append(warnings, c.Detail)
			r.logger.Warn("检测到可消解的插件冲突", "plugin_id", descriptor.ID, "detail", c.Detail)
		}
	}

	now := time.Now()
	entry := &Entry{
		Descriptor:   descriptor,
		Status:       plugin.StatusInstalled,
		Edges:        edges,
		Conflicts:    conflicts,
		Warnings:     warnings,
		Metrics:      Metrics{StateChangedAt: now},
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	r.entries[descriptor.ID] = entry

	// 必需依赖成环时撤销本次注册
	if cycle := findRequiredCycle(r.entries); cycle != nil {
		delete(r.entries, descriptor.ID)
		r.rebuildLocked()
		r.mu.Unlock()
		return errors.Newf(errors.ErrorTypeConflict, "DEPENDENCY_CYCLE",
			"必需依赖存在循环: %s", strings.Join(cycle, " -> ")).WithPlugin(descriptor.ID)
	}

	r.rebuildLocked()
	r.dirty = true
	loadOrder := entry.LoadOrder

	// 同步通知订阅者，持锁期间回调会导致读接口死锁
	r.mu.Unlock()

	r.logger.Info("插件已注册", "plugin_id", descriptor.ID, "version", descriptor.Version,
		"load_order", loadOrder)
	r.publish(events.EventPluginRegistered, descriptor.ID, map[string]interface{}{
		"version": descriptor.Version,
	})
	r.notify(Event{Type: "registered", PluginID: descriptor.ID, Timestamp: now})
	return nil
}

// Unregister 注销插件
// 存在依赖方时拒绝注销
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()

	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return errors.Newf(errors.ErrorTypeNotFound, "PLUGIN_NOT_FOUND", "插件 %s 不存在", id).WithPlugin(id)
	}
	if len(entry.Dependents) > 0 {
		r.mu.Unlock()
		return errors.Newf(errors.ErrorTypeConflict, "HAS_DEPENDENTS",
			"插件 %s 被以下插件依赖: %s", id, strings.Join(entry.Dependents, ", ")).WithPlugin(id)
	}

	delete(r.entries, id)
	r.rebuildLocked()
	r.dirty = true
	r.mu.Unlock()

	r.logger.Info("插件已注销", "plugin_id", id)
	r.publish(events.EventPluginUnregistered, id, nil)
	r.notify(Event{Type: "unregistered", PluginID: id, Timestamp: time.Now()})
	return nil
}

// Update 更新插件描述符
// 新版本的描述符取代旧版本；更新引入必需依赖循环时回滚
func (r *Registry) Update(descriptor *plugin.Descriptor, options RegisterOptions) error {
	if descriptor == nil || descriptor.ID == "" {
		return errors.New(errors.ErrorTypeValidation, "INVALID_DESCRIPTOR", "描述符无效")
	}

	r.mu.Lock()

	entry, exists := r.entries[descriptor.ID]
	if !exists {
		r.mu.Unlock()
		return errors.Newf(errors.ErrorTypeNotFound, "PLUGIN_NOT_FOUND", "插件 %s 不存在", descriptor.ID).
			WithPlugin(descriptor.ID)
	}

	edges, warnings, err := resolveDependencies(descriptor, r.entries)
	if err != nil {
		r.mu.Unlock()
		return errors.Wrap(err, errors.ErrorTypeValidation, "DEPENDENCY_UNRESOLVED", "依赖解析失败").
			WithPlugin(descriptor.ID)
	}

	conflicts := detectConflicts(descriptor, r.entries)
	if high := highSeverity(conflicts); len(high) > 0 && !options.Override {
		r.mu.Unlock()
		return errors.Newf(errors.ErrorTypeConflict, "ROUTE_CONFLICT", "%s", high[0].Detail).
			WithPlugin(descriptor.ID)
	}

	previous := entry.clone()
	entry.Descriptor = descriptor
	entry.Edges = edges
	entry.Conflicts = conflicts
	entry.Warnings = warnings
	entry.UpdatedAt = time.Now()

	if cycle := findRequiredCycle(r.entries); cycle != nil {
		r.entries[descriptor.ID] = previous
		r.rebuildLocked()
		r.mu.Unlock()
		return errors.Newf(errors.ErrorTypeConflict, "DEPENDENCY_CYCLE",
			"必需依赖存在循环: %s", strings.Join(cycle, " -> ")).WithPlugin(descriptor.ID)
	}

	r.rebuildLocked()
	r.dirty = true
	r.mu.Unlock()

	r.logger.Info("插件已更新", "plugin_id", descriptor.ID, "version", descriptor.Version)
	r.publish(events.EventPluginUpdated, descriptor.ID, map[string]interface{}{
		"version": descriptor.Version,
	})
	r.notify(Event{Type: "updated", PluginID: descriptor.ID, Timestamp: time.Now()})
	return nil
}

// SetStatus 转换插件的生命周期状态
// 无效的状态转换被拒绝
func (r *Registry) SetStatus(id string, status plugin.Status) error {
	r.mu.Lock()

	entry, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return errors.Newf(errors.ErrorTypeNotFound, "PLUGIN_NOT_FOUND", "插件 %s 不存在", id).WithPlugin(id)
	}
	if !plugin.CanTransition(entry.Status, status) {
		from := entry.Status
		r.mu.Unlock()
		return errors.Newf(errors.ErrorTypeOperational, "INVALID_TRANSITION",
			"插件 %s 无法从 %s 转换到 %s", id, from, status).WithPlugin(id)
	}

	previous := entry.Status
	entry.Status = status
	entry.Metrics.StateChangedAt = time.Now()
	switch status {
	case plugin.StatusActive:
		entry.Metrics.Activations++
	case plugin.StatusError:
		entry.Metrics.Errors++
	}
	r.dirty = true
	r.mu.Unlock()

	r.logger.Debug("插件状态变更", "plugin_id", id, "from", previous, "to", status)
	r.publish(events.EventPluginStateChanged, id, map[string]interface{}{
		"from": string(previous),
		"to":   string(status),
	})
	r.notify(Event{Type: "state_changed", PluginID: id, Status: status, Timestamp: time.Now()})
	return nil
}

// SetError 将插件转入错误状态并记录错误原因
func (r *Registry) SetError(id string, cause error) error {
	r.mu.Lock()
	if entry, exists := r.entries[id]; exists && cause != nil {
		entry.Metrics.LastError = cause.Error()
	}
	r.mu.Unlock()
	return r.SetStatus(id, plugin.StatusError)
}

// Get 获取插件条目
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.entries[id]
	if !exists {
		return nil, false
	}
	return entry.clone(), true
}

// List 列出全部条目，按加载顺序排序
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, entry.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LoadOrder < result[j].LoadOrder
	})
	return result
}

// Query 按条件查询条目
func (r *Registry) Query(query Query) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Entry, 0)
	for _, entry := range r.entries {
		d := entry.Descriptor
		if query.ID != "" && d.ID != query.ID {
			continue
		}
		if query.Name != "" && !strings.EqualFold(d.Name, query.Name) {
			continue
		}
		if query.Category != "" && d.Category != query.Category {
			continue
		}
		if query.Tag != "" && !d.HasTag(query.Tag) {
			continue
		}
		if query.Author != "" && d.Author != query.Author {
			continue
		}
		if query.Status != "" && entry.Status != query.Status {
			continue
		}
		result = append(result, entry.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LoadOrder < result[j].LoadOrder
	})
	return result
}

// GetLoadOrder 按拓扑顺序返回插件ID
// 对每条已解析的非循环依赖边，被依赖方排在依赖方之前
func (r *Registry) GetLoadOrder() []string {
	entries := r.List()
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.Descriptor.ID
	}
	return ids
}

// Count 获取已注册插件数量
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Watch 订阅注册表变更
func (r *Registry) Watch(handler func(Event)) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "INVALID_HANDLER", "处理函数不能为空")
	}

	r.watcherMu.Lock()
	defer r.watcherMu.Unlock()
	r.nextWatcherID++
	r.watchers[r.nextWatcherID] = handler
	return &Watcher{registry: r, id: r.nextWatcherID}, nil
}

// removeWatcher 移除观察者
func (r *Registry) removeWatcher(id int) {
	r.watcherMu.Lock()
	defer r.watcherMu.Unlock()
	delete(r.watchers, id)
}

// notify 通知全部观察者
func (r *Registry) notify(event Event) {
	r.watcherMu.RLock()
	handlers := make([]func(Event), 0, len(r.watchers))
	for _, handler := range r.watchers {
		handlers = append(handlers, handler)
	}
	r.watcherMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("观察者处理函数panic", "recover", rec)
				}
			}()
			handler(event)
		}()
	}
}

// rebuildLocked 重算全部条目的依赖边、依赖方、循环标记和加载顺序
// 调用方持有写锁。新插件注册后，其他插件此前未解析的可选依赖可能变为可解析
func (r *Registry) rebuildLocked() {
	for _, entry := range r.entries {
		edges, warnings, err := resolveDependencies(entry.Descriptor, r.entries)
		if err != nil {
			// 必需依赖在自身注册时已验证；此处失败说明依赖链被破坏，保留原边并记录
			r.logger.Error("重算依赖边失败", "plugin_id", entry.Descriptor.ID, "error", err)
			continue
		}
		entry.Edges = edges
		entry.Warnings = warnings
	}

	markCycles(r.entries)
	computeDependents(r.entries)
	computeLoadOrder(r.entries)
}

// publish 发布注册表事件
func (r *Registry) publish(eventType string, pluginID string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:     eventType,
		Source:   "registry",
		PluginID: pluginID,
		Data:     data,
	})
}
