package events

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// 预定义事件类型
// 宿主应用通过订阅这些事件观察插件运行时的行为
const (
	EventPluginRegistered   = "plugin.registered"
	EventPluginUnregistered = "plugin.unregistered"
	EventPluginUpdated      = "plugin.updated"
	EventPluginStateChanged = "plugin.state_changed"

	EventHookRegistered     = "hook.registered"
	EventHookUnregistered   = "hook.unregistered"
	EventHookExecuted       = "hook.executed"
	EventHookFailed         = "hook.execution_failed"
	EventCircuitOpened      = "hook.circuit_opened"

	EventCacheSet     = "cache.set"
	EventCacheGet     = "cache.get"
	EventCacheDelete  = "cache.delete"
	EventCacheEvict   = "cache.evict"
	EventCacheExpire  = "cache.expire"
	EventCacheWarning = "cache.warning"

	EventStorageSet        = "storage.set"
	EventStorageGet        = "storage.get"
	EventStorageDelete     = "storage.delete"
	EventStorageClear      = "storage.clear"
	EventStorageCleanup    = "storage.cleanup"
	EventStorageBackup     = "storage.backup"
	EventStorageKeyRotated = "storage.key_rotated"
)

// Event 表示一个运行时事件
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	PluginID  string                 `json:"plugin_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler 事件处理函数
type Handler func(event Event)

// Bus 事件总线，负责运行时事件的发布和订阅
type Bus struct {
	logger        hclog.Logger
	handlers      map[string][]subscription
	handlersMutex sync.RWMutex
	events        []Event
	eventsMutex   sync.RWMutex
	maxEvents     int
	nextSubID     int
}

// subscription 订阅记录
type subscription struct {
	id      int
	handler Handler
}

// BusOption 事件总线选项
type BusOption func(*Bus)

// WithMaxEvents 设置事件历史的最大数量
func WithMaxEvents(count int) BusOption {
	return func(b *Bus) {
		b.maxEvents = count
	}
}

// NewBus 创建一个新的事件总线
func NewBus(logger hclog.Logger, options ...BusOption) *Bus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	b := &Bus{
		logger:    logger.Named("event-bus"),
		handlers:  make(map[string][]subscription),
		events:    make([]Event, 0, 256),
		maxEvents: 4096,
	}

	// 应用选项
	for _, option := range options {
		option(b)
	}

	return b
}

// Subscribe 订阅事件
// eventType为"*"时订阅所有事件
// 返回订阅ID，用于取消订阅
func (b *Bus) Subscribe(eventType string, handler Handler) (int, error) {
	if eventType == "" {
		return 0, fmt.Errorf("事件类型不能为空")
	}
	if handler == nil {
		return 0, fmt.Errorf("事件处理函数不能为空")
	}

	b.handlersMutex.Lock()
	defer b.handlersMutex.Unlock()

	b.nextSubID++
	b.handlers[eventType] = append(b.handlers[eventType], subscription{
		id:      b.nextSubID,
		handler: handler,
	})

	b.logger.Debug("订阅事件", "type", eventType, "subscription_id", b.nextSubID)
	return b.nextSubID, nil
}

// Unsubscribe 取消订阅
func (b *Bus) Unsubscribe(subID int) error {
	b.handlersMutex.Lock()
	defer b.handlersMutex.Unlock()

	for eventType, subs := range b.handlers {
		for i, sub := range subs {
			if sub.id == subID {
				b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
				b.logger.Debug("取消订阅", "type", eventType, "subscription_id", subID)
				return nil
			}
		}
	}

	return fmt.Errorf("未找到订阅: %d", subID)
}

// Publish 发布事件
// 处理函数同步调用，订阅者收到的是事件的不可变副本
func (b *Bus) Publish(event Event) {
	if event.Type == "" {
		return
	}

	// 设置事件ID和时间戳
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// 存储事件历史
	b.eventsMutex.Lock()
	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		b.events = b.events[len(b.events)-b.maxEvents:]
	}
	b.eventsMutex.Unlock()

	// 复制处理函数列表，避免在持锁时调用
	b.handlersMutex.RLock()
	subs := make([]subscription, 0, len(b.handlers[event.Type])+len(b.handlers["*"]))
	subs = append(subs, b.handlers["*"]...)
	subs = append(subs, b.handlers[event.Type]...)
	b.handlersMutex.RUnlock()

	for _, sub := range subs {
		b.invoke(sub, event)
	}

	b.logger.Trace("发布事件", "type", event.Type, "id", event.ID)
}

// invoke 调用处理函数，恢复处理函数中的panic
func (b *Bus) invoke(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("事件处理函数panic", "type", event.Type, "recover", r)
		}
	}()
	sub.handler(event)
}

// Events 获取事件历史
// 按时间倒序返回，支持按类型、插件ID过滤和分页
func (b *Bus) Events(eventType string, pluginID string, limit int, offset int) []Event {
	b.eventsMutex.RLock()
	defer b.eventsMutex.RUnlock()

	filtered := make([]Event, 0)
	for _, event := range b.events {
		if eventType != "" && event.Type != eventType {
			continue
		}
		if pluginID != "" && event.PluginID != pluginID {
			continue
		}
		filtered = append(filtered, event)
	}

	// 按时间倒序排序
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	// 应用分页
	if offset >= len(filtered) {
		return []Event{}
	}
	end := len(filtered)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return filtered[offset:end]
}

// Count 获取事件历史数量
func (b *Bus) Count() int {
	b.eventsMutex.RLock()
	defer b.eventsMutex.RUnlock()
	return len(b.events)
}

// Clear 清除事件历史
func (b *Bus) Clear() {
	b.eventsMutex.Lock()
	defer b.eventsMutex.Unlock()
	b.events = make([]Event, 0, 256)
}
