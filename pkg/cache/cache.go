package cache

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pierrec/lz4"

	"github.com/lomehong/roost/pkg/events"
)

// Key 缓存条目的复合键
// 缓存条目按(插件, 命名空间)隔离，不同插件之间永不共享条目
type Key struct {
	Plugin    string
	Namespace string
	Key       string
}

// String 返回键的字符串表示
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Plugin, k.Namespace, k.Key)
}

// Entry 缓存条目
type Entry struct {
	Value        []byte
	Size         int
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	TTL          time.Duration
	ExpiresAt    time.Time
	Compressed   bool

	// 插入序号，用于FIFO淘汰和平局裁决
	seq uint64
}

// expired 条目是否已过期
func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Config 缓存引擎配置
type Config struct {
	MaxBytes          int64         `mapstructure:"max_bytes" json:"max_bytes" yaml:"max_bytes"`
	MaxEntries        int           `mapstructure:"max_entries" json:"max_entries" yaml:"max_entries"`
	Policy            Policy        `mapstructure:"policy" json:"policy" yaml:"policy"`
	CompressThreshold int           `mapstructure:"compress_threshold" json:"compress_threshold" yaml:"compress_threshold"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" json:"sweep_interval" yaml:"sweep_interval"`
	WarningPercent    int           `mapstructure:"warning_percent" json:"warning_percent" yaml:"warning_percent"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		MaxBytes:          64 * 1024 * 1024,
		MaxEntries:        10000,
		Policy:            PolicyLRU,
		CompressThreshold: 4 * 1024,
		SweepInterval:     time.Minute,
		WarningPercent:    85,
	}
}

// Engine 缓存引擎
// 易失的命名空间键值存储，带TTL和可插拔淘汰策略
type Engine struct {
	config  Config
	policy  evictionPolicy
	entries map[Key]*Entry
	bytes   int64
	seq     uint64
	warned  bool
	mu      sync.RWMutex
	logger  hclog.Logger
	bus     *events.Bus

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// 统计
	hits      int64
	misses    int64
	evictions int64
}

// NewEngine 创建一个新的缓存引擎
func NewEngine(config Config, bus *events.Bus, logger hclog.Logger) (*Engine, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	policy, err := newEvictionPolicy(config.Policy)
	if err != nil {
		return nil, err
	}

	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultConfig().MaxBytes
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	if config.WarningPercent <= 0 || config.WarningPercent > 100 {
		config.WarningPercent = DefaultConfig().WarningPercent
	}

	e := &Engine{
		config:   config,
		policy:   policy,
		entries:  make(map[Key]*Entry),
		logger:   logger.Named("cache"),
		bus:      bus,
		stopChan: make(chan struct{}),
	}

	// 启动定期清理协程
	if config.SweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepLoop()
	}

	return e, nil
}

// Set 设置缓存条目
// ttl为0表示条目不过期
func (e *Engine) Set(plugin, namespace, key string, value []byte, ttl time.Duration) error {
	if plugin == "" || key == "" {
		return fmt.Errorf("插件ID和键不能为空")
	}

	now := time.Now()
	stored := value
	compressed := false

	// 超过阈值的值进行压缩
	if e.config.CompressThreshold > 0 && len(value) > e.config.CompressThreshold {
		if packed, err := compress(value); err == nil && len(packed) < len(value) {
			stored = packed
			compressed = true
		}
	}

	entry := &Entry{
		Value:        stored,
		Size:         len(stored),
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
		Compressed:   compressed,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	k := Key{Plugin: plugin, Namespace: namespace, Key: key}

	e.mu.Lock()
	if old, exists := e.entries[k]; exists {
		e.bytes -= int64(old.Size)
	}
	e.seq++
	entry.seq = e.seq
	e.entries[k] = entry
	e.bytes += int64(entry.Size)

	// 超出容量时按策略淘汰
	evicted := e.evictLocked(k)
	warning := e.usageWarningLocked()
	e.mu.Unlock()

	for _, victim := range evicted {
		e.publish(events.EventCacheEvict, victim.Plugin, map[string]interface{}{
			"namespace": victim.Namespace,
			"key":       victim.Key,
			"policy":    e.policy.Name(),
		})
	}
	if warning {
		e.publish(events.EventCacheWarning, plugin, map[string]interface{}{
			"used_bytes":      e.UsedBytes(),
			"max_bytes":       e.config.MaxBytes,
			"warning_percent": e.config.WarningPercent,
		})
	}
	e.publish(events.EventCacheSet, plugin, map[string]interface{}{
		"namespace":  namespace,
		"key":        key,
		"size":       entry.Size,
		"compressed": compressed,
	})

	return nil
}

// Get 获取缓存条目
// 过期条目被删除并视为未命中；压缩的值透明解压
func (e *Engine) Get(plugin, namespace, key string) ([]byte, bool) {
	k := Key{Plugin: plugin, Namespace: namespace, Key: key}
	now := time.Now()

	e.mu.Lock()
	entry, exists := e.entries[k]
	if !exists {
		e.misses++
		e.mu.Unlock()
		return nil, false
	}

	// 惰性过期检查
	if entry.expired(now) {
		delete(e.entries, k)
		e.bytes -= int64(entry.Size)
		e.misses++
		e.mu.Unlock()
		e.publish(events.EventCacheExpire, plugin, map[string]interface{}{
			"namespace": namespace,
			"key":       key,
		})
		return nil, false
	}

	entry.LastAccessed = now
	entry.AccessCount++
	e.hits++
	value := entry.Value
	compressed := entry.Compressed
	e.mu.Unlock()

	if compressed {
		unpacked, err := decompress(value)
		if err != nil {
			e.logger.Error("解压缓存条目失败", "key", k.String(), "error", err)
			return nil, false
		}
		value = unpacked
	}

	e.publish(events.EventCacheGet, plugin, map[string]interface{}{
		"namespace": namespace,
		"key":       key,
	})

	return value, true
}

// Delete 删除缓存条目
func (e *Engine) Delete(plugin, namespace, key string) bool {
	k := Key{Plugin: plugin, Namespace: namespace, Key: key}

	e.mu.Lock()
	entry, exists := e.entries[k]
	if exists {
		delete(e.entries, k)
		e.bytes -= int64(entry.Size)
	}
	e.mu.Unlock()

	if exists {
		e.publish(events.EventCacheDelete, plugin, map[string]interface{}{
			"namespace": namespace,
			"key":       key,
		})
	}
	return exists
}

// Clear 清除插件的缓存条目
// namespace为空时清除插件的所有条目，返回清除数量
func (e *Engine) Clear(plugin, namespace string) int {
	e.mu.Lock()
	count := 0
	for k, entry := range e.entries {
		if k.Plugin != plugin {
			continue
		}
		if namespace != "" && k.Namespace != namespace {
			continue
		}
		delete(e.entries, k)
		e.bytes -= int64(entry.Size)
		count++
	}
	e.mu.Unlock()

	if count > 0 {
		e.publish(events.EventCacheDelete, plugin, map[string]interface{}{
			"namespace": namespace,
			"cleared":   count,
		})
	}
	return count
}

// Keys 列出插件在命名空间下的全部键
func (e *Engine) Keys(plugin, namespace string) []string {
	now := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	var keys []string
	for k, entry := range e.entries {
		if k.Plugin != plugin || k.Namespace != namespace {
			continue
		}
		if entry.expired(now) {
			continue
		}
		keys = append(keys, k.Key)
	}
	return keys
}

// Stats 缓存统计信息
type Stats struct {
	Entries   int   `json:"entries"`
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Stats 获取缓存统计信息
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Entries:   len(e.entries),
		UsedBytes: e.bytes,
		MaxBytes:  e.config.MaxBytes,
		Hits:      e.hits,
		Misses:    e.misses,
		Evictions: e.evictions,
	}
}

// UsedBytes 获取已用字节数
func (e *Engine) UsedBytes() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bytes
}

// Close 关闭缓存引擎，停止清理协程并等待其退出
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
	e.wg.Wait()
}

// evictLocked 淘汰条目直到满足容量限制
// 新写入的条目不会被立刻淘汰；调用者必须持有写锁
func (e *Engine) evictLocked(justSet Key) []Key {
	var evicted []Key
	for (e.bytes > e.config.MaxBytes || len(e.entries) > e.config.MaxEntries) && len(e.entries) > 1 {
		candidates := make(map[Key]*Entry, len(e.entries)-1)
		for k, entry := range e.entries {
			if k != justSet {
				candidates[k] = entry
			}
		}
		victim, ok := e.policy.Victim(candidates)
		if !ok {
			break
		}
		entry := e.entries[victim]
		delete(e.entries, victim)
		e.bytes -= int64(entry.Size)
		e.evictions++
		evicted = append(evicted, victim)
		e.logger.Debug("淘汰缓存条目", "key", victim.String(), "policy", e.policy.Name())
	}
	return evicted
}

// usageWarningLocked 检查使用量是否越过警告阈值
// 只在首次越过时返回true，回落后重置
func (e *Engine) usageWarningLocked() bool {
	threshold := e.config.MaxBytes * int64(e.config.WarningPercent) / 100
	if e.bytes >= threshold {
		if !e.warned {
			e.warned = true
			return true
		}
		return false
	}
	e.warned = false
	return false
}

// sweepLoop 定期清理过期条目
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-e.stopChan:
			return
		}
	}
}

// Sweep 清理所有过期条目，返回清理数量
func (e *Engine) Sweep() int {
	now := time.Now()

	e.mu.Lock()
	var expired []Key
	for k, entry := range e.entries {
		if entry.expired(now) {
			delete(e.entries, k)
			e.bytes -= int64(entry.Size)
			expired = append(expired, k)
		}
	}
	e.mu.Unlock()

	for _, k := range expired {
		e.publish(events.EventCacheExpire, k.Plugin, map[string]interface{}{
			"namespace": k.Namespace,
			"key":       k.Key,
		})
	}

	if len(expired) > 0 {
		e.logger.Debug("清理过期缓存条目", "count", len(expired))
	}
	return len(expired)
}

// publish 发布缓存事件
func (e *Engine) publish(eventType string, plugin string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:     eventType,
		Source:   "cache",
		PluginID: plugin,
		Data:     data,
	})
}

// compress 使用lz4压缩数据
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress 使用lz4解压数据
func decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(reader)
}
