package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/lomehong/roost/pkg/errors"
	"github.com/lomehong/roost/pkg/events"
)

// Key 存储条目的复合键
// 条目按(插件, 命名空间, 用户范围)隔离，隔离在API边界强制执行
type Key struct {
	Plugin    string `json:"plugin"`
	Namespace string `json:"namespace"`
	User      string `json:"user,omitempty"`
	Key       string `json:"key"`
}

// String 返回键的字符串表示
func (k Key) String() string {
	if k.User != "" {
		return fmt.Sprintf("%s/%s/%s/%s", k.Plugin, k.Namespace, k.User, k.Key)
	}
	return fmt.Sprintf("%s/%s/%s", k.Plugin, k.Namespace, k.Key)
}

// Entry 存储条目
// Payload保存持久化表示（可能已压缩和加密），读取时解码并验证校验和
type Entry struct {
	Key        Key       `json:"key"`
	Payload    []byte    `json:"payload"`
	Type       string    `json:"type,omitempty"`
	Size       int       `json:"size"`
	Compressed bool      `json:"compressed"`
	Encrypted  bool      `json:"encrypted"`
	KeyVersion int       `json:"key_version,omitempty"`
	Checksum   string    `json:"checksum"`
	Tags       []string  `json:"tags,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	AccessedAt time.Time `json:"accessed_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// expired 条目是否已过期
func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Config 存储引擎配置
type Config struct {
	Dir               string        `mapstructure:"dir" json:"dir" yaml:"dir"`
	Secret            string        `mapstructure:"secret" json:"secret" yaml:"secret"`
	Encrypt           bool          `mapstructure:"encrypt" json:"encrypt" yaml:"encrypt"`
	CompressThreshold int           `mapstructure:"compress_threshold" json:"compress_threshold" yaml:"compress_threshold"`
	FlushInterval     time.Duration `mapstructure:"flush_interval" json:"flush_interval" yaml:"flush_interval"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval" yaml:"cleanup_interval"`
	StaleAge          time.Duration `mapstructure:"stale_age" json:"stale_age" yaml:"stale_age"`
	BackupDir         string        `mapstructure:"backup_dir" json:"backup_dir" yaml:"backup_dir"`
	BackupInterval    time.Duration `mapstructure:"backup_interval" json:"backup_interval" yaml:"backup_interval"`
	BackupRetention   int           `mapstructure:"backup_retention" json:"backup_retention" yaml:"backup_retention"`
	RotationInterval  time.Duration `mapstructure:"rotation_interval" json:"rotation_interval" yaml:"rotation_interval"`
}

// DefaultConfig 返回默认存储配置
func DefaultConfig() Config {
	return Config{
		Dir:               "data/storage",
		Encrypt:           true,
		CompressThreshold: 4 * 1024,
		FlushInterval:     30 * time.Second,
		CleanupInterval:   time.Hour,
		BackupRetention:   7,
	}
}

// SetOptions 写入选项
type SetOptions struct {
	Type    string        // 值类型标记，用于类型索引
	Tags    []string      // 标签，用于标签索引
	TTL     time.Duration // 过期时间，0表示不过期
	User    string        // 用户范围
	Encrypt *bool         // 覆盖引擎级加密开关
}

// snapshot 持久化快照的文档结构
type snapshot struct {
	CurrentKeyVersion int               `json:"current_key_version"`
	KeySalts          map[string]string `json:"key_salts"`
	Entries           []*Entry          `json:"entries"`
	SavedAt           time.Time         `json:"saved_at"`
}

// Engine 持久化存储引擎
// 命名空间键值存储，支持加密、压缩、索引和备份；
// 变更先累积在内存中，由定时器和关闭时的刷新落盘
type Engine struct {
	config  Config
	codec   *codec
	entries map[Key]*Entry
	indexes *indexes
	salts   map[int][]byte
	keyVer  int
	dirty   bool
	mu      sync.RWMutex
	logger  hclog.Logger
	bus     *events.Bus

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine 创建一个新的存储引擎
// 启动时从快照恢复已有条目
func NewEngine(config Config, bus *events.Bus, logger hclog.Logger) (*Engine, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.Dir == "" {
		config.Dir = DefaultConfig().Dir
	}
	if config.Encrypt && config.Secret == "" {
		return nil, fmt.Errorf("启用加密时必须配置密钥素材")
	}

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	e := &Engine{
		config:   config,
		codec:    newCodec([]byte(config.Secret), config.CompressThreshold),
		entries:  make(map[Key]*Entry),
		indexes:  newIndexes(),
		salts:    make(map[int][]byte),
		keyVer:   1,
		logger:   logger.Named("storage"),
		bus:      bus,
		stopChan: make(chan struct{}),
	}

	// 加载持久化快照
	if err := e.load(); err != nil {
		return nil, err
	}

	// 确保当前密钥版本可用
	if config.Encrypt && !e.codec.hasKey(e.keyVer) {
		salt, err := newSalt()
		if err != nil {
			return nil, err
		}
		e.salts[e.keyVer] = salt
		if err := e.codec.deriveKey(e.keyVer, salt); err != nil {
			return nil, err
		}
		e.dirty = true
	}

	// 启动后台任务
	e.startJobs()

	return e, nil
}

// snapshotPath 快照文件路径
func (e *Engine) snapshotPath() string {
	return filepath.Join(e.config.Dir, "storage.json")
}

// Set 写入条目
// 每个键的版本号单调递增
func (e *Engine) Set(plugin, namespace, key string, value []byte, opts SetOptions) error {
	if plugin == "" || key == "" {
		return errors.New(errors.ErrorTypeValidation, "INVALID_KEY", "插件ID和键不能为空")
	}

	encrypt := e.config.Encrypt
	if opts.Encrypt != nil {
		encrypt = *opts.Encrypt && e.config.Encrypt
	}

	e.mu.Lock()

	payload, compressed, encrypted, sum, err := e.codec.encode(value, encrypt, e.keyVer)
	if err != nil {
		e.mu.Unlock()
		return errors.Wrap(err, errors.ErrorTypeInternal, "ENCODE_FAILED", "编码存储条目失败").WithPlugin(plugin)
	}

	k := Key{Plugin: plugin, Namespace: namespace, User: opts.User, Key: key}
	now := time.Now()

	var version int64 = 1
	createdAt := now
	if old, exists := e.entries[k]; exists {
		version = old.Version + 1
		createdAt = old.CreatedAt
		e.indexes.remove(k, old)
	}

	entry := &Entry{
		Key:        k,
		Payload:    payload,
		Type:       opts.Type,
		Size:       len(value),
		Compressed: compressed,
		Encrypted:  encrypted,
		KeyVersion: e.keyVer,
		Checksum:   sum,
		Tags:       opts.Tags,
		Version:    version,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
		AccessedAt: now,
	}
	if opts.TTL > 0 {
		entry.ExpiresAt = now.Add(opts.TTL)
	}

	e.entries[k] = entry
	e.indexes.add(k, entry)
	e.dirty = true
	e.mu.Unlock()

	e.publish(events.EventStorageSet, plugin, map[string]interface{}{
		"namespace": namespace,
		"key":       key,
		"version":   version,
		"encrypted": encrypted,
	})

	return nil
}

// Get 读取条目
// 返回解码后的明文值；校验和不匹配返回错误而非损坏数据
func (e *Engine) Get(plugin, namespace, key string, user string) ([]byte, error) {
	k := Key{Plugin: plugin, Namespace: namespace, User: user, Key: key}
	now := time.Now()

	e.mu.Lock()
	entry, exists := e.entries[k]
	if !exists || entry.expired(now) {
		if exists {
			delete(e.entries, k)
			e.indexes.remove(k, entry)
			e.dirty = true
		}
		e.mu.Unlock()
		return nil, errors.Newf(errors.ErrorTypeNotFound, "ENTRY_NOT_FOUND", "条目 %s 不存在", k.String()).WithPlugin(plugin)
	}

	entry.AccessedAt = now
	payload := entry.Payload
	compressed := entry.Compressed
	encrypted := entry.Encrypted
	keyVersion := entry.KeyVersion
	sum := entry.Checksum
	e.mu.Unlock()

	value, err := e.codec.decode(payload, compressed, encrypted, keyVersion, sum)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "DECODE_FAILED", "解码存储条目失败").WithPlugin(plugin)
	}

	e.publish(events.EventStorageGet, plugin, map[string]interface{}{
		"namespace": namespace,
		"key":       key,
	})

	return value, nil
}

// Exists 检查条目是否存在
func (e *Engine) Exists(plugin, namespace, key string, user string) bool {
	k := Key{Plugin: plugin, Namespace: namespace, User: user, Key: key}

	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, exists := e.entries[k]
	return exists && !entry.expired(time.Now())
}

// Delete 删除条目
func (e *Engine) Delete(plugin, namespace, key string, user string) error {
	k := Key{Plugin: plugin, Namespace: namespace, User: user, Key: key}

	e.mu.Lock()
	entry, exists := e.entries[k]
	if !exists {
		e.mu.Unlock()
		return errors.Newf(errors.ErrorTypeNotFound, "ENTRY_NOT_FOUND", "条目 %s 不存在", k.String()).WithPlugin(plugin)
	}
	delete(e.entries, k)
	e.indexes.remove(k, entry)
	e.dirty = true
	e.mu.Unlock()

	e.publish(events.EventStorageDelete, plugin, map[string]interface{}{
		"namespace": namespace,
		"key":       key,
	})
	return nil
}

// Clear 清除插件的条目
// namespace为空时清除插件的全部条目，返回清除数量
func (e *Engine) Clear(plugin, namespace string) int {
	e.mu.Lock()
	count := 0
	for k := range e.indexes.pluginKeys(plugin) {
		if namespace != "" && k.Namespace != namespace {
			continue
		}
		entry := e.entries[k]
		delete(e.entries, k)
		e.indexes.remove(k, entry)
		count++
	}
	if count > 0 {
		e.dirty = true
	}
	e.mu.Unlock()

	if count > 0 {
		e.publish(events.EventStorageClear, plugin, map[string]interface{}{
			"namespace": namespace,
			"cleared":   count,
		})
	}
	return count
}

// SortBy 列表排序字段
type SortBy string

// 预定义排序字段
const (
	SortByKey       SortBy = "key"
	SortByUpdatedAt SortBy = "updated_at"
	SortBySize      SortBy = "size"
)

// ListFilter 列表查询过滤条件
type ListFilter struct {
	Plugin     string
	Namespace  string
	User       string
	Tag        string
	Type       string
	SortBy     SortBy
	Descending bool
	Limit      int
	Offset     int
}

// ListItem 列表查询结果项，不包含载荷
type ListItem struct {
	Key       Key       `json:"key"`
	Type      string    `json:"type,omitempty"`
	Size      int       `json:"size"`
	Tags      []string  `json:"tags,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// List 按条件查询条目
// 通过索引过滤，支持排序和分页
func (e *Engine) List(filter ListFilter) []ListItem {
	now := time.Now()

	e.mu.RLock()
	var candidates map[Key]struct{}
	switch {
	case filter.Plugin != "":
		candidates = e.indexes.byPlugin[filter.Plugin]
	case filter.User != "":
		candidates = e.indexes.byUser[filter.User]
	case filter.Tag != "":
		candidates = e.indexes.byTag[filter.Tag]
	case filter.Type != "":
		candidates = e.indexes.byType[filter.Type]
	}

	var items []ListItem
	appendItem := func(k Key, entry *Entry) {
		if entry == nil || entry.expired(now) {
			return
		}
		if filter.Plugin != "" && k.Plugin != filter.Plugin {
			return
		}
		if filter.Namespace != "" && k.Namespace != filter.Namespace {
			return
		}
		if filter.User != "" && k.User != filter.User {
			return
		}
		if filter.Type != "" && entry.Type != filter.Type {
			return
		}
		if filter.Tag != "" && !containsTag(entry.Tags, filter.Tag) {
			return
		}
		items = append(items, ListItem{
			Key:       k,
			Type:      entry.Type,
			Size:      entry.Size,
			Tags:      entry.Tags,
			Version:   entry.Version,
			UpdatedAt: entry.UpdatedAt,
			ExpiresAt: entry.ExpiresAt,
		})
	}

	if candidates != nil {
		for k := range candidates {
			appendItem(k, e.entries[k])
		}
	} else {
		for k, entry := range e.entries {
			appendItem(k, entry)
		}
	}
	e.mu.RUnlock()

	// 排序
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = SortByKey
	}
	sort.Slice(items, func(i, j int) bool {
		var less bool
		switch sortBy {
		case SortByUpdatedAt:
			less = items[i].UpdatedAt.Before(items[j].UpdatedAt)
		case SortBySize:
			less = items[i].Size < items[j].Size
		default:
			less = strings.Compare(items[i].Key.String(), items[j].Key.String()) < 0
		}
		if filter.Descending {
			return !less
		}
		return less
	})

	// 分页
	if filter.Offset >= len(items) {
		return []ListItem{}
	}
	items = items[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(items) {
		items = items[:filter.Limit]
	}

	return items
}

// containsTag 标签列表是否包含指定标签
func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Count 获取条目总数
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Flush 将当前状态写入持久化快照
// 仅在有未落盘变更时写入
func (e *Engine) Flush() error {
	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return nil
	}

	doc := snapshot{
		CurrentKeyVersion: e.keyVer,
		KeySalts:          make(map[string]string, len(e.salts)),
		Entries:           make([]*Entry, 0, len(e.entries)),
		SavedAt:           time.Now(),
	}
	for version, salt := range e.salts {
		doc.KeySalts[fmt.Sprintf("%d", version)] = base64.StdEncoding.EncodeToString(salt)
	}
	for _, entry := range e.entries {
		doc.Entries = append(doc.Entries, entry)
	}
	e.dirty = false
	e.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化存储快照失败: %w", err)
	}

	// 先写临时文件再重命名，避免部分写入
	tmp := e.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("写入存储快照失败: %w", err)
	}
	if err := os.Rename(tmp, e.snapshotPath()); err != nil {
		return fmt.Errorf("替换存储快照失败: %w", err)
	}

	e.logger.Debug("存储快照已写入", "entries", len(doc.Entries))
	return nil
}

// load 从快照恢复状态
func (e *Engine) load() error {
	data, err := os.ReadFile(e.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取存储快照失败: %w", err)
	}

	var doc snapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("解析存储快照失败: %w", err)
	}

	if doc.CurrentKeyVersion > 0 {
		e.keyVer = doc.CurrentKeyVersion
	}
	for versionStr, saltB64 := range doc.KeySalts {
		var version int
		if _, err := fmt.Sscanf(versionStr, "%d", &version); err != nil {
			continue
		}
		salt, err := base64.StdEncoding.DecodeString(saltB64)
		if err != nil {
			return fmt.Errorf("解析密钥盐失败: %w", err)
		}
		e.salts[version] = salt
		if e.config.Secret != "" {
			if err := e.codec.deriveKey(version, salt); err != nil {
				return err
			}
		}
	}

	for _, entry := range doc.Entries {
		e.entries[entry.Key] = entry
		e.indexes.add(entry.Key, entry)
	}

	e.logger.Info("存储快照已加载", "entries", len(doc.Entries), "key_version", e.keyVer)
	return nil
}

// Close 关闭存储引擎
// 停止后台任务并刷新未落盘的变更
func (e *Engine) Close() error {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
	e.wg.Wait()
	return e.Flush()
}

// publish 发布存储事件
func (e *Engine) publish(eventType string, plugin string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:     eventType,
		Source:   "storage",
		PluginID: plugin,
		Data:     data,
	})
}
