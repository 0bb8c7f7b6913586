package storage

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lomehong/roost/pkg/errors"
	"github.com/lomehong/roost/pkg/events"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	config := DefaultConfig()
	config.Dir = t.TempDir()
	config.Secret = "test-secret-material"
	config.FlushInterval = 0
	config.CleanupInterval = 0
	return config
}

func newTestEngine(t *testing.T, config Config) *Engine {
	t.Helper()
	engine, err := NewEngine(config, events.NewBus(hclog.NewNullLogger()), hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestSetGetEncrypted(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))

	value := []byte(`{"city":"Shanghai","temp":31.5}`)
	require.NoError(t, engine.Set("weather-widget", "config", "current", value, SetOptions{Type: "json"}))

	got, err := engine.Get("weather-widget", "config", "current", "")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// 内存中的持久化表示是加密的，与明文不同
	engine.mu.RLock()
	entry := engine.entries[Key{Plugin: "weather-widget", Namespace: "config", Key: "current"}]
	engine.mu.RUnlock()
	require.NotNil(t, entry)
	assert.True(t, entry.Encrypted)
	assert.NotEqual(t, value, entry.Payload)
	assert.Equal(t, int64(1), entry.Version)
}

func TestVersionMonotonic(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.Set("p1", "ns", "k", []byte{byte(i)}, SetOptions{}))
	}

	engine.mu.RLock()
	entry := engine.entries[Key{Plugin: "p1", Namespace: "ns", Key: "k"}]
	engine.mu.RUnlock()
	assert.Equal(t, int64(3), entry.Version)
}

func TestChecksumCorruptionDetected(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))

	require.NoError(t, engine.Set("p1", "ns", "k", []byte("重要数据"), SetOptions{}))

	// 篡改校验和
	engine.mu.Lock()
	entry := engine.entries[Key{Plugin: "p1", Namespace: "ns", Key: "k"}]
	entry.Checksum = "deadbeef"
	engine.mu.Unlock()

	_, err := engine.Get("p1", "ns", "k", "")
	require.Error(t, err, "校验和不匹配时必须返回错误而不是损坏的数据")
}

func TestCompressedLargeValue(t *testing.T) {
	config := testConfig(t)
	config.CompressThreshold = 128
	engine := newTestEngine(t, config)

	value := bytes.Repeat([]byte("roost"), 4096)
	require.NoError(t, engine.Set("p1", "ns", "big", value, SetOptions{}))

	engine.mu.RLock()
	entry := engine.entries[Key{Plugin: "p1", Namespace: "ns", Key: "big"}]
	engine.mu.RUnlock()
	assert.True(t, entry.Compressed)
	assert.Equal(t, len(value), entry.Size)

	got, err := engine.Get("p1", "ns", "big", "")
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestNotFoundAndExists(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))

	_, err := engine.Get("p1", "ns", "missing", "")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	assert.False(t, engine.Exists("p1", "ns", "missing", ""))

	require.NoError(t, engine.Set("p1", "ns", "k", []byte("v"), SetOptions{}))
	assert.True(t, engine.Exists("p1", "ns", "k", ""))

	require.NoError(t, engine.Delete("p1", "ns", "k", ""))
	assert.False(t, engine.Exists("p1", "ns", "k", ""))
	assert.True(t, errors.IsNotFound(engine.Delete("p1", "ns", "k", "")))
}

func TestTTLExpiry(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))

	require.NoError(t, engine.Set("p1", "ns", "k", []byte("v"), SetOptions{TTL: 30 * time.Millisecond}))
	assert.True(t, engine.Exists("p1", "ns", "k", ""))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, engine.Exists("p1", "ns", "k", ""))
	_, err := engine.Get("p1", "ns", "k", "")
	assert.True(t, errors.IsNotFound(err))
}

func TestUserScopeIsolation(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))

	require.NoError(t, engine.Set("p1", "prefs", "theme", []byte("dark"), SetOptions{User: "alice"}))
	require.NoError(t, engine.Set("p1", "prefs", "theme", []byte("light"), SetOptions{User: "bob"}))

	got, err := engine.Get("p1", "prefs", "theme", "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("dark"), got)

	got, err = engine.Get("p1", "prefs", "theme", "bob")
	require.NoError(t, err)
	assert.Equal(t, []byte("light"), got)

	// 不带用户范围读取不到用户数据
	_, err = engine.Get("p1", "prefs", "theme", "")
	assert.Error(t, err)
}

func TestListFilterSortPaginate(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))

	require.NoError(t, engine.Set("p1", "ns", "a", []byte("1"), SetOptions{Type: "json", Tags: []string{"hot"}}))
	require.NoError(t, engine.Set("p1", "ns", "b", bytes.Repeat([]byte("x"), 100), SetOptions{Type: "blob"}))
	require.NoError(t, engine.Set("p1", "other", "c", []byte("3"), SetOptions{Type: "json"}))
	require.NoError(t, engine.Set("p2", "ns", "d", []byte("4"), SetOptions{Tags: []string{"hot"}}))

	// 按插件过滤
	items := engine.List(ListFilter{Plugin: "p1"})
	assert.Len(t, items, 3)

	// 按插件和命名空间过滤
	items = engine.List(ListFilter{Plugin: "p1", Namespace: "ns"})
	assert.Len(t, items, 2)

	// 按标签过滤
	items = engine.List(ListFilter{Tag: "hot"})
	assert.Len(t, items, 2)

	// 按类型过滤
	items = engine.List(ListFilter{Type: "json"})
	assert.Len(t, items, 2)

	// 按大小降序排序
	items = engine.List(ListFilter{Plugin: "p1", SortBy: SortBySize, Descending: true})
	require.NotEmpty(t, items)
	assert.Equal(t, "b", items[0].Key.Key)

	// 分页
	items = engine.List(ListFilter{Plugin: "p1", Limit: 2})
	assert.Len(t, items, 2)
	items = engine.List(ListFilter{Plugin: "p1", Offset: 2})
	assert.Len(t, items, 1)
	items = engine.List(ListFilter{Plugin: "p1", Offset: 99})
	assert.Empty(t, items)
}

func TestClear(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))

	engine.Set("p1", "ns1", "a", []byte("1"), SetOptions{})
	engine.Set("p1", "ns2", "b", []byte("2"), SetOptions{})
	engine.Set("p2", "ns1", "c", []byte("3"), SetOptions{})

	assert.Equal(t, 1, engine.Clear("p1", "ns1"))
	assert.Equal(t, 1, engine.Clear("p1", ""))
	assert.Equal(t, 1, engine.Count())
}

func TestSnapshotRoundTrip(t *testing.T) {
	config := testConfig(t)
	engine := newTestEngine(t, config)

	value := []byte("持久化的值")
	require.NoError(t, engine.Set("p1", "ns", "k", value, SetOptions{Tags: []string{"keep"}}))
	require.NoError(t, engine.Close())

	// 用相同的目录和密钥重新打开
	reopened := newTestEngine(t, config)
	got, err := reopened.Get("p1", "ns", "k", "")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// 索引也被重建
	assert.Len(t, reopened.List(ListFilter{Tag: "keep"}), 1)
}

func TestSnapshotPersistedPayloadIsEncrypted(t *testing.T) {
	config := testConfig(t)
	engine := newTestEngine(t, config)

	secret := []byte("绝密内容ABCDEFG")
	require.NoError(t, engine.Set("p1", "ns", "k", secret, SetOptions{}))
	require.NoError(t, engine.Flush())

	data, err := os.ReadFile(filepath.Join(config.Dir, "storage.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "绝密内容")

	// 快照是合法的JSON文档
	var doc map[string]interface{}
	assert.NoError(t, json.Unmarshal(data, &doc))
}

func TestCleanupRemovesExpiredAndStale(t *testing.T) {
	config := testConfig(t)
	config.StaleAge = time.Hour
	engine := newTestEngine(t, config)

	engine.Set("p1", "ns", "expired", []byte("v"), SetOptions{TTL: 10 * time.Millisecond})
	engine.Set("p1", "ns", "stale", []byte("v"), SetOptions{})
	engine.Set("p1", "ns", "fresh", []byte("v"), SetOptions{})

	// 人为将stale条目的访问时间调旧
	engine.mu.Lock()
	engine.entries[Key{Plugin: "p1", Namespace: "ns", Key: "stale"}].AccessedAt = time.Now().Add(-2 * time.Hour)
	engine.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, engine.Cleanup())
	assert.Equal(t, 1, engine.Count())
}

func TestBackupAndRetention(t *testing.T) {
	config := testConfig(t)
	config.BackupDir = filepath.Join(config.Dir, "backups")
	config.BackupRetention = 2
	engine := newTestEngine(t, config)

	engine.Set("p1", "ns", "k", []byte("v"), SetOptions{})

	for i := 0; i < 3; i++ {
		_, err := engine.Backup()
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	matches, err := filepath.Glob(filepath.Join(config.BackupDir, "storage-*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 2, "超出保留数量的备份应被删除")
}

func TestKeyRotation(t *testing.T) {
	config := testConfig(t)
	engine := newTestEngine(t, config)

	value := []byte("轮换前写入的数据")
	require.NoError(t, engine.Set("p1", "ns", "k", value, SetOptions{}))

	require.NoError(t, engine.RotateKey())

	// 轮换后仍能读取
	got, err := engine.Get("p1", "ns", "k", "")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	engine.mu.RLock()
	entry := engine.entries[Key{Plugin: "p1", Namespace: "ns", Key: "k"}]
	keyVer := engine.keyVer
	engine.mu.RUnlock()
	assert.Equal(t, 2, keyVer)
	assert.Equal(t, 2, entry.KeyVersion)

	// 轮换后的状态在重启后仍可读
	require.NoError(t, engine.Close())
	reopened := newTestEngine(t, config)
	got, err = reopened.Get("p1", "ns", "k", "")
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestEncryptRequiresSecret(t *testing.T) {
	config := DefaultConfig()
	config.Dir = t.TempDir()
	config.Encrypt = true
	config.Secret = ""
	_, err := NewEngine(config, nil, nil)
	assert.Error(t, err)
}

func TestSetValidation(t *testing.T) {
	engine := newTestEngine(t, testConfig(t))
	err := engine.Set("", "ns", "k", []byte("v"), SetOptions{})
	assert.True(t, errors.IsValidation(err))
}
