package cache

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lomehong/roost/pkg/events"
)

func newTestEngine(t *testing.T, config Config) *Engine {
	t.Helper()
	config.SweepInterval = 0 // 测试中手动触发清理
	engine, err := NewEngine(config, events.NewBus(hclog.NewNullLogger()), hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func TestSetGet(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig())

	require.NoError(t, engine.Set("p1", "ns", "k", []byte("value"), 0))

	value, ok := engine.Get("p1", "ns", "k")
	assert.True(t, ok)
	assert.Equal(t, []byte("value"), value)

	// 未命中
	_, ok = engine.Get("p1", "ns", "missing")
	assert.False(t, ok)

	// 不同插件之间的条目互相隔离
	_, ok = engine.Get("p2", "ns", "k")
	assert.False(t, ok)
}

func TestSetValidation(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig())
	assert.Error(t, engine.Set("", "ns", "k", []byte("v"), 0))
	assert.Error(t, engine.Set("p1", "ns", "", []byte("v"), 0))
}

func TestTTLExpiry(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig())

	require.NoError(t, engine.Set("p1", "ns", "k", []byte("v"), 50*time.Millisecond))

	// 立即读取返回原值
	value, ok := engine.Get("p1", "ns", "k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	time.Sleep(80 * time.Millisecond)

	// 过期后读取未命中
	_, ok = engine.Get("p1", "ns", "k")
	assert.False(t, ok)

	// 过期条目不再出现在键列表中
	assert.Empty(t, engine.Keys("p1", "ns"))
}

func TestSweepRemovesExpired(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig())

	require.NoError(t, engine.Set("p1", "ns", "short", []byte("v"), 30*time.Millisecond))
	require.NoError(t, engine.Set("p1", "ns", "forever", []byte("v"), 0))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, engine.Sweep())
	assert.Equal(t, 1, engine.Stats().Entries)
}

func TestDeleteAndClear(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig())

	engine.Set("p1", "ns1", "a", []byte("1"), 0)
	engine.Set("p1", "ns1", "b", []byte("2"), 0)
	engine.Set("p1", "ns2", "c", []byte("3"), 0)
	engine.Set("p2", "ns1", "d", []byte("4"), 0)

	assert.True(t, engine.Delete("p1", "ns1", "a"))
	assert.False(t, engine.Delete("p1", "ns1", "a"))

	// 按命名空间清除
	assert.Equal(t, 1, engine.Clear("p1", "ns1"))

	// 清除插件的全部条目
	assert.Equal(t, 1, engine.Clear("p1", ""))

	// 其他插件不受影响
	_, ok := engine.Get("p2", "ns1", "d")
	assert.True(t, ok)
}

func TestEvictionLRU(t *testing.T) {
	config := DefaultConfig()
	config.MaxEntries = 3
	config.Policy = PolicyLRU
	engine := newTestEngine(t, config)

	engine.Set("p1", "ns", "a", []byte("1"), 0)
	engine.Set("p1", "ns", "b", []byte("2"), 0)
	engine.Set("p1", "ns", "c", []byte("3"), 0)

	// 访问a和c，b成为最久未访问
	time.Sleep(5 * time.Millisecond)
	engine.Get("p1", "ns", "a")
	engine.Get("p1", "ns", "c")

	engine.Set("p1", "ns", "d", []byte("4"), 0)

	_, ok := engine.Get("p1", "ns", "b")
	assert.False(t, ok, "LRU应淘汰最久未访问的条目")
	_, ok = engine.Get("p1", "ns", "a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), engine.Stats().Evictions)
}

func TestEvictionLFU(t *testing.T) {
	config := DefaultConfig()
	config.MaxEntries = 3
	config.Policy = PolicyLFU
	engine := newTestEngine(t, config)

	engine.Set("p1", "ns", "a", []byte("1"), 0)
	engine.Set("p1", "ns", "b", []byte("2"), 0)
	engine.Set("p1", "ns", "c", []byte("3"), 0)

	// a访问两次，c访问一次，b零次
	engine.Get("p1", "ns", "a")
	engine.Get("p1", "ns", "a")
	engine.Get("p1", "ns", "c")

	engine.Set("p1", "ns", "d", []byte("4"), 0)

	_, ok := engine.Get("p1", "ns", "b")
	assert.False(t, ok, "LFU应淘汰访问次数最少的条目")
}

func TestEvictionFIFO(t *testing.T) {
	config := DefaultConfig()
	config.MaxEntries = 3
	config.Policy = PolicyFIFO
	engine := newTestEngine(t, config)

	engine.Set("p1", "ns", "a", []byte("1"), 0)
	engine.Set("p1", "ns", "b", []byte("2"), 0)
	engine.Set("p1", "ns", "c", []byte("3"), 0)

	// 即使a刚被访问过，FIFO仍然按插入顺序淘汰
	engine.Get("p1", "ns", "a")

	engine.Set("p1", "ns", "d", []byte("4"), 0)

	_, ok := engine.Get("p1", "ns", "a")
	assert.False(t, ok, "FIFO应淘汰最早插入的条目")
}

func TestEvictionTTL(t *testing.T) {
	config := DefaultConfig()
	config.MaxEntries = 3
	config.Policy = PolicyTTL
	engine := newTestEngine(t, config)

	engine.Set("p1", "ns", "soon", []byte("1"), 100*time.Millisecond)
	engine.Set("p1", "ns", "later", []byte("2"), time.Hour)
	engine.Set("p1", "ns", "forever", []byte("3"), 0)

	engine.Set("p1", "ns", "d", []byte("4"), time.Hour)

	_, ok := engine.Get("p1", "ns", "soon")
	assert.False(t, ok, "TTL策略应淘汰最接近过期的条目")
	_, ok = engine.Get("p1", "ns", "forever")
	assert.True(t, ok)
}

func TestEvictionByBytes(t *testing.T) {
	config := DefaultConfig()
	config.MaxBytes = 64
	config.CompressThreshold = 0
	engine := newTestEngine(t, config)

	engine.Set("p1", "ns", "a", bytes.Repeat([]byte("x"), 40), 0)
	engine.Set("p1", "ns", "b", bytes.Repeat([]byte("y"), 40), 0)

	stats := engine.Stats()
	assert.LessOrEqual(t, stats.UsedBytes, int64(64))
	assert.Equal(t, 1, stats.Entries)
}

func TestCompressionRoundTrip(t *testing.T) {
	config := DefaultConfig()
	config.CompressThreshold = 64
	engine := newTestEngine(t, config)

	// 高度可压缩的大值
	value := bytes.Repeat([]byte("abcdefgh"), 1024)
	require.NoError(t, engine.Set("p1", "ns", "big", value, 0))

	// 存储的字节数小于原始大小
	assert.Less(t, engine.UsedBytes(), int64(len(value)))

	// 读取透明解压
	got, ok := engine.Get("p1", "ns", "big")
	assert.True(t, ok)
	assert.Equal(t, value, got)
}

func TestUsageWarningEvent(t *testing.T) {
	bus := events.NewBus(hclog.NewNullLogger())
	warnings := 0
	bus.Subscribe(events.EventCacheWarning, func(event events.Event) {
		warnings++
	})

	config := DefaultConfig()
	config.MaxBytes = 100
	config.WarningPercent = 50
	config.CompressThreshold = 0
	config.SweepInterval = 0
	engine, err := NewEngine(config, bus, hclog.NewNullLogger())
	require.NoError(t, err)
	defer engine.Close()

	// 第一次越过阈值触发警告
	engine.Set("p1", "ns", "a", bytes.Repeat([]byte("x"), 60), 0)
	assert.Equal(t, 1, warnings)

	// 持续超过阈值不重复警告
	engine.Set("p1", "ns", "b", []byte("y"), 0)
	assert.Equal(t, 1, warnings)
}

func TestStats(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig())

	engine.Set("p1", "ns", "k", []byte("v"), 0)
	engine.Get("p1", "ns", "k")
	engine.Get("p1", "ns", "missing")

	stats := engine.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestUnsupportedPolicy(t *testing.T) {
	config := DefaultConfig()
	config.Policy = "random"
	_, err := NewEngine(config, nil, nil)
	assert.Error(t, err)
}

func TestManyEntriesAcrossNamespaces(t *testing.T) {
	engine := newTestEngine(t, DefaultConfig())

	for i := 0; i < 50; i++ {
		engine.Set("p1", "ns", fmt.Sprintf("k%d", i), []byte("v"), 0)
	}
	assert.Len(t, engine.Keys("p1", "ns"), 50)
}

func TestCloseWaitsForSweepLoop(t *testing.T) {
	config := DefaultConfig()
	config.SweepInterval = 10 * time.Millisecond
	engine, err := NewEngine(config, events.NewBus(hclog.NewNullLogger()), hclog.NewNullLogger())
	require.NoError(t, err)

	require.NoError(t, engine.Set("p1", "ns", "k", []byte("v"), 20*time.Millisecond))

	// 后台清理协程移除过期条目
	assert.Eventually(t, func() bool {
		engine.mu.RLock()
		defer engine.mu.RUnlock()
		_, exists := engine.entries[Key{Plugin: "p1", Namespace: "ns", Key: "k"}]
		return !exists
	}, time.Second, 10*time.Millisecond)

	// Close等待清理协程退出，重复关闭安全
	engine.Close()
	engine.Close()
}
