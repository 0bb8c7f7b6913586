package cache

import (
	"fmt"
	"time"
)

// Policy 淘汰策略
type Policy string

// 预定义淘汰策略
const (
	PolicyLRU  Policy = "lru"  // 淘汰最久未访问的条目
	PolicyLFU  Policy = "lfu"  // 淘汰访问次数最少的条目
	PolicyFIFO Policy = "fifo" // 淘汰最早插入的条目
	PolicyTTL  Policy = "ttl"  // 淘汰最接近过期的条目
)

// evictionPolicy 从候选条目中选择被淘汰者
type evictionPolicy interface {
	// Name 返回策略名称
	Name() string

	// Victim 选择被淘汰的条目键
	Victim(entries map[Key]*Entry) (Key, bool)
}

// newEvictionPolicy 根据配置创建淘汰策略
func newEvictionPolicy(policy Policy) (evictionPolicy, error) {
	switch policy {
	case PolicyLRU, "":
		return lruPolicy{}, nil
	case PolicyLFU:
		return lfuPolicy{}, nil
	case PolicyFIFO:
		return fifoPolicy{}, nil
	case PolicyTTL:
		return ttlPolicy{}, nil
	default:
		return nil, fmt.Errorf("不支持的淘汰策略: %s", policy)
	}
}

// lruPolicy 按最久未访问淘汰
type lruPolicy struct{}

func (lruPolicy) Name() string { return string(PolicyLRU) }

func (lruPolicy) Victim(entries map[Key]*Entry) (Key, bool) {
	var victim Key
	var oldest time.Time
	found := false
	for key, entry := range entries {
		if !found || entry.LastAccessed.Before(oldest) {
			victim = key
			oldest = entry.LastAccessed
			found = true
		}
	}
	return victim, found
}

// lfuPolicy 按最低访问次数淘汰，次数相同时淘汰较旧的
type lfuPolicy struct{}

func (lfuPolicy) Name() string { return string(PolicyLFU) }

func (lfuPolicy) Victim(entries map[Key]*Entry) (Key, bool) {
	var victim Key
	var minCount int64
	var oldestSeq uint64
	found := false
	for key, entry := range entries {
		if !found || entry.AccessCount < minCount ||
			(entry.AccessCount == minCount && entry.seq < oldestSeq) {
			victim = key
			minCount = entry.AccessCount
			oldestSeq = entry.seq
			found = true
		}
	}
	return victim, found
}

// fifoPolicy 按插入顺序淘汰
type fifoPolicy struct{}

func (fifoPolicy) Name() string { return string(PolicyFIFO) }

func (fifoPolicy) Victim(entries map[Key]*Entry) (Key, bool) {
	var victim Key
	var oldestSeq uint64
	found := false
	for key, entry := range entries {
		if !found || entry.seq < oldestSeq {
			victim = key
			oldestSeq = entry.seq
			found = true
		}
	}
	return victim, found
}

// ttlPolicy 按剩余存活时间淘汰，没有过期时间的条目视为最晚过期
type ttlPolicy struct{}

func (ttlPolicy) Name() string { return string(PolicyTTL) }

func (ttlPolicy) Victim(entries map[Key]*Entry) (Key, bool) {
	var victim Key
	var soonest time.Time
	found := false
	hasExpiry := false
	var oldestSeq uint64
	for key, entry := range entries {
		if entry.ExpiresAt.IsZero() {
			// 仅在没有任何带过期时间的条目时才淘汰永久条目
			if !found && !hasExpiry {
				victim = key
				oldestSeq = entry.seq
				found = true
			} else if found && !hasExpiry && entry.seq < oldestSeq {
				victim = key
				oldestSeq = entry.seq
			}
			continue
		}
		if !hasExpiry || entry.ExpiresAt.Before(soonest) {
			victim = key
			soonest = entry.ExpiresAt
			hasExpiry = true
			found = true
		}
	}
	return victim, found
}
