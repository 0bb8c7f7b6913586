package hook

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Metrics 单个钩子名称的执行指标
type Metrics struct {
	Name            string        `json:"name"`
	ExecutionCount  int64         `json:"execution_count"`
	SuccessCount    int64         `json:"success_count"`
	FailureCount    int64         `json:"failure_count"`
	MinLatency      time.Duration `json:"min_latency"`
	MaxLatency      time.Duration `json:"max_latency"`
	TotalLatency    time.Duration `json:"total_latency"`
	MemoryDeltaSum  int64         `json:"memory_delta_sum"`
	LastExecutedAt  time.Time     `json:"last_executed_at"`
}

// AvgLatency 平均延迟
func (m *Metrics) AvgLatency() time.Duration {
	if m.ExecutionCount == 0 {
		return 0
	}
	return m.TotalLatency / time.Duration(m.ExecutionCount)
}

// metricsStore 按钩子名称聚合指标
// 超出保留窗口未更新的记录被清理
type metricsStore struct {
	retention time.Duration
	records   map[string]*Metrics
	proc      *process.Process
	mu        sync.Mutex
}

// newMetricsStore 创建指标存储
func newMetricsStore(retention time.Duration) *metricsStore {
	// 进程句柄获取失败时内存增量记为0
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &metricsStore{
		retention: retention,
		records:   make(map[string]*Metrics),
		proc:      proc,
	}
}

// memorySample 采样当前进程的常驻内存
func (s *metricsStore) memorySample() int64 {
	if s.proc == nil {
		return 0
	}
	info, err := s.proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return int64(info.RSS)
}

// record 记录一次执行
func (s *metricsStore) record(name string, success bool, latency time.Duration, memoryDelta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[name]
	if !ok {
		m = &Metrics{Name: name, MinLatency: latency}
		s.records[name] = m
	}

	m.ExecutionCount++
	if success {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}
	if latency < m.MinLatency || m.ExecutionCount == 1 {
		m.MinLatency = latency
	}
	if latency > m.MaxLatency {
		m.MaxLatency = latency
	}
	m.TotalLatency += latency
	m.MemoryDeltaSum += memoryDelta
	m.LastExecutedAt = time.Now()
}

// get 获取指定钩子的指标快照
func (s *metricsStore) get(name string) (Metrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.records[name]
	if !ok {
		return Metrics{}, false
	}
	return *m, true
}

// all 获取全部指标快照
func (s *metricsStore) all() []Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Metrics, 0, len(s.records))
	for _, m := range s.records {
		result = append(result, *m)
	}
	return result
}

// prune 清理超出保留窗口的记录，返回清理数量
func (s *metricsStore) prune() int {
	if s.retention <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.retention)
	count := 0
	for name, m := range s.records {
		if m.LastExecutedAt.Before(cutoff) {
			delete(s.records, name)
			count++
		}
	}
	return count
}
