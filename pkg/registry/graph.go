package registry

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/lomehong/roost/pkg/plugin"
)

// Edge 依赖边
// From依赖To，已解析的边在加载顺序上保证To先于From
// 未解析的可选依赖也保留为边，便于宿主观察缺失的依赖目标
type Edge struct {
	From            string `json:"from"`
	To              string `json:"to"`
	VersionRange    string `json:"version_range"`
	Required        bool   `json:"required"`
	Resolved        bool   `json:"resolved"`
	ResolvedVersion string `json:"resolved_version,omitempty"`
	OnCycle         bool   `json:"on_cycle,omitempty"`
}

// resolveDependencies 解析描述符的插件依赖
// 必需依赖缺失或版本不满足时返回错误；可选依赖的问题降级为警告
func resolveDependencies(descriptor *plugin.Descriptor, entries map[string]*Entry) ([]Edge, []string, error) {
	edges := make([]Edge, 0)
	warnings := make([]string, 0)

	for _, dep := range descriptor.Dependencies {
		if dep.Kind != plugin.DependencyKindPlugin {
			// 系统和外部包依赖不参与图解析，由安装事务检查
			continue
		}

		target, exists := entries[dep.ID]
		if !exists {
			if dep.Required {
				return nil, nil, fmt.Errorf("必需依赖 %s 未注册", dep.ID)
			}
			warnings = append(warnings, fmt.Sprintf("可选依赖 %s 未注册", dep.ID))
			edges = append(edges, Edge{
				From:         descriptor.ID,
				To:           dep.ID,
				VersionRange: dep.VersionRange,
			})
			continue
		}

		if dep.VersionRange != "" {
			ok, err := versionSatisfies(target.Descriptor.Version, dep.VersionRange)
			if err != nil {
				return nil, nil, fmt.Errorf("依赖 %s 的版本范围 %q 无效: %w", dep.ID, dep.VersionRange, err)
			}
			if !ok {
				if dep.Required {
					return nil, nil, fmt.Errorf("必需依赖 %s 的版本 %s 不满足范围 %s",
						dep.ID, target.Descriptor.Version, dep.VersionRange)
				}
				warnings = append(warnings, fmt.Sprintf("可选依赖 %s 的版本 %s 不满足范围 %s",
					dep.ID, target.Descriptor.Version, dep.VersionRange))
				edges = append(edges, Edge{
					From:         descriptor.ID,
					To:           dep.ID,
					VersionRange: dep.VersionRange,
				})
				continue
			}
		}

		edges = append(edges, Edge{
			From:            descriptor.ID,
			To:              dep.ID,
			VersionRange:    dep.VersionRange,
			Required:        dep.Required,
			Resolved:        true,
			ResolvedVersion: target.Descriptor.Version,
		})
	}

	return edges, warnings, nil
}

// versionSatisfies 检查版本是否满足semver范围
func versionSatisfies(version, versionRange string) (bool, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("版本 %q 无效: %w", version, err)
	}
	constraint, err := semver.NewConstraint(versionRange)
	if err != nil {
		return false, err
	}
	return constraint.Check(v), nil
}

// findRequiredCycle 在必需依赖边中寻找循环
// 找到时返回循环路径上的插件ID
func findRequiredCycle(entries map[string]*Entry) []string {
	adj := make(map[string][]string)
	for id, entry := range entries {
		for _, edge := range entry.Edges {
			if edge.Required && edge.Resolved {
				adj[id] = append(adj[id], edge.To)
			}
		}
	}
	return findCycle(entries, adj)
}

// findCycle 在给定邻接表中寻找任意循环，DFS三色标记
func findCycle(entries map[string]*Entry, adj map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(entries))
	parent := make(map[string]string)

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var cycleStart, cycleEnd string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		neighbors := append([]string(nil), adj[id]...)
		sort.Strings(neighbors)
		for _, next := range neighbors {
			if _, exists := entries[next]; !exists {
				continue
			}
			switch color[next] {
			case white:
				parent[next] = id
				if dfs(next) {
					return true
				}
			case gray:
				cycleStart = next
				cycleEnd = id
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && dfs(id) {
			cycle := []string{cycleStart}
			for cur := cycleEnd; cur != cycleStart; cur = parent[cur] {
				cycle = append(cycle, cur)
			}
			sort.Strings(cycle)
			return cycle
		}
	}
	return nil
}

// markCycles 标记处于循环上的边和条目
// 必需边不允许循环，这里处理的是经过可选边的循环
func markCycles(entries map[string]*Entry) {
	adj := make(map[string][]string)
	for id, entry := range entries {
		for _, edge := range entry.Edges {
			if edge.Resolved {
				adj[id] = append(adj[id], edge.To)
			}
		}
	}

	for _, entry := range entries {
		entry.OnCycle = false
		for i := range entry.Edges {
			entry.Edges[i].OnCycle = false
		}
	}

	// 对每个节点检查是否能经有向边回到自身
	for id, entry := range entries {
		if reachable(adj, entries, id, id) {
			entry.OnCycle = true
			for i := range entry.Edges {
				if reachable(adj, entries, entry.Edges[i].To, id) {
					entry.Edges[i].OnCycle = true
				}
			}
		}
	}
}

// reachable 检查from是否能经有向边到达to
func reachable(adj map[string][]string, entries map[string]*Entry, from, to string) bool {
	visited := make(map[string]bool)
	stack := append([]string(nil), adj[from]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if _, exists := entries[cur]; !exists {
			continue
		}
		stack = append(stack, adj[cur]...)
	}
	return false
}

// computeLoadOrder 基于非循环边做拓扑排序，Kahn算法
// 对每条非循环边a→b保证 order(b) < order(a)；顺序号从1开始连续分配
func computeLoadOrder(entries map[string]*Entry) {
	// 入度按"被依赖方先加载"的方向统计：边From→To意味着To必须先于From
	inDegree := make(map[string]int, len(entries))
	dependents := make(map[string][]string, len(entries))
	for id := range entries {
		inDegree[id] = 0
	}
	for id, entry := range entries {
		for _, edge := range entry.Edges {
			if !edge.Resolved || edge.OnCycle {
				continue
			}
			if _, exists := entries[edge.To]; !exists {
				continue
			}
			inDegree[id]++
			dependents[edge.To] = append(dependents[edge.To], id)
		}
	}

	queue := make([]string, 0, len(entries))
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := 1
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		entries[id].LoadOrder = order
		order++

		next := make([]string, 0)
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				next = append(next, dependent)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
	}

	// 循环上的剩余节点排在末尾，按ID确定顺序
	remaining := make([]string, 0)
	for id, degree := range inDegree {
		if degree > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	for _, id := range remaining {
		entries[id].LoadOrder = order
		order++
	}
}

// computeDependents 重算每个条目的依赖方列表
func computeDependents(entries map[string]*Entry) {
	for _, entry := range entries {
		entry.Dependents = nil
	}
	for id, entry := range entries {
		for _, edge := range entry.Edges {
			if !edge.Resolved {
				continue
			}
			target, exists := entries[edge.To]
			if !exists {
				continue
			}
			target.Dependents = append(target.Dependents, id)
		}
	}
	for _, entry := range entries {
		sort.Strings(entry.Dependents)
	}
}
