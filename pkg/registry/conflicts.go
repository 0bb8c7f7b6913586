package registry

import (
	"fmt"
	"strings"

	"github.com/lomehong/roost/pkg/plugin"
)

// ConflictSeverity 冲突严重程度
type ConflictSeverity string

// 预定义冲突严重程度
const (
	SeverityHigh   ConflictSeverity = "high"   // 不可共存，除非显式覆盖否则拒绝注册
	SeverityMedium ConflictSeverity = "medium" // 可自动消解，注册继续并记录警告
)

// ConflictKind 冲突种类
type ConflictKind string

// 预定义冲突种类
const (
	ConflictRoute ConflictKind = "route" // API路由的{方法,路径}重复
	ConflictName  ConflictKind = "name"  // 显示名称重复
)

// Conflict 两个插件声明表面之间的不兼容
type Conflict struct {
	With     string           `json:"with"`
	Kind     ConflictKind     `json:"kind"`
	Severity ConflictSeverity `json:"severity"`
	Detail   string           `json:"detail"`
}

// detectConflicts 将描述符与所有已注册条目逐对比较
func detectConflicts(descriptor *plugin.Descriptor, entries map[string]*Entry) []Conflict {
	conflicts := make([]Conflict, 0)

	routes := make(map[string]bool, len(descriptor.Routes))
	for _, route := range descriptor.Routes {
		routes[routeKey(route)] = true
	}

	for id, entry := range entries {
		if id == descriptor.ID {
			continue
		}

		for _, route := range entry.Descriptor.Routes {
			if routes[routeKey(route)] {
				conflicts = append(conflicts, Conflict{
					With:     id,
					Kind:     ConflictRoute,
					Severity: SeverityHigh,
					Detail:   fmt.Sprintf("路由 %s %s 与插件 %s 重复", route.Method, route.Path, id),
				})
			}
		}

		if descriptor.Name != "" && strings.EqualFold(descriptor.Name, entry.Descriptor.Name) {
			conflicts = append(conflicts, Conflict{
				With:     id,
				Kind:     ConflictName,
				Severity: SeverityMedium,
				Detail:   fmt.Sprintf("显示名称 %q 与插件 %s 重复", descriptor.Name, id),
			})
		}
	}

	return conflicts
}

// routeKey 路由的冲突比较键
func routeKey(route plugin.APIRoute) string {
	return strings.ToUpper(route.Method) + " " + route.Path
}

// highSeverity 过滤出高严重程度冲突
func highSeverity(conflicts []Conflict) []Conflict {
	result := make([]Conflict, 0)
	for _, c := range conflicts {
		if c.Severity == SeverityHigh {
			result = append(result, c)
		}
	}
	return result
}
