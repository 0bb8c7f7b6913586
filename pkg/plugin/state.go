package plugin

// Status 插件在注册表中的生命周期状态
type Status string

// 预定义生命周期状态
const (
	StatusInstalled Status = "installed" // 已安装，尚未激活
	StatusActive    Status = "active"    // 已激活，模块已加载
	StatusInactive  Status = "inactive"  // 已停用，模块可能仍被缓存
	StatusError     Status = "error"     // 出错，需要显式恢复
)

// validStatusTransitions 定义有效的状态转换
var validStatusTransitions = map[Status][]Status{
	StatusInstalled: {StatusActive, StatusError},
	StatusActive:    {StatusInactive, StatusError},
	StatusInactive:  {StatusActive, StatusError},
	StatusError:     {StatusInstalled, StatusActive, StatusInactive},
}

// CanTransition 检查状态转换是否有效
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, valid := range validStatusTransitions[from] {
		if valid == to {
			return true
		}
	}
	return false
}
