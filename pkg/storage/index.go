package storage

// indexes 存储条目的二级索引
// 按插件、用户范围、标签、类型索引键，支撑过滤查询
type indexes struct {
	byPlugin map[string]map[Key]struct{}
	byUser   map[string]map[Key]struct{}
	byTag    map[string]map[Key]struct{}
	byType   map[string]map[Key]struct{}
}

// newIndexes 创建索引
func newIndexes() *indexes {
	return &indexes{
		byPlugin: make(map[string]map[Key]struct{}),
		byUser:   make(map[string]map[Key]struct{}),
		byTag:    make(map[string]map[Key]struct{}),
		byType:   make(map[string]map[Key]struct{}),
	}
}

// add 将条目加入索引
func (ix *indexes) add(key Key, entry *Entry) {
	addIndex(ix.byPlugin, key.Plugin, key)
	if key.User != "" {
		addIndex(ix.byUser, key.User, key)
	}
	if entry.Type != "" {
		addIndex(ix.byType, entry.Type, key)
	}
	for _, tag := range entry.Tags {
		addIndex(ix.byTag, tag, key)
	}
}

// remove 将条目从索引移除
func (ix *indexes) remove(key Key, entry *Entry) {
	removeIndex(ix.byPlugin, key.Plugin, key)
	removeIndex(ix.byUser, key.User, key)
	if entry != nil {
		removeIndex(ix.byType, entry.Type, key)
		for _, tag := range entry.Tags {
			removeIndex(ix.byTag, tag, key)
		}
	}
}

// pluginKeys 获取插件的全部键
func (ix *indexes) pluginKeys(plugin string) map[Key]struct{} {
	return ix.byPlugin[plugin]
}

// addIndex 添加索引项
func addIndex(index map[string]map[Key]struct{}, value string, key Key) {
	if value == "" {
		return
	}
	set, ok := index[value]
	if !ok {
		set = make(map[Key]struct{})
		index[value] = set
	}
	set[key] = struct{}{}
}

// removeIndex 移除索引项
func removeIndex(index map[string]map[Key]struct{}, value string, key Key) {
	if value == "" {
		return
	}
	if set, ok := index[value]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(index, value)
		}
	}
}
