package loader

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// toLuaValue 将Go值转换为Lua值
func toLuaValue(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []interface{}:
		table := L.NewTable()
		for i, item := range val {
			table.RawSetInt(i+1, toLuaValue(L, item))
		}
		return table
	case map[string]interface{}:
		table := L.NewTable()
		for k, item := range val {
			table.RawSetString(k, toLuaValue(L, item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// toGoValue 将Lua值转换为Go值
func toGoValue(lv lua.LValue) interface{} {
	return toGoValueVisited(lv, make(map[*lua.LTable]bool))
}

// toGoValueVisited 带循环引用检测的转换
func toGoValueVisited(lv lua.LValue, visited map[*lua.LTable]bool) interface{} {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return tableToGo(v, visited)
	default:
		return nil
	}
}

// tableToGo 将Lua表转换为Go切片或映射
// 从1开始的连续整数键视为数组
func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) interface{} {
	isArray := true
	maxN := 0
	count := 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if kn, ok := k.(lua.LNumber); ok {
			n := int(kn)
			if float64(n) == float64(kn) && n > 0 {
				if n > maxN {
					maxN = n
				}
				return
			}
		}
		isArray = false
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]interface{}, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = toGoValueVisited(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]interface{}, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		default:
			key = k.String()
		}
		m[key] = toGoValueVisited(v, visited)
	})
	return m
}

// toGoMap 将Lua表转换为字符串键映射
func toGoMap(t *lua.LTable) map[string]interface{} {
	result := make(map[string]interface{})
	if t == nil {
		return result
	}
	t.ForEach(func(k, v lua.LValue) {
		result[k.String()] = toGoValueVisited(v, make(map[*lua.LTable]bool))
	})
	return result
}
