package loader

import (
	lua "github.com/yuin/gopher-lua"
)

// 沙箱内禁用的危险函数
// 这些函数可以加载任意代码，绕过能力边界
var deniedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
}

// 沙箱内允许require的内建模块
var allowedModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// newSandboxedState 创建一个受能力限制的Lua状态
// 只开放安全的基础库，插件与宿主的全部交互通过注入的能力表进行
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	// 选择性开放安全库，io/os/debug/package不开放
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	installSandbox(L)
	return L
}

// installSandbox 移除危险函数并限制模块加载
func installSandbox(L *lua.LState) {
	for _, name := range deniedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	// 清空模块搜索路径，阻止从磁盘加载模块
	pkg := L.GetGlobal("package")
	if pkgTable, ok := pkg.(*lua.LTable); ok {
		L.SetField(pkgTable, "path", lua.LString(""))
		L.SetField(pkgTable, "cpath", lua.LString(""))
	}

	// require只放行白名单内建模块
	originalRequire := L.GetGlobal("require")
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)
		if !allowedModules[modName] {
			L.RaiseError("模块 %q 不可用", modName)
			return 0
		}
		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}
