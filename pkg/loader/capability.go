package loader

import (
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/time/rate"

	"github.com/lomehong/roost/pkg/hook"
	"github.com/lomehong/roost/pkg/storage"
)

// PermissionNetwork 出站网络请求所需的声明权限
const PermissionNetwork = "network"

// capabilitySet 注入到插件执行上下文的受限能力集
// 插件只能通过这些能力与宿主交互，没有任何对宿主内部的直接访问
type capabilitySet struct {
	module     *Module
	logger     hclog.Logger
	storage    *storage.Engine
	hooks      *hook.Pipeline
	limiter    *rate.Limiter
	httpClient *http.Client
}

// install 将能力表注入为全局roost模块
func (c *capabilitySet) install(L *lua.LState) {
	root := L.NewTable()
	L.SetField(root, "plugin_id", lua.LString(c.module.ID))
	L.SetField(root, "log", c.logTable(L))
	L.SetField(root, "storage", c.storageTable(L))
	L.SetField(root, "hooks", c.hookTable(L))
	L.SetField(root, "fetch", L.NewFunction(c.luaFetch))
	L.SetGlobal("roost", root)
}

// logTable 构建按插件ID限定的日志能力
func (c *capabilitySet) logTable(L *lua.LState) *lua.LTable {
	table := L.NewTable()
	levels := map[string]func(string, ...interface{}){
		"debug": c.logger.Debug,
		"info":  c.logger.Info,
		"warn":  c.logger.Warn,
		"error": c.logger.Error,
	}
	for name, fn := range levels {
		logFn := fn
		L.SetField(table, name, L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			logFn(msg)
			return 0
		}))
	}
	return table
}

// storageTable 构建按插件ID限定的存储能力
// 命名空间和键由插件给出，插件ID固定为模块自身，不可越界访问
func (c *capabilitySet) storageTable(L *lua.LState) *lua.LTable {
	table := L.NewTable()

	L.SetField(table, "set", L.NewFunction(func(L *lua.LState) int {
		namespace := L.CheckString(1)
		key := L.CheckString(2)
		value := L.CheckString(3)
		ttl := time.Duration(L.OptNumber(4, 0)) * time.Second

		err := c.storage.Set(c.module.ID, namespace, key, []byte(value), storage.SetOptions{TTL: ttl})
		if err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	L.SetField(table, "get", L.NewFunction(func(L *lua.LState) int {
		namespace := L.CheckString(1)
		key := L.CheckString(2)

		value, err := c.storage.Get(c.module.ID, namespace, key, "")
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(value))
		return 1
	}))

	L.SetField(table, "delete", L.NewFunction(func(L *lua.LState) int {
		namespace := L.CheckString(1)
		key := L.CheckString(2)
		L.Push(lua.LBool(c.storage.Delete(c.module.ID, namespace, key, "") == nil))
		return 1
	}))

	L.SetField(table, "exists", L.NewFunction(func(L *lua.LState) int {
		namespace := L.CheckString(1)
		key := L.CheckString(2)
		L.Push(lua.LBool(c.storage.Exists(c.module.ID, namespace, key, "")))
		return 1
	}))

	return table
}

// hookTable 构建钩子注册能力
func (c *capabilitySet) hookTable(L *lua.LState) *lua.LTable {
	table := L.NewTable()

	L.SetField(table, "register", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		priority := int(L.CheckNumber(2))
		fn := L.CheckFunction(3)

		hookID, err := c.hooks.Register(name, c.module.luaHandler(fn), hook.RegisterOptions{
			PluginID: c.module.ID,
			Priority: priority,
		})
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		// 调用方的Lua调用已持有模块锁
		c.module.hookSpecs = append(c.module.hookSpecs, hookSpec{name: name, priority: priority, fn: fn})
		c.module.hooksInstalled = true

		L.Push(lua.LString(hookID))
		return 1
	}))

	return table
}

// luaFetch 出站HTTP请求能力
// 需要声明network权限，并受速率限制约束
func (c *capabilitySet) luaFetch(L *lua.LState) int {
	url := L.CheckString(1)

	if !c.module.descriptor.HasPermission(PermissionNetwork) {
		L.Push(lua.LNil)
		L.Push(lua.LString("未声明network权限"))
		return 2
	}
	if c.limiter != nil && !c.limiter.Allow() {
		L.Push(lua.LNil)
		L.Push(lua.LString("出站请求超过速率限制"))
		return 2
	}

	resp, err := c.httpClient.Get(url)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	result := L.NewTable()
	L.SetField(result, "status", lua.LNumber(resp.StatusCode))
	L.SetField(result, "body", lua.LString(body))
	L.Push(result)
	return 1
}

// maxFetchBody 出站请求响应体上限
const maxFetchBody = 8 * 1024 * 1024
