package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lomehong/roost/pkg/errors"
	"github.com/lomehong/roost/pkg/events"
	"github.com/lomehong/roost/pkg/plugin"
)

func newTestRegistry(t *testing.T, config Config) *Registry {
	t.Helper()
	registry, err := NewRegistry(config, events.NewBus(hclog.NewNullLogger()), hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })
	return registry
}

func descriptor(id, version string, deps ...plugin.Dependency) *plugin.Descriptor {
	return &plugin.Descriptor{
		ID:           id,
		Version:      version,
		Name:         id,
		Entry:        "main.lua",
		Dependencies: deps,
	}
}

func pluginDep(id, versionRange string, required bool) plugin.Dependency {
	return plugin.Dependency{
		ID:           id,
		VersionRange: versionRange,
		Kind:         plugin.DependencyKindPlugin,
		Required:     required,
	}
}

func TestRegisterAndGet(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	require.NoError(t, registry.Register(descriptor("p1", "1.2.3"), RegisterOptions{}))

	entry, ok := registry.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "p1", entry.Descriptor.ID)
	assert.Equal(t, "1.2.3", entry.Descriptor.Version)
	assert.Equal(t, plugin.StatusInstalled, entry.Status)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	require.NoError(t, registry.Register(descriptor("p1", "1.0.0"), RegisterOptions{}))
	err := registry.Register(descriptor("p1", "2.0.0"), RegisterOptions{})
	assert.True(t, errors.IsType(err, errors.ErrorTypePermanent))
}

func TestEventHandlersCanReadRegistry(t *testing.T) {
	bus := events.NewBus(hclog.NewNullLogger())
	registry, err := NewRegistry(Config{}, bus, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	// 订阅者同步回调注册表的读接口，发布时不得持有注册表锁
	counts := make([]int, 0, 3)
	_, err = bus.Subscribe("*", func(event events.Event) {
		counts = append(counts, registry.Count())
		registry.List()
		registry.Get(event.PluginID)
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		if err := registry.Register(descriptor("p1", "1.0.0"), RegisterOptions{}); err != nil {
			done <- err
			return
		}
		if err := registry.Update(descriptor("p1", "1.1.0"), RegisterOptions{}); err != nil {
			done <- err
			return
		}
		done <- registry.Unregister("p1")
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("订阅者回调读接口时发生死锁")
	}
	assert.Equal(t, []int{1, 1, 0}, counts)
}

func TestRequiredDependencyResolution(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	require.NoError(t, registry.Register(descriptor("http-client", "1.3.0"), RegisterOptions{}))
	require.NoError(t, registry.Register(
		descriptor("weather-widget", "1.2.0", pluginDep("http-client", "^1.0.0", true)),
		RegisterOptions{}))

	widget, ok := registry.Get("weather-widget")
	require.True(t, ok)
	require.Len(t, widget.Edges, 1)
	assert.Equal(t, "http-client", widget.Edges[0].To)
	assert.True(t, widget.Edges[0].Required)
	assert.True(t, widget.Edges[0].Resolved)
	assert.Equal(t, "1.3.0", widget.Edges[0].ResolvedVersion)

	client, _ := registry.Get("http-client")
	assert.Equal(t, client.LoadOrder+1, widget.LoadOrder)
	assert.Equal(t, []string{"weather-widget"}, client.Dependents)
}

func TestRequiredDependencyMissingBlocks(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	err := registry.Register(
		descriptor("widget", "1.0.0", pluginDep("missing", "^1.0.0", true)),
		RegisterOptions{})
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 0, registry.Count())
}

func TestRequiredVersionMismatchBlocks(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	require.NoError(t, registry.Register(descriptor("lib", "2.0.0"), RegisterOptions{}))
	err := registry.Register(
		descriptor("widget", "1.0.0", pluginDep("lib", "^1.0.0", true)),
		RegisterOptions{})
	assert.True(t, errors.IsValidation(err))
}

func TestOptionalDependencyMissingWarns(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	require.NoError(t, registry.Register(
		descriptor("widget", "1.0.0", pluginDep("theme-pack", ">=1.0.0", false)),
		RegisterOptions{}))

	// 未解析的可选依赖保留为边，记录缺失的目标
	entry, _ := registry.Get("widget")
	require.Len(t, entry.Edges, 1)
	assert.Equal(t, "theme-pack", entry.Edges[0].To)
	assert.False(t, entry.Edges[0].Resolved)
	assert.Empty(t, entry.Edges[0].ResolvedVersion)
	require.NotEmpty(t, entry.Warnings)
}

func TestOptionalResolvesAfterLaterRegistration(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	require.NoError(t, registry.Register(
		descriptor("widget", "1.0.0", pluginDep("theme-pack", ">=1.0.0", false)),
		RegisterOptions{}))
	require.NoError(t, registry.Register(descriptor("theme-pack", "1.1.0"), RegisterOptions{}))

	// 后注册的插件使此前未解析的可选依赖变为已解析
	entry, _ := registry.Get("widget")
	require.Len(t, entry.Edges, 1)
	assert.Equal(t, "theme-pack", entry.Edges[0].To)
	assert.True(t, entry.Edges[0].Resolved)
	assert.Equal(t, "1.1.0", entry.Edges[0].ResolvedVersion)

	// 加载顺序不变式：被依赖方先加载
	theme, _ := registry.Get("theme-pack")
	assert.Less(t, theme.LoadOrder, entry.LoadOrder)
}

func TestRequiredCycleRejected(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	require.NoError(t, registry.Register(descriptor("a", "1.0.0"), RegisterOptions{}))
	require.NoError(t, registry.Register(
		descriptor("b", "1.0.0", pluginDep("a", "", true)), RegisterOptions{}))

	// a更新后依赖b会形成必需循环 a->b->a
	err := registry.Update(
		descriptor("a", "1.1.0", pluginDep("b", "", true)), RegisterOptions{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	// 更新被回滚
	entry, _ := registry.Get("a")
	assert.Equal(t, "1.0.0", entry.Descriptor.Version)
}

func TestOptionalCycleTolerated(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	require.NoError(t, registry.Register(descriptor("a", "1.0.0"), RegisterOptions{}))
	require.NoError(t, registry.Register(
		descriptor("b", "1.0.0", pluginDep("a", "", true)), RegisterOptions{}))

	// 经过可选边的循环被标记但容忍
	require.NoError(t, registry.Update(
		descriptor("a", "1.1.0", pluginDep("b", "", false)), RegisterOptions{}))

	a, _ := registry.Get("a")
	b, _ := registry.Get("b")
	assert.True(t, a.OnCycle)
	assert.True(t, b.OnCycle)
}

func TestLoadOrderInvariant(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	require.NoError(t, registry.Register(descriptor("base", "1.0.0"), RegisterOptions{}))
	require.NoError(t, registry.Register(
		descriptor("mid", "1.0.0", pluginDep("base", "", true)), RegisterOptions{}))
	require.NoError(t, registry.Register(
		descriptor("top", "1.0.0", pluginDep("mid", "", true), pluginDep("base", "", true)),
		RegisterOptions{}))

	order := make(map[string]int)
	for _, entry := range registry.List() {
		order[entry.Descriptor.ID] = entry.LoadOrder
	}
	assert.Less(t, order["base"], order["mid"])
	assert.Less(t, order["mid"], order["top"])
	assert.Equal(t, []string{"base", "mid", "top"}, registry.GetLoadOrder())
}

func TestUnregisterBlockedByDependents(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	require.NoError(t, registry.Register(descriptor("lib", "1.0.0"), RegisterOptions{}))
	require.NoError(t, registry.Register(
		descriptor("app", "1.0.0", pluginDep("lib", "", true)), RegisterOptions{}))

	err := registry.Unregister("lib")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	// 依赖方先注销后即可注销
	require.NoError(t, registry.Unregister("app"))
	require.NoError(t, registry.Unregister("lib"))
	assert.Equal(t, 0, registry.Count())
}

func TestRouteConflictRefusedUnlessOverride(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	first := descriptor("first", "1.0.0")
	first.Routes = []plugin.APIRoute{{Method: "GET", Path: "/api/data", Handler: "h"}}
	require.NoError(t, registry.Register(first, RegisterOptions{}))

	second := descriptor("second", "1.0.0")
	second.Routes = []plugin.APIRoute{{Method: "get", Path: "/api/data", Handler: "h2"}}
	err := registry.Register(second, RegisterOptions{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	// 覆盖标志放行，冲突仍被记录
	require.NoError(t, registry.Register(second, RegisterOptions{Override: true}))
	entry, _ := registry.Get("second")
	require.NotEmpty(t, entry.Conflicts)
	assert.Equal(t, SeverityHigh, entry.Conflicts[0].Severity)
}

func TestNameConflictWarnsAndProceeds(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	first := descriptor("first", "1.0.0")
	first.Name = "仪表盘"
	require.NoError(t, registry.Register(first, RegisterOptions{}))

	second := descriptor("second", "1.0.0")
	second.Name = "仪表盘"
	require.NoError(t, registry.Register(second, RegisterOptions{}))

	entry, _ := registry.Get("second")
	require.NotEmpty(t, entry.Conflicts)
	assert.Equal(t, SeverityMedium, entry.Conflicts[0].Severity)
}

func TestStatusTransitions(t *testing.T) {
	registry := newTestRegistry(t, Config{})
	require.NoError(t, registry.Register(descriptor("p1", "1.0.0"), RegisterOptions{}))

	require.NoError(t, registry.SetStatus("p1", plugin.StatusActive))
	require.NoError(t, registry.SetStatus("p1", plugin.StatusInactive))
	require.NoError(t, registry.SetStatus("p1", plugin.StatusActive))

	require.NoError(t, registry.SetStatus("p1", plugin.StatusInactive))
	entry, _ := registry.Get("p1")
	assert.Equal(t, 2, entry.Metrics.Activations)

	err := registry.SetStatus("missing", plugin.StatusActive)
	assert.True(t, errors.IsNotFound(err))
}

func TestInvalidTransitionRejected(t *testing.T) {
	registry := newTestRegistry(t, Config{})
	require.NoError(t, registry.Register(descriptor("p1", "1.0.0"), RegisterOptions{}))

	err := registry.SetStatus("p1", plugin.StatusInactive)
	assert.True(t, errors.IsType(err, errors.ErrorTypeOperational))
}

func TestQuery(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	d1 := descriptor("p1", "1.0.0")
	d1.Category = "widget"
	d1.Tags = []string{"weather"}
	d2 := descriptor("p2", "1.0.0")
	d2.Category = "theme"
	require.NoError(t, registry.Register(d1, RegisterOptions{}))
	require.NoError(t, registry.Register(d2, RegisterOptions{}))
	require.NoError(t, registry.SetStatus("p2", plugin.StatusActive))

	assert.Len(t, registry.Query(Query{Category: "widget"}), 1)
	assert.Len(t, registry.Query(Query{Tag: "weather"}), 1)
	assert.Len(t, registry.Query(Query{Status: plugin.StatusActive}), 1)
	assert.Empty(t, registry.Query(Query{Category: "missing"}))
}

func TestWatcher(t *testing.T) {
	registry := newTestRegistry(t, Config{})

	var seen []string
	watcher, err := registry.Watch(func(event Event) {
		seen = append(seen, event.Type+":"+event.PluginID)
	})
	require.NoError(t, err)

	require.NoError(t, registry.Register(descriptor("p1", "1.0.0"), RegisterOptions{}))
	require.NoError(t, registry.SetStatus("p1", plugin.StatusActive))
	require.NoError(t, watcher.Stop())
	require.NoError(t, registry.SetStatus("p1", plugin.StatusInactive))

	assert.Equal(t, []string{"registered:p1", "state_changed:p1"}, seen)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	config := Config{SnapshotPath: filepath.Join(dir, "registry.json")}

	registry := newTestRegistry(t, config)
	require.NoError(t, registry.Register(descriptor("base", "1.0.0"), RegisterOptions{}))
	require.NoError(t, registry.Register(
		descriptor("app", "1.0.0", pluginDep("base", "^1.0.0", true)), RegisterOptions{}))
	require.NoError(t, registry.SetStatus("base", plugin.StatusActive))
	require.NoError(t, registry.Close())

	data, err := os.ReadFile(config.SnapshotPath)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	reopened := newTestRegistry(t, config)
	assert.Equal(t, 2, reopened.Count())
	entry, ok := reopened.Get("base")
	require.True(t, ok)
	assert.Equal(t, plugin.StatusActive, entry.Status)

	// 依赖图在重新加载后重算
	app, _ := reopened.Get("app")
	require.Len(t, app.Edges, 1)
	assert.Less(t, entry.LoadOrder, app.LoadOrder)
}

func TestSetErrorRecordsReliability(t *testing.T) {
	r := newTestRegistry(t, Config{})
	require.NoError(t, r.Register(descriptor("flaky", "1.0.0"), RegisterOptions{}))

	require.NoError(t, r.SetStatus("flaky", plugin.StatusActive))
	require.NoError(t, r.SetError("flaky", fmt.Errorf("初始化崩溃")))
	require.NoError(t, r.SetStatus("flaky", plugin.StatusActive))

	entry, ok := r.Get("flaky")
	require.True(t, ok)
	assert.Equal(t, 2, entry.Metrics.Activations)
	assert.Equal(t, 1, entry.Metrics.Errors)
	assert.Equal(t, "初始化崩溃", entry.Metrics.LastError)
	assert.InDelta(t, 2.0/3.0, entry.Metrics.Reliability(), 1e-9)
}

func TestReliabilityWithoutHistory(t *testing.T) {
	assert.Equal(t, 1.0, Metrics{}.Reliability())
}
