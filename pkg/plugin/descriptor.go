package plugin

import (
	"time"
)

// DependencyKind 依赖种类
type DependencyKind string

// 预定义依赖种类
const (
	DependencyKindPlugin   DependencyKind = "plugin"
	DependencyKindSystem   DependencyKind = "system"
	DependencyKindExternal DependencyKind = "external-package"
)

// Dependency 插件声明的依赖
type Dependency struct {
	ID           string         `json:"id" yaml:"id"`
	VersionRange string         `json:"version_range" yaml:"version_range"`
	Kind         DependencyKind `json:"kind" yaml:"kind"`
	Required     bool           `json:"required" yaml:"required"`
}

// Permission 插件声明的权限
type Permission struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Scope       string `json:"scope" yaml:"scope"`
	Dangerous   bool   `json:"dangerous" yaml:"dangerous"`
}

// SettingDefinition 插件设置项定义
type SettingDefinition struct {
	Key        string        `json:"key" yaml:"key"`
	Type       string        `json:"type" yaml:"type"`
	Options    []string      `json:"options,omitempty" yaml:"options,omitempty"`
	Validation string        `json:"validation,omitempty" yaml:"validation,omitempty"`
	Default    interface{}   `json:"default,omitempty" yaml:"default,omitempty"`
}

// APIRoute 插件声明的API路由
// 运行时只用于冲突检测和速率限制配置，HTTP接入由宿主应用负责
type APIRoute struct {
	Method    string `json:"method" yaml:"method"`
	Path      string `json:"path" yaml:"path"`
	Handler   string `json:"handler" yaml:"handler"`
	RateLimit int    `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// HookSubscriptions 插件声明的钩子订阅
type HookSubscriptions struct {
	API    []string          `json:"api,omitempty" yaml:"api,omitempty"`
	UI     []string          `json:"ui,omitempty" yaml:"ui,omitempty"`
	System []string          `json:"system,omitempty" yaml:"system,omitempty"`
	Custom map[string]string `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Asset 插件捆绑的资源文件
type Asset struct {
	Path string `json:"path" yaml:"path"`
}

// Descriptor 插件描述符
// 每个版本的描述符不可变；更新时生成新的描述符取代旧的，而非原地修改
type Descriptor struct {
	ID           string              `json:"id" yaml:"id"`
	Version      string              `json:"version" yaml:"version"`
	Name         string              `json:"name" yaml:"name"`
	Description  string              `json:"description" yaml:"description"`
	Author       string              `json:"author" yaml:"author"`
	License      string              `json:"license" yaml:"license"`
	Website      string              `json:"website,omitempty" yaml:"website,omitempty"`
	Entry        string              `json:"entry" yaml:"entry"`
	Category     string              `json:"category" yaml:"category"`
	Tags         []string            `json:"tags,omitempty" yaml:"tags,omitempty"`
	Dependencies []Dependency        `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Permissions  []Permission        `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Settings     []SettingDefinition `json:"settings,omitempty" yaml:"settings,omitempty"`
	Routes       []APIRoute          `json:"routes,omitempty" yaml:"routes,omitempty"`
	Hooks        HookSubscriptions   `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Assets       []Asset             `json:"assets,omitempty" yaml:"assets,omitempty"`
	InstalledAt  time.Time           `json:"installed_at,omitempty" yaml:"installed_at,omitempty"`
	Path         string              `json:"path,omitempty" yaml:"path,omitempty"`
}

// HasPermission 是否声明了指定权限
func (d *Descriptor) HasPermission(name string) bool {
	for _, p := range d.Permissions {
		if p.Name == name {
			return true
		}
	}
	return false
}

// HasTag 是否有指定标签
func (d *Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RequiredDependencies 返回所有必需依赖
func (d *Descriptor) RequiredDependencies() []Dependency {
	var deps []Dependency
	for _, dep := range d.Dependencies {
		if dep.Required {
			deps = append(deps, dep)
		}
	}
	return deps
}

// HookNames 返回声明的全部钩子名称
func (d *Descriptor) HookNames() []string {
	names := make([]string, 0, len(d.Hooks.API)+len(d.Hooks.UI)+len(d.Hooks.System)+len(d.Hooks.Custom))
	names = append(names, d.Hooks.API...)
	names = append(names, d.Hooks.UI...)
	names = append(names, d.Hooks.System...)
	for name := range d.Hooks.Custom {
		names = append(names, name)
	}
	return names
}

// SettingDefaults 返回设置项的默认值
func (d *Descriptor) SettingDefaults() map[string]interface{} {
	defaults := make(map[string]interface{})
	for _, s := range d.Settings {
		if s.Default != nil {
			defaults[s.Key] = s.Default
		}
	}
	return defaults
}
