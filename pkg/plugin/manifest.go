package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/lomehong/roost/pkg/errors"
)

// 清单文件名，按顺序查找
var manifestNames = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// LoadManifest 从插件目录加载清单
func LoadManifest(dir string) (*Descriptor, error) {
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return ParseManifestFile(path)
		}
	}
	return nil, errors.Newf(errors.ErrorTypeValidation, "MANIFEST_MISSING", "目录 %s 中找不到插件清单", dir)
}

// ParseManifestFile 解析清单文件
// 根据扩展名选择JSON或YAML解析
func ParseManifestFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "MANIFEST_READ", "读取插件清单失败")
	}

	var descriptor Descriptor
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &descriptor); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "MANIFEST_PARSE", "解析YAML清单失败")
		}
	default:
		if err := json.Unmarshal(data, &descriptor); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "MANIFEST_PARSE", "解析JSON清单失败")
		}
	}

	if err := ValidateDescriptor(&descriptor); err != nil {
		return nil, err
	}

	return &descriptor, nil
}

// ValidateDescriptor 验证描述符
// 验证失败在任何状态变更之前返回给调用者
func ValidateDescriptor(d *Descriptor) error {
	if d == nil {
		return errors.New(errors.ErrorTypeValidation, "INVALID_MANIFEST", "描述符不能为空")
	}

	var problems []string

	if d.ID == "" {
		problems = append(problems, "插件ID不能为空")
	}
	if strings.ContainsAny(d.ID, " /\\") {
		problems = append(problems, fmt.Sprintf("插件ID %q 含有非法字符", d.ID))
	}
	if d.Version == "" {
		problems = append(problems, "插件版本不能为空")
	} else if _, err := semver.NewVersion(d.Version); err != nil {
		problems = append(problems, fmt.Sprintf("插件版本 %q 不是有效的语义化版本", d.Version))
	}
	if d.Description == "" {
		problems = append(problems, "插件描述不能为空")
	}
	if d.Author == "" {
		problems = append(problems, "插件作者不能为空")
	}
	if d.License == "" {
		problems = append(problems, "插件许可证不能为空")
	}
	if d.Entry == "" {
		problems = append(problems, "插件入口点不能为空")
	}
	if filepath.IsAbs(d.Entry) || strings.Contains(d.Entry, "..") {
		problems = append(problems, fmt.Sprintf("插件入口点 %q 必须是包内相对路径", d.Entry))
	}
	if d.Category == "" {
		problems = append(problems, "插件分类不能为空")
	}

	// 验证依赖声明
	seen := make(map[string]bool)
	for _, dep := range d.Dependencies {
		if dep.ID == "" {
			problems = append(problems, "依赖ID不能为空")
			continue
		}
		if dep.ID == d.ID {
			problems = append(problems, fmt.Sprintf("插件 %s 不能依赖自身", d.ID))
		}
		if seen[dep.ID] {
			problems = append(problems, fmt.Sprintf("依赖 %s 重复声明", dep.ID))
		}
		seen[dep.ID] = true

		switch dep.Kind {
		case DependencyKindPlugin, DependencyKindSystem, DependencyKindExternal, "":
		default:
			problems = append(problems, fmt.Sprintf("依赖 %s 的种类 %q 无效", dep.ID, dep.Kind))
		}

		if dep.VersionRange != "" {
			if _, err := semver.NewConstraint(dep.VersionRange); err != nil {
				problems = append(problems, fmt.Sprintf("依赖 %s 的版本范围 %q 无效", dep.ID, dep.VersionRange))
			}
		}
	}

	// 验证路由声明
	for _, route := range d.Routes {
		if route.Method == "" || route.Path == "" {
			problems = append(problems, "API路由必须声明方法和路径")
		}
		if route.RateLimit < 0 {
			problems = append(problems, fmt.Sprintf("路由 %s %s 的速率限制不能为负", route.Method, route.Path))
		}
	}

	// 验证设置项声明
	for _, setting := range d.Settings {
		if setting.Key == "" {
			problems = append(problems, "设置项键不能为空")
		}
		switch setting.Type {
		case "string", "number", "boolean", "select", "":
		default:
			problems = append(problems, fmt.Sprintf("设置项 %s 的类型 %q 无效", setting.Key, setting.Type))
		}
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrorTypeValidation, "INVALID_MANIFEST",
			strings.Join(problems, "; ")).WithPlugin(d.ID)
	}

	return nil
}

// SaveManifest 保存清单到插件目录
func SaveManifest(d *Descriptor, dir string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化清单失败: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), data, 0o644); err != nil {
		return fmt.Errorf("写入清单文件失败: %w", err)
	}

	return nil
}
