package transaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/lomehong/roost/pkg/cache"
	"github.com/lomehong/roost/pkg/errors"
	"github.com/lomehong/roost/pkg/hook"
	"github.com/lomehong/roost/pkg/loader"
	"github.com/lomehong/roost/pkg/plugin"
	"github.com/lomehong/roost/pkg/registry"
	"github.com/lomehong/roost/pkg/storage"
)

// Type 事务类型
type Type string

// 预定义事务类型
const (
	TypeInstall   Type = "install"
	TypeUninstall Type = "uninstall"
)

// StepStatus 步骤执行状态
type StepStatus string

// 预定义步骤状态
const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Step 事务步骤
// 关键步骤失败中止整个事务并从备份回滚；非关键步骤失败记录日志后继续
type Step struct {
	Name     string        `json:"name"`
	Critical bool          `json:"critical"`
	Status   StepStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`

	run func(tx *txState) error
}

// Transaction 一次安装或卸载事务的执行记录
type Transaction struct {
	ID         string        `json:"id"`
	Type       Type          `json:"type"`
	PluginID   string        `json:"plugin_id"`
	Steps      []*Step       `json:"steps"`
	Succeeded  bool          `json:"succeeded"`
	RolledBack bool          `json:"rolled_back"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// txState 事务执行过程中的共享状态
type txState struct {
	ctx          context.Context
	descriptor   *plugin.Descriptor
	extractDir   string // 解压后的安装包目录
	pluginDir    string // 最终安装目录
	backupPath   string // 备份归档路径，空表示无备份
	prevEntry    *registry.Entry
	isUpgrade    bool
	registered   bool // register步骤已生效
	unregistered bool // unregister步骤已生效
}

// InstallOptions 安装选项
type InstallOptions struct {
	Activate bool // 安装完成后立即激活
	Override bool // 允许高严重程度冲突
}

// UninstallOptions 卸载选项
type UninstallOptions struct {
	KeepData bool // 保留插件的存储和缓存数据
}

// Config 事务管理器配置
type Config struct {
	PluginsDir string `mapstructure:"plugins_dir"` // 插件安装目录
	BackupDir  string `mapstructure:"backup_dir"`  // 备份归档目录
	TmpDir     string `mapstructure:"tmp_dir"`     // 解压和下载的临时目录
}

// Manager 安装/卸载事务管理器
// 事务是固定顺序的命名步骤管道，关键步骤失败触发回滚
type Manager struct {
	config   Config
	logger   hclog.Logger
	registry *registry.Registry
	loader   *loader.Loader
	hooks    *hook.Pipeline
	storage  *storage.Engine
	cache    *cache.Engine
}

// NewManager 创建事务管理器
func NewManager(config Config, reg *registry.Registry, ldr *loader.Loader, hooks *hook.Pipeline,
	storageEngine *storage.Engine, cacheEngine *cache.Engine, logger hclog.Logger) (*Manager, error) {
	if config.PluginsDir == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "INVALID_CONFIG", "插件目录不能为空")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.TmpDir == "" {
		config.TmpDir = filepath.Join(os.TempDir(), "roost")
	}

	return &Manager{
		config:   config,
		logger:   logger.Named("transaction"),
		registry: reg,
		loader:   ldr,
		hooks:    hooks,
		storage:  storageEngine,
		cache:    cacheEngine,
	}, nil
}

// Install 从本地zip安装包执行安装事务
func (m *Manager) Install(ctx context.Context, archivePath string, options InstallOptions) (*Transaction, error) {
	tx := &Transaction{
		ID:        uuid.New().String(),
		Type:      TypeInstall,
		StartedAt: time.Now(),
	}
	state := &txState{ctx: ctx}

	tx.Steps = []*Step{
		{Name: "validate", Critical: true, run: func(s *txState) error {
			return m.installValidate(s, archivePath)
		}},
		{Name: "check-dependencies", Critical: true, run: m.installCheckDependencies},
		{Name: "backup-if-upgrade", Critical: true, run: m.installBackupIfUpgrade},
		{Name: "install-files", Critical: true, run: m.installFiles},
		{Name: "configure-defaults", Critical: false, run: m.installConfigureDefaults},
		{Name: "run-migrations", Critical: false, run: m.installMigrations},
		{Name: "register", Critical: true, run: func(s *txState) error {
			return m.installRegister(s, options)
		}},
		{Name: "activate", Critical: false, run: func(s *txState) error {
			if !options.Activate {
				return errSkipStep
			}
			return m.installActivate(s)
		}},
	}

	err := m.execute(tx, state, m.rollbackInstall)
	return tx, err
}

// InstallFromURL 下载URL安装源后执行安装事务
func (m *Manager) InstallFromURL(ctx context.Context, url string, options InstallOptions) (*Transaction, error) {
	archivePath, err := downloadPackage(url, m.config.TmpDir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeOperational, "DOWNLOAD_FAILED", "下载安装源失败")
	}
	defer os.Remove(archivePath)
	return m.Install(ctx, archivePath, options)
}

// Uninstall 执行卸载事务
func (m *Manager) Uninstall(ctx context.Context, pluginID string, options UninstallOptions) (*Transaction, error) {
	tx := &Transaction{
		ID:        uuid.New().String(),
		Type:      TypeUninstall,
		PluginID:  pluginID,
		StartedAt: time.Now(),
	}
	state := &txState{ctx: ctx}

	tx.Steps = []*Step{
		{Name: "validate", Critical: true, run: func(s *txState) error {
			return m.uninstallValidate(s, pluginID)
		}},
		{Name: "check-dependents", Critical: true, run: m.uninstallCheckDependents},
		{Name: "backup", Critical: true, run: m.uninstallBackup},
		{Name: "deactivate", Critical: false, run: m.uninstallDeactivate},
		{Name: "unload", Critical: false, run: m.uninstallUnload},
		{Name: "cleanup-hooks", Critical: false, run: m.uninstallCleanupHooks},
		{Name: "cleanup-data", Critical: false, run: func(s *txState) error {
			if options.KeepData {
				return errSkipStep
			}
			return m.uninstallCleanupData(s)
		}},
		{Name: "remove-files", Critical: true, run: m.uninstallRemoveFiles},
		{Name: "unregister", Critical: true, run: m.uninstallUnregister},
	}

	err := m.execute(tx, state, m.rollbackUninstall)
	return tx, err
}

// errSkipStep 步骤主动跳过的标记
var errSkipStep = fmt.Errorf("step skipped")

// execute 按顺序执行步骤管道
// 关键步骤失败时中止并回滚；非关键步骤失败记录日志后继续
func (m *Manager) execute(tx *Transaction, state *txState, rollback func(*txState) error) error {
	defer func() {
		tx.FinishedAt = time.Now()
		if state.extractDir != "" {
			os.RemoveAll(state.extractDir)
		}
	}()

	for _, step := range tx.Steps {
		step.Status = StepRunning
		started := time.Now()
		err := step.run(state)
		step.Duration = time.Since(started)

		if state.descriptor != nil && tx.PluginID == "" {
			tx.PluginID = state.descriptor.ID
		}

		if err == errSkipStep {
			step.Status = StepSkipped
			m.logger.Debug("事务步骤跳过", "tx", tx.ID, "step", step.Name)
			continue
		}
		if err == nil {
			step.Status = StepSuccess
			m.logger.Debug("事务步骤完成", "tx", tx.ID, "step", step.Name, "duration", step.Duration)
			continue
		}

		step.Status = StepFailed
		step.Error = err.Error()

		if !step.Critical {
			m.logger.Warn("非关键步骤失败，事务继续",
				"tx", tx.ID, "step", step.Name, "error", err)
			continue
		}

		m.logger.Error("关键步骤失败，事务中止",
			"tx", tx.ID, "step", step.Name, "error", err)
		if rbErr := rollback(state); rbErr != nil {
			m.logger.Error("事务回滚失败", "tx", tx.ID, "error", rbErr)
		} else {
			tx.RolledBack = true
		}
		return errors.Wrap(err, errors.ErrorTypeOperational, "TRANSACTION_FAILED",
			fmt.Sprintf("%s事务在步骤 %s 失败", tx.Type, step.Name)).WithPlugin(tx.PluginID)
	}

	tx.Succeeded = true
	m.logger.Info("事务完成", "tx", tx.ID, "type", tx.Type, "plugin_id", tx.PluginID)
	return nil
}

// installValidate 解压安装包并验证清单
func (m *Manager) installValidate(s *txState, archivePath string) error {
	extractDir, err := extractPackage(archivePath, m.config.TmpDir)
	if err != nil {
		return err
	}
	s.extractDir = extractDir

	descriptor, err := plugin.LoadManifest(extractDir)
	if err != nil {
		return err
	}
	if err := plugin.ValidateDescriptor(descriptor); err != nil {
		return err
	}
	s.descriptor = descriptor
	s.pluginDir = filepath.Join(m.config.PluginsDir, descriptor.ID)

	if existing, ok := m.registry.Get(descriptor.ID); ok {
		s.isUpgrade = true
		s.prevEntry = existing
	}
	return nil
}

// installCheckDependencies 预检必需的插件依赖
// 注册步骤会再次解析；提前检查让失败发生在任何文件落盘之前
func (m *Manager) installCheckDependencies(s *txState) error {
	var missing []string
	for _, dep := range s.descriptor.RequiredDependencies() {
		if dep.Kind != plugin.DependencyKindPlugin {
			continue
		}
		if _, ok := m.registry.Get(dep.ID); !ok {
			missing = append(missing, fmt.Sprintf("%s %s", dep.ID, dep.VersionRange))
		}
	}
	if len(missing) > 0 {
		return errors.Newf(errors.ErrorTypeValidation, "DEPENDENCY_UNRESOLVED",
			"缺少必需依赖: %s", strings.Join(missing, ", ")).WithPlugin(s.descriptor.ID)
	}
	return nil
}

// installBackupIfUpgrade 升级时备份现有版本
func (m *Manager) installBackupIfUpgrade(s *txState) error {
	if !s.isUpgrade {
		return errSkipStep
	}
	path, err := createBackup(s.pluginDir, s.prevEntry, m.config.BackupDir)
	if err != nil {
		return err
	}
	s.backupPath = path
	return nil
}

// installFiles 将解压的文件落盘到插件目录
func (m *Manager) installFiles(s *txState) error {
	if err := os.MkdirAll(m.config.PluginsDir, 0o755); err != nil {
		return fmt.Errorf("创建插件目录失败: %w", err)
	}
	if err := os.RemoveAll(s.pluginDir); err != nil {
		return fmt.Errorf("清理旧版本文件失败: %w", err)
	}
	if err := os.MkdirAll(s.pluginDir, 0o755); err != nil {
		return fmt.Errorf("创建插件目录失败: %w", err)
	}
	if err := copyDir(s.extractDir, s.pluginDir); err != nil {
		return fmt.Errorf("安装插件文件失败: %w", err)
	}
	s.descriptor.Path = s.pluginDir
	s.descriptor.InstalledAt = time.Now()
	return nil
}

// installConfigureDefaults 将设置项默认值写入存储
// 已有的用户配置值不覆盖
func (m *Manager) installConfigureDefaults(s *txState) error {
	if m.storage == nil {
		return errSkipStep
	}
	for key, value := range s.descriptor.SettingDefaults() {
		if m.storage.Exists(s.descriptor.ID, "config", key, "") {
			continue
		}
		data := []byte(fmt.Sprintf("%v", value))
		if err := m.storage.Set(s.descriptor.ID, "config", key, data, storage.SetOptions{Type: "config"}); err != nil {
			return err
		}
	}
	return nil
}

// installMigrations 升级时迁移配置
// 删除新版本不再声明的设置项
func (m *Manager) installMigrations(s *txState) error {
	if !s.isUpgrade || m.storage == nil {
		return errSkipStep
	}

	declared := make(map[string]bool)
	for _, setting := range s.descriptor.Settings {
		declared[setting.Key] = true
	}
	for _, item := range m.storage.List(storage.ListFilter{Plugin: s.descriptor.ID, Namespace: "config"}) {
		if !declared[item.Key.Key] {
			m.storage.Delete(s.descriptor.ID, "config", item.Key.Key, "")
		}
	}
	return nil
}

// installRegister 注册或更新注册表条目
func (m *Manager) installRegister(s *txState, options InstallOptions) error {
	regOptions := registry.RegisterOptions{Override: options.Override}
	if s.isUpgrade {
		if err := m.registry.Update(s.descriptor, regOptions); err != nil {
			return err
		}
	} else {
		if err := m.registry.Register(s.descriptor, regOptions); err != nil {
			return err
		}
	}
	s.registered = true
	return nil
}

// installActivate 加载并激活插件
func (m *Manager) installActivate(s *txState) error {
	if m.loader == nil {
		return errSkipStep
	}
	if _, err := m.loader.Load(s.ctx, s.descriptor); err != nil {
		m.registry.SetError(s.descriptor.ID, err)
		return err
	}
	if err := m.loader.Activate(s.ctx, s.descriptor.ID); err != nil {
		m.registry.SetError(s.descriptor.ID, err)
		return err
	}
	return m.registry.SetStatus(s.descriptor.ID, plugin.StatusActive)
}

// rollbackInstall 安装失败回滚
// 全新安装清除已落盘文件；升级从备份恢复文件并还原注册表条目
func (m *Manager) rollbackInstall(s *txState) error {
	if s.descriptor == nil {
		return nil
	}

	// register步骤生效后的失败需要撤销注册变更
	if s.registered && !s.isUpgrade {
		if err := m.registry.Unregister(s.descriptor.ID); err != nil {
			return err
		}
	}

	if s.isUpgrade && s.backupPath != "" {
		prev, err := restoreBackup(s.backupPath, s.pluginDir)
		if err != nil {
			return err
		}
		if s.registered {
			if err := m.registry.Update(prev.Descriptor, registry.RegisterOptions{Override: true}); err != nil {
				return err
			}
		}
		m.logger.Info("升级回滚完成", "plugin_id", s.descriptor.ID, "restored_version", prev.Descriptor.Version)
		return nil
	}

	if s.pluginDir != "" {
		if err := os.RemoveAll(s.pluginDir); err != nil {
			return err
		}
	}
	m.logger.Info("安装回滚完成", "plugin_id", s.descriptor.ID)
	return nil
}

// uninstallValidate 确认插件存在
func (m *Manager) uninstallValidate(s *txState, pluginID string) error {
	entry, ok := m.registry.Get(pluginID)
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "PLUGIN_NOT_FOUND", "插件 %s 不存在", pluginID).
			WithPlugin(pluginID)
	}
	s.descriptor = entry.Descriptor
	s.prevEntry = entry
	s.pluginDir = entry.Descriptor.Path
	if s.pluginDir == "" {
		s.pluginDir = filepath.Join(m.config.PluginsDir, pluginID)
	}
	return nil
}

// uninstallCheckDependents 存在依赖方时拒绝卸载
func (m *Manager) uninstallCheckDependents(s *txState) error {
	if len(s.prevEntry.Dependents) > 0 {
		return errors.Newf(errors.ErrorTypeConflict, "HAS_DEPENDENTS",
			"插件 %s 被以下插件依赖: %s", s.descriptor.ID,
			strings.Join(s.prevEntry.Dependents, ", ")).WithPlugin(s.descriptor.ID)
	}
	return nil
}

// uninstallBackup 卸载前备份
func (m *Manager) uninstallBackup(s *txState) error {
	path, err := createBackup(s.pluginDir, s.prevEntry, m.config.BackupDir)
	if err != nil {
		return err
	}
	s.backupPath = path
	return nil
}

// uninstallDeactivate 停用插件
func (m *Manager) uninstallDeactivate(s *txState) error {
	if m.loader == nil {
		return errSkipStep
	}
	if module, ok := m.loader.Get(s.descriptor.ID); !ok || module.State() != loader.StateActive {
		return errSkipStep
	}
	if err := m.loader.Deactivate(s.ctx, s.descriptor.ID); err != nil {
		return err
	}
	return m.registry.SetStatus(s.descriptor.ID, plugin.StatusInactive)
}

// uninstallUnload 卸载模块
func (m *Manager) uninstallUnload(s *txState) error {
	if m.loader == nil {
		return errSkipStep
	}
	if _, ok := m.loader.Get(s.descriptor.ID); !ok {
		return errSkipStep
	}
	return m.loader.Unload(s.ctx, s.descriptor.ID)
}

// uninstallCleanupHooks 移除插件的全部钩子注册
func (m *Manager) uninstallCleanupHooks(s *txState) error {
	if m.hooks == nil {
		return errSkipStep
	}
	m.hooks.UnregisterPlugin(s.descriptor.ID)
	return nil
}

// uninstallCleanupData 清除插件的存储和缓存数据
func (m *Manager) uninstallCleanupData(s *txState) error {
	if m.storage != nil {
		m.storage.Clear(s.descriptor.ID, "")
	}
	if m.cache != nil {
		m.cache.Clear(s.descriptor.ID, "")
	}
	return nil
}

// uninstallRemoveFiles 删除插件文件
func (m *Manager) uninstallRemoveFiles(s *txState) error {
	if err := os.RemoveAll(s.pluginDir); err != nil {
		return fmt.Errorf("删除插件文件失败: %w", err)
	}
	return nil
}

// uninstallUnregister 注销注册表条目
func (m *Manager) uninstallUnregister(s *txState) error {
	if err := m.registry.Unregister(s.descriptor.ID); err != nil {
		return err
	}
	s.unregistered = true
	return nil
}

// rollbackUninstall 卸载失败回滚
// 从备份恢复插件文件；条目已注销时重新注册并恢复状态
func (m *Manager) rollbackUninstall(s *txState) error {
	if s.backupPath == "" {
		return nil
	}

	prev, err := restoreBackup(s.backupPath, s.pluginDir)
	if err != nil {
		return err
	}
	if s.unregistered {
		if err := m.registry.Register(prev.Descriptor, registry.RegisterOptions{Override: true}); err != nil {
			return err
		}
	}
	m.logger.Info("卸载回滚完成", "plugin_id", s.descriptor.ID)
	return nil
}
