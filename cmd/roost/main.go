package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lomehong/roost/pkg/config"
	"github.com/lomehong/roost/pkg/registry"
	"github.com/lomehong/roost/pkg/runtime"
	"github.com/lomehong/roost/pkg/transaction"
)

// version 构建时通过-ldflags注入
var version = "dev"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "roost",
		Short: "Lua插件运行时",
		Long: `roost是一个Lua插件运行时，提供插件注册表、依赖图解析、
钩子执行管道、缓存与加密存储，以及带回滚的事务化安装/卸载。`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径")

	installCmd.Flags().Bool("activate", false, "安装完成后立即激活")
	installCmd.Flags().Bool("override", false, "允许覆盖高严重程度冲突")
	uninstallCmd.Flags().Bool("keep-data", false, "保留插件的存储和缓存数据")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
}

// newRuntime 加载配置并装配运行时
func newRuntime() (*runtime.Runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return runtime.New(cfg)
}

// version命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("roost %s\n", version)
	},
}

// serve命令
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动运行时并保持运行",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		if err := rt.Start(context.Background()); err != nil {
			rt.Shutdown()
			return err
		}

		// 配置热重载：日志级别即时生效
		if cfgFile != "" {
			watcher, err := config.NewWatcher(cfgFile, nil, rt.Logger().GetHCLogger())
			if err == nil {
				watcher.OnReload(func(old, updated *config.Config) {
					rt.Logger().SetLevel(updated.Logging.Level)
				})
				watcher.Start()
				defer watcher.Stop()
			} else {
				rt.Logger().Warn("配置监视不可用", "error", err)
			}
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		return rt.Shutdown()
	},
}

// install命令
var installCmd = &cobra.Command{
	Use:   "install <zip文件或URL>",
	Short: "安装插件",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		activate, _ := cmd.Flags().GetBool("activate")
		override, _ := cmd.Flags().GetBool("override")

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown()
		if err := rt.Start(context.Background()); err != nil {
			return err
		}

		options := transaction.InstallOptions{Activate: activate, Override: override}
		source := args[0]

		var tx *transaction.Transaction
		if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
			tx, err = rt.Transactions().InstallFromURL(context.Background(), source, options)
		} else {
			tx, err = rt.Transactions().Install(context.Background(), source, options)
		}
		printTransaction(tx)
		if err != nil {
			return err
		}
		fmt.Printf("插件 %s 安装成功\n", tx.PluginID)
		return nil
	},
}

// uninstall命令
var uninstallCmd = &cobra.Command{
	Use:   "uninstall <插件ID>",
	Short: "卸载插件",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keepData, _ := cmd.Flags().GetBool("keep-data")

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown()
		if err := rt.Start(context.Background()); err != nil {
			return err
		}

		tx, err := rt.Transactions().Uninstall(context.Background(), args[0],
			transaction.UninstallOptions{KeepData: keepData})
		printTransaction(tx)
		if err != nil {
			return err
		}
		fmt.Printf("插件 %s 卸载成功\n", args[0])
		return nil
	},
}

// list命令
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "按加载顺序列出已注册的插件",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown()
		if err := rt.Start(context.Background()); err != nil {
			return err
		}

		entries := rt.Registry().List()
		if len(entries) == 0 {
			fmt.Println("没有已注册的插件")
			return nil
		}

		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "顺序\tID\t版本\t状态\t分类\t依赖方")
		for _, entry := range entries {
			fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%d\n",
				entry.LoadOrder, entry.Descriptor.ID, entry.Descriptor.Version,
				entry.Status, entry.Descriptor.Category, len(entry.Dependents))
		}
		return writer.Flush()
	},
}

// info命令
var infoCmd = &cobra.Command{
	Use:   "info <插件ID>",
	Short: "显示插件详情",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown()
		if err := rt.Start(context.Background()); err != nil {
			return err
		}

		entry, ok := rt.Registry().Get(args[0])
		if !ok {
			return fmt.Errorf("插件 %s 不存在", args[0])
		}
		printEntry(entry)
		return nil
	},
}

// printEntry 打印注册表条目详情
func printEntry(entry *registry.Entry) {
	d := entry.Descriptor
	fmt.Printf("ID:       %s\n", d.ID)
	fmt.Printf("名称:     %s\n", d.Name)
	fmt.Printf("版本:     %s\n", d.Version)
	fmt.Printf("描述:     %s\n", d.Description)
	fmt.Printf("作者:     %s\n", d.Author)
	fmt.Printf("许可:     %s\n", d.License)
	fmt.Printf("分类:     %s\n", d.Category)
	fmt.Printf("状态:     %s\n", entry.Status)
	fmt.Printf("加载顺序: %d\n", entry.LoadOrder)
	if entry.OnCycle {
		fmt.Println("警告:     该插件位于可选依赖环上")
	}

	if len(entry.Edges) > 0 {
		fmt.Println("依赖:")
		for _, edge := range entry.Edges {
			kind := "可选"
			if edge.Required {
				kind = "必需"
			}
			fmt.Printf("  - %s %s (%s)\n", edge.To, edge.VersionRange, kind)
		}
	}
	if len(entry.Dependents) > 0 {
		dependents := append([]string(nil), entry.Dependents...)
		sort.Strings(dependents)
		fmt.Printf("依赖方:   %s\n", strings.Join(dependents, ", "))
	}
	for _, warning := range entry.Warnings {
		fmt.Printf("警告:     %s\n", warning)
	}
	for _, conflict := range entry.Conflicts {
		fmt.Printf("冲突:     [%s] %s\n", conflict.Severity, conflict.Detail)
	}

	m := entry.Metrics
	fmt.Printf("激活次数: %d  错误次数: %d\n", m.Activations, m.Errors)
}

// printTransaction 打印事务步骤执行情况
func printTransaction(tx *transaction.Transaction) {
	if tx == nil {
		return
	}
	for _, step := range tx.Steps {
		marker := " "
		switch step.Status {
		case transaction.StepSuccess:
			marker = "✓"
		case transaction.StepFailed:
			marker = "✗"
		case transaction.StepSkipped:
			marker = "-"
		case transaction.StepPending:
			continue
		}
		line := fmt.Sprintf("%s %-20s %s", marker, step.Name, step.Status)
		if step.Error != "" {
			line += "  " + step.Error
		}
		fmt.Println(line)
	}
	if tx.RolledBack {
		fmt.Println("事务已回滚")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
