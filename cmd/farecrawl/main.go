package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AshenVoyage/farecrawl/internal/adapters"
	"github.com/AshenVoyage/farecrawl/internal/core"
	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile     string
	verbose        bool
	logLevel       string
	validateConfig bool

	// 爬取参数
	origin         string
	destination    string
	departDate     string
	returnDate     string
	passengers     int
	cabin          string
	targetCodes    []string
	routeFile      string
	maxConcurrency int
	headless       bool
	timeout        time.Duration
	outputFile     string

	// 批量处理参数
	batchDelay      int
	continueOnError bool
)

var rootCmd = &cobra.Command{
	Use:   "farecrawl",
	Short: "机票价格多站点爬取编排工具",
	Long: `farecrawl - 弹性的多站点机票价格爬取编排核心

对多个旅行站点并发抓取同一航线的票价,内置:
  • 按站点限流与违规惩罚升级
  • 站点级熔断器 (持续失败自动短路)
  • 错误分类与自动恢复 (退避重试/身份轮换/降级提取)
  • 浏览器与HTTP会话池 (内存压力自动回收)
  • 结果缓存 (TTL + LRU)
  • 批量航线文件处理

使用示例:
  # 单航线查询
  farecrawl -o THR -d IST --depart 2026-09-01

  # 往返+指定站点
  farecrawl -o THR -d IST --depart 2026-09-01 --return 2026-09-10 -t alibaba,flytoday

  # 批量航线文件
  farecrawl -f routes.txt

  # 验证配置文件
  farecrawl --validate-config

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		logConfig := config.Logging.ToLogConfig()
		if logLevel != "" {
			logConfig.Level = logLevel
		}
		if verbose {
			logConfig.Level = "debug"
		}

		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// 配置热加载器: 新的Crawl调用拿到新快照
		watcher, err := core.NewWatcher(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		config := watcher.Current()
		config.MergeCLIFlags(maxConcurrency, logLevel, headless)

		// 仅验证配置
		if validateConfig {
			utils.Info("🔍 验证配置文件...")
			if err := config.Validate(); err != nil {
				return fmt.Errorf("配置验证失败: %w", err)
			}
			utils.Info("✅ 配置验证通过!")
			utils.Infof("已配置站点 (%d个):", len(config.Targets))
			for _, tc := range config.Targets {
				utils.Infof("  %s (%s, %s适配器): %d req/min",
					tc.Code, tc.Category, tc.Adapter, tc.Rate.RequestsPerMinute)
			}
			return nil
		}

		// 没有提供任何查询参数,显示帮助
		if origin == "" && routeFile == "" {
			return cmd.Help()
		}

		if err := ValidateFlags(origin, destination, departDate, returnDate, passengers, cabin, maxConcurrency); err != nil {
			return err
		}
		if err := config.Validate(); err != nil {
			return fmt.Errorf("配置无效: %w", err)
		}

		orchestrator, err := buildOrchestrator(config)
		if err != nil {
			return err
		}
		watcher.OnChange(orchestrator.ApplyConfig)

		orchestrator.Start()
		defer orchestrator.Close()

		// 信号处理: Ctrl+C取消进行中的爬取
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig := <-sigChan
			utils.Warnf("收到中断信号: %v, 正在优雅关闭...", sig)
			cancel()
		}()

		// 批量航线模式
		if routeFile != "" {
			return runBatch(ctx, orchestrator, routeFile)
		}

		// 单航线模式
		return runSingle(ctx, orchestrator)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("farecrawl %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// buildOrchestrator 按配置组装适配器注册表和编排器
func buildOrchestrator(config *core.Config) (*core.Orchestrator, error) {
	identity := adapters.NewIdentityPool(nil)
	registry := adapters.NewRegistry()

	for _, tc := range config.Targets {
		var adapter adapters.Adapter
		switch tc.Adapter {
		case "dynamic":
			adapter = adapters.NewDynamicAdapter(adapters.DynamicConfig{
				Code:            tc.Code,
				SearchURL:       tc.SearchURL,
				ResultsSelector: tc.ResultsSelector,
			})
		default:
			adapter = adapters.NewStaticAdapter(adapters.StaticConfig{
				Code:      tc.Code,
				SearchURL: tc.SearchURL,
			}, identity)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	return core.NewOrchestrator(config, registry, identity)
}

// runSingle 执行单航线查询
func runSingle(ctx context.Context, orchestrator *core.Orchestrator) error {
	req, err := buildRequest(origin, destination, departDate, returnDate)
	if err != nil {
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := orchestrator.Crawl(ctx, req)
	if err != nil {
		return fmt.Errorf("爬取失败: %w", err)
	}

	printSummary(result)
	return writeResult(result)
}

// runBatch 执行批量航线文件
func runBatch(ctx context.Context, orchestrator *core.Orchestrator, path string) error {
	routes, err := utils.ReadRoutesFromFile(path)
	if err != nil {
		return fmt.Errorf("读取航线文件失败: %w", err)
	}

	bar := utils.NewProgressBar(len(routes), "批量爬取航线")
	succeeded, failed := 0, 0

	for i, route := range routes {
		if ctx.Err() != nil {
			utils.Warnf("批量爬取被中断: 已完成%d/%d条航线", i, len(routes))
			break
		}

		req, err := buildRequest(route.Origin, route.Destination, route.DepartDate, route.ReturnDate)
		if err != nil {
			utils.Errorf("航线[%s→%s]请求无效: %v", route.Origin, route.Destination, err)
			failed++
			_ = bar.Add(1)
			if !continueOnError {
				return err
			}
			continue
		}

		result, err := orchestrator.Crawl(ctx, req)
		if err != nil {
			utils.Errorf("航线[%s→%s]爬取失败: %v", route.Origin, route.Destination, err)
			failed++
			if !continueOnError {
				return err
			}
		} else {
			if result.NoData {
				utils.Warnf("航线[%s→%s]所有站点都失败", route.Origin, route.Destination)
			}
			succeeded++
		}
		_ = bar.Add(1)

		// 航线之间的间隔,减轻站点压力
		if batchDelay > 0 && i < len(routes)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(batchDelay) * time.Second):
			}
		}
	}

	fmt.Println()
	utils.Infof("✨ 批量爬取完成: 成功%d条, 失败%d条", succeeded, failed)
	return nil
}

// buildRequest 构造爬取请求
func buildRequest(org, dst, depart, ret string) (*models.CrawlRequest, error) {
	departAt, err := time.Parse("2006-01-02", depart)
	if err != nil {
		return nil, fmt.Errorf("出发日期格式无效: %q", depart)
	}

	var returnAt *time.Time
	if ret != "" {
		parsed, err := time.Parse("2006-01-02", ret)
		if err != nil {
			return nil, fmt.Errorf("返回日期格式无效: %q", ret)
		}
		returnAt = &parsed
	}

	return models.NewCrawlRequest(org, dst, departAt, returnAt, passengers, models.CabinClass(cabin), targetCodes)
}

// printSummary 输出单次爬取的统计摘要
func printSummary(result *models.CrawlResult) {
	fmt.Println("\n==================================================")
	fmt.Println("📊 爬取统计")
	fmt.Println("==================================================")
	fmt.Printf("✅ 航班记录数: %d\n", len(result.Records))
	fmt.Printf("✅ 成功站点: %v\n", result.SucceededTargets)
	fmt.Printf("❌ 站点错误: %d\n", len(result.Errors))
	for _, e := range result.Errors {
		fmt.Printf("   [%s] %s: %s\n", e.Target, e.Category, e.Message)
	}
	if result.FromCache {
		fmt.Println("💾 结果来自缓存")
	}
	if result.NoData {
		fmt.Println("⚠️  所有站点都未能返回数据")
	}
	fmt.Printf("⏱️  总耗时: %.2f秒\n", result.Duration)
	fmt.Println("==================================================")
}

// writeResult 把结果写入输出文件 (未指定时仅打印摘要)
func writeResult(result *models.CrawlResult) error {
	if outputFile == "" {
		return nil
	}

	data, err := result.ToJSON()
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		return fmt.Errorf("写入结果文件失败: %w", err)
	}
	utils.Infof("结果已写入: %s", outputFile)
	return nil
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&validateConfig, "validate-config", false, "验证配置文件正确性")

	// 爬取参数
	rootCmd.Flags().StringVarP(&origin, "origin", "o", "", "出发机场三字码 (如 THR)")
	rootCmd.Flags().StringVarP(&destination, "destination", "d", "", "目的机场三字码 (如 IST)")
	rootCmd.Flags().StringVar(&departDate, "depart", "", "出发日期 (YYYY-MM-DD)")
	rootCmd.Flags().StringVar(&returnDate, "return", "", "返回日期,单程留空 (YYYY-MM-DD)")
	rootCmd.Flags().IntVarP(&passengers, "passengers", "p", 1, "乘客数 (1-9)")
	rootCmd.Flags().StringVar(&cabin, "cabin", "economy", "舱位等级 (economy|business|first)")
	rootCmd.Flags().StringSliceVarP(&targetCodes, "targets", "t", nil, "站点代码列表,留空使用全部激活站点")
	rootCmd.Flags().StringVarP(&routeFile, "route-file", "f", "", "批量航线文件路径")
	rootCmd.Flags().IntVar(&maxConcurrency, "concurrency", 0, "全局并发站点抓取上限 (0=使用配置文件)")
	rootCmd.Flags().BoolVar(&headless, "headless", true, "无头浏览器模式")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "单次爬取的整体deadline (0=使用配置文件)")
	rootCmd.Flags().StringVar(&outputFile, "output", "", "结果JSON输出文件路径")

	// 批量处理参数
	rootCmd.Flags().IntVar(&batchDelay, "batch-delay", 1, "批量处理航线间延迟(秒)")
	rootCmd.Flags().BoolVar(&continueOnError, "continue-on-error", true, "遇到错误继续处理")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
