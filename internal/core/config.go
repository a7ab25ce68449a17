package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/AshenVoyage/farecrawl/internal/batcher"
	"github.com/AshenVoyage/farecrawl/internal/cache"
	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/ratelimit"
	"github.com/AshenVoyage/farecrawl/internal/recovery"
	"github.com/AshenVoyage/farecrawl/internal/resources"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// Config 应用程序配置
type Config struct {
	Crawl     CrawlConfig             `mapstructure:"crawl"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	RateLimit ratelimit.Config        `mapstructure:"ratelimit"`
	Recovery  recovery.Config         `mapstructure:"recovery"`
	Detector  recovery.DetectorConfig `mapstructure:"detector"`
	Batcher   batcher.Config          `mapstructure:"batcher"`
	Resources ResourcesConfig         `mapstructure:"resources"`
	Cache     cache.Config            `mapstructure:"cache"`
	Redis     RedisConfig             `mapstructure:"redis"`
	Targets   []TargetConfig          `mapstructure:"targets"`
}

// CrawlConfig 编排器配置
type CrawlConfig struct {
	MaxConcurrency  int           `mapstructure:"max_concurrency"`  // 全局并发站点抓取上限
	DefaultDeadline time.Duration `mapstructure:"default_deadline"` // 未指定deadline时的兜底
	EventBuffer     int           `mapstructure:"event_buffer"`     // 事件总线缓冲区大小
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string         `mapstructure:"level"`
	LogDir   string         `mapstructure:"log_dir"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// ToLogConfig 转换为日志系统配置
func (l LoggingConfig) ToLogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      l.Level,
		LogDir:     l.LogDir,
		MaxSize:    l.Rotation.MaxSize,
		MaxBackups: l.Rotation.MaxBackups,
		MaxAge:     l.Rotation.MaxAge,
		Compress:   l.Rotation.Compress,
	}
}

// ResourcesConfig 资源管理配置
type ResourcesConfig struct {
	Tracker resources.TrackerConfig        `mapstructure:"tracker"`
	Monitor resources.MonitorConfig        `mapstructure:"monitor"`
	Browser resources.BrowserFactoryConfig `mapstructure:"browser"`
	HTTP    resources.HTTPFactoryConfig    `mapstructure:"http"`
}

// RedisConfig 可选的Redis后端配置
// 多实例部署时共享限流账本和结果缓存
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TargetConfig 单个目标站点的配置
type TargetConfig struct {
	Code            string                `mapstructure:"code"`
	Name            string                `mapstructure:"name"`
	BaseURL         string                `mapstructure:"base_url"`
	Category        models.TargetCategory `mapstructure:"category"`
	Rate            models.RatePolicy     `mapstructure:"rate"`
	AntiBot         models.AntiBotProfile `mapstructure:"anti_bot"`
	Adapter         string                `mapstructure:"adapter"`          // static 或 dynamic
	SearchURL       string                `mapstructure:"search_url"`       // 查询URL模板
	ResultsSelector string                `mapstructure:"results_selector"` // 动态适配器的结果选择器
}

// BuildTargets 根据配置构造目标站点集合
func (c *Config) BuildTargets() (map[string]*models.Target, error) {
	targets := make(map[string]*models.Target, len(c.Targets))
	for _, tc := range c.Targets {
		target, err := models.NewTarget(tc.Code, tc.Name, tc.BaseURL, tc.Category, tc.Rate, tc.AntiBot)
		if err != nil {
			return nil, fmt.Errorf("站点[%s]配置无效: %w", tc.Code, err)
		}
		if _, dup := targets[tc.Code]; dup {
			return nil, fmt.Errorf("站点代码重复: %s", tc.Code)
		}
		targets[tc.Code] = target
	}
	return targets, nil
}

// RatePolicies 提取逐站点的限流策略表
func (c *Config) RatePolicies() map[string]models.RatePolicy {
	policies := make(map[string]models.RatePolicy, len(c.Targets))
	for _, tc := range c.Targets {
		policies[tc.Code] = tc.Rate
	}
	return policies
}

// Categories 提取逐站点的类别表 (熔断器阈值档位用)
func (c *Config) Categories() map[string]models.TargetCategory {
	categories := make(map[string]models.TargetCategory, len(c.Targets))
	for _, tc := range c.Targets {
		categories[tc.Code] = tc.Category
	}
	return categories
}

// Validate 验证配置的一致性
func (c *Config) Validate() error {
	if c.Crawl.MaxConcurrency < 1 {
		return fmt.Errorf("全局并发上限必须大于0")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("至少需要配置一个目标站点")
	}
	for _, tc := range c.Targets {
		switch tc.Adapter {
		case "static", "dynamic":
		default:
			return fmt.Errorf("站点[%s]适配器类型无效: %q (必须是static或dynamic)", tc.Code, tc.Adapter)
		}
		if tc.SearchURL == "" {
			return fmt.Errorf("站点[%s]缺少查询URL模板", tc.Code)
		}
	}
	if _, err := c.BuildTargets(); err != nil {
		return err
	}
	return nil
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &config, nil
}

// newViper 创建带默认值和搜索路径的viper实例
func newViper(configPath string) *viper.Viper {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".farecrawl"))
		}
	}

	setDefaults(v)
	return v
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 编排器默认值
	v.SetDefault("crawl.max_concurrency", 4)
	v.SetDefault("crawl.default_deadline", "90s")
	v.SetDefault("crawl.event_buffer", 1024)

	// 日志默认值
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "logs")
	v.SetDefault("logging.rotation.max_size", 10)
	v.SetDefault("logging.rotation.max_backups", 3)
	v.SetDefault("logging.rotation.max_age", 28)
	v.SetDefault("logging.rotation.compress", true)

	// 限流默认值
	v.SetDefault("ratelimit.default_policy.requests_per_minute", 30)
	v.SetDefault("ratelimit.default_policy.requests_per_hour", 600)
	v.SetDefault("ratelimit.default_policy.burst", 5)
	v.SetDefault("ratelimit.trusted_multiplier", 3.0)
	v.SetDefault("ratelimit.penalty_threshold", 3)
	v.SetDefault("ratelimit.penalty_base", "5s")
	v.SetDefault("ratelimit.penalty_max", "5m")
	v.SetDefault("ratelimit.penalty_quiet", "10m")

	// 恢复引擎默认值
	v.SetDefault("recovery.backoff_base", "500ms")
	v.SetDefault("recovery.backoff_ceiling", "30s")
	v.SetDefault("recovery.max_retries_cap", 5)

	// 模式检测器默认值
	v.SetDefault("detector.window", "10m")
	v.SetDefault("detector.correlation_threshold", 8)
	v.SetDefault("detector.scan_interval", "30s")
	v.SetDefault("detector.alert_min_interval", "2m")
	v.SetDefault("detector.notify_after", "5m")
	v.SetDefault("detector.emergency_after", "15m")

	// 批处理器默认值
	v.SetDefault("batcher.max_size", 8)
	v.SetDefault("batcher.max_age", "200ms")
	v.SetDefault("batcher.max_in_flight_per_target", 2)

	// 资源管理默认值
	v.SetDefault("resources.tracker.max_sessions", 8)
	v.SetDefault("resources.tracker.max_session_age", "30m")
	v.SetDefault("resources.tracker.expected_active_duration", "2m")
	v.SetDefault("resources.tracker.leak_scan_interval", "1m")
	v.SetDefault("resources.tracker.pressure_scan_interval", "15s")
	v.SetDefault("resources.tracker.session_memory_bytes", 150*1024*1024)
	v.SetDefault("resources.monitor.safety_reserve_memory", 512*1024*1024)
	v.SetDefault("resources.monitor.safety_threshold", 256*1024*1024)
	v.SetDefault("resources.monitor.cpu_load_threshold", 85)
	v.SetDefault("resources.monitor.max_sessions_limit", 16)
	v.SetDefault("resources.monitor.session_memory_usage", 150*1024*1024)
	v.SetDefault("resources.browser.headless", true)
	v.SetDefault("resources.browser.page_timeout", "30s")
	v.SetDefault("resources.http.request_timeout", "30s")
	v.SetDefault("resources.http.max_idle_conns", 8)
	v.SetDefault("resources.http.idle_conn_timeout", "90s")

	// 缓存默认值
	v.SetDefault("cache.capacity", 4096)
	v.SetDefault("cache.max_bytes", 64*1024*1024)
	v.SetDefault("cache.default_ttl", "10m")

	// Redis默认值
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
}

// MergeCLIFlags 合并命令行参数到配置
// 命令行参数优先于配置文件
func (c *Config) MergeCLIFlags(maxConcurrency int, logLevel string, headless bool) {
	if maxConcurrency > 0 {
		c.Crawl.MaxConcurrency = maxConcurrency
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	c.Resources.Browser.Headless = headless
}

// Watcher 配置热加载器
// 职责: 监听配置文件变化,重新解析后原子地发布新快照;
// 进行中的爬取保持其开始时的快照,新的Crawl调用拿到新配置
type Watcher struct {
	v       *viper.Viper
	current atomic.Pointer[Config]

	onChange []func(*Config)
	mu       sync.Mutex
}

// NewWatcher 加载配置并开始监听变化
func NewWatcher(configPath string) (*Watcher, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	w := &Watcher{v: v}
	w.current.Store(&config)

	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Config
		if err := v.Unmarshal(&updated); err != nil {
			utils.Errorf("配置热加载解析失败,保留旧配置: %v", err)
			return
		}
		if err := updated.Validate(); err != nil {
			utils.Errorf("配置热加载验证失败,保留旧配置: %v", err)
			return
		}

		w.current.Store(&updated)
		utils.Infof("🔄 配置已热加载: %s", e.Name)

		w.mu.Lock()
		callbacks := make([]func(*Config), len(w.onChange))
		copy(callbacks, w.onChange)
		w.mu.Unlock()
		for _, fn := range callbacks {
			fn(&updated)
		}
	})
	v.WatchConfig()

	return w, nil
}

// Current 返回当前配置快照
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange 注册配置变化回调 (限流策略/熔断阈值等热更新入口)
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}
