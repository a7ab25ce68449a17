package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AshenVoyage/farecrawl/internal/models"
)

func TestLoadConfig_Defaults(t *testing.T) {
	// 搜索路径上没有配置文件时全部使用默认值
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if config.Crawl.MaxConcurrency != 4 {
		t.Errorf("默认并发 = %d, want 4", config.Crawl.MaxConcurrency)
	}
	if config.Crawl.DefaultDeadline != 90*time.Second {
		t.Errorf("默认deadline = %v, want 90s", config.Crawl.DefaultDeadline)
	}
	if config.RateLimit.DefaultPolicy.RequestsPerMinute != 30 || config.RateLimit.DefaultPolicy.Burst != 5 {
		t.Errorf("默认限流策略 = %+v", config.RateLimit.DefaultPolicy)
	}
	if config.RateLimit.PenaltyBase != 5*time.Second {
		t.Errorf("默认冷却基数 = %v, want 5s", config.RateLimit.PenaltyBase)
	}
	if config.Recovery.BackoffBase != 500*time.Millisecond || config.Recovery.BackoffCeiling != 30*time.Second {
		t.Errorf("默认退避参数 = %+v", config.Recovery)
	}
	if config.Batcher.MaxSize != 8 || config.Batcher.MaxAge != 200*time.Millisecond {
		t.Errorf("默认批处理参数 = %+v", config.Batcher)
	}
	if config.Resources.Tracker.MaxSessions != 8 {
		t.Errorf("默认会话上限 = %d, want 8", config.Resources.Tracker.MaxSessions)
	}
	if config.Cache.Capacity != 4096 || config.Cache.DefaultTTL != 10*time.Minute {
		t.Errorf("默认缓存参数 = %+v", config.Cache)
	}
	if config.Redis.Enabled {
		t.Error("Redis默认应关闭")
	}
	if config.Logging.Level != "info" {
		t.Errorf("默认日志级别 = %s, want info", config.Logging.Level)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	content := `
crawl:
  max_concurrency: 2
  default_deadline: 45s
cache:
  default_ttl: 3m
  ttl_by_target:
    alibaba: 1m
targets:
  - code: alibaba
    name: Alibaba.ir
    base_url: https://www.alibaba.ir
    category: standard
    adapter: static
    search_url: "https://www.alibaba.ir/flights?o={origin}"
    rate:
      requests_per_minute: 60
      requests_per_hour: 900
      burst: 10
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if config.Crawl.MaxConcurrency != 2 {
		t.Errorf("max_concurrency = %d, want 2", config.Crawl.MaxConcurrency)
	}
	if config.Crawl.DefaultDeadline != 45*time.Second {
		t.Errorf("default_deadline = %v, want 45s", config.Crawl.DefaultDeadline)
	}
	if config.Cache.DefaultTTL != 3*time.Minute {
		t.Errorf("default_ttl = %v, want 3m", config.Cache.DefaultTTL)
	}
	if config.Cache.TTLByTarget["alibaba"] != time.Minute {
		t.Errorf("ttl_by_target.alibaba = %v, want 1m", config.Cache.TTLByTarget["alibaba"])
	}

	if len(config.Targets) != 1 {
		t.Fatalf("站点数 = %d, want 1", len(config.Targets))
	}
	target := config.Targets[0]
	if target.Code != "alibaba" || target.Adapter != "static" {
		t.Errorf("站点配置 = %+v", target)
	}
	if target.Rate.RequestsPerMinute != 60 || target.Rate.Burst != 10 {
		t.Errorf("站点限流策略 = %+v", target.Rate)
	}
	if target.Category != models.CategoryStandard {
		t.Errorf("站点类别 = %v, want standard", target.Category)
	}

	// 未覆盖的字段保留默认值
	if config.Batcher.MaxSize != 8 {
		t.Errorf("未覆盖字段应保留默认值: batcher.max_size = %d", config.Batcher.MaxSize)
	}
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("crawl: [not: a: map"), 0644); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("损坏的配置文件应报错")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"有效配置", func(*Config) {}, false},
		{"并发上限为0", func(c *Config) { c.Crawl.MaxConcurrency = 0 }, true},
		{"无目标站点", func(c *Config) { c.Targets = nil }, true},
		{"适配器类型无效", func(c *Config) { c.Targets[0].Adapter = "grpc" }, true},
		{"缺少查询URL", func(c *Config) { c.Targets[0].SearchURL = "" }, true},
		{"站点端点无效", func(c *Config) { c.Targets[0].BaseURL = "not a url" }, true},
		{"站点代码重复", func(c *Config) { c.Targets = append(c.Targets, c.Targets[0]) }, true},
		{"分钟速率为0", func(c *Config) { c.Targets[0].Rate.RequestsPerMinute = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig("alpha")
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_MergeCLIFlags(t *testing.T) {
	config := testConfig("alpha")
	config.Logging.Level = "info"

	// 命令行参数优先于配置文件
	config.MergeCLIFlags(8, "debug", false)
	if config.Crawl.MaxConcurrency != 8 {
		t.Errorf("合并后并发 = %d, want 8", config.Crawl.MaxConcurrency)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("合并后日志级别 = %s, want debug", config.Logging.Level)
	}
	if config.Resources.Browser.Headless {
		t.Error("headless标志应被合并")
	}

	// 零值参数不覆盖已有配置
	config.MergeCLIFlags(0, "", true)
	if config.Crawl.MaxConcurrency != 8 || config.Logging.Level != "debug" {
		t.Errorf("零值参数不应覆盖: %+v", config.Crawl)
	}
}

func TestConfig_BuildTargets(t *testing.T) {
	config := testConfig("alpha", "beta")

	targets, err := config.BuildTargets()
	if err != nil {
		t.Fatalf("BuildTargets() error = %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("站点数 = %d, want 2", len(targets))
	}
	if !targets["alpha"].Active() {
		t.Error("构建的站点应处于激活状态")
	}

	policies := config.RatePolicies()
	if policies["alpha"].RequestsPerMinute != 600 {
		t.Errorf("限流策略提取错误: %+v", policies["alpha"])
	}

	categories := config.Categories()
	if categories["beta"] != models.CategoryStandard {
		t.Errorf("类别提取错误: %v", categories["beta"])
	}
}

func TestLoggingConfig_ToLogConfig(t *testing.T) {
	logging := LoggingConfig{
		Level:  "warn",
		LogDir: "/var/log/farecrawl",
		Rotation: RotationConfig{
			MaxSize:    20,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		},
	}

	got := logging.ToLogConfig()
	if got.Level != "warn" || got.LogDir != "/var/log/farecrawl" {
		t.Errorf("ToLogConfig() = %+v", got)
	}
	if got.MaxSize != 20 || got.MaxBackups != 5 || got.MaxAge != 14 || !got.Compress {
		t.Errorf("轮转参数映射错误: %+v", got)
	}
}

func TestWatcher_CurrentAndReload(t *testing.T) {
	content := `
crawl:
  max_concurrency: 2
targets:
  - code: alibaba
    name: Alibaba.ir
    base_url: https://www.alibaba.ir
    category: standard
    adapter: static
    search_url: "https://www.alibaba.ir/flights?o={origin}"
    rate:
      requests_per_minute: 60
      requests_per_hour: 900
      burst: 10
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}

	watcher, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	if got := watcher.Current().Crawl.MaxConcurrency; got != 2 {
		t.Errorf("初始快照并发 = %d, want 2", got)
	}

	// 修改文件后快照被热更新
	updated := []byte(strings.Replace(content, "max_concurrency: 2", "max_concurrency: 6", 1))
	if err := os.WriteFile(path, updated, 0644); err != nil {
		t.Fatalf("覆写临时配置失败: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if watcher.Current().Crawl.MaxConcurrency == 6 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("热加载超时: 并发 = %d, want 6", watcher.Current().Crawl.MaxConcurrency)
}
