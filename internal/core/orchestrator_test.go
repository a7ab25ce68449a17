package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AshenVoyage/farecrawl/internal/adapters"
	"github.com/AshenVoyage/farecrawl/internal/batcher"
	"github.com/AshenVoyage/farecrawl/internal/breaker"
	"github.com/AshenVoyage/farecrawl/internal/cache"
	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/ratelimit"
	"github.com/AshenVoyage/farecrawl/internal/recovery"
	"github.com/AshenVoyage/farecrawl/internal/resources"
)

// fakeAdapter 测试用适配器
// 借用HTTP会话但不真正发请求,结果完全由测试脚本控制
type fakeAdapter struct {
	code string

	mu          sync.Mutex
	searchCalls int
	searchErr   error
	delay       time.Duration
	nilPayload  bool
	records     []models.FlightRecord
}

func (a *fakeAdapter) Code() string { return a.code }

func (a *fakeAdapter) SessionKind() resources.SessionKind { return resources.KindHTTP }

func (a *fakeAdapter) Search(ctx context.Context, session *resources.Session, params models.SearchParams) (*adapters.RawPayload, error) {
	a.mu.Lock()
	a.searchCalls++
	err := a.searchErr
	delay := a.delay
	nilPayload := a.nilPayload
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if nilPayload {
		return nil, nil
	}
	return &adapters.RawPayload{Body: []byte("{}"), FetchedAt: time.Now()}, nil
}

func (a *fakeAdapter) Validate(raw *adapters.RawPayload) ([]models.FlightRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records, nil
}

func (a *fakeAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.searchCalls
}

func (a *fakeAdapter) setErr(err error) {
	a.mu.Lock()
	a.searchErr = err
	a.mu.Unlock()
}

func fakeRecords(source string) []models.FlightRecord {
	return []models.FlightRecord{{
		Carrier:      "IR",
		FlightNumber: "IR721",
		Origin:       "THR",
		Destination:  "IST",
		DepartureAt:  time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC),
		ArrivalAt:    time.Date(2026, 9, 1, 11, 0, 0, 0, time.UTC),
		DurationMin:  180,
		Price:        12500000,
		Currency:     "IRR",
		FareClass:    models.CabinEconomy,
		Source:       source,
	}}
}

// testConfig 直连构造的测试配置 (小窗口快速派发)
func testConfig(codes ...string) *Config {
	targets := make([]TargetConfig, 0, len(codes))
	for _, code := range codes {
		targets = append(targets, TargetConfig{
			Code:      code,
			Name:      code,
			BaseURL:   "https://www." + code + ".example",
			Category:  models.CategoryStandard,
			Rate:      models.RatePolicy{RequestsPerMinute: 600, RequestsPerHour: 6000, Burst: 50},
			Adapter:   "static",
			SearchURL: "https://www." + code + ".example/search?o={origin}",
		})
	}

	return &Config{
		Crawl: CrawlConfig{MaxConcurrency: 4, DefaultDeadline: 30 * time.Second, EventBuffer: 64},
		RateLimit: ratelimit.Config{
			DefaultPolicy:     models.RatePolicy{RequestsPerMinute: 600, RequestsPerHour: 6000, Burst: 50},
			TrustedMultiplier: 3,
			PenaltyThreshold:  100,
			PenaltyBase:       time.Second,
			PenaltyMax:        time.Minute,
			PenaltyQuiet:      time.Minute,
		},
		Recovery: recovery.Config{
			BackoffBase:    10 * time.Millisecond,
			BackoffCeiling: 50 * time.Millisecond,
			MaxRetriesCap:  5,
		},
		Detector: recovery.DefaultDetectorConfig(),
		Batcher:  batcher.Config{MaxSize: 1, MaxAge: 20 * time.Millisecond, MaxInFlightPerTarget: 2},
		Resources: ResourcesConfig{
			Tracker: resources.DefaultTrackerConfig(),
			Monitor: resources.MonitorConfig{
				SafetyReserveMemory: -1 << 40,
				SafetyThreshold:     0,
				CPULoadThreshold:    250,
				MaxSessionsLimit:    64,
				SessionMemoryUsage:  1,
			},
		},
		Cache:   cache.DefaultConfig(),
		Targets: targets,
	}
}

func newTestOrchestrator(t *testing.T, config *Config, fakes ...*fakeAdapter) *Orchestrator {
	t.Helper()

	registry := adapters.NewRegistry()
	for _, f := range fakes {
		if err := registry.Register(f); err != nil {
			t.Fatalf("注册适配器失败: %v", err)
		}
	}

	o, err := NewOrchestrator(config, registry, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func newRequest(t *testing.T, targets ...string) *models.CrawlRequest {
	t.Helper()
	req, err := models.NewCrawlRequest("THR", "IST",
		time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), nil, 1, models.CabinEconomy, targets)
	if err != nil {
		t.Fatalf("NewCrawlRequest() error = %v", err)
	}
	return req
}

func TestOrchestrator_CrawlSuccess(t *testing.T) {
	fake := &fakeAdapter{code: "alpha", records: fakeRecords("alpha")}
	o := newTestOrchestrator(t, testConfig("alpha"), fake)

	result, err := o.Crawl(context.Background(), newRequest(t, "alpha"))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}

	if len(result.Records) != 1 {
		t.Errorf("记录数 = %d, want 1", len(result.Records))
	}
	if len(result.SucceededTargets) != 1 || result.SucceededTargets[0] != "alpha" {
		t.Errorf("SucceededTargets = %v, want [alpha]", result.SucceededTargets)
	}
	if result.NoData || result.FromCache {
		t.Errorf("NoData=%v FromCache=%v, want false/false", result.NoData, result.FromCache)
	}
	if fake.calls() != 1 {
		t.Errorf("适配器调用次数 = %d, want 1", fake.calls())
	}
}

func TestOrchestrator_InvalidRequestIsHardError(t *testing.T) {
	fake := &fakeAdapter{code: "alpha", records: fakeRecords("alpha")}
	o := newTestOrchestrator(t, testConfig("alpha"), fake)

	if _, err := o.Crawl(context.Background(), nil); err == nil {
		t.Error("空请求应返回硬错误")
	}

	bad := &models.CrawlRequest{Origin: "THR", Destination: "THR"}
	if _, err := o.Crawl(context.Background(), bad); err == nil {
		t.Error("无效请求应返回硬错误,且不触碰任何站点")
	}
	if fake.calls() != 0 {
		t.Error("无效请求不应调用适配器")
	}
}

func TestOrchestrator_CachedCrawlSkipsAdapter(t *testing.T) {
	fake := &fakeAdapter{code: "alpha", records: fakeRecords("alpha")}
	o := newTestOrchestrator(t, testConfig("alpha"), fake)
	ctx := context.Background()

	if _, err := o.Crawl(ctx, newRequest(t, "alpha")); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}

	// 相同查询参数的第二次爬取: 全部命中缓存,不调用适配器
	result, err := o.Crawl(ctx, newRequest(t, "alpha"))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if !result.FromCache {
		t.Error("第二次爬取应全部来自缓存")
	}
	if len(result.Records) != 1 {
		t.Errorf("缓存结果记录数 = %d, want 1", len(result.Records))
	}
	if fake.calls() != 1 {
		t.Errorf("适配器调用次数 = %d, 缓存命中不应重复调用", fake.calls())
	}

	// 按站点失效后重新抓取
	o.InvalidateTargetCache(ctx, "alpha")
	result, _ = o.Crawl(ctx, newRequest(t, "alpha"))
	if result.FromCache {
		t.Error("缓存失效后不应命中")
	}
	if fake.calls() != 2 {
		t.Errorf("适配器调用次数 = %d, want 2", fake.calls())
	}
}

func TestOrchestrator_PartialFailure(t *testing.T) {
	good := &fakeAdapter{code: "alpha", records: fakeRecords("alpha")}
	flaky := &fakeAdapter{code: "beta"}
	flaky.setErr(recovery.Wrap(models.ErrCategoryNetwork, errors.New("connection reset")))
	banned := &fakeAdapter{code: "gamma"}
	banned.setErr(recovery.Wrap(models.ErrCategoryAuthentication, errors.New("403 forbidden")))

	o := newTestOrchestrator(t, testConfig("alpha", "beta", "gamma"), good, flaky, banned)

	result, err := o.Crawl(context.Background(), newRequest(t, "alpha", "beta", "gamma"))
	if err != nil {
		t.Fatalf("部分失败不应是硬错误: %v", err)
	}

	if len(result.SucceededTargets) != 1 || result.SucceededTargets[0] != "alpha" {
		t.Errorf("SucceededTargets = %v, want [alpha]", result.SucceededTargets)
	}
	if len(result.Records) != 1 {
		t.Errorf("记录数 = %d, 成功站点的记录应保留", len(result.Records))
	}
	if result.NoData {
		t.Error("有站点成功时NoData应为false")
	}

	if len(result.Errors) != 2 {
		t.Fatalf("错误数 = %d, want 2", len(result.Errors))
	}
	categories := make(map[string]models.ErrorCategory, len(result.Errors))
	for _, record := range result.Errors {
		categories[record.Target] = record.Category
	}
	if categories["beta"] != models.ErrCategoryNetwork {
		t.Errorf("beta的错误分类 = %v, want network", categories["beta"])
	}
	if categories["gamma"] != models.ErrCategoryAuthentication {
		t.Errorf("gamma的错误分类 = %v, want authentication", categories["gamma"])
	}

	// network重试耗尽, 认证错误不自动重试
	if flaky.calls() != 4 {
		t.Errorf("网络失败的适配器调用次数 = %d, want 4", flaky.calls())
	}
	if banned.calls() != 1 {
		t.Errorf("认证失败的适配器调用次数 = %d, want 1", banned.calls())
	}
}

func TestOrchestrator_NoData(t *testing.T) {
	bad := &fakeAdapter{code: "alpha"}
	bad.setErr(recovery.Wrap(models.ErrCategoryAntiBot, errors.New("captcha detected")))
	o := newTestOrchestrator(t, testConfig("alpha"), bad)

	result, err := o.Crawl(context.Background(), newRequest(t, "alpha"))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if !result.NoData {
		t.Error("所有站点失败时NoData应为true")
	}
	if len(result.Records) != 0 || len(result.Errors) != 1 {
		t.Errorf("Records=%d Errors=%d, want 0/1", len(result.Records), len(result.Errors))
	}
}

func TestOrchestrator_RetryExhaustion(t *testing.T) {
	bad := &fakeAdapter{code: "alpha"}
	bad.setErr(recovery.Wrap(models.ErrCategoryNetwork, errors.New("connection refused")))
	o := newTestOrchestrator(t, testConfig("alpha"), bad)

	result, err := o.Crawl(context.Background(), newRequest(t, "alpha"))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}

	// network分类最多重试3次: 共4次尝试后放弃
	if bad.calls() != 4 {
		t.Errorf("适配器调用次数 = %d, want 4 (1次+3次重试)", bad.calls())
	}
	if len(result.Errors) != 1 || result.Errors[0].Attempt != 4 {
		t.Errorf("最后一次错误记录 = %+v, want attempt=4", result.Errors)
	}
}

func TestOrchestrator_BreakerShortCircuits(t *testing.T) {
	bad := &fakeAdapter{code: "alpha"}
	bad.setErr(recovery.Wrap(models.ErrCategoryAuthentication, errors.New("403 forbidden")))
	o := newTestOrchestrator(t, testConfig("alpha"), bad)
	ctx := context.Background()

	// 认证错误计入熔断且不重试: 5次爬取后standard档位熔断
	for i := 0; i < 5; i++ {
		o.Crawl(ctx, newRequest(t, "alpha"))
	}
	if bad.calls() != 5 {
		t.Fatalf("适配器调用次数 = %d, want 5", bad.calls())
	}

	snapshots := o.BreakerSnapshots()
	if len(snapshots) != 1 || snapshots[0].State != breaker.StateOpen {
		t.Fatalf("熔断状态 = %+v, want OPEN", snapshots)
	}

	// 熔断后适配器不再被触碰
	result, _ := o.Crawl(ctx, newRequest(t, "alpha"))
	if bad.calls() != 5 {
		t.Errorf("熔断期间适配器调用次数 = %d, 不应增加", bad.calls())
	}
	if len(result.Errors) != 1 {
		t.Fatalf("熔断期间应返回结构化错误")
	}
}

func TestOrchestrator_HalfOpenRecoversAfterAbandonedProbes(t *testing.T) {
	flaky := &fakeAdapter{code: "alpha"}
	flaky.setErr(recovery.Wrap(models.ErrCategoryAuthentication, errors.New("403 forbidden")))
	o := newTestOrchestrator(t, testConfig("alpha"), flaky)
	ctx := context.Background()

	// 5次认证失败触发熔断
	for i := 0; i < 5; i++ {
		o.Crawl(ctx, newRequest(t, "alpha"))
	}
	snapshots := o.BreakerSnapshots()
	if len(snapshots) != 1 || snapshots[0].State != breaker.StateOpen {
		t.Fatalf("熔断状态 = %+v, want OPEN", snapshots)
	}

	// 恢复等待过后进入半开探测
	o.breaker.SetClock(func() time.Time { return time.Now().Add(61 * time.Second) })

	// 探测期间遇到不计入熔断的解析失败 (standard档位探测预算为2,
	// 解析分类重试1次共消耗2次放行): 放弃的探测必须归还额度
	flaky.setErr(recovery.Wrap(models.ErrCategoryParsing, errors.New("unexpected markup")))
	result, err := o.Crawl(ctx, newRequest(t, "alpha"))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0].Category != models.ErrCategoryParsing {
		t.Fatalf("解析失败应产生结构化错误: %+v", result.Errors)
	}

	// 站点恢复健康: 半开状态必须仍有探测额度,不能永远拒绝
	flaky.setErr(nil)
	result, err = o.Crawl(ctx, newRequest(t, "alpha"))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(result.SucceededTargets) != 1 || result.SucceededTargets[0] != "alpha" {
		t.Errorf("站点恢复后应探测成功: %+v", result)
	}
}

func TestOrchestrator_DeadlineYieldsPartialResults(t *testing.T) {
	fast := &fakeAdapter{code: "alpha", records: fakeRecords("alpha")}
	slow := &fakeAdapter{code: "beta", delay: 10 * time.Second}
	o := newTestOrchestrator(t, testConfig("alpha", "beta"), fast, slow)

	// 预热alpha的缓存: deadline用例中alpha不触碰站点
	if _, err := o.Crawl(context.Background(), newRequest(t, "alpha")); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	result, err := o.Crawl(ctx, newRequest(t, "alpha", "beta"))
	if err != nil {
		t.Fatalf("deadline到期不应是硬错误: %v", err)
	}

	// 已完成的站点保留部分结果,未完成的站点留下超时错误记录
	if len(result.SucceededTargets) != 1 || result.SucceededTargets[0] != "alpha" {
		t.Errorf("SucceededTargets = %v, want [alpha]", result.SucceededTargets)
	}
	if len(result.Records) != 1 {
		t.Errorf("记录数 = %d, want 1", len(result.Records))
	}
	if len(result.Errors) != 1 {
		t.Fatalf("错误数 = %d, want 1", len(result.Errors))
	}
	if result.Errors[0].Target != "beta" || result.Errors[0].Category != models.ErrCategoryTimeout {
		t.Errorf("错误记录 = %+v, want beta/timeout", result.Errors[0])
	}
	if result.NoData {
		t.Error("有站点成功时NoData应为false")
	}
}

func TestOrchestrator_AdapterNilPayload(t *testing.T) {
	broken := &fakeAdapter{code: "alpha", nilPayload: true}
	o := newTestOrchestrator(t, testConfig("alpha"), broken)

	// 违反契约的适配器 (无错误也无载荷) 产生结构化错误而不是panic
	result, err := o.Crawl(context.Background(), newRequest(t, "alpha"))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if !result.NoData || len(result.Errors) != 1 {
		t.Fatalf("空载荷应产生结构化错误: %+v", result)
	}
	if result.Errors[0].Category != models.ErrCategoryValidation {
		t.Errorf("错误分类 = %v, want validation", result.Errors[0].Category)
	}
}

func TestOrchestrator_DeactivatedTarget(t *testing.T) {
	fake := &fakeAdapter{code: "alpha", records: fakeRecords("alpha")}
	o := newTestOrchestrator(t, testConfig("alpha"), fake)
	ctx := context.Background()

	o.DeactivateTarget("alpha")
	result, err := o.Crawl(ctx, newRequest(t, "alpha"))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if !result.NoData || len(result.Errors) != 1 {
		t.Fatalf("停用站点应产生结构化错误, got %+v", result)
	}
	if fake.calls() != 0 {
		t.Error("停用站点不应调用适配器")
	}

	// 重新激活后恢复
	o.ActivateTarget("alpha")
	result, _ = o.Crawl(ctx, newRequest(t, "alpha"))
	if len(result.SucceededTargets) != 1 {
		t.Error("重新激活后应恢复抓取")
	}
}

func TestOrchestrator_UnknownTarget(t *testing.T) {
	fake := &fakeAdapter{code: "alpha", records: fakeRecords("alpha")}
	o := newTestOrchestrator(t, testConfig("alpha"), fake)

	result, err := o.Crawl(context.Background(), newRequest(t, "alpha", "ghost"))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}

	if len(result.SucceededTargets) != 1 {
		t.Errorf("已知站点应正常成功: %v", result.SucceededTargets)
	}
	if len(result.Errors) != 1 || result.Errors[0].Target != "ghost" {
		t.Errorf("未知站点应产生结构化错误: %+v", result.Errors)
	}
	if result.Errors[0].Category != models.ErrCategoryValidation {
		t.Errorf("未知站点错误分类 = %v, want validation", result.Errors[0].Category)
	}
}

func TestOrchestrator_DefaultTargetsAllActive(t *testing.T) {
	a := &fakeAdapter{code: "alpha", records: fakeRecords("alpha")}
	b := &fakeAdapter{code: "beta", records: fakeRecords("beta")}
	o := newTestOrchestrator(t, testConfig("alpha", "beta"), a, b)

	// 请求未指定站点: 使用全部激活站点
	result, err := o.Crawl(context.Background(), newRequest(t))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(result.SucceededTargets) != 2 {
		t.Errorf("SucceededTargets = %v, want 2个站点", result.SucceededTargets)
	}
	if len(result.Records) != 2 {
		t.Errorf("记录数 = %d, want 2", len(result.Records))
	}
}

func TestOrchestrator_RecordsSorted(t *testing.T) {
	cheap := fakeRecords("alpha")
	cheap[0].Price = 100
	cheap[0].FlightNumber = "CHEAP"
	expensive := fakeRecords("beta")
	expensive[0].Price = 900
	expensive[0].FlightNumber = "PRICY"

	a := &fakeAdapter{code: "alpha", records: cheap}
	b := &fakeAdapter{code: "beta", records: expensive}
	o := newTestOrchestrator(t, testConfig("alpha", "beta"), a, b)

	result, err := o.Crawl(context.Background(), newRequest(t))
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("记录数 = %d, want 2", len(result.Records))
	}
	if result.Records[0].FlightNumber != "CHEAP" {
		t.Errorf("记录应按价格升序: %+v", result.Records)
	}
}
