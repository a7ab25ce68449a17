package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/AshenVoyage/farecrawl/internal/adapters"
	"github.com/AshenVoyage/farecrawl/internal/batcher"
	"github.com/AshenVoyage/farecrawl/internal/breaker"
	"github.com/AshenVoyage/farecrawl/internal/cache"
	"github.com/AshenVoyage/farecrawl/internal/metrics"
	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/ratelimit"
	"github.com/AshenVoyage/farecrawl/internal/recovery"
	"github.com/AshenVoyage/farecrawl/internal/resources"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// Orchestrator 爬取编排器
// 职责: 把一次爬取请求扇出到各目标站点,每个站点独立走
// 缓存→熔断→限流→批处理→适配器→恢复重试的管线,聚合部分结果
type Orchestrator struct {
	config  *Config
	targets map[string]*models.Target

	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	engine   *recovery.Engine
	detector *recovery.PatternDetector
	batcher  *batcher.Batcher
	tracker  *resources.Tracker
	monitor  *resources.Monitor
	cache    *cache.Cache
	registry *adapters.Registry
	identity *adapters.IdentityPool
	bus      *metrics.Bus

	// 全局并发站点抓取上限
	sem *semaphore.Weighted

	now       func() time.Time
	targetsMu sync.RWMutex
	closed    bool
	closedMu  sync.Mutex
}

// targetOutcome 单站点抓取结局
type targetOutcome struct {
	target    string
	records   []models.FlightRecord
	errRecord *models.ErrorRecord
	fromCache bool
}

// NewOrchestrator 按配置组装编排器
// 所有核心组件在这里创建并接线,后台循环随Start启动
func NewOrchestrator(config *Config, registry *adapters.Registry, identity *adapters.IdentityPool) (*Orchestrator, error) {
	targets, err := config.BuildTargets()
	if err != nil {
		return nil, err
	}
	if config.Crawl.MaxConcurrency < 1 {
		config.Crawl.MaxConcurrency = 4
	}
	if identity == nil {
		identity = adapters.NewIdentityPool(nil)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("注册指标采集器失败: %w", err)
	}
	bus := metrics.NewBus(config.Crawl.EventBuffer, utils.Component("metrics"))

	monitor := resources.NewMonitor(config.Resources.Monitor)
	tracker := resources.NewTracker(config.Resources.Tracker, monitor, bus,
		resources.NewBrowserFactory(config.Resources.Browser),
		resources.NewHTTPFactory(config.Resources.HTTP),
	)

	resultCache, err := cache.New(config.Cache, bus)
	if err != nil {
		return nil, fmt.Errorf("创建结果缓存失败: %w", err)
	}

	limiter := ratelimit.NewLimiter(config.RateLimit, config.RatePolicies(), bus)
	circuitBreaker := breaker.NewBreaker(breaker.DefaultProfiles(), config.Categories(), bus)

	detector := recovery.NewPatternDetector(config.Detector)
	engine := recovery.NewEngine(config.Recovery, nil, detector, bus)

	// 可选的Redis后端: 共享限流账本 + 共享结果缓存
	if config.Redis.Enabled {
		limiter.SetStore(ratelimit.NewRedisCounterStore(
			config.Redis.Addr, config.Redis.Password, config.Redis.DB, ""))
		resultCache.SetStore(cache.NewRedisResultStore(
			config.Redis.Addr, config.Redis.Password, config.Redis.DB, ""))
		utils.Infof("Redis后端已启用: %s", config.Redis.Addr)
	}

	o := &Orchestrator{
		config:   config,
		targets:  targets,
		limiter:  limiter,
		breaker:  circuitBreaker,
		engine:   engine,
		detector: detector,
		tracker:  tracker,
		monitor:  monitor,
		cache:    resultCache,
		registry: registry,
		identity: identity,
		bus:      bus,
		sem:      semaphore.NewWeighted(int64(config.Crawl.MaxConcurrency)),
		now:      time.Now,
	}
	o.batcher = batcher.NewBatcher(config.Batcher, o.dispatchBatch, bus)

	// 错误模式紧急升级 → 停用站点
	detector.OnEmergencyStop(func(target string) {
		o.DeactivateTarget(target)
	})

	return o, nil
}

// Start 启动后台循环 (资源监控/压力回收/模式扫描)
func (o *Orchestrator) Start() {
	o.monitor.StartMonitoring(time.Second)
	o.tracker.Start()
	o.detector.Start()
	utils.Info("🚀 编排器已启动")
}

// Close 优雅关闭: 停止后台循环,派发剩余批次,销毁所有会话
func (o *Orchestrator) Close() {
	o.closedMu.Lock()
	if o.closed {
		o.closedMu.Unlock()
		return
	}
	o.closed = true
	o.closedMu.Unlock()

	o.detector.Stop()
	o.batcher.Close()
	o.tracker.Close()
	o.monitor.StopMonitoring()
	o.bus.Close()
	utils.Info("编排器已关闭")
}

// ApplyConfig 配置热加载入口
// 只更新可热更的部分: 限流策略和熔断阈值档位;进行中的爬取不受影响
func (o *Orchestrator) ApplyConfig(cfg *Config) {
	o.limiter.UpdatePolicies(cfg.RatePolicies())
	o.breaker.UpdateProfiles(breaker.DefaultProfiles(), cfg.Categories())
	utils.Info("编排器已应用新配置 (限流策略/熔断档位)")
}

// DeactivateTarget 停用站点 (紧急停止的落点,站点不会被删除)
func (o *Orchestrator) DeactivateTarget(code string) {
	o.targetsMu.RLock()
	target, ok := o.targets[code]
	o.targetsMu.RUnlock()
	if ok {
		target.Deactivate()
		utils.Errorf("🛑 站点[%s]已被紧急停用", code)
	}
}

// ActivateTarget 重新激活站点 (操作员动作)
func (o *Orchestrator) ActivateTarget(code string) {
	o.targetsMu.RLock()
	target, ok := o.targets[code]
	o.targetsMu.RUnlock()
	if ok {
		target.Activate()
		utils.Infof("站点[%s]已重新激活", code)
	}
}

// InvalidateTargetCache 按站点失效缓存 (操作员动作)
func (o *Orchestrator) InvalidateTargetCache(ctx context.Context, code string) int {
	return o.cache.InvalidateTarget(ctx, code)
}

// BreakerSnapshots 各站点熔断状态 (观测用)
func (o *Orchestrator) BreakerSnapshots() []breaker.Snapshot {
	return o.breaker.Snapshots()
}

// Crawl 执行一次爬取请求
// 请求形状无效时立即返回硬错误;站点失败以结构化错误进入结果,
// 部分失败是常态而非异常
func (o *Orchestrator) Crawl(ctx context.Context, req *models.CrawlRequest) (*models.CrawlResult, error) {
	if req == nil {
		return nil, fmt.Errorf("爬取请求不能为空")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("爬取请求无效: %w", err)
	}

	// 兜底deadline: 单次爬取不允许无限期进行
	if _, ok := ctx.Deadline(); !ok && o.config.Crawl.DefaultDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Crawl.DefaultDeadline)
		defer cancel()
	}

	targetCodes := o.resolveTargets(req)
	startedAt := o.now()

	utils.Infof("🔍 开始爬取: %s→%s %s (%d个站点)",
		req.Origin, req.Destination, req.DepartDate.Format("2006-01-02"), len(targetCodes))

	outcomes := make(chan targetOutcome, len(targetCodes))
	var wg sync.WaitGroup
	for _, code := range targetCodes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			outcomes <- o.crawlTarget(ctx, req, code)
		}(code)
	}
	wg.Wait()
	close(outcomes)

	result := o.aggregate(req, startedAt, outcomes)
	metrics.ObserveCrawl(time.Duration(result.Duration * float64(time.Second)))

	utils.Infof("✅ 爬取完成: %d条记录, %d个站点成功, %d个错误 (耗时%.1fs)",
		len(result.Records), len(result.SucceededTargets), len(result.Errors), result.Duration)
	return result, nil
}

// resolveTargets 解析本次请求的站点集合
// 请求未指定站点时使用全部激活站点
func (o *Orchestrator) resolveTargets(req *models.CrawlRequest) []string {
	o.targetsMu.RLock()
	defer o.targetsMu.RUnlock()

	if len(req.Targets) > 0 {
		return req.Targets
	}

	codes := make([]string, 0, len(o.targets))
	for code, target := range o.targets {
		if target.Active() {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// aggregate 聚合各站点结局为最终结果
func (o *Orchestrator) aggregate(req *models.CrawlRequest, startedAt time.Time, outcomes <-chan targetOutcome) *models.CrawlResult {
	result := &models.CrawlResult{
		RequestID:        req.ID,
		Records:          make([]models.FlightRecord, 0),
		SucceededTargets: make([]string, 0),
		Errors:           make([]models.ErrorRecord, 0),
		StartedAt:        startedAt,
	}

	allFromCache := true
	for outcome := range outcomes {
		if outcome.errRecord != nil {
			result.Errors = append(result.Errors, *outcome.errRecord)
			continue
		}
		result.Records = append(result.Records, outcome.records...)
		result.SucceededTargets = append(result.SucceededTargets, outcome.target)
		if !outcome.fromCache {
			allFromCache = false
		}
	}

	sort.Strings(result.SucceededTargets)
	result.SortRecords()
	result.NoData = len(result.SucceededTargets) == 0
	result.FromCache = len(result.SucceededTargets) > 0 && allFromCache
	result.Duration = o.now().Sub(startedAt).Seconds()
	return result
}

// crawlTarget 单站点抓取管线
// 缓存命中直接返回;否则走熔断→限流→批处理→适配器,
// 失败交给恢复引擎决策,严格串行地有界重试
func (o *Orchestrator) crawlTarget(ctx context.Context, req *models.CrawlRequest, code string) targetOutcome {
	o.targetsMu.RLock()
	target, known := o.targets[code]
	o.targetsMu.RUnlock()

	if !known {
		record := models.NewErrorRecord(code, models.ErrCategoryValidation, models.SeverityMedium,
			fmt.Sprintf("未知的站点代码: %s", code), models.ActionNone, 1, req.ID)
		return targetOutcome{target: code, errRecord: &record}
	}
	if !target.Active() {
		record := models.NewErrorRecord(code, models.ErrCategoryValidation, models.SeverityMedium,
			fmt.Sprintf("站点[%s]已停用", code), models.ActionNone, 1, req.ID)
		return targetOutcome{target: code, errRecord: &record}
	}

	adapter, ok := o.registry.Get(code)
	if !ok {
		record := models.NewErrorRecord(code, models.ErrCategoryValidation, models.SeverityMedium,
			fmt.Sprintf("站点[%s]没有注册适配器", code), models.ActionNone, 1, req.ID)
		return targetOutcome{target: code, errRecord: &record}
	}

	// 缓存命中不占用并发额度,也不触碰任何站点
	fingerprint := cache.Fingerprint(code, req.NormalizedKey())
	if records, hit := o.cache.Get(ctx, code, fingerprint); hit {
		utils.Debugf("站点[%s]缓存命中: %d条记录", code, len(records))
		return targetOutcome{target: code, records: records, fromCache: true}
	}

	// 全局并发上限
	if err := o.sem.Acquire(ctx, 1); err != nil {
		record := o.timeoutRecord(code, req.ID, 1)
		return targetOutcome{target: code, errRecord: &record}
	}
	defer o.sem.Release(1)

	records, errRecord := o.fetchWithRecovery(ctx, req, target, adapter, fingerprint)
	if errRecord != nil {
		return targetOutcome{target: code, errRecord: errRecord}
	}
	return targetOutcome{target: code, records: records}
}

// fetchWithRecovery 带恢复重试的抓取尝试链
func (o *Orchestrator) fetchWithRecovery(ctx context.Context, req *models.CrawlRequest, target *models.Target, adapter adapters.Adapter, fingerprint string) ([]models.FlightRecord, *models.ErrorRecord) {
	code := target.Code
	params := req.Params()
	attempt := 1
	var lastRecord models.ErrorRecord

	for {
		if ctx.Err() != nil {
			record := o.timeoutRecord(code, req.ID, attempt)
			return nil, &record
		}

		// 熔断检查: OPEN状态直接短路,不调用适配器
		if !o.breaker.Allow(code) {
			record := models.NewErrorRecord(code, models.ErrCategoryNetwork, models.SeverityHigh,
				fmt.Sprintf("站点[%s]熔断器打开,跳过本次抓取", code), models.ActionNone, attempt, req.ID)
			return nil, &record
		}

		// 限流准入: 拒绝时按retryAfter等待后重新准入 (不计入尝试次数)
		// 本轮Allow放行的探测额度先归还,下一轮重新申请
		admitted, retryAfter := o.limiter.Admit(code, 1)
		if !admitted {
			o.breaker.Cancel(code)
			utils.Debugf("站点[%s]限流拒绝,%s后重试准入", code, retryAfter.Round(time.Millisecond))
			if err := o.engine.Wait(ctx, retryAfter); err != nil {
				record := o.timeoutRecord(code, req.ID, attempt)
				return nil, &record
			}
			continue
		}

		// 经批处理器派发抓取
		rawAny, err := o.batcher.Do(ctx, code, "GET", "application/json", params)

		var raw *adapters.RawPayload
		var records []models.FlightRecord
		if err == nil {
			raw, _ = rawAny.(*adapters.RawPayload)
			if raw == nil {
				// 适配器违反契约: 无错误但也没有载荷
				err = recovery.Wrap(models.ErrCategoryValidation,
					fmt.Errorf("站点[%s]适配器未返回载荷", code))
			} else {
				records, err = adapter.Validate(raw)
			}
		}

		if err == nil {
			o.breaker.RecordResult(code, true)
			target.RecordSuccess(o.now())
			o.cache.Put(ctx, code, fingerprint, records)
			return records, nil
		}

		// 失败: 分类、记录、决策
		decision, record := o.engine.Handle(code, req.ID, err, attempt)
		lastRecord = record

		// 主解析失败但原始载荷还在: 先尝试降级提取路径
		if decision.Action == models.ActionFallbackExtraction {
			if fb, ok := adapter.(adapters.FallbackExtractor); ok && raw != nil {
				if fallbackRecords, ferr := fb.ExtractFallback(raw); ferr == nil {
					o.breaker.RecordResult(code, true)
					target.RecordSuccess(o.now())
					o.cache.Put(ctx, code, fingerprint, fallbackRecords)
					return fallbackRecords, nil
				}
			}
		}

		// 结清本次Allow的放行: 计入熔断的失败回报结果,其余归还探测额度
		if decision.CountsTowardBreaker {
			o.breaker.RecordResult(code, false)
		} else {
			o.breaker.Cancel(code)
		}

		switch decision.Action {
		case models.ActionRotateIdentity:
			o.identity.Rotate()

		case models.ActionEscalate:
			utils.Errorf("站点[%s]错误已升级给操作员: %s", code, record.Message)
		}

		if !decision.Retry {
			return nil, &lastRecord
		}
		if err := o.engine.Wait(ctx, decision.Wait); err != nil {
			record := o.timeoutRecord(code, req.ID, attempt)
			return nil, &record
		}
		attempt++
	}
}

// dispatchBatch 批处理器的派发函数
// 对批次内每个请求: 借会话→适配器抓取→按错误分类决定会话归还或销毁→回填结果
func (o *Orchestrator) dispatchBatch(batch []*batcher.Request) {
	for _, breq := range batch {
		adapter, ok := o.registry.Get(breq.Target)
		if !ok {
			breq.Complete(nil, recovery.Wrap(models.ErrCategoryValidation,
				fmt.Errorf("站点[%s]没有注册适配器", breq.Target)))
			continue
		}

		session, err := o.tracker.Acquire(breq.Ctx, breq.Target, adapter.SessionKind())
		if err != nil {
			breq.Complete(nil, err)
			continue
		}

		raw, err := adapter.Search(breq.Ctx, session, breq.Params)
		if err != nil && o.engine.Decide(err, 1).Action == models.ActionInvalidateSession {
			// 浏览器类故障污染会话状态,销毁而不归还
			o.tracker.Destroy(session, "抓取故障作废会话")
		} else {
			o.tracker.Release(session)
		}

		breq.Complete(raw, err)
	}
}

// timeoutRecord 构造deadline超时的错误记录
func (o *Orchestrator) timeoutRecord(code, requestID string, attempt int) models.ErrorRecord {
	return models.NewErrorRecord(code, models.ErrCategoryTimeout, models.SeverityMedium,
		fmt.Sprintf("站点[%s]在整体deadline内未完成", code), models.ActionNone, attempt, requestID)
}
