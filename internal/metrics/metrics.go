package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farecrawl",
			Name:      "admissions_total",
			Help:      "限流器准入决策总数,按站点和结果(allowed/denied)分类",
		},
		[]string{"target", "decision"},
	)

	rateViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farecrawl",
			Name:      "rate_violations_total",
			Help:      "限流违规总数,按站点分类",
		},
		[]string{"target"},
	)

	circuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farecrawl",
			Name:      "circuit_transitions_total",
			Help:      "熔断器状态迁移总数,按站点和目标状态分类",
		},
		[]string{"target", "to_state"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farecrawl",
			Name:      "errors_total",
			Help:      "已分类错误总数,按站点和分类统计",
		},
		[]string{"target", "category"},
	)

	batchesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farecrawl",
			Name:      "batches_dispatched_total",
			Help:      "已派发的批次总数,按站点分类",
		},
		[]string{"target"},
	)

	batchSizeRequests = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "farecrawl",
			Name:      "batch_size_requests",
			Help:      "每个批次包含的请求数分布",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		},
	)

	resourceActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farecrawl",
			Name:      "resource_actions_total",
			Help:      "资源管理动作总数 (evict_idle/evict_active/full_reset/leak_terminate)",
		},
		[]string{"action"},
	)

	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farecrawl",
			Name:      "cache_requests_total",
			Help:      "结果缓存查询总数,按结果(hit/miss)分类",
		},
		[]string{"outcome"},
	)

	crawlDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "farecrawl",
			Name:      "crawl_seconds",
			Help:      "单次Crawl调用耗时(秒)",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "farecrawl",
			Name:      "active_sessions",
			Help:      "资源跟踪器当前持有的会话数",
		},
	)

	droppedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "farecrawl",
			Name:      "dropped_events_total",
			Help:      "因事件总线缓冲区满而丢弃的事件数",
		},
	)
)

// Register 将所有采集器注册到指定的Prometheus registerer
// 重复注册会被忽略 (测试中会多次初始化)
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		admissionsTotal,
		rateViolationsTotal,
		circuitTransitionsTotal,
		errorsTotal,
		batchesDispatchedTotal,
		batchSizeRequests,
		resourceActionsTotal,
		cacheRequestsTotal,
		crawlDurationSeconds,
		activeSessions,
		droppedEventsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCrawl 记录一次Crawl调用的耗时
func ObserveCrawl(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	crawlDurationSeconds.Observe(duration.Seconds())
}

// SetActiveSessions 更新当前会话数
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}
