package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind 事件类型
type EventKind string

const (
	EventAdmission         EventKind = "admission"          // 限流准入决策
	EventRateViolation     EventKind = "rate_violation"     // 限流违规
	EventCircuitTransition EventKind = "circuit_transition" // 熔断器状态迁移
	EventErrorRecorded     EventKind = "error_recorded"     // 错误记录
	EventBatchDispatched   EventKind = "batch_dispatched"   // 批次派发
	EventResourceAction    EventKind = "resource_action"    // 资源管理动作
	EventCacheLookup       EventKind = "cache_lookup"       // 缓存查询
)

// Event 核心组件发布的结构化事件
// 状态迁移发生后发布,核心逻辑的正确性不依赖是否有消费者
type Event struct {
	Kind   EventKind // 事件类型
	Target string    // 站点代码 (无站点维度的事件为空)
	Label  string    // 附加标签 (决策结果/目标状态/错误分类/动作名等)
	Size   int       // 数量维度 (批次大小等,无则为0)
	At     time.Time // 发生时间
}

// Bus 事件总线
// 职责: 接收各组件的状态迁移事件,异步消费并更新Prometheus计数器和日志
// 发布永不阻塞核心路径: 缓冲区满时丢弃并计数
type Bus struct {
	events chan Event
	logger zerolog.Logger

	// 消费者生命周期
	// mu协调Publish与Close: 发布方持读锁,关闭方持写锁后才关channel,
	// 保证不会向已关闭的channel发送
	done   chan struct{}
	closed bool
	mu     sync.RWMutex
}

// NewBus 创建事件总线并启动消费goroutine
func NewBus(bufferSize int, logger zerolog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	b := &Bus{
		events: make(chan Event, bufferSize),
		logger: logger,
		done:   make(chan struct{}),
	}

	go b.consume()
	return b
}

// Publish 发布事件
// 非阻塞: 缓冲区满时丢弃事件并递增丢弃计数;总线关闭后静默丢弃
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		droppedEventsTotal.Inc()
		return
	}

	select {
	case b.events <- e:
	default:
		// 缓冲区满,丢弃 (观测链路不能拖慢爬取路径)
		droppedEventsTotal.Inc()
	}
}

// consume 消费循环: 更新计数器并输出调试日志
func (b *Bus) consume() {
	defer close(b.done)

	for e := range b.events {
		switch e.Kind {
		case EventAdmission:
			admissionsTotal.WithLabelValues(e.Target, e.Label).Inc()
		case EventRateViolation:
			rateViolationsTotal.WithLabelValues(e.Target).Inc()
		case EventCircuitTransition:
			circuitTransitionsTotal.WithLabelValues(e.Target, e.Label).Inc()
		case EventErrorRecorded:
			errorsTotal.WithLabelValues(e.Target, e.Label).Inc()
		case EventBatchDispatched:
			batchesDispatchedTotal.WithLabelValues(e.Target).Inc()
			if e.Size > 0 {
				batchSizeRequests.Observe(float64(e.Size))
			}
		case EventResourceAction:
			resourceActionsTotal.WithLabelValues(e.Label).Inc()
		case EventCacheLookup:
			cacheRequestsTotal.WithLabelValues(e.Label).Inc()
		}

		b.logger.Debug().
			Str("kind", string(e.Kind)).
			Str("target", e.Target).
			Str("label", e.Label).
			Msg("观测事件")
	}
}

// Close 关闭事件总线,等待缓冲事件消费完毕
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()

	<-b.done
}
