package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AshenVoyage/farecrawl/internal/metrics"
	"github.com/AshenVoyage/farecrawl/internal/models"
	"github.com/AshenVoyage/farecrawl/internal/utils"
)

var (
	// ErrClosed 批处理器已关闭
	ErrClosed = errors.New("批处理器已关闭")
)

// Config 批处理器配置
type Config struct {
	MaxSize              int           `mapstructure:"max_size"`                // 窗口最大请求数 (达到即派发)
	MaxAge               time.Duration `mapstructure:"max_age"`                 // 窗口最长存活时间 (到期即派发)
	MaxInFlightPerTarget int           `mapstructure:"max_in_flight_per_target"` // 单站点并发在途批次上限
}

// DefaultConfig 默认批处理器配置
func DefaultConfig() Config {
	return Config{
		MaxSize:              8,
		MaxAge:               200 * time.Millisecond,
		MaxInFlightPerTarget: 2,
	}
}

// windowKey 批次分组键: 相同(站点,方法,内容类型)的请求才能合并
type windowKey struct {
	target      string
	method      string
	contentType string
}

// Result 单个请求的派发结果
type Result struct {
	Raw interface{} // 适配器返回的原始结果
	Err error
}

// Request 进入批处理的单个待派发请求
// 每个请求独立携带context和结果通道,批次失败时逐请求归因
type Request struct {
	ID          string
	Target      string
	Method      string
	ContentType string
	Params      models.SearchParams
	Ctx         context.Context

	done chan Result
	once sync.Once
}

// Complete 回填请求结果 (幂等,只生效一次)
// 派发函数必须为批次中每个请求调用本方法
func (r *Request) Complete(raw interface{}, err error) {
	r.once.Do(func() {
		r.done <- Result{Raw: raw, Err: err}
	})
}

// DispatchFunc 批次派发函数
// 由编排器提供: 对批次内每个请求调用适配器并回填结果
// 契约: 必须为每个请求调用Complete,不得让请求悬空
type DispatchFunc func(batch []*Request)

// window 一个开放中的批次窗口
type window struct {
	key      windowKey
	requests []*Request
	timer    *time.Timer
	openedAt time.Time
}

// Batcher 请求批处理器
// 职责: 按(站点,方法,内容类型)合并兼容请求,窗口满或到期时派发,
// 限制单站点并发在途批次,失败逐请求归因
// 批处理对调用方透明: 结果语义与逐个派发一致,只有时序不同
type Batcher struct {
	config   Config
	dispatch DispatchFunc

	windows map[windowKey]*window
	mu      sync.Mutex

	// 单站点在途批次槽位
	slots   map[string]chan struct{}
	slotsMu sync.Mutex

	bus    *metrics.Bus
	closed bool
	wg     sync.WaitGroup
}

// NewBatcher 创建批处理器
func NewBatcher(config Config, dispatch DispatchFunc, bus *metrics.Bus) *Batcher {
	if config.MaxSize < 1 {
		config.MaxSize = 8
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 200 * time.Millisecond
	}
	if config.MaxInFlightPerTarget < 1 {
		config.MaxInFlightPerTarget = 2
	}

	return &Batcher{
		config:   config,
		dispatch: dispatch,
		windows:  make(map[windowKey]*window),
		slots:    make(map[string]chan struct{}),
		bus:      bus,
	}
}

// Do 提交请求并阻塞等待结果
// context取消时立即返回,窗口内的占位会被派发侧跳过
func (b *Batcher) Do(ctx context.Context, target, method, contentType string, params models.SearchParams) (interface{}, error) {
	req := &Request{
		ID:          uuid.New().String(),
		Target:      target,
		Method:      method,
		ContentType: contentType,
		Params:      params,
		Ctx:         ctx,
		done:        make(chan Result, 1),
	}

	if err := b.enqueue(req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		// 放弃等待: 标记为已完成,派发侧的结果会被丢弃
		req.Complete(nil, ctx.Err())
		<-req.done
		return nil, ctx.Err()
	case result := <-req.done:
		return result.Raw, result.Err
	}
}

// enqueue 把请求放入对应的窗口
// 第一个兼容请求到达时创建窗口,窗口满时立即派发
func (b *Batcher) enqueue(req *Request) error {
	key := windowKey{target: req.Target, method: req.Method, contentType: req.ContentType}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	w, ok := b.windows[key]
	if !ok {
		w = &window{
			key:      key,
			requests: make([]*Request, 0, b.config.MaxSize),
			openedAt: time.Now(),
		}
		b.windows[key] = w

		// 窗口到期自动关闭派发
		w.timer = time.AfterFunc(b.config.MaxAge, func() {
			b.closeWindow(key, w)
		})

		utils.Debugf("打开批次窗口: %s/%s/%s", key.target, key.method, key.contentType)
	}

	w.requests = append(w.requests, req)

	// 达到大小上限,立即关闭派发
	if len(w.requests) >= b.config.MaxSize {
		delete(b.windows, key)
		w.timer.Stop()
		b.mu.Unlock()
		b.launch(w)
		return nil
	}

	b.mu.Unlock()
	return nil
}

// closeWindow 窗口到期关闭
// 只有仍挂在windows表里的窗口才会被派发 (避免与大小触发的派发重复)
func (b *Batcher) closeWindow(key windowKey, w *window) {
	b.mu.Lock()
	current, ok := b.windows[key]
	if !ok || current != w {
		b.mu.Unlock()
		return
	}
	delete(b.windows, key)
	b.mu.Unlock()

	b.launch(w)
}

// launch 异步派发一个已关闭的窗口
func (b *Batcher) launch(w *window) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		// 占用站点在途槽位,限制并发批次
		slot := b.slotFor(w.key.target)
		slot <- struct{}{}
		defer func() { <-slot }()

		// 过滤掉已放弃等待的请求
		live := make([]*Request, 0, len(w.requests))
		for _, req := range w.requests {
			if req.Ctx.Err() != nil {
				req.Complete(nil, req.Ctx.Err())
				continue
			}
			live = append(live, req)
		}
		if len(live) == 0 {
			return
		}

		if b.bus != nil {
			b.bus.Publish(metrics.Event{
				Kind:   metrics.EventBatchDispatched,
				Target: w.key.target,
				Size:   len(live),
			})
		}

		utils.Debugf("派发批次: %s (%d个请求, 窗口存活%s)",
			w.key.target, len(live), time.Since(w.openedAt).Round(time.Millisecond))

		b.dispatch(live)

		// 兜底: 派发函数遗漏的请求按错误完成,不允许静默悬空
		for _, req := range live {
			req.Complete(nil, fmt.Errorf("批次派发未回填结果: %s", req.ID))
		}
	}()
}

// slotFor 获取站点的在途批次槽位
func (b *Batcher) slotFor(target string) chan struct{} {
	b.slotsMu.Lock()
	defer b.slotsMu.Unlock()

	slot, ok := b.slots[target]
	if !ok {
		slot = make(chan struct{}, b.config.MaxInFlightPerTarget)
		b.slots[target] = slot
	}
	return slot
}

// PendingCount 返回开放窗口中的待派发请求数 (观测用)
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, w := range b.windows {
		total += len(w.requests)
	}
	return total
}

// Close 关闭批处理器: 派发所有开放窗口并等待在途批次完成
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	remaining := make([]*window, 0, len(b.windows))
	for key, w := range b.windows {
		w.timer.Stop()
		delete(b.windows, key)
		remaining = append(remaining, w)
	}
	b.mu.Unlock()

	for _, w := range remaining {
		b.launch(w)
	}

	b.wg.Wait()
	utils.Debug("批处理器已关闭")
}
