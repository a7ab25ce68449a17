package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AshenVoyage/farecrawl/internal/models"
)

func testParams() models.SearchParams {
	return models.SearchParams{
		Origin:      "THR",
		Destination: "IST",
		DepartDate:  time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		Passengers:  1,
		Cabin:       models.CabinEconomy,
	}
}

func TestBatcher_SizeTrigger(t *testing.T) {
	config := Config{MaxSize: 3, MaxAge: time.Hour, MaxInFlightPerTarget: 2}

	var batches [][]*Request
	var mu sync.Mutex
	b := NewBatcher(config, func(batch []*Request) {
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
		for _, req := range batch {
			req.Complete("ok", nil)
		}
	}, nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := b.Do(context.Background(), "alibaba", "GET", "application/json", testParams())
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
			if raw != "ok" {
				t.Errorf("Do() = %v, want ok", raw)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	// 窗口远未到期, 3个请求靠大小触发合并成1个批次
	if len(batches) != 1 {
		t.Fatalf("批次数 = %d, want 1", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Errorf("批次大小 = %d, want 3", len(batches[0]))
	}
}

func TestBatcher_AgeTrigger(t *testing.T) {
	config := Config{MaxSize: 100, MaxAge: 50 * time.Millisecond, MaxInFlightPerTarget: 2}

	var dispatched atomic.Int32
	b := NewBatcher(config, func(batch []*Request) {
		dispatched.Add(int32(len(batch)))
		for _, req := range batch {
			req.Complete("ok", nil)
		}
	}, nil)
	defer b.Close()

	// 单个请求凑不满窗口,靠到期派发
	start := time.Now()
	if _, err := b.Do(context.Background(), "alibaba", "GET", "application/json", testParams()); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	elapsed := time.Since(start)

	if dispatched.Load() != 1 {
		t.Errorf("派发请求数 = %d, want 1", dispatched.Load())
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("到期派发不应早于窗口存活时间, elapsed=%v", elapsed)
	}
}

func TestBatcher_IncompatibleRequestsSeparated(t *testing.T) {
	config := Config{MaxSize: 2, MaxAge: 50 * time.Millisecond, MaxInFlightPerTarget: 2}

	var mu sync.Mutex
	targetsSeen := make(map[string]int)
	b := NewBatcher(config, func(batch []*Request) {
		mu.Lock()
		for _, req := range batch {
			targetsSeen[req.Target]++
		}
		mu.Unlock()
		for _, req := range batch {
			req.Complete("ok", nil)
		}
	}, nil)
	defer b.Close()

	var wg sync.WaitGroup
	for _, target := range []string{"alibaba", "snapptrip"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			b.Do(context.Background(), target, "GET", "application/json", testParams())
		}(target)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	// 不同站点的请求永不合并
	if targetsSeen["alibaba"] != 1 || targetsSeen["snapptrip"] != 1 {
		t.Errorf("站点分布 = %v, want各1个", targetsSeen)
	}
}

func TestBatcher_PerRequestAttribution(t *testing.T) {
	config := Config{MaxSize: 2, MaxAge: time.Hour, MaxInFlightPerTarget: 2}

	b := NewBatcher(config, func(batch []*Request) {
		// 批次内一个成功一个失败,结果逐请求归因
		batch[0].Complete("ok", nil)
		batch[1].Complete(nil, errors.New("第二个请求失败"))
	}, nil)
	defer b.Close()

	type outcome struct {
		raw interface{}
		err error
	}
	results := make(chan outcome, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := b.Do(context.Background(), "alibaba", "GET", "application/json", testParams())
			results <- outcome{raw, err}
		}()
	}
	wg.Wait()
	close(results)

	succeeded, failed := 0, 0
	for r := range results {
		if r.err != nil {
			failed++
		} else if r.raw == "ok" {
			succeeded++
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Errorf("成功=%d 失败=%d, want 1/1", succeeded, failed)
	}
}

func TestBatcher_SafetyNet(t *testing.T) {
	config := Config{MaxSize: 1, MaxAge: time.Hour, MaxInFlightPerTarget: 2}

	// 派发函数违反契约,不回填任何结果
	b := NewBatcher(config, func(batch []*Request) {}, nil)
	defer b.Close()

	_, err := b.Do(context.Background(), "alibaba", "GET", "application/json", testParams())
	if err == nil {
		t.Error("遗漏回填的请求应收到兜底错误,而不是永久悬空")
	}
}

func TestBatcher_ContextCancel(t *testing.T) {
	config := Config{MaxSize: 100, MaxAge: time.Hour, MaxInFlightPerTarget: 2}

	var dispatched atomic.Int32
	b := NewBatcher(config, func(batch []*Request) {
		dispatched.Add(int32(len(batch)))
		for _, req := range batch {
			req.Complete("ok", nil)
		}
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	// 窗口一小时不会到期,取消后立即返回
	_, err := b.Do(ctx, "alibaba", "GET", "application/json", testParams())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}

	// 关闭时窗口被派发,已放弃的请求被跳过
	b.Close()
	if dispatched.Load() != 0 {
		t.Errorf("已放弃的请求不应被派发, got %d", dispatched.Load())
	}
}

func TestBatcher_InFlightLimit(t *testing.T) {
	config := Config{MaxSize: 1, MaxAge: time.Hour, MaxInFlightPerTarget: 1}

	var inFlight, maxInFlight atomic.Int32
	b := NewBatcher(config, func(batch []*Request) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		for _, req := range batch {
			req.Complete("ok", nil)
		}
	}, nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Do(context.Background(), "alibaba", "GET", "application/json", testParams())
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("单站点并发在途批次 = %d, want 1", maxInFlight.Load())
	}
}

func TestBatcher_CloseFlushesAndRejects(t *testing.T) {
	config := Config{MaxSize: 100, MaxAge: time.Hour, MaxInFlightPerTarget: 2}

	var dispatched atomic.Int32
	b := NewBatcher(config, func(batch []*Request) {
		dispatched.Add(int32(len(batch)))
		for _, req := range batch {
			req.Complete("ok", nil)
		}
	}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := b.Do(context.Background(), "alibaba", "GET", "application/json", testParams()); err != nil {
			t.Errorf("关闭时开放窗口中的请求应被派发: %v", err)
		}
	}()

	// 等请求进入窗口后关闭
	for i := 0; i < 100 && b.PendingCount() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	b.Close()
	<-done

	if dispatched.Load() != 1 {
		t.Errorf("派发请求数 = %d, want 1", dispatched.Load())
	}

	// 关闭后的新请求被拒绝
	if _, err := b.Do(context.Background(), "alibaba", "GET", "application/json", testParams()); !errors.Is(err, ErrClosed) {
		t.Errorf("关闭后Do() error = %v, want ErrClosed", err)
	}
}

func TestBatcher_ManyRequestsSplitIntoBatches(t *testing.T) {
	config := Config{MaxSize: 4, MaxAge: 50 * time.Millisecond, MaxInFlightPerTarget: 4}

	var batchCount atomic.Int32
	b := NewBatcher(config, func(batch []*Request) {
		batchCount.Add(1)
		if len(batch) > 4 {
			t.Errorf("批次大小 = %d, 超过上限4", len(batch))
		}
		for _, req := range batch {
			req.Complete(fmt.Sprintf("batch-%d", batchCount.Load()), nil)
		}
	}, nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Do(context.Background(), "alibaba", "GET", "application/json", testParams()); err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()

	// 10个请求, 窗口上限4 → 至少3个批次
	if batchCount.Load() < 3 {
		t.Errorf("批次数 = %d, want >= 3", batchCount.Load())
	}
}
