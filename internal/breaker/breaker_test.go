package breaker

import (
	"testing"
	"time"

	"github.com/AshenVoyage/farecrawl/internal/models"
)

func newTestBreaker(categories map[string]models.TargetCategory) (*Breaker, *time.Time) {
	b := NewBreaker(DefaultProfiles(), categories, nil)
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return current })
	return b, &current
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(nil)

	// standard档位: 连续失败5次后熔断
	for i := 0; i < 4; i++ {
		b.RecordResult("alibaba", false)
		if b.State("alibaba") != StateClosed {
			t.Fatalf("第%d次失败后不应熔断", i+1)
		}
	}
	b.RecordResult("alibaba", false)

	if b.State("alibaba") != StateOpen {
		t.Errorf("连续失败5次后状态 = %v, want OPEN", b.State("alibaba"))
	}
	if b.Allow("alibaba") {
		t.Error("OPEN状态不应放行")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(nil)

	// 失败不连续则永不熔断
	for i := 0; i < 10; i++ {
		b.RecordResult("alibaba", false)
		b.RecordResult("alibaba", false)
		b.RecordResult("alibaba", true)
	}

	if b.State("alibaba") != StateClosed {
		t.Errorf("穿插成功时状态 = %v, want CLOSED", b.State("alibaba"))
	}
}

func TestBreaker_FullCycle(t *testing.T) {
	b, current := newTestBreaker(nil)

	// CLOSED -> OPEN
	for i := 0; i < 5; i++ {
		b.RecordResult("alibaba", false)
	}
	if b.State("alibaba") != StateOpen {
		t.Fatal("应进入OPEN")
	}

	// 恢复等待期内拒绝
	*current = current.Add(30 * time.Second)
	if b.Allow("alibaba") {
		t.Error("恢复等待期内不应放行")
	}

	// 恢复等待过后进入HALF_OPEN并放行探测
	*current = current.Add(31 * time.Second)
	if !b.Allow("alibaba") {
		t.Fatal("恢复等待过后应放行首个探测")
	}
	if b.State("alibaba") != StateHalfOpen {
		t.Errorf("状态 = %v, want HALF_OPEN", b.State("alibaba"))
	}

	// standard档位需连续成功2次闭合
	b.RecordResult("alibaba", true)
	if b.State("alibaba") != StateHalfOpen {
		t.Error("1次探测成功还不应闭合")
	}
	if !b.Allow("alibaba") {
		t.Fatal("探测预算内应继续放行")
	}
	b.RecordResult("alibaba", true)

	if b.State("alibaba") != StateClosed {
		t.Errorf("连续2次探测成功后状态 = %v, want CLOSED", b.State("alibaba"))
	}
	if !b.Allow("alibaba") {
		t.Error("闭合后应正常放行")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, current := newTestBreaker(nil)

	for i := 0; i < 5; i++ {
		b.RecordResult("alibaba", false)
	}
	*current = current.Add(61 * time.Second)
	if !b.Allow("alibaba") {
		t.Fatal("应放行探测")
	}

	// 探测失败立即回到OPEN并重置恢复等待
	b.RecordResult("alibaba", false)
	if b.State("alibaba") != StateOpen {
		t.Errorf("探测失败后状态 = %v, want OPEN", b.State("alibaba"))
	}
	if b.Allow("alibaba") {
		t.Error("重新打开后应立即拒绝")
	}

	// 新一轮恢复等待过后再次允许探测
	*current = current.Add(61 * time.Second)
	if !b.Allow("alibaba") {
		t.Error("新一轮恢复等待过后应再次放行探测")
	}
}

func TestBreaker_ProbeBudget(t *testing.T) {
	b, current := newTestBreaker(nil)

	for i := 0; i < 5; i++ {
		b.RecordResult("alibaba", false)
	}
	*current = current.Add(61 * time.Second)

	// standard档位探测预算为2
	if !b.Allow("alibaba") {
		t.Fatal("第1个探测应放行")
	}
	if !b.Allow("alibaba") {
		t.Fatal("第2个探测应放行")
	}
	if b.Allow("alibaba") {
		t.Error("超出探测预算应拒绝")
	}

	// 一个探测回报后释放预算
	b.RecordResult("alibaba", true)
	if !b.Allow("alibaba") {
		t.Error("探测回报后应释放预算")
	}
}

func TestBreaker_CancelReleasesProbeBudget(t *testing.T) {
	b, current := newTestBreaker(nil)

	for i := 0; i < 5; i++ {
		b.RecordResult("alibaba", false)
	}
	*current = current.Add(61 * time.Second)

	// 耗尽探测预算
	if !b.Allow("alibaba") || !b.Allow("alibaba") {
		t.Fatal("预算内的探测应放行")
	}
	if b.Allow("alibaba") {
		t.Fatal("超出探测预算应拒绝")
	}

	// 放弃的探测归还额度而不改变状态
	b.Cancel("alibaba")
	if b.State("alibaba") != StateHalfOpen {
		t.Errorf("归还额度后状态 = %v, want HALF_OPEN", b.State("alibaba"))
	}
	if !b.Allow("alibaba") {
		t.Error("归还额度后应重新放行探测")
	}

	// 两次放行都被放弃后额度完全恢复,站点仍可探测成功并闭合
	b.Cancel("alibaba")
	b.Cancel("alibaba")
	if !b.Allow("alibaba") {
		t.Fatal("额度恢复后应放行")
	}
	b.RecordResult("alibaba", true)
	if !b.Allow("alibaba") {
		t.Fatal("额度恢复后应放行")
	}
	b.RecordResult("alibaba", true)
	if b.State("alibaba") != StateClosed {
		t.Errorf("探测成功后状态 = %v, want CLOSED", b.State("alibaba"))
	}
}

func TestBreaker_CancelOutsideHalfOpenIsNoop(t *testing.T) {
	b, _ := newTestBreaker(nil)

	// CLOSED状态下归还是空操作
	b.Cancel("alibaba")
	if b.State("alibaba") != StateClosed {
		t.Errorf("状态 = %v, want CLOSED", b.State("alibaba"))
	}

	for i := 0; i < 5; i++ {
		b.RecordResult("alibaba", false)
	}
	b.Cancel("alibaba")
	if b.State("alibaba") != StateOpen {
		t.Errorf("OPEN状态下归还后状态 = %v, want OPEN", b.State("alibaba"))
	}
}

func TestBreaker_CategoryProfiles(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		category models.TargetCategory
		failures int
		want     State
	}{
		{"激进站点3次熔断", "flytoday", models.CategoryAggressive, 3, StateOpen},
		{"激进站点2次不熔断", "flytoday", models.CategoryAggressive, 2, StateClosed},
		{"脆弱站点7次不熔断", "snapptrip", models.CategoryFragile, 7, StateClosed},
		{"脆弱站点8次熔断", "snapptrip", models.CategoryFragile, 8, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBreaker(map[string]models.TargetCategory{
				tt.target: tt.category,
			})
			for i := 0; i < tt.failures; i++ {
				b.RecordResult(tt.target, false)
			}
			if got := b.State(tt.target); got != tt.want {
				t.Errorf("State() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreaker_TargetsIsolated(t *testing.T) {
	b, _ := newTestBreaker(nil)

	for i := 0; i < 5; i++ {
		b.RecordResult("alibaba", false)
	}

	if b.State("alibaba") != StateOpen {
		t.Fatal("alibaba应熔断")
	}
	if !b.Allow("snapptrip") {
		t.Error("其他站点不应受影响")
	}
}

func TestBreaker_LateResultWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(nil)

	for i := 0; i < 5; i++ {
		b.RecordResult("alibaba", false)
	}

	// 熔断前派发的在途请求事后回报,不改变状态
	b.RecordResult("alibaba", true)
	if b.State("alibaba") != StateOpen {
		t.Errorf("OPEN状态下的迟到回报不应改变状态, got %v", b.State("alibaba"))
	}
}

func TestBreaker_Snapshots(t *testing.T) {
	b, _ := newTestBreaker(nil)

	b.RecordResult("alibaba", false)
	b.RecordResult("snapptrip", true)

	snapshots := b.Snapshots()
	if len(snapshots) != 2 {
		t.Fatalf("快照数 = %d, want 2", len(snapshots))
	}

	byTarget := make(map[string]Snapshot)
	for _, s := range snapshots {
		byTarget[s.Target] = s
	}
	if byTarget["alibaba"].ConsecutiveFailures != 1 {
		t.Errorf("alibaba连续失败数 = %d, want 1", byTarget["alibaba"].ConsecutiveFailures)
	}
	if byTarget["snapptrip"].State != StateClosed {
		t.Errorf("snapptrip状态 = %v, want CLOSED", byTarget["snapptrip"].State)
	}
}

func TestBreaker_UpdateProfiles(t *testing.T) {
	b, _ := newTestBreaker(nil)

	b.RecordResult("alibaba", false)
	b.RecordResult("alibaba", false)

	// 热更新: 把standard档位的阈值降到3
	profiles := DefaultProfiles()
	profiles[models.CategoryStandard] = Thresholds{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		ProbeSuccesses:   2,
		ProbeBudget:      2,
	}
	b.UpdateProfiles(profiles, nil)

	// 已有的2次失败保留,第3次按新阈值熔断
	b.RecordResult("alibaba", false)
	if b.State("alibaba") != StateOpen {
		t.Errorf("新阈值下第3次失败应熔断, got %v", b.State("alibaba"))
	}
}
