package resources

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionKind 会话类型
type SessionKind string

const (
	KindBrowser SessionKind = "browser" // 无头浏览器标签页会话
	KindHTTP    SessionKind = "http"    // 带keep-alive的HTTP客户端会话
)

// SessionState 会话引用状态
type SessionState string

const (
	StateActive       SessionState = "active"         // 被借出使用中
	StateIdle         SessionState = "idle"           // 空闲,可被复用或回收
	StateZombieSuspect SessionState = "zombie_suspect" // 疑似泄漏 (活跃时长远超预期)
)

// Handle 底层会话句柄 (浏览器标签页或HTTP客户端)
// 资源跟踪器独占句柄生命周期,适配器只借用
type Handle interface {
	Close() error
}

// Cleaner 可清理状态的句柄 (可选实现)
// 浏览器会话归还时清理localStorage/cookie等残留状态
type Cleaner interface {
	Clean() error
}

// Factory 会话句柄工厂
type Factory interface {
	Kind() SessionKind
	New(ctx context.Context, target string) (Handle, error)
}

// Session 被跟踪的会话
// 所有权归资源跟踪器: 适配器通过Acquire借用,用完必须Release或Destroy
type Session struct {
	ID     string
	Target string
	Kind   SessionKind
	Handle Handle

	CreatedAt   time.Time
	MemoryBytes int64 // 估算内存占用

	// 以下字段由Tracker在锁内维护
	state       SessionState
	lastUsed    time.Time
	activeSince time.Time

	mu sync.Mutex
}

// newSession 创建会话包装
func newSession(target string, kind SessionKind, handle Handle, memoryBytes int64) *Session {
	now := time.Now()
	return &Session{
		ID:          uuid.New().String(),
		Target:      target,
		Kind:        kind,
		Handle:      handle,
		CreatedAt:   now,
		MemoryBytes: memoryBytes,
		state:       StateActive,
		lastUsed:    now,
		activeSince: now,
	}
}

// State 返回会话当前状态
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Age 返回会话存活时长
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// ActiveDuration 返回本次借出至今的时长 (非active状态返回0)
func (s *Session) ActiveDuration(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return 0
	}
	return now.Sub(s.activeSince)
}

// markActive 标记为借出状态
func (s *Session) markActive(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActive
	s.activeSince = now
	s.lastUsed = now
}

// markIdle 标记为空闲状态
func (s *Session) markIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.lastUsed = now
}

// markSuspect 标记为疑似泄漏
func (s *Session) markSuspect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateZombieSuspect
}

// LastUsed 返回最近使用时间
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}
