package resources

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/AshenVoyage/farecrawl/internal/utils"
)

// Monitor 系统资源监控器
// 职责: 实时监控内存和CPU,计算会话数上限,为渐进式降级提供依据
type Monitor struct {
	// 配置参数
	config MonitorConfig

	// 缓存的内存统计数据
	lastMemStats runtime.MemStats

	// 系统总内存(字节)
	totalMemory uint64

	// 缓存的CalculateMaxSessions结果 (每秒更新一次)
	cachedMaxSessions int
	lastCacheTime     time.Time
	cacheMu           sync.RWMutex

	// CPU使用率监控
	lastCPUUsage float64
	cpuUsageMu   sync.RWMutex

	// 保护lastMemStats的读写锁
	mu sync.RWMutex

	// 监控控制
	stopCh    chan struct{}
	isRunning bool
}

// MonitorConfig 资源监控器配置
type MonitorConfig struct {
	SafetyReserveMemory int64 `mapstructure:"safety_reserve_memory"` // 安全保留内存(字节)
	SafetyThreshold     int64 `mapstructure:"safety_threshold"`      // 安全阈值(字节)
	CPULoadThreshold    int   `mapstructure:"cpu_load_threshold"`    // CPU负载阈值(%)
	MaxSessionsLimit    int   `mapstructure:"max_sessions_limit"`    // 绝对最大会话数
	SessionMemoryUsage  int64 `mapstructure:"session_memory_usage"`  // 单个会话平均内存消耗(字节)
}

// DefaultMonitorConfig 默认监控配置
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SafetyReserveMemory: 512 * 1024 * 1024,
		SafetyThreshold:     256 * 1024 * 1024,
		CPULoadThreshold:    85,
		MaxSessionsLimit:    16,
		SessionMemoryUsage:  150 * 1024 * 1024,
	}
}

// MemoryStatus 内存状态信息
type MemoryStatus struct {
	TotalMemory     uint64 // 系统总内存(字节)
	AllocatedMemory uint64 // 当前程序已分配内存(字节)
	AvailableMemory int64  // 可用内存(字节)
	SafetyReserve   int64  // 安全保留内存(字节)
	SafetyThreshold int64  // 安全阈值(字节)
	MemoryPressure  string // 内存压力等级
}

// NewMonitor 创建资源监控器实例
func NewMonitor(config MonitorConfig) *Monitor {
	// 初始化默认值
	if config.SessionMemoryUsage == 0 {
		config.SessionMemoryUsage = 150 * 1024 * 1024 // 150MB
	}
	if config.MaxSessionsLimit == 0 {
		config.MaxSessionsLimit = 16
	}

	// 获取系统总内存(使用gopsutil获取真实系统内存)
	vmStat, err := mem.VirtualMemory()
	var totalMem uint64
	if err != nil {
		utils.Warnf("获取系统内存失败,使用默认值: %v", err)
		totalMem = 4 * 1024 * 1024 * 1024 // 默认4GB
	} else {
		totalMem = vmStat.Total
		utils.Infof("系统总内存: %.2f GB", float64(totalMem)/(1024*1024*1024))
	}

	// 读取初始内存统计
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return &Monitor{
		config:       config,
		totalMemory:  totalMem,
		lastMemStats: memStats,
	}
}

// StartMonitoring 启动资源监控
// 启动后台goroutine周期性采样runtime.MemStats和CPU使用率
func (m *Monitor) StartMonitoring(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 已在运行,直接返回(幂等)
	if m.isRunning {
		return
	}

	m.stopCh = make(chan struct{})
	m.isRunning = true

	go m.monitoringLoop(interval)
}

// monitoringLoop 后台监控循环
func (m *Monitor) monitoringLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stopCh := m.stopCh
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			// 采样内存统计
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)

			m.mu.Lock()
			m.lastMemStats = memStats
			m.mu.Unlock()

			// 更新CPU使用率
			cpuUsage := m.sampleCPUUsage()
			m.cpuUsageMu.Lock()
			m.lastCPUUsage = cpuUsage
			m.cpuUsageMu.Unlock()
		}
	}
}

// sampleCPUUsage 采样系统CPU使用率(百分比)
func (m *Monitor) sampleCPUUsage() float64 {
	// 100毫秒采样间隔,避免阻塞过久; perCPU=false返回所有核心的平均使用率
	percentages, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		utils.Warnf("获取CPU使用率失败: %v", err)
		return 0.0
	}

	if len(percentages) == 0 {
		return 0.0
	}
	return percentages[0]
}

// StopMonitoring 停止资源监控
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		close(m.stopCh)
		m.isRunning = false
	}
}

// CalculateMaxSessions 动态计算当前允许的最大会话数
// 结果缓存1秒,避免高频计算
func (m *Monitor) CalculateMaxSessions() int {
	// 检查缓存是否有效
	m.cacheMu.RLock()
	if time.Since(m.lastCacheTime) < time.Second && m.cachedMaxSessions > 0 {
		cached := m.cachedMaxSessions
		m.cacheMu.RUnlock()
		return cached
	}
	m.cacheMu.RUnlock()

	m.mu.RLock()
	memStats := m.lastMemStats
	m.mu.RUnlock()

	// 计算可用内存
	allocatedMemory := memStats.Alloc
	availableMemory := int64(m.totalMemory) - int64(allocatedMemory) - m.config.SafetyReserveMemory

	// 基于内存计算上限
	maxByMemory := 1
	if availableMemory > m.config.SafetyThreshold {
		surplus := availableMemory - m.config.SafetyThreshold
		maxByMemory = int(surplus / m.config.SessionMemoryUsage)
		if maxByMemory < 1 {
			maxByMemory = 1
		}
	}

	// 基于CPU核心数计算上限
	maxByCPU := runtime.NumCPU()

	// 取最小值
	result := maxByMemory
	if maxByCPU < result {
		result = maxByCPU
	}
	if m.config.MaxSessionsLimit < result {
		result = m.config.MaxSessionsLimit
	}
	if result < 1 {
		result = 1
	}

	// 更新缓存
	m.cacheMu.Lock()
	m.cachedMaxSessions = result
	m.lastCacheTime = time.Now()
	m.cacheMu.Unlock()

	return result
}

// CheckResourceAvailability 检查当前资源是否允许创建新会话
// 返回canCreate(是否允许创建)和reason(不允许时的原因)
func (m *Monitor) CheckResourceAvailability() (canCreate bool, reason string) {
	m.mu.RLock()
	memStats := m.lastMemStats
	m.mu.RUnlock()

	allocatedMemory := memStats.Alloc
	availableMemory := int64(m.totalMemory) - int64(allocatedMemory) - m.config.SafetyReserveMemory

	// 检查内存
	if availableMemory < m.config.SafetyThreshold {
		availableMemoryMB := availableMemory / (1024 * 1024)
		utils.Warnf("可用内存不足(当前%dMB),会话创建受限", availableMemoryMB)
		return false, fmt.Sprintf("内存不足(当前%dMB)", availableMemoryMB)
	}

	// 检查CPU负载 (阈值>=200视为禁用CPU检查)
	if m.config.CPULoadThreshold < 200 {
		m.cpuUsageMu.RLock()
		cpuUsage := m.lastCPUUsage
		m.cpuUsageMu.RUnlock()

		if cpuUsage > float64(m.config.CPULoadThreshold) {
			return false, fmt.Sprintf("CPU负载过高(当前%.1f%%)", cpuUsage)
		}
	}

	return true, ""
}

// GetMemoryStatus 获取当前内存状态
func (m *Monitor) GetMemoryStatus() MemoryStatus {
	m.mu.RLock()
	memStats := m.lastMemStats
	m.mu.RUnlock()

	allocatedMemory := memStats.Alloc
	availableMemory := int64(m.totalMemory) - int64(allocatedMemory) - m.config.SafetyReserveMemory

	// 判断内存压力等级
	var pressure string
	availableMemoryMB := availableMemory / (1024 * 1024)
	switch {
	case availableMemoryMB < 200:
		pressure = "emergency"
	case availableMemoryMB < 300:
		pressure = "critical"
	case availableMemoryMB < 500:
		pressure = "warning"
	default:
		pressure = "normal"
	}

	return MemoryStatus{
		TotalMemory:     m.totalMemory,
		AllocatedMemory: allocatedMemory,
		AvailableMemory: availableMemory,
		SafetyReserve:   m.config.SafetyReserveMemory,
		SafetyThreshold: m.config.SafetyThreshold,
		MemoryPressure:  pressure,
	}
}

// ShouldScaleDown 判断是否应该主动缩减会话数量
// 渐进式降级: warning暂停创建, critical缩减50%, emergency缩减至1
func (m *Monitor) ShouldScaleDown(currentSessions int) (shouldScale bool, targetCount int, reason string) {
	status := m.GetMemoryStatus()
	availableMemoryMB := status.AvailableMemory / (1024 * 1024)

	switch status.MemoryPressure {
	case "emergency":
		utils.Errorf("内存紧急状态(当前%dMB),强制缩减会话至1个", availableMemoryMB)
		return true, 1, fmt.Sprintf("内存严重不足(当前%dMB),强制缩减至1个会话", availableMemoryMB)
	case "critical":
		targetCount = currentSessions / 2
		if targetCount < 1 {
			targetCount = 1
		}
		utils.Warnf("内存严重不足(当前%dMB),缩减会话至%d个", availableMemoryMB, targetCount)
		return true, targetCount, fmt.Sprintf("内存严重不足(当前%dMB),缩减会话至%d个", availableMemoryMB, targetCount)
	case "warning":
		utils.Warnf("内存不足(当前%dMB),暂停创建新会话", availableMemoryMB)
		return false, currentSessions, fmt.Sprintf("内存不足(当前%dMB),暂停创建新会话", availableMemoryMB)
	default:
		return false, currentSessions, ""
	}
}
