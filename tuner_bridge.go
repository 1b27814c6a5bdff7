package main

import (
	"context"
	"errors"
	"time"

	"KernelDeck/mcp"
	"KernelDeck/pkg/types"
	"KernelDeck/tuner"
)

// 调用来源, 写入 tuning_action 日志
const (
	sourceUI  = "ui"
	sourceMCP = "mcp"
)

// ========================================
// 状态查询 - Wails 绑定
// ========================================

// GetTuningState 返回当前全部可调状态
func (a *App) GetTuningState() mcp.TuningSnapshot {
	return a.snapshot()
}

// RefreshState 重新从设备读取状态
func (a *App) RefreshState() error {
	return a.engine.Store.Refresh(a.context())
}

// ListModes 返回可用的性能模式
func (a *App) ListModes() []types.PerformanceMode {
	return a.engine.Store.Modes()
}

// GetStatus 返回引擎运行状态, 前端用于显示降级提示
func (a *App) GetStatus() map[string]interface{} {
	a.mu.Lock()
	started, startErr := a.started, a.startErr
	a.mu.Unlock()

	status := map[string]interface{}{
		"started":   started,
		"degraded":  startErr != nil,
		"telemetry": a.engine.Poller.State().String(),
		"profiles":  a.engine.Profiles.State.Get().String(),
		"applied":   a.engine.Profiles.Applied(),
		"dropped":   a.bus.Dropped(),
	}
	if startErr != nil {
		status["reason"] = startErr.Error()
	}
	return status
}

// ========================================
// 调优操作 - Wails 绑定, 立即返回 apply ID, 结果通过 apply-result 事件推送
// ========================================

func (a *App) SetGovernor(cluster, governor string) string {
	return a.setGovernor(sourceUI, cluster, governor).ID()
}

func (a *App) SetFrequencyRange(cluster string, minKHz, maxKHz int) string {
	return a.setFrequencyRange(sourceUI, cluster, minKHz, maxKHz).ID()
}

func (a *App) SetCoreOnline(core int, online bool) string {
	return a.setCoreOnline(sourceUI, core, online).ID()
}

func (a *App) SetThermalProfile(index int) string {
	return a.setThermalProfile(sourceUI, index).ID()
}

// SetThermalPersist 设置开机时是否恢复温控配置
func (a *App) SetThermalPersist(on bool) string {
	LogTuningAction(ActionThermal, sourceUI, map[string]interface{}{"persist": on})
	return a.engine.Store.SetThermalPersist(a.context(), on).ID()
}

func (a *App) SetZram(sizeMB int, algorithm string) string {
	return a.setZram(sourceUI, sizeMB, algorithm).ID()
}

func (a *App) SetSwap(sizeMB int) string {
	return a.setSwap(sourceUI, sizeMB).ID()
}

func (a *App) SetRAMTunables(swappiness, dirtyRatio, minFreeKB int) string {
	return a.setRAMTunables(sourceUI, swappiness, dirtyRatio, minFreeKB).ID()
}

func (a *App) SetIOScheduler(scheduler string) string {
	return a.setIOScheduler(sourceUI, scheduler).ID()
}

func (a *App) SetCongestion(algorithm string) string {
	return a.setCongestion(sourceUI, algorithm).ID()
}

// SetBrightness 设置屏幕亮度 (0-255)
func (a *App) SetBrightness(value int) string {
	LogTuningAction(ActionBrightness, sourceUI, map[string]interface{}{"value": value})
	return a.engine.Store.SetBrightness(a.context(), value).ID()
}

func (a *App) SetMode(mode string) string {
	return a.setMode(sourceUI, mode).ID()
}

func (a *App) SetToggle(name string, on bool) string {
	return a.setToggle(sourceUI, name, on).ID()
}

// SetRinger 设置响铃模式: normal, vibrate, silent
func (a *App) SetRinger(mode string) string {
	LogTuningAction(ActionToggle, sourceUI, map[string]interface{}{"ringer": mode})
	return a.engine.Policy.SetRinger(a.context(), tuner.RingerMode(mode)).ID()
}

// TakeScreenshot 截屏并保存到设备相册
func (a *App) TakeScreenshot() string {
	return a.engine.Policy.Screenshot(a.context()).ID()
}

// GetEnabledToggles 返回当前打开的开关
func (a *App) GetEnabledToggles() []string {
	on := a.engine.Policy.EnabledToggles()
	names := make([]string, 0, len(on))
	for _, t := range on {
		names = append(names, string(t))
	}
	return names
}

// ========================================
// 遥测
// ========================================

// StartTelemetry 开始采样. packageName 用于 FPS 统计, 为空时只读 CPU/GPU/温度.
func (a *App) StartTelemetry(packageName string) error {
	a.engine.Poller.SetPackage(packageName)
	err := a.engine.Poller.Start()
	if errors.Is(err, tuner.ErrPollerRunning) {
		return nil
	}
	if err == nil {
		LogTuningAction(ActionTelemetry, sourceUI, map[string]interface{}{"state": "start", "package": packageName})
	}
	return err
}

func (a *App) StopTelemetry() {
	a.engine.Poller.Stop()
	LogTuningAction(ActionTelemetry, sourceUI, map[string]interface{}{
		"state":   "stop",
		"session": a.engine.Poller.SessionDuration().Round(time.Second).String(),
	})
}

// GetTelemetry 返回最近一次采样
func (a *App) GetTelemetry() types.TelemetrySample {
	return a.engine.Poller.Latest()
}

// ========================================
// 应用 profile
// ========================================

func (a *App) ListProfiles() []types.AppProfile {
	return a.engine.Profiles.List()
}

func (a *App) UpsertProfile(p types.AppProfile) error {
	if err := a.engine.Profiles.Upsert(a.context(), p); err != nil {
		return err
	}
	LogTuningAction(ActionProfile, sourceUI, map[string]interface{}{"op": "upsert", "package": p.PackageName})
	return nil
}

func (a *App) DeleteProfile(packageName string) error {
	if err := a.engine.Profiles.Delete(packageName); err != nil {
		return err
	}
	LogTuningAction(ActionProfile, sourceUI, map[string]interface{}{"op": "delete", "package": packageName})
	return nil
}

func (a *App) SetProfileEnabled(packageName string, enabled bool) error {
	return a.engine.Profiles.SetEnabled(packageName, enabled)
}

// StartProfiles 开始监听前台应用并自动应用 profile
func (a *App) StartProfiles() error {
	return a.engine.Profiles.Start(a.context())
}

// StopProfiles 停止监听并恢复原始设置
func (a *App) StopProfiles() {
	a.engine.Profiles.Stop()
}

// ========================================
// 历史与日志
// ========================================

// ListApplyHistory 返回最近的 apply 记录, 最新在前
func (a *App) ListApplyHistory(limit int) ([]types.ApplyRecord, error) {
	if a.history == nil {
		return []types.ApplyRecord{}, nil
	}
	return a.history.List(limit, "")
}

// GetApplyFailureCounts 返回最近 hours 小时内每个资源的失败次数
func (a *App) GetApplyFailureCounts(hours int) (map[string]int, error) {
	if a.history == nil {
		return map[string]int{}, nil
	}
	if hours <= 0 {
		hours = 24
	}
	return a.history.FailureCounts(time.Now().Add(-time.Duration(hours) * time.Hour))
}

// GetRecentLogs 返回日志文件最后 n 行
func (a *App) GetRecentLogs(lines int) ([]string, error) {
	return ReadRecentLogs(lines)
}

// GetLogFiles 返回所有日志文件 (含已压缩的备份)
func (a *App) GetLogFiles() ([]string, error) {
	return ListLogFiles()
}

// ========================================
// 共享实现 - UI 和 MCP 都通过这里提交
// ========================================

func (a *App) setGovernor(source, cluster, governor string) *tuner.ApplyHandle {
	LogTuningAction(ActionGovernor, source, map[string]interface{}{"cluster": cluster, "governor": governor})
	return a.engine.Store.SetGovernor(a.context(), cluster, governor)
}

func (a *App) setFrequencyRange(source, cluster string, minKHz, maxKHz int) *tuner.ApplyHandle {
	LogTuningAction(ActionFrequency, source, map[string]interface{}{"cluster": cluster, "min_khz": minKHz, "max_khz": maxKHz})
	return a.engine.Store.SetFrequencyRange(a.context(), cluster, minKHz, maxKHz)
}

func (a *App) setCoreOnline(source string, core int, online bool) *tuner.ApplyHandle {
	LogTuningAction(ActionCoreOnline, source, map[string]interface{}{"core": core, "online": online})
	return a.engine.Store.ToggleCore(a.context(), core, online)
}

func (a *App) setThermalProfile(source string, index int) *tuner.ApplyHandle {
	LogTuningAction(ActionThermal, source, map[string]interface{}{"index": index})
	return a.engine.Store.SetThermalProfile(a.context(), index)
}

func (a *App) setZram(source string, sizeMB int, algorithm string) *tuner.ApplyHandle {
	LogTuningAction(ActionZram, source, map[string]interface{}{"size_mb": sizeMB, "algorithm": algorithm})
	return a.engine.Store.SetZram(a.context(), sizeMB, algorithm)
}

func (a *App) setSwap(source string, sizeMB int) *tuner.ApplyHandle {
	LogTuningAction(ActionSwap, source, map[string]interface{}{"size_mb": sizeMB})
	return a.engine.Store.SetSwap(a.context(), sizeMB)
}

func (a *App) setRAMTunables(source string, swappiness, dirtyRatio, minFreeKB int) *tuner.ApplyHandle {
	LogTuningAction(ActionVM, source, map[string]interface{}{
		"swappiness":  swappiness,
		"dirty_ratio": dirtyRatio,
		"min_free_kb": minFreeKB,
	})
	return a.engine.Store.SetRAMTunables(a.context(), swappiness, dirtyRatio, minFreeKB)
}

func (a *App) setIOScheduler(source, scheduler string) *tuner.ApplyHandle {
	LogTuningAction(ActionIO, source, map[string]interface{}{"scheduler": scheduler})
	return a.engine.Store.SetIOScheduler(a.context(), scheduler)
}

func (a *App) setCongestion(source, algorithm string) *tuner.ApplyHandle {
	LogTuningAction(ActionCongestion, source, map[string]interface{}{"algorithm": algorithm})
	return a.engine.Store.SetCongestion(a.context(), algorithm)
}

func (a *App) setMode(source, mode string) *tuner.ApplyHandle {
	LogTuningAction(ActionMode, source, map[string]interface{}{"mode": mode})
	return a.engine.Store.SetMode(a.context(), types.PerformanceMode(mode))
}

func (a *App) setToggle(source, name string, on bool) *tuner.ApplyHandle {
	LogTuningAction(ActionToggle, source, map[string]interface{}{"toggle": name, "on": on})
	return a.engine.Policy.SetToggle(a.context(), tuner.Toggle(name), on)
}

// snapshot 汇总 Store / Policy / Probes 的当前值
func (a *App) snapshot() mcp.TuningSnapshot {
	s := a.engine.Store

	toggles := make(map[string]bool)
	for t, on := range a.engine.Policy.State.Get().Toggles {
		toggles[string(t)] = on
	}
	probes := make(map[string]interface{})
	for c, v := range a.engine.Probes.Snapshot() {
		probes[string(c)] = v
	}

	return mcp.TuningSnapshot{
		Clusters:    s.Clusters(),
		Thermal:     s.Thermal.Get(),
		RAM:         s.RAM.Get(),
		RAMBounds:   s.RAMBounds.Get(),
		IOScheduler: s.IOScheduler.Get(),
		Congestion:  s.Congestion.Get(),
		Brightness:  s.Brightness.Get(),
		Mode:        s.Mode.Get(),
		Toggles:     toggles,
		Probes:      probes,
	}
}

// context 返回 apply 使用的上下文. Wails 上下文在应用关闭时取消.
func (a *App) context() context.Context {
	if a.ctx != nil {
		return a.ctx
	}
	return context.Background()
}
