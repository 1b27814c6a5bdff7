package main

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"KernelDeck/pkg/cache"
	"KernelDeck/tuner"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// historyRetention apply 记录保留时间
const historyRetention = 30 * 24 * time.Hour

// App struct
type App struct {
	ctx     context.Context // Wails 上下文, MCP 模式下为 Background
	cfg     AppConfig
	mcpMode bool

	engine  *tuner.Engine
	prefs   *cache.Service
	history *HistoryStore
	bus     *EventBus
	watcher *PrefsWatcher

	mu       sync.Mutex
	started  bool
	startErr error // 非 nil 表示降级运行 (例如没有 root)
	stopCh   chan struct{}
}

// AppOptions 允许测试替换执行器和历史存储
type AppOptions struct {
	Executor tuner.Executor
	History  *HistoryStore
}

// NewApp creates a new App instance
func NewApp(cfg AppConfig, opts AppOptions) (*App, error) {
	configDir := cfg.ResolveConfigDir()

	prefs, err := cache.New(cache.Config{
		ConfigDir: configDir,
		LogFunc: func(format string, args ...interface{}) {
			LogWarn("prefs").Msgf(format, args...)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}

	history := opts.History
	if history == nil {
		history, err = NewHistoryStore(filepath.Join(configDir, "data"))
		if err != nil {
			// 没有历史记录也能调优
			LogWarn("history").Err(err).Msg("Apply history disabled")
		}
	}

	presets, err := tuner.LoadPresets(cfg.ModesFile)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		mcpMode: cfg.MCP,
		prefs:   prefs,
		history: history,
		bus:     NewEventBus(EventBusConfig{}),
		stopCh:  make(chan struct{}),
	}

	a.engine, err = tuner.New(tuner.Options{
		Shell:     cfg.ShellConfig(),
		Executor:  opts.Executor,
		Prefs:     prefs,
		Presets:   presets,
		Package:   cfg.Package,
		Hooks:     a.bus.ApplyHooks(a.recordApply),
		Notifier:  a.bus,
		Telemetry: tuner.TelemetryConfig{Interval: cfg.Interval},
		Logger:    ComponentLogger("tuner"),
	})
	if err != nil {
		return nil, err
	}

	a.watcher = NewPrefsWatcher(prefs, a.reloadPreferences)
	return a, nil
}

// startup is called when the app starts
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	if !a.mcpMode {
		a.bus.SetWailsContext(ctx)
	}
	a.start(ctx)
}

// start 启动引擎. 没有 root 时进入降级模式, 只读遥测仍可用.
func (a *App) start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true

	LogAppState(StateStarting, map[string]interface{}{
		"version":   version,
		"transport": a.cfg.Transport,
		"device":    a.cfg.Device,
		"mcp":       a.mcpMode,
	})
	logHostInfo()

	timer := StartOperation("app", "engine_start")
	if err := a.engine.Start(ctx); err != nil {
		a.startErr = err
		timer.EndWithError(err)
		LogAppState(StateDegraded, map[string]interface{}{"reason": err.Error()})
		a.bus.Toast("Root access unavailable, tuning disabled")
	} else {
		timer.AddDetail("clusters", len(a.engine.Store.Clusters())).End()
	}

	a.forwardState()

	if !a.mcpMode {
		if err := a.watcher.Start(); err != nil {
			LogWarn("prefs_watcher").Err(err).Msg("Preference watcher not started")
		}
	}

	if a.history != nil {
		if n, err := a.history.Cleanup(historyRetention); err != nil {
			LogWarn("history").Err(err).Msg("History cleanup failed")
		} else if n > 0 {
			LogInfo("history").Int("removed", n).Msg("Old apply records removed")
		}
	}

	if a.startErr == nil {
		LogAppState(StateReady, nil)
	}
}

// Shutdown is called when the application is closing
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	a.started = false

	LogAppState(StateShuttingDown, nil)
	close(a.stopCh)
	a.watcher.Stop()
	a.engine.Stop()
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			LogError("history").Err(err).Msg("Error closing history store")
		}
	}
	LogAppState(StateStopped, nil)
}

// GetAppVersion returns the application version
func (a *App) GetAppVersion() string {
	return version
}

// forwardState 把引擎中所有 Observable 的变化转发到事件总线
func (a *App) forwardState() {
	e := a.engine
	stop := a.stopCh

	a.forwardClusters(stop)
	forwardObservable(a.bus, TopicState, "thermal", e.Store.Thermal, stop)
	forwardObservable(a.bus, TopicState, "ram", e.Store.RAM, stop)
	forwardObservable(a.bus, TopicState, "io_scheduler", e.Store.IOScheduler, stop)
	forwardObservable(a.bus, TopicState, "congestion", e.Store.Congestion, stop)
	forwardObservable(a.bus, TopicState, "brightness", e.Store.Brightness, stop)
	forwardObservable(a.bus, TopicState, "mode", e.Store.Mode, stop)
	forwardObservable(a.bus, TopicState, "policy", e.Policy.State, stop)
	forwardObservable(a.bus, TopicState, "profiles", e.Profiles.Profiles, stop)
	forwardObservable(a.bus, TopicState, "profile_engine", e.Profiles.State, stop)
	forwardObservable(a.bus, TopicTelemetry, "", e.Poller.Sample, stop)
}

// forwardClusters 跟随 ClusterKeys, 每个新出现的 cluster 转发一次
func (a *App) forwardClusters(stop <-chan struct{}) {
	store := a.engine.Store
	ch, cancel := store.ClusterKeys.Subscribe()
	go func() {
		defer cancel()
		forwarded := make(map[string]bool)
		for {
			select {
			case keys, ok := <-ch:
				if !ok {
					return
				}
				for _, key := range keys {
					if forwarded[key] {
						continue
					}
					if obs, found := store.Cluster(key); found {
						forwarded[key] = true
						forwardObservable(a.bus, TopicState, "cluster:"+key, obs, stop)
					}
				}
			case <-stop:
				return
			}
		}
	}()
}

// RecheckCapability 重新检测一项能力. "root" 会重置 shell 可用性并在恢复后重新加载设备状态.
func (a *App) RecheckCapability(name string) error {
	if name == capabilityRoot {
		return a.recheckRoot()
	}
	for _, c := range tuner.Capabilities {
		if string(c) == name {
			a.engine.Probes.Rerun(c)
			LogInfo("capability").Str("name", name).Msg("Capability re-check requested")
			return nil
		}
	}
	return fmt.Errorf("unknown capability %q", name)
}

// capabilityRoot root shell 不属于 Probes, 单独处理
const capabilityRoot = "root"

func (a *App) recheckRoot() error {
	if r, ok := a.engine.Exec.(interface{ ResetAvailability() }); ok {
		r.ResetAvailability()
	}

	timer := StartOperation("capability", "recheck_root")
	err := a.engine.Start(a.context())

	a.mu.Lock()
	wasDegraded := a.startErr != nil
	a.startErr = err
	a.mu.Unlock()

	if err != nil {
		timer.EndWithError(err)
		return err
	}
	timer.AddDetail("clusters", len(a.engine.Store.Clusters())).End()
	if wasDegraded {
		LogAppState(StateReady, nil)
		a.bus.Toast("Root access available, tuning enabled")
	}
	return nil
}

// recordApply 写入 apply 历史
func (a *App) recordApply(r tuner.ApplyResult) {
	if a.history == nil {
		return
	}
	if err := a.history.Record(applyRecord(r)); err != nil {
		LogWarn("history").Err(err).Str("apply_id", r.ID).Msg("Failed to record apply")
	}
}

// reloadPreferences 偏好文件被外部修改后重新加载 profile 和开关
func (a *App) reloadPreferences() {
	if err := a.engine.Profiles.Load(); err != nil {
		LogWarn("prefs").Err(err).Msg("Profiles not reloaded")
	}
	if err := a.engine.Policy.Load(); err != nil {
		LogWarn("prefs").Err(err).Msg("Toggles not reloaded")
	}
	a.bus.Publish(TopicPrefsChanged, a.prefs.Keys())
}

// logHostInfo 记录运行 KernelDeck 的宿主机信息
func logHostInfo() {
	metrics := map[string]interface{}{
		"go_os":   runtime.GOOS,
		"go_arch": runtime.GOARCH,
	}
	if info, err := host.Info(); err == nil {
		metrics["platform"] = info.Platform
		metrics["platform_version"] = info.PlatformVersion
		metrics["kernel"] = info.KernelVersion
		metrics["uptime_s"] = int64(info.Uptime)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		metrics["mem_total_mb"] = int64(vm.Total / 1024 / 1024)
	}
	if n, err := cpu.Counts(true); err == nil {
		metrics["cpus"] = n
	}
	LogSystemMetrics(metrics)
}
