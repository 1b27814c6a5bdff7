package main

import (
	"context"
	"errors"

	"KernelDeck/mcp"
	"KernelDeck/pkg/types"
	"KernelDeck/tuner"
)

// MCPBridge bridges the main App to the MCP server
type MCPBridge struct {
	app *App
}

// NewMCPBridge creates a new MCP bridge
func NewMCPBridge(app *App) *MCPBridge {
	return &MCPBridge{app: app}
}

// Implement mcp.TunerApp interface. MCP 工具调用是同步的, 所以这里等待 apply 完成.

func (b *MCPBridge) GetTuningState() mcp.TuningSnapshot {
	return b.app.snapshot()
}

func (b *MCPBridge) RefreshState() error {
	return b.app.RefreshState()
}

func (b *MCPBridge) ListModes() []mcp.PerformanceMode {
	return b.app.ListModes()
}

func (b *MCPBridge) SetGovernor(cluster, governor string) mcp.ApplyRecord {
	return wait(b.app.setGovernor(sourceMCP, cluster, governor))
}

func (b *MCPBridge) SetFrequencyRange(cluster string, minKHz, maxKHz int) mcp.ApplyRecord {
	return wait(b.app.setFrequencyRange(sourceMCP, cluster, minKHz, maxKHz))
}

func (b *MCPBridge) SetCoreOnline(core int, online bool) mcp.ApplyRecord {
	return wait(b.app.setCoreOnline(sourceMCP, core, online))
}

func (b *MCPBridge) SetThermalProfile(index int) mcp.ApplyRecord {
	return wait(b.app.setThermalProfile(sourceMCP, index))
}

func (b *MCPBridge) SetZram(sizeMB int, algorithm string) mcp.ApplyRecord {
	return wait(b.app.setZram(sourceMCP, sizeMB, algorithm))
}

func (b *MCPBridge) SetSwap(sizeMB int) mcp.ApplyRecord {
	return wait(b.app.setSwap(sourceMCP, sizeMB))
}

func (b *MCPBridge) SetRAMTunables(swappiness, dirtyRatio, minFreeKB int) mcp.ApplyRecord {
	return wait(b.app.setRAMTunables(sourceMCP, swappiness, dirtyRatio, minFreeKB))
}

func (b *MCPBridge) SetIOScheduler(scheduler string) mcp.ApplyRecord {
	return wait(b.app.setIOScheduler(sourceMCP, scheduler))
}

func (b *MCPBridge) SetCongestion(algorithm string) mcp.ApplyRecord {
	return wait(b.app.setCongestion(sourceMCP, algorithm))
}

func (b *MCPBridge) SetMode(mode string) mcp.ApplyRecord {
	return wait(b.app.setMode(sourceMCP, mode))
}

func (b *MCPBridge) SetToggle(name string, on bool) mcp.ApplyRecord {
	return wait(b.app.setToggle(sourceMCP, name, on))
}

func (b *MCPBridge) StartTelemetry(packageName string) error {
	poller := b.app.engine.Poller
	poller.SetPackage(packageName)
	if err := poller.Start(); err != nil && !errors.Is(err, tuner.ErrPollerRunning) {
		return err
	}
	LogTuningAction(ActionTelemetry, sourceMCP, map[string]interface{}{"state": "start", "package": packageName})
	return nil
}

func (b *MCPBridge) StopTelemetry() {
	b.app.engine.Poller.Stop()
	LogTuningAction(ActionTelemetry, sourceMCP, map[string]interface{}{"state": "stop"})
}

func (b *MCPBridge) GetTelemetry() mcp.TelemetrySample {
	return b.app.GetTelemetry()
}

func (b *MCPBridge) ListProfiles() []mcp.AppProfile {
	return b.app.ListProfiles()
}

func (b *MCPBridge) UpsertProfile(p mcp.AppProfile) error {
	if err := b.app.engine.Profiles.Upsert(context.Background(), p); err != nil {
		return err
	}
	LogTuningAction(ActionProfile, sourceMCP, map[string]interface{}{"op": "upsert", "package": p.PackageName})
	return nil
}

func (b *MCPBridge) DeleteProfile(packageName string) error {
	if err := b.app.engine.Profiles.Delete(packageName); err != nil {
		return err
	}
	LogTuningAction(ActionProfile, sourceMCP, map[string]interface{}{"op": "delete", "package": packageName})
	return nil
}

func (b *MCPBridge) SetProfileEnabled(packageName string, enabled bool) error {
	return b.app.SetProfileEnabled(packageName, enabled)
}

func (b *MCPBridge) StartProfiles() error {
	return b.app.engine.Profiles.Start(context.Background())
}

func (b *MCPBridge) StopProfiles() {
	b.app.StopProfiles()
}

func (b *MCPBridge) ListApplyHistory(limit int) ([]mcp.ApplyRecord, error) {
	return b.app.ListApplyHistory(limit)
}

func (b *MCPBridge) RecheckCapability(name string) error {
	return b.app.RecheckCapability(name)
}

func (b *MCPBridge) GetAppVersion() string {
	return b.app.GetAppVersion()
}

// wait 阻塞直到 apply 完成并转换为可序列化的记录
func wait(h *tuner.ApplyHandle) types.ApplyRecord {
	return applyRecord(h.Wait())
}

// StartMCPServer starts the MCP server with the given app
func StartMCPServer(app *App) {
	bridge := NewMCPBridge(app)
	mcpServer := mcp.NewMCPServer(bridge)
	if err := mcpServer.Start(); err != nil {
		LogError("mcp").Err(err).Msg("Failed to start MCP server")
	}
}
