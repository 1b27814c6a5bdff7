package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"KernelDeck/pkg/types"
	"KernelDeck/tuner"
)

// stubExecutor answers every read with canned output and records writes
type stubExecutor struct {
	mu       sync.Mutex
	outputs  map[string]string // command substring -> stdout
	streamed [][]string
}

func (s *stubExecutor) Execute(ctx context.Context, command string) (tuner.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for match, out := range s.outputs {
		if strings.Contains(command, match) {
			return tuner.Output{Stdout: out}, nil
		}
	}
	return tuner.Output{}, nil
}

func (s *stubExecutor) ExecuteStreaming(ctx context.Context, commands []string, onLine func(string)) error {
	s.mu.Lock()
	s.streamed = append(s.streamed, append([]string(nil), commands...))
	s.mu.Unlock()
	for _, c := range commands {
		onLine("ok: " + c)
	}
	return nil
}

func setupBridge(t *testing.T) (*MCPBridge, *App) {
	t.Helper()
	cfg, err := ParseFlags([]string{"--mcp", "--config-dir", t.TempDir()})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	app, err := NewApp(cfg, AppOptions{
		Executor: &stubExecutor{outputs: map[string]string{}},
		History:  newMemoryHistory(t),
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	app.start(context.Background())
	t.Cleanup(func() { app.Shutdown(context.Background()) })
	return NewMCPBridge(app), app
}

func waitForHistory(t *testing.T, app *App, n int) []types.ApplyRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := app.ListApplyHistory(10)
		if err != nil {
			t.Fatalf("ListApplyHistory: %v", err)
		}
		if len(records) >= n || time.Now().After(deadline) {
			return records
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMCPBridge_ListModes(t *testing.T) {
	bridge, _ := setupBridge(t)

	modes := bridge.ListModes()
	want := map[types.PerformanceMode]bool{"battery": false, "balance": false, "performance": false}
	for _, m := range modes {
		if _, ok := want[m]; ok {
			want[m] = true
		}
	}
	for m, seen := range want {
		if !seen {
			t.Errorf("mode %s missing from %v", m, modes)
		}
	}
}

func TestMCPBridge_UnknownClusterFails(t *testing.T) {
	bridge, app := setupBridge(t)

	rec := bridge.SetGovernor("prime", "performance")
	if rec.Success {
		t.Fatal("governor on unknown cluster should fail")
	}
	if rec.Kind != string(tuner.KindInvalidRange) {
		t.Errorf("kind = %q, want invalid_range", rec.Kind)
	}
	if rec.ID == "" || rec.Key == "" {
		t.Errorf("record missing identity: %+v", rec)
	}

	records := waitForHistory(t, app, 1)
	if len(records) != 1 || records[0].ID != rec.ID {
		t.Errorf("history = %+v", records)
	}
}

func TestMCPBridge_UnknownModeFails(t *testing.T) {
	bridge, _ := setupBridge(t)

	rec := bridge.SetMode("turbo")
	if rec.Success || rec.Kind != string(tuner.KindInvalidRange) {
		t.Errorf("record = %+v", rec)
	}
}

func TestMCPBridge_PreferenceToggle(t *testing.T) {
	bridge, app := setupBridge(t)

	rec := bridge.SetToggle(string(tuner.ToggleTouchGuard), true)
	if !rec.Success {
		t.Fatalf("toggle failed: %+v", rec)
	}
	if !bridge.GetTuningState().Toggles[string(tuner.ToggleTouchGuard)] {
		t.Error("touch guard not reported on in the snapshot")
	}
	found := false
	for _, name := range app.GetEnabledToggles() {
		if name == string(tuner.ToggleTouchGuard) {
			found = true
		}
	}
	if !found {
		t.Errorf("enabled toggles = %v", app.GetEnabledToggles())
	}

	if rec := bridge.SetToggle("warp_drive", true); rec.Success {
		t.Error("unknown toggle should fail")
	}
}

func TestMCPBridge_Telemetry(t *testing.T) {
	bridge, app := setupBridge(t)

	if err := bridge.StartTelemetry("com.example.game"); err != nil {
		t.Fatalf("StartTelemetry: %v", err)
	}
	// second start only updates the package
	if err := bridge.StartTelemetry(""); err != nil {
		t.Fatalf("StartTelemetry again: %v", err)
	}
	if got := app.engine.Poller.State(); got != tuner.PollerRunning {
		t.Errorf("poller state = %s", got)
	}
	bridge.StopTelemetry()
	if got := app.engine.Poller.State(); got != tuner.PollerStopped {
		t.Errorf("poller state after stop = %s", got)
	}
}

func TestMCPBridge_Profiles(t *testing.T) {
	bridge, _ := setupBridge(t)

	if got := bridge.ListProfiles(); len(got) != 0 {
		t.Fatalf("profiles = %+v", got)
	}
	// deleting a missing profile is a no-op
	if err := bridge.DeleteProfile("com.example.none"); err != nil {
		t.Errorf("DeleteProfile: %v", err)
	}
	if err := bridge.SetProfileEnabled("com.example.none", true); err == nil {
		t.Error("enabling a missing profile should fail")
	}
}

func TestApp_StatusAndVersion(t *testing.T) {
	bridge, app := setupBridge(t)

	if bridge.GetAppVersion() != version {
		t.Errorf("version = %s", bridge.GetAppVersion())
	}
	status := app.GetStatus()
	if status["started"] != true || status["degraded"] != false {
		t.Errorf("status = %+v", status)
	}
	if status["telemetry"] != "idle" {
		t.Errorf("telemetry = %v", status["telemetry"])
	}
}

// switchableRootExecutor reports root as configured and counts resets
type switchableRootExecutor struct {
	stubExecutor
	rootMu    sync.Mutex
	available bool
	resets    int
}

func (s *switchableRootExecutor) Available(context.Context) bool {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	return s.available
}

func (s *switchableRootExecutor) ResetAvailability() {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	s.resets++
}

func (s *switchableRootExecutor) setAvailable(on bool) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	s.available = on
}

func newTestApp(t *testing.T, exec tuner.Executor) *App {
	t.Helper()
	cfg, err := ParseFlags([]string{"--mcp", "--config-dir", t.TempDir()})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	app, err := NewApp(cfg, AppOptions{Executor: exec, History: newMemoryHistory(t)})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	app.start(context.Background())
	t.Cleanup(func() { app.Shutdown(context.Background()) })
	return app
}

func TestApp_RecheckRootLeavesDegradedMode(t *testing.T) {
	exec := &switchableRootExecutor{stubExecutor: stubExecutor{outputs: map[string]string{}}}
	app := newTestApp(t, exec)

	if app.GetStatus()["degraded"] != true {
		t.Fatal("app should start degraded without root")
	}
	if err := app.RecheckCapability("root"); err == nil {
		t.Error("recheck should fail while root is still missing")
	}

	exec.setAvailable(true)
	bridge := NewMCPBridge(app)
	if err := bridge.RecheckCapability("root"); err != nil {
		t.Fatalf("RecheckCapability(root) = %v", err)
	}
	if app.GetStatus()["degraded"] != false {
		t.Errorf("status = %+v, want recovered", app.GetStatus())
	}
	exec.rootMu.Lock()
	resets := exec.resets
	exec.rootMu.Unlock()
	if resets != 2 {
		t.Errorf("ResetAvailability called %d times, want 2", resets)
	}
}

func TestApp_RecheckCapabilityNames(t *testing.T) {
	_, app := setupBridge(t)

	if err := app.RecheckCapability(string(tuner.CapUsageAccess)); err != nil {
		t.Errorf("usage_access: %v", err)
	}
	if err := app.RecheckCapability("camera"); err == nil {
		t.Error("unknown capability should fail")
	}
}

func TestApp_ForwardsClustersFoundAfterStart(t *testing.T) {
	exec := &stubExecutor{outputs: map[string]string{}}
	app := newTestApp(t, exec)

	ch, cancel := app.bus.Subscribe(256, TopicState)
	defer cancel()

	exec.mu.Lock()
	exec.outputs["scaling_available_governors"] = "policy=policy0\ngovernor=walt\ncpus=0 1 2 3\ngovernors=walt performance\nfreqs=300000 1804800\npolicy=policy4\ngovernor=walt\ncpus=4 5 6 7\ngovernors=walt performance\nfreqs=710400 2419200\n"
	exec.mu.Unlock()
	_ = app.RefreshState()

	deadline := time.After(2 * time.Second)
	seen := map[string]bool{}
	for !seen["cluster:little"] || !seen["cluster:big"] {
		select {
		case ev := <-ch:
			if st, ok := ev.Data.(StateEvent); ok {
				seen[st.Section] = true
			}
		case <-deadline:
			t.Fatalf("cluster sections not forwarded, saw %v", seen)
		}
	}
}
