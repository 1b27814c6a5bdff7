package mcp

import (
	"errors"
	"sync"

	"KernelDeck/pkg/types"
)

// MockCall records a method call for verification
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockTunerApp is a mock implementation of TunerApp for testing
type MockTunerApp struct {
	mu    sync.Mutex
	Calls []MockCall

	// State
	TuningState     TuningSnapshot
	RefreshError    error
	Modes           []PerformanceMode
	Telemetry       TelemetrySample
	StartTelemetryE error

	// ApplyResult is returned by every mutation unless ApplyResults has an
	// entry for the method name.
	ApplyResult  ApplyRecord
	ApplyResults map[string]ApplyRecord

	// Profiles
	Profiles          []AppProfile
	UpsertError       error
	DeleteError       error
	SetEnabledError   error
	StartProfilesErr  error
	ProfilesMonitored bool

	// History
	History      []ApplyRecord
	HistoryError error

	// Capabilities
	RecheckError error

	// Utility
	AppVersion string
}

// NewMockTunerApp creates a mock with a three-cluster device
func NewMockTunerApp() *MockTunerApp {
	return &MockTunerApp{
		Calls:        make([]MockCall, 0),
		AppVersion:   "1.0.0-test",
		TuningState:  SampleTuningState(),
		Modes:        []PerformanceMode{types.ModeBalance, types.ModeBattery, types.ModePerformance},
		ApplyResult:  ApplyRecord{ID: "apply-1", Success: true, Message: "applied"},
		ApplyResults: make(map[string]ApplyRecord),
	}
}

func (m *MockTunerApp) recordCall(method string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Method: method, Args: args})
}

// GetCalls returns all recorded calls
func (m *MockTunerApp) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall{}, m.Calls...)
}

// ResetCalls clears call history
func (m *MockTunerApp) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = make([]MockCall, 0)
}

// GetLastCall returns the last recorded call or nil
func (m *MockTunerApp) GetLastCall() *MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	c := m.Calls[len(m.Calls)-1]
	return &c
}

// WasMethodCalled reports whether method was called
func (m *MockTunerApp) WasMethodCalled(method string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Calls {
		if c.Method == method {
			return true
		}
	}
	return false
}

func (m *MockTunerApp) applied(method string, args ...interface{}) ApplyRecord {
	m.recordCall(method, args...)
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.ApplyResults[method]; ok {
		return r
	}
	return m.ApplyResult
}

// === State ===

func (m *MockTunerApp) GetTuningState() TuningSnapshot {
	m.recordCall("GetTuningState")
	return m.TuningState
}

func (m *MockTunerApp) RefreshState() error {
	m.recordCall("RefreshState")
	return m.RefreshError
}

func (m *MockTunerApp) ListModes() []PerformanceMode {
	m.recordCall("ListModes")
	return m.Modes
}

// === Mutations ===

func (m *MockTunerApp) SetGovernor(cluster, governor string) ApplyRecord {
	return m.applied("SetGovernor", cluster, governor)
}

func (m *MockTunerApp) SetFrequencyRange(cluster string, minKHz, maxKHz int) ApplyRecord {
	return m.applied("SetFrequencyRange", cluster, minKHz, maxKHz)
}

func (m *MockTunerApp) SetCoreOnline(core int, online bool) ApplyRecord {
	return m.applied("SetCoreOnline", core, online)
}

func (m *MockTunerApp) SetThermalProfile(index int) ApplyRecord {
	return m.applied("SetThermalProfile", index)
}

func (m *MockTunerApp) SetZram(sizeMB int, algorithm string) ApplyRecord {
	return m.applied("SetZram", sizeMB, algorithm)
}

func (m *MockTunerApp) SetSwap(sizeMB int) ApplyRecord {
	return m.applied("SetSwap", sizeMB)
}

func (m *MockTunerApp) SetRAMTunables(swappiness, dirtyRatio, minFreeKB int) ApplyRecord {
	return m.applied("SetRAMTunables", swappiness, dirtyRatio, minFreeKB)
}

func (m *MockTunerApp) SetIOScheduler(scheduler string) ApplyRecord {
	return m.applied("SetIOScheduler", scheduler)
}

func (m *MockTunerApp) SetCongestion(algorithm string) ApplyRecord {
	return m.applied("SetCongestion", algorithm)
}

func (m *MockTunerApp) SetMode(mode string) ApplyRecord {
	return m.applied("SetMode", mode)
}

func (m *MockTunerApp) SetToggle(name string, on bool) ApplyRecord {
	return m.applied("SetToggle", name, on)
}

// === Telemetry ===

func (m *MockTunerApp) StartTelemetry(packageName string) error {
	m.recordCall("StartTelemetry", packageName)
	return m.StartTelemetryE
}

func (m *MockTunerApp) StopTelemetry() {
	m.recordCall("StopTelemetry")
}

func (m *MockTunerApp) GetTelemetry() TelemetrySample {
	m.recordCall("GetTelemetry")
	return m.Telemetry
}

// === Profiles ===

func (m *MockTunerApp) ListProfiles() []AppProfile {
	m.recordCall("ListProfiles")
	return m.Profiles
}

func (m *MockTunerApp) UpsertProfile(p AppProfile) error {
	m.recordCall("UpsertProfile", p)
	return m.UpsertError
}

func (m *MockTunerApp) DeleteProfile(packageName string) error {
	m.recordCall("DeleteProfile", packageName)
	return m.DeleteError
}

func (m *MockTunerApp) SetProfileEnabled(packageName string, enabled bool) error {
	m.recordCall("SetProfileEnabled", packageName, enabled)
	return m.SetEnabledError
}

func (m *MockTunerApp) StartProfiles() error {
	m.recordCall("StartProfiles")
	if m.StartProfilesErr == nil {
		m.ProfilesMonitored = true
	}
	return m.StartProfilesErr
}

func (m *MockTunerApp) StopProfiles() {
	m.recordCall("StopProfiles")
	m.ProfilesMonitored = false
}

// === History ===

func (m *MockTunerApp) ListApplyHistory(limit int) ([]ApplyRecord, error) {
	m.recordCall("ListApplyHistory", limit)
	if m.HistoryError != nil {
		return nil, m.HistoryError
	}
	if limit > 0 && len(m.History) > limit {
		return m.History[:limit], nil
	}
	return m.History, nil
}

func (m *MockTunerApp) RecheckCapability(name string) error {
	m.recordCall("RecheckCapability", name)
	return m.RecheckError
}

func (m *MockTunerApp) GetAppVersion() string {
	m.recordCall("GetAppVersion")
	return m.AppVersion
}

// === Test Helper Functions ===

// SetupWithFailure makes one mutation fail with the given kind
func (m *MockTunerApp) SetupWithFailure(method, kind, message string) *MockTunerApp {
	m.ApplyResults[method] = ApplyRecord{ID: "apply-fail", Success: false, Kind: kind, Message: message}
	return m
}

// Common test errors
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrUsageAccess     = errors.New("usage access: capability denied")
	ErrRefreshFailed   = errors.New("refresh failed")
)

// SampleTuningState returns a three-cluster device with a thermal node
func SampleTuningState() TuningSnapshot {
	freqs := []int{300000, 1000000, 1800000}
	cluster := func(key, policy string, cores ...int) ClusterState {
		c := ClusterState{
			Key:                  key,
			Policy:               policy,
			Governor:             "walt",
			MinFreqKHz:           300000,
			MaxFreqKHz:           1800000,
			AvailableGovernors:   []string{"walt", "performance", "powersave"},
			AvailableFrequencies: freqs,
		}
		for _, i := range cores {
			c.Cores = append(c.Cores, types.CoreState{Index: i, Online: true})
		}
		return c
	}
	return TuningSnapshot{
		Clusters: []ClusterState{
			cluster("little", "policy0", 0, 1, 2, 3),
			cluster("big", "policy4", 4, 5, 6),
			cluster("prime", "policy7", 7),
		},
		Thermal: ThermalState{
			Profiles:  []ThermalProfile{{Index: 0, Name: "Default"}, {Index: 10, Name: "Game"}},
			Available: true,
		},
		RAM:         RAMConfig{Swappiness: 100, DirtyRatio: 20, MinFreeKB: 11584, ZramSizeMB: 4096, ZramAlgorithm: "zstd"},
		RAMBounds:   RAMBounds{MaxZramMB: 4096, MaxSwapMB: 16384, ZramAlgorithms: []string{"lz4", "zstd"}, MemTotalMB: 7541},
		IOScheduler: Choice{Current: "none", Available: []string{"none", "mq-deadline", "bfq"}},
		Congestion:  Choice{Current: "cubic", Available: []string{"reno", "cubic", "bbr"}},
		Brightness:  2047,
		Mode:        types.ModeBalance,
		Toggles:     map[string]bool{"touch_guard": true},
	}
}

// SampleProfile returns an enabled game profile
func SampleProfile(pkg string) AppProfile {
	return AppProfile{
		PackageName:   pkg,
		DisplayName:   "Game",
		Governor:      "performance",
		ThermalPreset: "Game",
		RefreshRate:   120,
		Enabled:       true,
	}
}
