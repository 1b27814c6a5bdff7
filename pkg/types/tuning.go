package types

// CoreState is the hotplug state of one logical CPU
type CoreState struct {
	Index  int  `json:"index"`
	Online bool `json:"online"`
}

// ClusterState describes one frequency domain (cpufreq policy)
type ClusterState struct {
	Key                  string      `json:"key"`    // "little", "big", "prime" or the policy name
	Policy               string      `json:"policy"` // sysfs policy directory, e.g. "policy4"
	Governor             string      `json:"governor"`
	MinFreqKHz           int         `json:"minFreqKHz"`
	MaxFreqKHz           int         `json:"maxFreqKHz"`
	Cores                []CoreState `json:"cores"`
	AvailableGovernors   []string    `json:"availableGovernors"`
	AvailableFrequencies []int       `json:"availableFrequencies"` // ascending, kHz
}

// Clone returns a deep copy so observers never share slices with the store
func (c ClusterState) Clone() ClusterState {
	out := c
	out.Cores = append([]CoreState(nil), c.Cores...)
	out.AvailableGovernors = append([]string(nil), c.AvailableGovernors...)
	out.AvailableFrequencies = append([]int(nil), c.AvailableFrequencies...)
	return out
}

// ThermalProfile is one device-defined thermal policy
type ThermalProfile struct {
	Index      int      `json:"index" yaml:"index"`
	Name       string   `json:"name" yaml:"name"`
	WarningC   *float64 `json:"warningC,omitempty" yaml:"warning_c,omitempty"`
	EmergencyC *float64 `json:"emergencyC,omitempty" yaml:"emergency_c,omitempty"`
}

// ThermalState is the enumerable profile set plus the current selection
type ThermalState struct {
	Profiles      []ThermalProfile `json:"profiles"`
	CurrentIndex  int              `json:"currentIndex"`
	Available     bool             `json:"available"`
	PersistOnBoot bool             `json:"persistOnBoot"`
}

// RAMConfig holds the virtual-memory tunables
type RAMConfig struct {
	Swappiness    int    `json:"swappiness"`    // 0-200
	DirtyRatio    int    `json:"dirtyRatio"`    // 1-50 %
	MinFreeKB     int    `json:"minFreeKB"`     // 0-262144
	ZramSizeMB    int    `json:"zramSizeMB"`    // 0 disables zram
	ZramAlgorithm string `json:"zramAlgorithm"` // one of RAMBounds.ZramAlgorithms
	SwapSizeMB    int    `json:"swapSizeMB"`    // 0 disables the swap file
}

// RAMBounds are the device-reported limits RAMConfig is clamped to
type RAMBounds struct {
	MaxZramMB      int      `json:"maxZramMB"`
	MaxSwapMB      int      `json:"maxSwapMB"`
	ZramAlgorithms []string `json:"zramAlgorithms"`
	MemTotalMB     int      `json:"memTotalMB"`
}

// Choice is a single-select kernel knob (I/O scheduler, TCP congestion)
type Choice struct {
	Current   string   `json:"current"`
	Available []string `json:"available"`
}

// AppProfile is a per-application tuning override
type AppProfile struct {
	PackageName   string `json:"packageName"`
	DisplayName   string `json:"displayName"`
	Governor      string `json:"governor,omitempty"`
	ThermalPreset string `json:"thermalPreset,omitempty"`
	RefreshRate   int    `json:"refreshRate,omitempty"` // 0 = leave unchanged
	Enabled       bool   `json:"enabled"`
}

// PerformanceMode is a named governor/clock bundle
type PerformanceMode string

const (
	ModeBattery     PerformanceMode = "battery"
	ModeBalance     PerformanceMode = "balance"
	ModePerformance PerformanceMode = "performance"
)

// TelemetrySample is one poll cycle of live counters. Only the latest is kept.
type TelemetrySample struct {
	CPUFreqMHz      int     `json:"cpuFreqMHz"`
	CPULoad         float64 `json:"cpuLoad"` // 0-100
	GPUFreqMHz      int     `json:"gpuFreqMHz"`
	GPULoad         float64 `json:"gpuLoad"` // 0-100
	FPS             float64 `json:"fps"`
	TemperatureC    float64 `json:"temperatureC"`
	BatteryPercent  int     `json:"batteryPercent"`
	SessionDuration int64   `json:"sessionDurationMs"`
	Timestamp       int64   `json:"timestamp"` // unix ms
	Cycle           int64   `json:"cycle"`
}

// ApplyRecord is the persisted outcome of one apply operation
type ApplyRecord struct {
	ID         string   `json:"id"`
	Key        string   `json:"key"`
	Label      string   `json:"label"`
	Success    bool     `json:"success"`
	Kind       string   `json:"kind,omitempty"`
	Message    string   `json:"message"`
	StartedAt  int64    `json:"startedAt"` // unix ms
	DurationMs int64    `json:"durationMs"`
	Lines      []string `json:"lines,omitempty"`
}
