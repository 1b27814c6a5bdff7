package tuner

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"KernelDeck/pkg/cache"
	"KernelDeck/pkg/types"

	"github.com/rs/zerolog"
)

// RAM tunable bounds
const (
	maxSwappiness = 200
	minDirtyRatio = 1
	maxDirtyRatio = 50
	maxMinFreeKB  = 262144
	maxZramMB     = 4096
	maxSwapMB     = 16384
)

// Preferences is the durable key/JSON cache the store writes through to
type Preferences interface {
	Load(key string, v interface{}) (bool, error)
	Save(key string, v interface{}) error
}

type nopPreferences struct{}

func (nopPreferences) Load(string, interface{}) (bool, error) { return false, nil }
func (nopPreferences) Save(string, interface{}) error         { return nil }

// StoreConfig configures a Store
type StoreConfig struct {
	Presets *Presets
	Logger  zerolog.Logger
}

// Store is the authoritative in-memory view of tunable device state. Every
// field is observable; fields only change after a successful apply or an
// explicit Refresh.
type Store struct {
	exec     Executor
	pipeline *Pipeline
	prefs    Preferences
	probes   *Probes
	presets  *Presets
	logger   zerolog.Logger

	mu        sync.RWMutex
	clusters  map[string]*Observable[types.ClusterState]
	order     []string
	thermalAt string // vendor thermal node in use

	// ClusterKeys announces the ordered cluster keys once they are probed
	ClusterKeys *Observable[[]string]
	Thermal     *Observable[types.ThermalState]
	RAM         *Observable[types.RAMConfig]
	RAMBounds   *Observable[types.RAMBounds]
	IOScheduler *Observable[types.Choice]
	Congestion  *Observable[types.Choice]
	Brightness  *Observable[int]
	Mode        *Observable[types.PerformanceMode]
}

// NewStore creates an empty store. Call Load or Refresh to populate it.
func NewStore(exec Executor, pipeline *Pipeline, prefs Preferences, probes *Probes, cfg StoreConfig) *Store {
	if prefs == nil {
		prefs = nopPreferences{}
	}
	if cfg.Presets == nil {
		cfg.Presets = &Presets{Modes: map[types.PerformanceMode]ModePreset{}}
	}
	return &Store{
		exec:        exec,
		pipeline:    pipeline,
		prefs:       prefs,
		probes:      probes,
		presets:     cfg.Presets,
		logger:      cfg.Logger,
		clusters:    make(map[string]*Observable[types.ClusterState]),
		ClusterKeys: NewObservableFunc[[]string](nil, equalValue[[]string]),
		Thermal:     NewObservableFunc(types.ThermalState{}, equalValue[types.ThermalState]),
		RAM:         NewObservableFunc(types.RAMConfig{}, equalValue[types.RAMConfig]),
		RAMBounds:   NewObservableFunc(types.RAMBounds{MaxZramMB: maxZramMB, MaxSwapMB: maxSwapMB}, equalValue[types.RAMBounds]),
		IOScheduler: NewObservableFunc(types.Choice{}, equalValue[types.Choice]),
		Congestion:  NewObservableFunc(types.Choice{}, equalValue[types.Choice]),
		Brightness:  NewObservable(0),
		Mode:        NewObservable(types.ModeBalance),
	}
}

func equalValue[T any](a, b T) bool {
	return reflect.DeepEqual(a, b)
}

// ========================================
// Cluster access
// ========================================

// Cluster returns the observable for one cluster key
func (s *Store) Cluster(key string) (*Observable[types.ClusterState], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.clusters[key]
	return o, ok
}

// Clusters returns a copy of every cluster in probe order
func (s *Store) Clusters() []types.ClusterState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ClusterState, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.clusters[k].Get().Clone())
	}
	return out
}

func (s *Store) clusterOfCore(index int) (types.ClusterState, bool) {
	for _, c := range s.Clusters() {
		for _, core := range c.Cores {
			if core.Index == index {
				return c, true
			}
		}
	}
	return types.ClusterState{}, false
}

func (s *Store) thermalNode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thermalAt
}

// ========================================
// Mutations
// ========================================

// SetGovernor switches the governor of one cluster
func (s *Store) SetGovernor(ctx context.Context, clusterKey, governor string) *ApplyHandle {
	key := ClusterKey(clusterKey, "governor")
	label := fmt.Sprintf("Set %s governor to %s", clusterKey, governor)

	obs, ok := s.Cluster(clusterKey)
	if !ok {
		return s.pipeline.Immediate(key, label, fmt.Errorf("unknown cluster %q: %w", clusterKey, ErrInvalidRange))
	}
	c := obs.Get()
	if len(c.AvailableGovernors) == 0 {
		return s.pipeline.Immediate(key, label, fmt.Errorf("cluster %q reports no governors: %w", clusterKey, ErrInvalidRange))
	}
	if !containsString(c.AvailableGovernors, governor) {
		return s.pipeline.Immediate(key, label, fmt.Errorf("governor %q not available on %s: %w", governor, clusterKey, ErrInvalidRange))
	}

	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:       key,
		Label:     label,
		Commands:  governorCommands(c, governor),
		OnSuccess: s.refreshClusters,
	})
}

// SetFrequencyRange snaps both bounds to supported steps, forces
// min <= max and writes them.
func (s *Store) SetFrequencyRange(ctx context.Context, clusterKey string, minKHz, maxKHz int) *ApplyHandle {
	key := ClusterKey(clusterKey, "freq")
	label := fmt.Sprintf("Set %s frequency", clusterKey)

	obs, ok := s.Cluster(clusterKey)
	if !ok {
		return s.pipeline.Immediate(key, label, fmt.Errorf("unknown cluster %q: %w", clusterKey, ErrInvalidRange))
	}
	c := obs.Get()
	lo, hi, err := NormalizeRange(minKHz, maxKHz, c.AvailableFrequencies)
	if err != nil {
		return s.pipeline.Immediate(key, label, err)
	}

	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:            key,
		Label:          label,
		Commands:       frequencyCommands(c, lo, hi),
		OnSuccess:      s.refreshClusters,
		SuccessMessage: fmt.Sprintf("%s: %d-%d MHz", clusterKey, lo/1000, hi/1000),
	})
}

// ToggleCore brings one CPU online or offline. cpu0 cannot be taken offline.
func (s *Store) ToggleCore(ctx context.Context, index int, online bool) *ApplyHandle {
	key := CoreKey(index)
	state := "offline"
	if online {
		state = "online"
	}
	label := fmt.Sprintf("Set cpu%d %s", index, state)

	if index == 0 && !online {
		return s.pipeline.Immediate(key, label, fmt.Errorf("cpu0 cannot be taken offline: %w", ErrInvalidRange))
	}
	if _, ok := s.clusterOfCore(index); !ok {
		return s.pipeline.Immediate(key, label, fmt.Errorf("unknown core cpu%d: %w", index, ErrInvalidRange))
	}

	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:       key,
		Label:     label,
		Commands:  coreOnlineCommands(index, online),
		OnSuccess: s.refreshClusters,
	})
}

// SetThermalProfile selects a thermal profile by its index
func (s *Store) SetThermalProfile(ctx context.Context, index int) *ApplyHandle {
	label := "Set thermal profile"
	th := s.Thermal.Get()
	if !th.Available {
		return s.pipeline.Immediate(KeyThermal, label, fmt.Errorf("no supported thermal control: %w", ErrCapabilityDenied))
	}
	var prof *types.ThermalProfile
	for i := range th.Profiles {
		if th.Profiles[i].Index == index {
			prof = &th.Profiles[i]
		}
	}
	if prof == nil {
		return s.pipeline.Immediate(KeyThermal, label, fmt.Errorf("thermal profile %d: %w", index, ErrInvalidRange))
	}
	name := prof.Name

	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:      KeyThermal,
		Label:    fmt.Sprintf("Set thermal profile %s", name),
		Commands: thermalCommands(s.thermalNode(), index),
		OnSuccess: func(ctx context.Context) error {
			err := s.refreshThermal(ctx)
			s.persist(cache.KeyThermalPreset, name)
			return err
		},
	})
}

// SetThermalPersist toggles re-applying the saved thermal profile on load
func (s *Store) SetThermalPersist(ctx context.Context, on bool) *ApplyHandle {
	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:   KeyThermal,
		Label: "Thermal boot persistence",
		OnSuccess: func(ctx context.Context) error {
			s.Thermal.Update(func(t types.ThermalState) types.ThermalState {
				t.PersistOnBoot = on
				return t
			})
			s.persist(cache.KeyThermalOnBoot, on)
			return nil
		},
	})
}

// SetZram resizes zram. Size is clamped to the device bound; zero disables
// it. An empty algorithm keeps the current one.
func (s *Store) SetZram(ctx context.Context, sizeMB int, algorithm string) *ApplyHandle {
	label := "Resize ZRAM"
	bounds := s.RAMBounds.Get()
	sizeMB = clampInt(sizeMB, 0, bounds.MaxZramMB)

	if algorithm == "" {
		algorithm = s.RAM.Get().ZramAlgorithm
	}
	if algorithm != "" {
		if err := checkToken("compression algorithm", algorithm); err != nil {
			return s.pipeline.Immediate(KeyZram, label, err)
		}
		if len(bounds.ZramAlgorithms) > 0 && !containsString(bounds.ZramAlgorithms, algorithm) {
			return s.pipeline.Immediate(KeyZram, label, fmt.Errorf("compression algorithm %q not supported: %w", algorithm, ErrInvalidRange))
		}
	}

	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:            KeyZram,
		Label:          label,
		Commands:       zramCommands(sizeMB, algorithm),
		OnSuccess:      s.refreshAndPersistRAM,
		SuccessMessage: fmt.Sprintf("ZRAM set to %d MB", sizeMB),
	})
}

// SetSwap recreates the swap file. Zero removes it.
func (s *Store) SetSwap(ctx context.Context, sizeMB int) *ApplyHandle {
	sizeMB = clampInt(sizeMB, 0, s.RAMBounds.Get().MaxSwapMB)
	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:            KeySwap,
		Label:          "Resize swap file",
		Commands:       swapCommands(sizeMB),
		OnSuccess:      s.refreshAndPersistRAM,
		SuccessMessage: fmt.Sprintf("Swap file set to %d MB", sizeMB),
	})
}

// SetRAMTunables writes swappiness, dirty ratio and min free, each clamped
// to its range.
func (s *Store) SetRAMTunables(ctx context.Context, swappiness, dirtyRatio, minFreeKB int) *ApplyHandle {
	cfg := s.RAM.Get()
	cfg.Swappiness = clampInt(swappiness, 0, maxSwappiness)
	cfg.DirtyRatio = clampInt(dirtyRatio, minDirtyRatio, maxDirtyRatio)
	cfg.MinFreeKB = clampInt(minFreeKB, 0, maxMinFreeKB)

	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:       KeyVM,
		Label:     "Set memory tunables",
		Commands:  vmCommands(cfg),
		OnSuccess: s.refreshAndPersistRAM,
	})
}

// SetIOScheduler switches the scheduler of every real block device
func (s *Store) SetIOScheduler(ctx context.Context, scheduler string) *ApplyHandle {
	label := fmt.Sprintf("Set I/O scheduler %s", scheduler)
	if err := s.checkChoice(s.IOScheduler.Get(), "I/O scheduler", scheduler); err != nil {
		return s.pipeline.Immediate(KeyIOScheduler, label, err)
	}
	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:      KeyIOScheduler,
		Label:    label,
		Commands: ioSchedulerCommands(scheduler),
		OnSuccess: func(ctx context.Context) error {
			err := s.refreshIOScheduler(ctx)
			s.persist(cache.KeyIOScheduler, scheduler)
			return err
		},
	})
}

// SetCongestion switches the TCP congestion control algorithm
func (s *Store) SetCongestion(ctx context.Context, algorithm string) *ApplyHandle {
	label := fmt.Sprintf("Set TCP congestion %s", algorithm)
	if err := s.checkChoice(s.Congestion.Get(), "congestion algorithm", algorithm); err != nil {
		return s.pipeline.Immediate(KeyCongestion, label, err)
	}
	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:      KeyCongestion,
		Label:    label,
		Commands: congestionCommands(algorithm),
		OnSuccess: func(ctx context.Context) error {
			err := s.refreshCongestion(ctx)
			s.persist(cache.KeyCongestion, algorithm)
			return err
		},
	})
}

// SetBrightness writes brightness through the probed control path
func (s *Store) SetBrightness(ctx context.Context, value int) *ApplyHandle {
	method := s.probes.Brightness(ctx)
	value = clampInt(value, 0, method.Max)
	return s.pipeline.Apply(ctx, ApplyRequest{
		Key:      KeyBrightness,
		Label:    "Set brightness",
		Commands: brightnessCommands(method, value),
		OnSuccess: func(ctx context.Context) error {
			s.Brightness.Set(value)
			s.persist(cache.KeyBrightness, value)
			return nil
		},
	})
}

func (s *Store) checkChoice(c types.Choice, what, v string) error {
	if err := checkToken(what, v); err != nil {
		return err
	}
	if len(c.Available) == 0 {
		return fmt.Errorf("device reports no %s options: %w", what, ErrInvalidRange)
	}
	if !containsString(c.Available, v) {
		return fmt.Errorf("%s %q not available: %w", what, v, ErrInvalidRange)
	}
	return nil
}

// persist writes through to preferences. Failures are logged, not
// surfaced: the device write already succeeded.
func (s *Store) persist(key string, v interface{}) {
	if err := s.prefs.Save(key, v); err != nil {
		s.logger.Warn().Err(err).Str("pref", key).Msg("Failed to persist preference")
	}
}

// ========================================
// Reads
// ========================================

// Refresh re-reads every field from the device. Fields whose read fails
// keep their previous value.
func (s *Store) Refresh(ctx context.Context) error {
	var errs []error
	for _, read := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"clusters", s.refreshClusters},
		{"thermal", s.refreshThermal},
		{"ram", s.refreshRAM},
		{"io_scheduler", s.refreshIOScheduler},
		{"congestion", s.refreshCongestion},
		{"brightness", s.refreshBrightness},
	} {
		if err := read.fn(ctx); err != nil {
			s.logger.Warn().Err(err).Str("field", read.name).Msg("Refresh failed")
			errs = append(errs, fmt.Errorf("%s: %w", read.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) refreshClusters(ctx context.Context) error {
	out, err := s.exec.Execute(ctx, clusterProbeScript)
	if err != nil {
		return err
	}
	probed := parseClusterProbe(out.Stdout)
	if len(probed) == 0 {
		return fmt.Errorf("no cpufreq policies found")
	}

	s.mu.Lock()
	changedKeys := false
	for _, c := range probed {
		if obs, ok := s.clusters[c.Key]; ok {
			obs.Set(c)
			continue
		}
		// Clusters are never removed during a session
		s.clusters[c.Key] = NewObservableFunc(c, equalValue[types.ClusterState])
		s.order = append(s.order, c.Key)
		changedKeys = true
	}
	keys := append([]string(nil), s.order...)
	s.mu.Unlock()

	if changedKeys {
		s.ClusterKeys.Set(keys)
	}
	return nil
}

func (s *Store) refreshThermal(ctx context.Context) error {
	if len(s.presets.Thermal) == 0 {
		s.Thermal.Update(func(t types.ThermalState) types.ThermalState {
			t.Available = false
			return t
		})
		return nil
	}

	var script strings.Builder
	script.WriteString("for n in")
	for _, c := range s.presets.Thermal {
		script.WriteString(" " + c.Node)
	}
	script.WriteString(`; do [ -f $n ] && { echo "node=$n"; echo "value=$(cat $n)"; break; }; done; true`)

	out, err := s.exec.Execute(ctx, script.String())
	if err != nil {
		return err
	}
	kv := parseKeyValues(out.Stdout)
	node := kv["node"]

	var catalog *ThermalCatalog
	for i := range s.presets.Thermal {
		if s.presets.Thermal[i].Node == node {
			catalog = &s.presets.Thermal[i]
		}
	}

	s.mu.Lock()
	s.thermalAt = node
	s.mu.Unlock()

	s.Thermal.Update(func(t types.ThermalState) types.ThermalState {
		if catalog == nil {
			t.Available = false
			t.Profiles = nil
			return t
		}
		t.Available = true
		t.Profiles = append([]types.ThermalProfile(nil), catalog.Profiles...)
		if v, err := strconv.Atoi(strings.TrimSpace(kv["value"])); err == nil {
			t.CurrentIndex = v
		}
		return t
	})
	return nil
}

func (s *Store) refreshRAM(ctx context.Context) error {
	out, err := s.exec.Execute(ctx, ramProbeScript)
	if err != nil {
		return err
	}
	cfg, bounds := parseRAMProbe(out.Stdout)
	s.RAMBounds.Set(bounds)
	s.RAM.Set(cfg)
	return nil
}

func (s *Store) refreshAndPersistRAM(ctx context.Context) error {
	err := s.refreshRAM(ctx)
	s.persist(cache.KeyRAMConfig, s.RAM.Get())
	return err
}

func (s *Store) refreshIOScheduler(ctx context.Context) error {
	out, err := s.exec.Execute(ctx, ioProbeScript)
	if err != nil {
		return err
	}
	s.IOScheduler.Set(parseBracketChoice(strings.TrimSpace(out.Stdout)))
	return nil
}

func (s *Store) refreshCongestion(ctx context.Context) error {
	out, err := s.exec.Execute(ctx, congestionProbeScript)
	if err != nil {
		return err
	}
	s.Congestion.Set(parseCongestionProbe(out.Stdout))
	return nil
}

func (s *Store) refreshBrightness(ctx context.Context) error {
	method := s.probes.Brightness(ctx)
	cmd := "settings get system screen_brightness"
	if method.Sysfs != "" {
		cmd = "cat " + method.Sysfs
	}
	out, err := s.exec.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	v, err := strconv.Atoi(strings.TrimSpace(out.Stdout))
	if err != nil {
		return fmt.Errorf("parse brightness %q: %w", strings.TrimSpace(out.Stdout), err)
	}
	s.Brightness.Set(v)
	return nil
}

// ========================================
// Load
// ========================================

// loadMode restores the saved performance mode. Nothing is read from the
// device.
func (s *Store) loadMode() {
	var mode types.PerformanceMode
	if ok, _ := s.prefs.Load(cache.KeyMode, &mode); ok {
		if _, known := s.presets.Modes[mode]; known {
			s.Mode.Set(mode)
		}
	}
}

// Load populates the store from the device and reconciles it with the
// preference cache. When thermal boot persistence is on and the device is
// not on the saved profile, the saved profile is re-applied and its handle
// returned.
func (s *Store) Load(ctx context.Context) (*ApplyHandle, error) {
	err := s.Refresh(ctx)

	s.loadMode()

	var onBoot bool
	_, _ = s.prefs.Load(cache.KeyThermalOnBoot, &onBoot)
	s.Thermal.Update(func(t types.ThermalState) types.ThermalState {
		t.PersistOnBoot = onBoot
		return t
	})

	var saved types.RAMConfig
	if ok, _ := s.prefs.Load(cache.KeyRAMConfig, &saved); ok && saved != s.RAM.Get() {
		s.logger.Info().
			Interface("saved", saved).
			Interface("device", s.RAM.Get()).
			Msg("Device memory config differs from saved preference")
	}

	if !onBoot {
		return nil, err
	}
	var preset string
	if ok, _ := s.prefs.Load(cache.KeyThermalPreset, &preset); !ok || preset == "" {
		return nil, err
	}
	th := s.Thermal.Get()
	prof, ok := thermalByName(th.Profiles, preset)
	if !ok || !th.Available {
		s.logger.Warn().Str("preset", preset).Msg("Saved thermal profile not supported on this device")
		return nil, err
	}
	if prof.Index == th.CurrentIndex {
		return nil, err
	}
	s.logger.Info().Str("preset", preset).Msg("Re-applying saved thermal profile")
	return s.SetThermalProfile(ctx, prof.Index), err
}
