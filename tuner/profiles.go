package tuner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"KernelDeck/pkg/cache"
	"KernelDeck/pkg/types"

	"github.com/rs/zerolog"
)

// ProfileState is the per-app engine lifecycle
type ProfileState int

const (
	ProfilesDisabled ProfileState = iota
	ProfilesMonitoring
	ProfilesApplying
)

func (s ProfileState) String() string {
	switch s {
	case ProfilesDisabled:
		return "disabled"
	case ProfilesMonitoring:
		return "monitoring"
	case ProfilesApplying:
		return "applying"
	default:
		return "unknown"
	}
}

// ErrProfileNotFound is returned when editing a package without a profile
var ErrProfileNotFound = errors.New("profile not found")

// ForegroundSource reports the package of the foreground application
type ForegroundSource interface {
	Foreground(ctx context.Context) (string, error)
}

// ShellForeground reads the foreground package through the executor
type ShellForeground struct {
	Exec Executor
}

// Foreground implements ForegroundSource
func (f ShellForeground) Foreground(ctx context.Context) (string, error) {
	out, err := f.Exec.Execute(ctx, foregroundCommand)
	if err != nil {
		return "", err
	}
	return parseForegroundPackage(out.Stdout), nil
}

// ProfileConfig configures the profile engine
type ProfileConfig struct {
	PollInterval time.Duration // default 1.5s
	// OnPermissionRequired is called once each time Start finds the
	// usage-access probe denied.
	OnPermissionRequired func(Capability)
	Logger               zerolog.Logger
}

// baseline is the device state recorded before the first profile applied
type baseline struct {
	governors    map[string]string // cluster key -> governor
	thermalIndex int
	thermalOK    bool
	refreshRate  int // 0 means the system default
}

// ProfileEngine applies per-application tuning when the foreground app
// changes. It is the only writer of the persisted profile collection.
type ProfileEngine struct {
	store    *Store
	pipeline *Pipeline
	prefs    Preferences
	probes   *Probes
	source   ForegroundSource
	cfg      ProfileConfig
	logger   zerolog.Logger

	// State and Profiles are observable for the UI
	State    *Observable[ProfileState]
	Profiles *Observable[[]types.AppProfile]

	mu       sync.Mutex
	profiles []types.AppProfile
	lastPkg  string // last foreground package handled
	applied  string // package whose profile was last submitted, "" for baseline
	base     *baseline
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewProfileEngine creates a disabled engine
func NewProfileEngine(store *Store, pipeline *Pipeline, prefs Preferences, probes *Probes, source ForegroundSource, cfg ProfileConfig) *ProfileEngine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if prefs == nil {
		prefs = nopPreferences{}
	}
	return &ProfileEngine{
		store:    store,
		pipeline: pipeline,
		prefs:    prefs,
		probes:   probes,
		source:   source,
		cfg:      cfg,
		logger:   cfg.Logger,
		State:    NewObservable(ProfilesDisabled),
		Profiles: NewObservableFunc[[]types.AppProfile](nil, equalValue[[]types.AppProfile]),
	}
}

// ========================================
// Collection
// ========================================

// Load reads the persisted collection
func (e *ProfileEngine) Load() error {
	var list []types.AppProfile
	if _, err := e.prefs.Load(cache.KeyAppProfiles, &list); err != nil {
		return err
	}

	// Drop duplicate packages a hand-edited file may contain; first one wins
	seen := make(map[string]bool, len(list))
	clean := list[:0]
	for _, p := range list {
		if p.PackageName == "" || seen[p.PackageName] {
			continue
		}
		seen[p.PackageName] = true
		clean = append(clean, p)
	}

	e.mu.Lock()
	e.profiles = clean
	e.mu.Unlock()
	e.Profiles.Set(append([]types.AppProfile(nil), clean...))
	return nil
}

// List returns the profiles in their persisted order
func (e *ProfileEngine) List() []types.AppProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.AppProfile(nil), e.profiles...)
}

// Get returns the profile for pkg
func (e *ProfileEngine) Get(pkg string) (types.AppProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.profiles {
		if p.PackageName == pkg {
			return p, true
		}
	}
	return types.AppProfile{}, false
}

// Upsert adds p or replaces the existing profile with the same package,
// keeping its position.
func (e *ProfileEngine) Upsert(ctx context.Context, p types.AppProfile) error {
	if err := e.validate(ctx, p); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := append([]types.AppProfile(nil), e.profiles...)
	replaced := false
	for i := range next {
		if next[i].PackageName == p.PackageName {
			next[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, p)
	}
	return e.saveLocked(next)
}

// Delete removes the profile for pkg. A missing package is a no-op.
func (e *ProfileEngine) Delete(pkg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i, p := range e.profiles {
		if p.PackageName == pkg {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	next := make([]types.AppProfile, 0, len(e.profiles)-1)
	next = append(next, e.profiles[:idx]...)
	next = append(next, e.profiles[idx+1:]...)
	return e.saveLocked(next)
}

// SetEnabled flips only the enabled flag of one profile
func (e *ProfileEngine) SetEnabled(pkg string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := append([]types.AppProfile(nil), e.profiles...)
	for i := range next {
		if next[i].PackageName == pkg {
			next[i].Enabled = enabled
			return e.saveLocked(next)
		}
	}
	return fmt.Errorf("%s: %w", pkg, ErrProfileNotFound)
}

// saveLocked rewrites the whole persisted collection, then swaps it in
func (e *ProfileEngine) saveLocked(next []types.AppProfile) error {
	if err := e.prefs.Save(cache.KeyAppProfiles, next); err != nil {
		return fmt.Errorf("save profiles: %w", err)
	}
	e.profiles = next
	e.Profiles.Set(append([]types.AppProfile(nil), next...))
	return nil
}

func (e *ProfileEngine) validate(ctx context.Context, p types.AppProfile) error {
	if p.PackageName == "" {
		return fmt.Errorf("package name is required: %w", ErrInvalidRange)
	}
	if err := checkToken("package", p.PackageName); err != nil {
		return err
	}
	if p.Governor != "" {
		if err := checkToken("governor", p.Governor); err != nil {
			return err
		}
	}
	if p.RefreshRate != 0 && e.probes != nil {
		rates := e.probes.RefreshRates(ctx)
		found := false
		for _, r := range rates {
			if r == p.RefreshRate {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("refresh rate %d Hz not supported (have %v): %w", p.RefreshRate, rates, ErrInvalidRange)
		}
	}
	return nil
}

func (e *ProfileEngine) enabledProfile(pkg string) (types.AppProfile, bool) {
	p, ok := e.Get(pkg)
	if !ok || !p.Enabled {
		return types.AppProfile{}, false
	}
	return p, true
}

// ========================================
// Monitoring
// ========================================

// Start begins foreground monitoring. Without usage access the engine stays
// disabled and asks for the permission.
func (e *ProfileEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if e.probes != nil && !e.probes.UsageAccess(ctx) {
		e.State.Set(ProfilesDisabled)
		if e.cfg.OnPermissionRequired != nil {
			e.cfg.OnPermissionRequired(CapUsageAccess)
		}
		e.logger.Warn().Msg("Usage access denied, per-app profiles disabled")
		return fmt.Errorf("usage access: %w", ErrCapabilityDenied)
	}

	e.mu.Lock()
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.lastPkg = ""
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	e.State.Set(ProfilesMonitoring)
	_ = e.prefs.Save(cache.KeyProfilesActive, true)
	go e.loop(stopCh, doneCh)

	e.logger.Info().Dur("interval", e.cfg.PollInterval).Msg("Per-app profile monitoring started")
	return nil
}

// Stop ends monitoring and restores the baseline if a profile is in effect
func (e *ProfileEngine) Stop() {
	e.mu.Lock()
	stopCh, doneCh := e.stopCh, e.doneCh
	e.stopCh, e.doneCh = nil, nil
	e.mu.Unlock()

	if stopCh == nil {
		e.State.Set(ProfilesDisabled)
		return
	}
	close(stopCh)
	<-doneCh

	if h := e.revert(context.Background()); h != nil {
		h.Wait()
	}
	_ = e.prefs.Save(cache.KeyProfilesActive, false)
	e.State.Set(ProfilesDisabled)
	e.logger.Info().Msg("Per-app profile monitoring stopped")
}

// Running reports whether the monitor loop is active
func (e *ProfileEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopCh != nil
}

func (e *ProfileEngine) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PollInterval*4)
		e.poll(ctx)
		cancel()

		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// poll handles one foreground observation
func (e *ProfileEngine) poll(ctx context.Context) {
	pkg, err := e.source.Foreground(ctx)
	if err != nil || pkg == "" {
		return
	}

	e.mu.Lock()
	if pkg == e.lastPkg {
		e.mu.Unlock()
		return
	}
	prevApplied := e.applied
	hasBase := e.base != nil
	e.mu.Unlock()

	var h *ApplyHandle
	profiled := false
	if prof, ok := e.enabledProfile(pkg); ok {
		h = e.applyProfile(ctx, prof)
		profiled = true
	} else if hasBase {
		h = e.revert(ctx)
	}

	if h == nil {
		e.mu.Lock()
		e.lastPkg = pkg
		e.mu.Unlock()
		return
	}

	e.State.Set(ProfilesApplying)
	r := h.Wait()
	e.State.Set(ProfilesMonitoring)

	if r.Kind == KindResourceBusy {
		// Nothing was written. Leave lastPkg alone so the next tick retries.
		if profiled {
			e.mu.Lock()
			e.applied = prevApplied
			if prevApplied == "" {
				e.base = nil
			}
			e.mu.Unlock()
		}
		return
	}
	if !r.Success {
		// Some commands may have landed before the failure
		if err := e.refreshAfterProfile(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to re-read state after profile apply")
		}
	}
	e.mu.Lock()
	e.lastPkg = pkg
	e.mu.Unlock()
}

// applyProfile moves the device to the baseline overlaid with prof. Fields
// prof leaves unset fall back to the baseline, so switching between two
// profiles never leaks settings from the first one.
func (e *ProfileEngine) applyProfile(ctx context.Context, prof types.AppProfile) *ApplyHandle {
	e.mu.Lock()
	b := e.base
	e.mu.Unlock()
	if b == nil {
		b = e.captureBaseline(ctx)
		e.mu.Lock()
		e.base = b
		e.mu.Unlock()
	}

	cmds, extra := e.targetCommands(b, prof)

	// Marked before submitting: a failed apply may leave part of the
	// profile on the device and the next switch must still restore it.
	e.mu.Lock()
	e.applied = prof.PackageName
	e.mu.Unlock()

	return e.pipeline.Apply(ctx, ApplyRequest{
		Key:       KeyProfile,
		ExtraKeys: extra,
		Label:     "Apply profile " + displayName(prof),
		Commands:  cmds,
		OnSuccess: e.refreshAfterProfile,
	})
}

// revert restores the baseline. It returns nil when no baseline is held.
func (e *ProfileEngine) revert(ctx context.Context) *ApplyHandle {
	e.mu.Lock()
	b := e.base
	e.mu.Unlock()
	if b == nil {
		return nil
	}

	cmds, extra := e.targetCommands(b, types.AppProfile{})
	return e.pipeline.Apply(ctx, ApplyRequest{
		Key:       KeyProfile,
		ExtraKeys: extra,
		Label:     "Restore baseline",
		Commands:  cmds,
		OnSuccess: func(ctx context.Context) error {
			e.mu.Lock()
			e.applied = ""
			// The next profile records a fresh baseline
			e.base = nil
			e.mu.Unlock()
			return e.refreshAfterProfile(ctx)
		},
	})
}

// targetCommands returns the writes that take the current state to b
// overlaid with prof. The refresh rate is always written since the store
// does not track it.
func (e *ProfileEngine) targetCommands(b *baseline, prof types.AppProfile) ([]string, []string) {
	var cmds []string
	var extra []string

	for _, c := range e.store.Clusters() {
		want, ok := b.governors[c.Key]
		if prof.Governor != "" && containsString(c.AvailableGovernors, prof.Governor) {
			want, ok = prof.Governor, true
		}
		if ok && want != "" && want != c.Governor {
			cmds = append(cmds, governorCommands(c, want)...)
			extra = append(extra, ClusterKey(c.Key, "governor"))
		}
	}

	if th := e.store.Thermal.Get(); th.Available {
		index, ok := b.thermalIndex, b.thermalOK
		if prof.ThermalPreset != "" {
			if p, found := thermalByName(th.Profiles, prof.ThermalPreset); found {
				index, ok = p.Index, true
			}
		}
		if ok && index != th.CurrentIndex {
			cmds = append(cmds, thermalCommands(e.store.thermalNode(), index)...)
			extra = append(extra, KeyThermal)
		}
	}

	rate := b.refreshRate
	if prof.RefreshRate > 0 {
		rate = prof.RefreshRate
	}
	cmds = append(cmds, refreshRateCommands(rate)...)
	extra = append(extra, KeyRefreshRate)
	return cmds, extra
}

func (e *ProfileEngine) refreshAfterProfile(ctx context.Context) error {
	err := e.store.refreshClusters(ctx)
	if terr := e.store.refreshThermal(ctx); terr != nil && err == nil {
		err = terr
	}
	return err
}

func (e *ProfileEngine) captureBaseline(ctx context.Context) *baseline {
	b := &baseline{governors: make(map[string]string)}
	for _, c := range e.store.Clusters() {
		b.governors[c.Key] = c.Governor
	}
	if th := e.store.Thermal.Get(); th.Available {
		b.thermalIndex, b.thermalOK = th.CurrentIndex, true
	}
	if out, err := e.store.exec.Execute(ctx, "settings get system peak_refresh_rate"); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(out.Stdout), 64); err == nil {
			b.refreshRate = int(math.Round(v))
		}
	}
	e.logger.Debug().Interface("governors", b.governors).Int("refresh_rate", b.refreshRate).Msg("Baseline recorded")
	return b
}

// Applied returns the package whose profile was last submitted. A failed
// apply still counts since part of it may be on the device.
func (e *ProfileEngine) Applied() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied
}

func displayName(p types.AppProfile) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.PackageName
}
