package tuner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"KernelDeck/pkg/cache"
	"KernelDeck/pkg/types"

	"github.com/rs/zerolog"
)

type scriptedForeground struct {
	mu  sync.Mutex
	pkg string
}

func (s *scriptedForeground) set(pkg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pkg = pkg
}

func (s *scriptedForeground) Foreground(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkg, nil
}

func newTestProfiles(t *testing.T, exec *fakeExecutor, prefs Preferences) (*ProfileEngine, *Store, *scriptedForeground) {
	t.Helper()
	exec.respond("dumpsys display", realDumpsysDisplay)
	exec.respond("settings get system peak_refresh_rate", "null\n")
	s := newTestStore(t, exec, prefs)
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	src := &scriptedForeground{}
	e := NewProfileEngine(s, s.pipeline, prefs, s.probes, src, ProfileConfig{Logger: zerolog.Nop()})
	return e, s, src
}

func TestProfileUpsertReplacesInPlace(t *testing.T) {
	prefs := newMemPrefs()
	e, _, _ := newTestProfiles(t, deviceExecutor(), prefs)
	ctx := context.Background()

	for _, p := range []types.AppProfile{
		{PackageName: "com.a", Governor: "performance", Enabled: true},
		{PackageName: "com.b", RefreshRate: 120, Enabled: true},
		{PackageName: "com.a", Governor: "schedutil", Enabled: true},
	} {
		if err := e.Upsert(ctx, p); err != nil {
			t.Fatalf("Upsert(%s) error = %v", p.PackageName, err)
		}
	}

	list := e.List()
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
	if list[0].PackageName != "com.a" || list[0].Governor != "schedutil" {
		t.Errorf("list[0] = %+v, want com.a replaced in place", list[0])
	}
	if !strings.Contains(prefs.raw(cache.KeyAppProfiles), `"schedutil"`) {
		t.Errorf("persisted = %s", prefs.raw(cache.KeyAppProfiles))
	}
	if got := e.Profiles.Get(); len(got) != 2 {
		t.Errorf("Profiles observable = %+v", got)
	}
}

func TestProfileUpsertValidates(t *testing.T) {
	e, _, _ := newTestProfiles(t, deviceExecutor(), nil)
	ctx := context.Background()

	cases := []types.AppProfile{
		{PackageName: ""},
		{PackageName: "com.a; reboot"},
		{PackageName: "com.a", RefreshRate: 90},
	}
	for _, p := range cases {
		if err := e.Upsert(ctx, p); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("Upsert(%+v) error = %v, want ErrInvalidRange", p, err)
		}
	}
	if len(e.List()) != 0 {
		t.Errorf("rejected profiles must not be stored: %+v", e.List())
	}
}

func TestProfileDeleteMissingIsNoop(t *testing.T) {
	prefs := newMemPrefs()
	e, _, _ := newTestProfiles(t, deviceExecutor(), prefs)
	if err := e.Upsert(context.Background(), types.AppProfile{PackageName: "com.a", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	before := prefs.raw(cache.KeyAppProfiles)

	if err := e.Delete("com.missing"); err != nil {
		t.Fatalf("Delete(missing) error = %v", err)
	}
	if prefs.raw(cache.KeyAppProfiles) != before || len(e.List()) != 1 {
		t.Error("deleting a missing package changed the collection")
	}

	if err := e.Delete("com.a"); err != nil {
		t.Fatal(err)
	}
	if len(e.List()) != 0 || prefs.raw(cache.KeyAppProfiles) != "[]" {
		t.Errorf("after delete: list=%+v persisted=%s", e.List(), prefs.raw(cache.KeyAppProfiles))
	}
}

func TestProfileSetEnabledTouchesOnlyFlag(t *testing.T) {
	e, _, _ := newTestProfiles(t, deviceExecutor(), newMemPrefs())
	ctx := context.Background()
	orig := types.AppProfile{PackageName: "com.a", DisplayName: "A", Governor: "performance", ThermalPreset: "Game", RefreshRate: 120, Enabled: true}
	if err := e.Upsert(ctx, orig); err != nil {
		t.Fatal(err)
	}
	if err := e.Upsert(ctx, types.AppProfile{PackageName: "com.b", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	if err := e.SetEnabled("com.a", false); err != nil {
		t.Fatal(err)
	}
	got, _ := e.Get("com.a")
	want := orig
	want.Enabled = false
	if got != want {
		t.Errorf("Get(com.a) = %+v, want %+v", got, want)
	}
	if b, _ := e.Get("com.b"); !b.Enabled {
		t.Error("other profiles must keep their flag")
	}
	if err := e.SetEnabled("com.missing", true); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("SetEnabled(missing) error = %v", err)
	}
}

func TestProfileLoadDropsDuplicates(t *testing.T) {
	prefs := newMemPrefs()
	_ = prefs.Save(cache.KeyAppProfiles, []types.AppProfile{
		{PackageName: "com.a", Governor: "performance"},
		{PackageName: "com.a", Governor: "powersave"},
		{PackageName: ""},
	})
	e, _, _ := newTestProfiles(t, deviceExecutor(), prefs)
	if err := e.Load(); err != nil {
		t.Fatal(err)
	}
	list := e.List()
	if len(list) != 1 || list[0].Governor != "performance" {
		t.Errorf("List() = %+v", list)
	}
}

func TestProfileSwitchRevertsToBaseline(t *testing.T) {
	exec := deviceExecutor()
	e, s, src := newTestProfiles(t, exec, newMemPrefs())
	ctx := context.Background()

	if err := e.Upsert(ctx, types.AppProfile{PackageName: "com.game", Governor: "performance", ThermalPreset: "Game", RefreshRate: 120, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	// The device reports the written values once the profile lands
	exec.respond("scaling_available_governors", strings.ReplaceAll(realClusterProbe, "governor=walt", "governor=performance"))
	exec.respond("thermal_message/sconfig", "node=/sys/class/thermal/thermal_message/sconfig\nvalue=10")

	src.set("com.game")
	e.poll(ctx)

	if e.Applied() != "com.game" {
		t.Fatalf("Applied() = %q, want com.game", e.Applied())
	}
	applied := strings.Join(exec.lastStream(), "\n")
	for _, want := range []string{
		"echo performance > /sys/devices/system/cpu/cpufreq/policy0/scaling_governor",
		"echo performance > /sys/devices/system/cpu/cpufreq/policy7/scaling_governor",
		"echo 10 > /sys/class/thermal/thermal_message/sconfig",
		"settings put system peak_refresh_rate 120.0",
	} {
		if !strings.Contains(applied, want) {
			t.Errorf("profile apply missing %q in:\n%s", want, applied)
		}
	}
	if s.Thermal.Get().CurrentIndex != 10 {
		t.Errorf("thermal index = %d, want 10 after refresh", s.Thermal.Get().CurrentIndex)
	}

	src.set("com.browser")
	e.poll(ctx)

	if e.Applied() != "" {
		t.Errorf("Applied() = %q, want baseline", e.Applied())
	}
	reverted := strings.Join(exec.lastStream(), "\n")
	for _, want := range []string{
		"echo walt > /sys/devices/system/cpu/cpufreq/policy0/scaling_governor",
		"echo walt > /sys/devices/system/cpu/cpufreq/policy3/scaling_governor",
		"echo 0 > /sys/class/thermal/thermal_message/sconfig",
		"settings delete system peak_refresh_rate",
	} {
		if !strings.Contains(reverted, want) {
			t.Errorf("revert missing %q in:\n%s", want, reverted)
		}
	}
}

func TestProfileSamePackageNotReapplied(t *testing.T) {
	exec := deviceExecutor()
	e, _, src := newTestProfiles(t, exec, newMemPrefs())
	ctx := context.Background()
	if err := e.Upsert(ctx, types.AppProfile{PackageName: "com.game", RefreshRate: 120, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	src.set("com.game")
	e.poll(ctx)
	e.poll(ctx)
	if n := exec.streamCount(); n != 1 {
		t.Errorf("streamCount = %d, want 1", n)
	}
}

func TestProfileDisabledProfileIgnored(t *testing.T) {
	exec := deviceExecutor()
	e, _, src := newTestProfiles(t, exec, newMemPrefs())
	ctx := context.Background()
	if err := e.Upsert(ctx, types.AppProfile{PackageName: "com.game", RefreshRate: 120}); err != nil {
		t.Fatal(err)
	}
	src.set("com.game")
	e.poll(ctx)
	if exec.streamCount() != 0 || e.Applied() != "" {
		t.Error("disabled profile must not apply")
	}
}

func TestProfileBusyRetriesNextTick(t *testing.T) {
	exec := deviceExecutor()
	e, s, src := newTestProfiles(t, exec, newMemPrefs())
	ctx := context.Background()
	if err := e.Upsert(ctx, types.AppProfile{PackageName: "com.game", RefreshRate: 120, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	if !s.pipeline.Locks().TryAcquire(KeyRefreshRate) {
		t.Fatal("could not hold refresh-rate lock")
	}
	src.set("com.game")
	e.poll(ctx)
	if e.Applied() != "" {
		t.Fatal("busy apply must not record the profile")
	}

	s.pipeline.Locks().Release(KeyRefreshRate)
	e.poll(ctx)
	if e.Applied() != "com.game" {
		t.Errorf("Applied() = %q, want retry to succeed", e.Applied())
	}
}

func TestProfileStartWithoutUsageAccess(t *testing.T) {
	exec := deviceExecutor()
	exec.respond("mCurrentFocus", "")
	prefs := newMemPrefs()
	e, _, _ := newTestProfiles(t, exec, prefs)

	var asked []Capability
	e.cfg.OnPermissionRequired = func(c Capability) { asked = append(asked, c) }

	err := e.Start(context.Background())
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("Start() error = %v, want ErrCapabilityDenied", err)
	}
	if e.State.Get() != ProfilesDisabled || e.Running() {
		t.Error("engine must stay disabled")
	}
	if len(asked) != 1 || asked[0] != CapUsageAccess {
		t.Errorf("permission requests = %v", asked)
	}
}

func TestProfileStartStop(t *testing.T) {
	exec := deviceExecutor()
	exec.respond("mCurrentFocus", realMCurrentFocus)
	prefs := newMemPrefs()
	e, _, _ := newTestProfiles(t, exec, prefs)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !e.Running() || e.State.Get() == ProfilesDisabled {
		t.Error("engine should be monitoring")
	}
	if prefs.raw(cache.KeyProfilesActive) != "true" {
		t.Errorf("active flag = %s", prefs.raw(cache.KeyProfilesActive))
	}

	e.Stop()
	e.Stop()
	if e.Running() || e.State.Get() != ProfilesDisabled {
		t.Error("engine should be disabled after Stop")
	}
	if prefs.raw(cache.KeyProfilesActive) != "false" {
		t.Errorf("active flag = %s", prefs.raw(cache.KeyProfilesActive))
	}
}

func TestProfileSwitchBetweenProfilesResetsUnsetFields(t *testing.T) {
	exec := deviceExecutor()
	e, _, src := newTestProfiles(t, exec, newMemPrefs())
	ctx := context.Background()

	if err := e.Upsert(ctx, types.AppProfile{PackageName: "com.game", Governor: "performance", ThermalPreset: "Game", RefreshRate: 120, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := e.Upsert(ctx, types.AppProfile{PackageName: "com.reader", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	exec.respond("scaling_available_governors", strings.ReplaceAll(realClusterProbe, "governor=walt", "governor=performance"))
	exec.respond("thermal_message/sconfig", "node=/sys/class/thermal/thermal_message/sconfig\nvalue=10")
	src.set("com.game")
	e.poll(ctx)

	src.set("com.reader")
	e.poll(ctx)

	if e.Applied() != "com.reader" {
		t.Fatalf("Applied() = %q, want com.reader", e.Applied())
	}
	got := strings.Join(exec.lastStream(), "\n")
	for _, want := range []string{
		"echo walt > /sys/devices/system/cpu/cpufreq/policy0/scaling_governor",
		"echo 0 > /sys/class/thermal/thermal_message/sconfig",
		"settings delete system peak_refresh_rate",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("second profile missing %q in:\n%s", want, got)
		}
	}
}

func TestProfileFailedApplyRevertsOnSwitch(t *testing.T) {
	exec := deviceExecutor()
	e, _, src := newTestProfiles(t, exec, newMemPrefs())
	ctx := context.Background()
	if err := e.Upsert(ctx, types.AppProfile{PackageName: "com.game", Governor: "performance", RefreshRate: 120, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	// The governor writes land, then a later command fails
	exec.respond("scaling_available_governors", strings.ReplaceAll(realClusterProbe, "governor=walt", "governor=performance"))
	exec.mu.Lock()
	exec.streamErr = &CommandError{Command: "settings put system peak_refresh_rate 120.0", ExitCode: 1}
	exec.mu.Unlock()

	src.set("com.game")
	e.poll(ctx)
	if e.Applied() != "com.game" {
		t.Fatalf("Applied() = %q, a partial apply must stay recorded", e.Applied())
	}

	exec.mu.Lock()
	exec.streamErr = nil
	exec.mu.Unlock()
	before := exec.streamCount()

	src.set("com.browser")
	e.poll(ctx)

	if exec.streamCount() != before+1 {
		t.Fatalf("streamCount = %d, want a restore after %d", exec.streamCount(), before)
	}
	got := strings.Join(exec.lastStream(), "\n")
	for _, want := range []string{
		"echo walt > /sys/devices/system/cpu/cpufreq/policy0/scaling_governor",
		"settings delete system peak_refresh_rate",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("restore missing %q in:\n%s", want, got)
		}
	}
	if e.Applied() != "" {
		t.Errorf("Applied() = %q, want baseline", e.Applied())
	}
}
