package tuner

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func countExecuted(f *fakeExecutor, match string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.executed {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

func TestBrightnessProbeMemoizedUntilRerun(t *testing.T) {
	exec := newFakeExecutor().respond("/sys/class/backlight", "path=/sys/class/backlight/panel0-backlight/brightness\nmax=4095\n")
	p := NewProbes(exec, ProbeConfig{Logger: zerolog.Nop()})
	ctx := context.Background()

	m := p.Brightness(ctx)
	if m.Sysfs != "/sys/class/backlight/panel0-backlight/brightness" || m.Max != 4095 {
		t.Fatalf("method = %+v", m)
	}
	p.Brightness(ctx)
	if n := countExecuted(exec, "/sys/class/backlight"); n != 1 {
		t.Errorf("probe ran %d times, want 1", n)
	}

	p.Rerun(CapBrightness)
	p.Brightness(ctx)
	if n := countExecuted(exec, "/sys/class/backlight"); n != 2 {
		t.Errorf("probe ran %d times after Rerun, want 2", n)
	}
}

func TestBrightnessFallsBackToSettings(t *testing.T) {
	exec := newFakeExecutor().respond("/sys/class/backlight", "")
	p := NewProbes(exec, ProbeConfig{Logger: zerolog.Nop()})

	if m := p.Brightness(context.Background()); m.Sysfs != "" || m.Max != 255 {
		t.Errorf("method = %+v, want settings provider with max 255", m)
	}
}

func TestRefreshRatesFilteredToCandidates(t *testing.T) {
	const display = `supportedModes [{id=1, width=1080, height=2400, fps=60.000004}, {id=2, width=1080, height=2400, fps=120.00001}, {id=3, width=1080, height=2400, fps=144.0}]`
	exec := newFakeExecutor().respond("dumpsys display", display)
	p := NewProbes(exec, ProbeConfig{Logger: zerolog.Nop()})

	if got := p.RefreshRates(context.Background()); !reflect.DeepEqual(got, []int{60, 120}) {
		t.Errorf("rates = %v, want [60 120]", got)
	}
	if got := p.MaxRefreshRate(context.Background()); got != 120 {
		t.Errorf("max = %d", got)
	}
}

func TestRefreshRatesReadFailureKeeps60(t *testing.T) {
	p := NewProbes(newFakeExecutor(), ProbeConfig{Logger: zerolog.Nop()})
	if got := p.RefreshRates(context.Background()); !reflect.DeepEqual(got, []int{60}) {
		t.Errorf("rates = %v, want [60]", got)
	}
}

func TestDoNotDisturbChecksCompanionGrant(t *testing.T) {
	exec := newFakeExecutor().respond("enabled_notification_policy_access_packages", "com.android.settings:io.kerneldeck.companion\n")
	p := NewProbes(exec, ProbeConfig{Package: "io.kerneldeck.companion", Logger: zerolog.Nop()})
	if !p.DoNotDisturb(context.Background()) {
		t.Error("DND should be granted")
	}

	denied := NewProbes(exec, ProbeConfig{Package: "io.other.app", Logger: zerolog.Nop()})
	if denied.DoNotDisturb(context.Background()) {
		t.Error("DND should be denied for a package missing from the list")
	}
}

func TestUsageAccessAppops(t *testing.T) {
	exec := newFakeExecutor().respond("GET_USAGE_STATS", "GET_USAGE_STATS: allow; time=+2d\n")
	p := NewProbes(exec, ProbeConfig{Package: "io.kerneldeck.companion", Logger: zerolog.Nop()})
	if !p.UsageAccess(context.Background()) {
		t.Error("usage access should be granted")
	}
}

func TestSnapshotOnlyReportsRunProbes(t *testing.T) {
	exec := newFakeExecutor().respond("GET_USAGE_STATS", "GET_USAGE_STATS: ignore\n")
	p := NewProbes(exec, ProbeConfig{Package: "io.kerneldeck.companion", Logger: zerolog.Nop()})

	if len(p.Snapshot()) != 0 {
		t.Fatalf("snapshot before probing = %v", p.Snapshot())
	}
	p.UsageAccess(context.Background())
	snap := p.Snapshot()
	if len(snap) != 1 || snap[CapUsageAccess] != false {
		t.Errorf("snapshot = %v", snap)
	}
}
