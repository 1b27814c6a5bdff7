package tuner

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Capability names one memoized device probe
type Capability string

const (
	CapBrightness   Capability = "brightness"
	CapRefreshRate  Capability = "refresh_rate"
	CapDoNotDisturb Capability = "do_not_disturb"
	CapUsageAccess  Capability = "usage_access"
)

// Capabilities lists every probe in display order
var Capabilities = []Capability{CapBrightness, CapRefreshRate, CapDoNotDisturb, CapUsageAccess}

// candidateRefreshRates bounds what the UI offers regardless of device modes
var candidateRefreshRates = []int{60, 90, 120}

// BrightnessMethod is how screen brightness is written. An empty Sysfs
// means the settings provider is used.
type BrightnessMethod struct {
	Sysfs string `json:"sysfs,omitempty"`
	Max   int    `json:"max"`
}

// ProbeConfig configures Probes
type ProbeConfig struct {
	// Package is the companion app whose grants are checked with appops.
	// Empty means the root shell itself is the client.
	Package string
	Logger  zerolog.Logger
}

type memo[T any] struct {
	done  bool
	value T
}

// Probes answers "can this device do X" once and caches the answer
type Probes struct {
	exec Executor
	cfg  ProbeConfig

	mu         sync.Mutex
	brightness memo[BrightnessMethod]
	refresh    memo[[]int]
	dnd        memo[bool]
	usage      memo[bool]
}

// NewProbes creates the probe set
func NewProbes(exec Executor, cfg ProbeConfig) *Probes {
	return &Probes{exec: exec, cfg: cfg}
}

// Rerun forgets one cached probe so the next query runs it again
func (p *Probes) Rerun(c Capability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch c {
	case CapBrightness:
		p.brightness = memo[BrightnessMethod]{}
	case CapRefreshRate:
		p.refresh = memo[[]int]{}
	case CapDoNotDisturb:
		p.dnd = memo[bool]{}
	case CapUsageAccess:
		p.usage = memo[bool]{}
	}
}

const brightnessProbeScript = `for d in /sys/class/backlight/*; do
  [ -f "$d/brightness" ] || continue
  echo "path=$d/brightness"
  echo "max=$(cat $d/max_brightness 2>/dev/null)"
  break
done`

// Brightness returns the brightness control path, preferring the sysfs
// backlight and falling back to the settings provider.
func (p *Probes) Brightness(ctx context.Context) BrightnessMethod {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.brightness.done {
		return p.brightness.value
	}

	method := BrightnessMethod{Max: 255}
	out, err := p.exec.Execute(ctx, brightnessProbeScript)
	if err == nil {
		kv := parseKeyValues(out.Stdout)
		if path := kv["path"]; path != "" {
			method.Sysfs = path
			if m, _ := strconv.Atoi(kv["max"]); m > 0 {
				method.Max = m
			}
		}
	}
	if ctx.Err() != nil {
		return method
	}
	p.brightness = memo[BrightnessMethod]{done: true, value: method}
	p.cfg.Logger.Debug().Str("sysfs", method.Sysfs).Int("max", method.Max).Msg("Brightness method probed")
	return method
}

var fpsPattern = regexp.MustCompile(`fps=(\d+(?:\.\d+)?)`)

// RefreshRates returns the supported subset of 60/90/120 Hz, ascending.
// 60 Hz is always present.
func (p *Probes) RefreshRates(ctx context.Context) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refresh.done {
		return p.refresh.value
	}

	rates := []int{60}
	out, err := p.exec.Execute(ctx, "dumpsys display")
	if err == nil {
		rates = parseRefreshRates(out.Stdout)
	}
	if ctx.Err() != nil {
		return rates
	}
	p.refresh = memo[[]int]{done: true, value: rates}
	return rates
}

// MaxRefreshRate is the highest supported rate
func (p *Probes) MaxRefreshRate(ctx context.Context) int {
	rates := p.RefreshRates(ctx)
	return rates[len(rates)-1]
}

// parseRefreshRates extracts display mode rates from dumpsys display and
// keeps the ones in candidateRefreshRates.
func parseRefreshRates(output string) []int {
	seen := make(map[int]bool)
	for _, m := range fpsPattern.FindAllStringSubmatch(output, -1) {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		seen[int(math.Round(f))] = true
	}
	rates := []int{60}
	for _, r := range candidateRefreshRates {
		if r != 60 && seen[r] {
			rates = append(rates, r)
		}
	}
	sort.Ints(rates)
	return rates
}

// DoNotDisturb reports whether DND policy can be changed
func (p *Probes) DoNotDisturb(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dnd.done {
		return p.dnd.value
	}

	var granted bool
	if p.cfg.Package != "" {
		out, err := p.exec.Execute(ctx, "settings get secure enabled_notification_policy_access_packages")
		granted = err == nil && containsString(strings.Split(strings.TrimSpace(out.Stdout), ":"), p.cfg.Package)
	} else {
		out, err := p.exec.Execute(ctx, "settings get global zen_mode")
		_, convErr := strconv.Atoi(strings.TrimSpace(out.Stdout))
		granted = err == nil && convErr == nil
	}
	if ctx.Err() != nil {
		return false
	}
	p.dnd = memo[bool]{done: true, value: granted}
	return granted
}

// UsageAccess reports whether the foreground application can be observed
func (p *Probes) UsageAccess(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.usage.done {
		return p.usage.value
	}

	var granted bool
	if p.cfg.Package != "" {
		out, err := p.exec.Execute(ctx, "appops get "+p.cfg.Package+" GET_USAGE_STATS")
		granted = err == nil && strings.Contains(out.Stdout, "allow")
	} else {
		out, err := p.exec.Execute(ctx, foregroundCommand)
		granted = err == nil && parseForegroundPackage(out.Stdout) != ""
	}
	if ctx.Err() != nil {
		return false
	}
	p.usage = memo[bool]{done: true, value: granted}
	return granted
}

// Snapshot reports the cached answers without running anything
func (p *Probes) Snapshot() map[Capability]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Capability]interface{})
	if p.brightness.done {
		out[CapBrightness] = p.brightness.value
	}
	if p.refresh.done {
		out[CapRefreshRate] = p.refresh.value
	}
	if p.dnd.done {
		out[CapDoNotDisturb] = p.dnd.value
	}
	if p.usage.done {
		out[CapUsageAccess] = p.usage.value
	}
	return out
}
