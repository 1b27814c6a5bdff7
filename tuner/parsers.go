package tuner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ========================================
// Foreground application
// ========================================

// foregroundCommand prints the focused window and the resumed activity.
// The trailing true keeps grep's no-match exit status from failing the read.
const foregroundCommand = `dumpsys window displays | grep mCurrentFocus; dumpsys activity activities | grep -E 'mResumedActivity|topResumedActivity'; true`

var (
	focusWithActivity = regexp.MustCompile(`mCurrentFocus=Window\{[^}]*\s+(\S+)/\S+\}`)
	focusBare         = regexp.MustCompile(`mCurrentFocus=Window\{[^}]*\s+(\S+)\}`)
	resumedActivity   = regexp.MustCompile(`(?:mResumedActivity|topResumedActivity)[:=]\s*ActivityRecord\{\S+\s+\S+\s+([^/\s]+)/`)
)

// parseForegroundPackage extracts the package of the focused window.
//
//	"  mCurrentFocus=Window{ab3a179 u0 app.footos/app.footos.MainActivity}" -> "app.footos"
//
// Falls back to the resumed activity record when the focus is a system
// window such as the status bar.
func parseForegroundPackage(output string) string {
	if m := focusWithActivity.FindStringSubmatch(output); len(m) >= 2 {
		return m[1]
	}
	if m := focusBare.FindStringSubmatch(output); len(m) >= 2 && strings.Contains(m[1], ".") {
		return m[1]
	}
	if m := resumedActivity.FindStringSubmatch(output); len(m) >= 2 {
		return m[1]
	}
	return ""
}

// ========================================
// CPU
// ========================================

// cpuTimes are the aggregate jiffies from the first /proc/stat line
type cpuTimes struct {
	total uint64
	idle  uint64
}

// parseProcStat reads the "cpu " summary line of /proc/stat. Idle includes
// iowait.
func parseProcStat(output string) (cpuTimes, bool) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var t cpuTimes
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuTimes{}, false
			}
			t.total += v
			// user nice system idle iowait ...
			if i == 3 || i == 4 {
				t.idle += v
			}
		}
		return t, true
	}
	return cpuTimes{}, false
}

// cpuLoad is the busy share between two /proc/stat readings, in percent
func cpuLoad(prev, cur cpuTimes) (float64, bool) {
	if cur.total <= prev.total || cur.idle < prev.idle {
		return 0, false
	}
	dTotal := float64(cur.total - prev.total)
	dIdle := float64(cur.idle - prev.idle)
	load := (dTotal - dIdle) / dTotal * 100
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	return load, true
}

// maxFreqMHz returns the highest scaling_cur_freq (kHz) as MHz
func maxFreqMHz(kHzFields string) int {
	max := 0
	for _, v := range parseIntFields(kHzFields) {
		if v > max {
			max = v
		}
	}
	return max / 1000
}

// ========================================
// GPU
// ========================================

const gpuProbeScript = `for f in /sys/class/kgsl/kgsl-3d0/gpuclk /sys/class/kgsl/kgsl-3d0/devfreq/cur_freq /sys/class/misc/mali0/device/cur_freq /sys/kernel/gpu/gpu_clock /sys/class/devfreq/gpufreq/cur_freq; do
  [ -f $f ] && { echo "freq=$(cat $f)"; break; }
done
for f in /sys/class/kgsl/kgsl-3d0/gpu_busy_percentage /sys/class/misc/mali0/device/utilization /sys/kernel/gpu/gpu_busy; do
  [ -f $f ] && { echo "load=$(cat $f)"; break; }
done
[ -f /sys/class/kgsl/kgsl-3d0/gpubusy ] && echo "busy=$(cat /sys/class/kgsl/kgsl-3d0/gpubusy)"
true`

// normalizeGPUFreqMHz converts a Hz, kHz or MHz reading to MHz
func normalizeGPUFreqMHz(raw int64) int {
	switch {
	case raw >= 10_000_000: // Hz
		return int(raw / 1_000_000)
	case raw >= 10_000: // kHz
		return int(raw / 1_000)
	default:
		return int(raw)
	}
}

// parseGPU reads gpuProbeScript output. ok is false for a field the device
// does not expose.
func parseGPU(output string) (freqMHz int, freqOK bool, load float64, loadOK bool) {
	kv := parseKeyValues(output)

	if v, err := strconv.ParseInt(firstField(kv["freq"]), 10, 64); err == nil && v > 0 {
		freqMHz, freqOK = normalizeGPUFreqMHz(v), true
	}

	if s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(kv["load"]), "%")); s != "" {
		if v, err := strconv.ParseFloat(firstField(s), 64); err == nil {
			load, loadOK = v, true
		}
	}
	if !loadOK {
		// kgsl gpubusy: "<busy> <total>"
		f := strings.Fields(kv["busy"])
		if len(f) == 2 {
			busy, err1 := strconv.ParseFloat(f[0], 64)
			total, err2 := strconv.ParseFloat(f[1], 64)
			if err1 == nil && err2 == nil && total > 0 {
				load, loadOK = busy/total*100, true
			}
		}
	}
	if loadOK {
		if load < 0 {
			load = 0
		}
		if load > 100 {
			load = 100
		}
	}
	return
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}

// ========================================
// Temperature
// ========================================

const thermalZonesScript = `for z in /sys/class/thermal/thermal_zone*; do echo "$(cat $z/type 2>/dev/null)=$(cat $z/temp 2>/dev/null)"; done`

var cpuZonePattern = regexp.MustCompile(`(?i)^(cpu|tsens|soc|mtktscpu|cpuss|apc|big|little|mid)`)

// parseThermalZones returns the hottest CPU-like zone in degrees C. Zones
// report millidegrees on most kernels and plain degrees on a few.
func parseThermalZones(output string) (float64, bool) {
	best, found := 0.0, false
	for zone, raw := range parseKeyValues(output) {
		if !cpuZonePattern.MatchString(zone) {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		if v > 1000 || v < -1000 {
			v /= 1000
		}
		if v <= 0 || v > 150 {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found
}

// ========================================
// Battery
// ========================================

// parseBattery reads level and temperature from dumpsys battery
func parseBattery(output string) (level int, tempC float64, ok bool) {
	levelSeen := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "level:") {
			if _, err := fmt.Sscanf(line, "level: %d", &level); err == nil {
				levelSeen = true
			}
		} else if strings.HasPrefix(line, "temperature:") {
			var temp int
			if _, err := fmt.Sscanf(line, "temperature: %d", &temp); err == nil {
				tempC = float64(temp) / 10.0
			}
		}
	}
	return level, tempC, levelSeen
}

// ========================================
// FPS
// ========================================

// parseGfxInfoFrameCounts reads frame counters from dumpsys gfxinfo.
//
//	Total frames rendered: 12345
//	Janky frames: 678 (5.49%)
func parseGfxInfoFrameCounts(output string) (int, int) {
	var totalFrames, jankyFrames int
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Total frames rendered:") {
			fmt.Sscanf(line, "Total frames rendered: %d", &totalFrames)
		} else if strings.HasPrefix(line, "Janky frames:") {
			fmt.Sscanf(line, "Janky frames: %d", &jankyFrames)
		}
	}
	return totalFrames, jankyFrames
}
