package tuner

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"KernelDeck/pkg/types"
)

const (
	zramDevice = "/dev/block/zram0"
	zramSysfs  = "/sys/block/zram0"
	swapFile   = "/data/swapfile"
	vmRoot     = "/proc/sys/vm"
	tcpRoot    = "/proc/sys/net/ipv4"
)

// safeToken matches identifiers that are safe to splice into a shell script
var safeToken = regexp.MustCompile(`^[A-Za-z0-9_.:\-]+$`)

func checkToken(what, v string) error {
	if !safeToken.MatchString(v) {
		return fmt.Errorf("%s %q: %w", what, v, ErrInvalidRange)
	}
	return nil
}

func policyPath(c types.ClusterState, node string) string {
	return fmt.Sprintf("%s/%s/%s", cpufreqRoot, c.Policy, node)
}

func writeCmd(value interface{}, path string) string {
	return fmt.Sprintf("echo %v > %s", value, path)
}

// governorCommands switches a cluster's governor
func governorCommands(c types.ClusterState, governor string) []string {
	return []string{writeCmd(governor, policyPath(c, "scaling_governor"))}
}

// frequencyCommands writes a snapped range. When raising min above the
// current max the max must be written first, otherwise the kernel rejects
// the min write.
func frequencyCommands(c types.ClusterState, minKHz, maxKHz int) []string {
	minCmd := writeCmd(minKHz, policyPath(c, "scaling_min_freq"))
	maxCmd := writeCmd(maxKHz, policyPath(c, "scaling_max_freq"))
	if minKHz > c.MaxFreqKHz {
		return []string{maxCmd, minCmd}
	}
	return []string{minCmd, maxCmd}
}

func coreOnlineCommands(index int, online bool) []string {
	v := 0
	if online {
		v = 1
	}
	return []string{writeCmd(v, fmt.Sprintf("/sys/devices/system/cpu/cpu%d/online", index))}
}

func thermalCommands(node string, index int) []string {
	return []string{writeCmd(index, node)}
}

// zramCommands resizes zram0. Size zero leaves it reset and unused.
func zramCommands(sizeMB int, algorithm string) []string {
	cmds := []string{
		fmt.Sprintf("swapoff %s 2>/dev/null || true", zramDevice),
		writeCmd(1, zramSysfs+"/reset"),
	}
	if algorithm != "" {
		cmds = append(cmds, writeCmd(algorithm, zramSysfs+"/comp_algorithm"))
	}
	if sizeMB > 0 {
		cmds = append(cmds,
			writeCmd(int64(sizeMB)*1024*1024, zramSysfs+"/disksize"),
			"mkswap "+zramDevice,
			"swapon "+zramDevice,
		)
	}
	return cmds
}

// swapCommands recreates the swap file. Size zero removes it.
func swapCommands(sizeMB int) []string {
	cmds := []string{
		fmt.Sprintf("swapoff %s 2>/dev/null || true", swapFile),
		"rm -f " + swapFile,
	}
	if sizeMB > 0 {
		cmds = append(cmds,
			fmt.Sprintf("dd if=/dev/zero of=%s bs=1048576 count=%d", swapFile, sizeMB),
			"chmod 600 "+swapFile,
			"mkswap "+swapFile,
			"swapon "+swapFile,
		)
	}
	return cmds
}

func vmCommands(cfg types.RAMConfig) []string {
	return []string{
		writeCmd(cfg.Swappiness, vmRoot+"/swappiness"),
		writeCmd(cfg.DirtyRatio, vmRoot+"/dirty_ratio"),
		writeCmd(cfg.MinFreeKB, vmRoot+"/min_free_kbytes"),
	}
}

// blockQueueLoop iterates the scheduler node of every real block device
const blockQueueLoop = `for q in /sys/block/*/queue/scheduler; do case $q in */loop*|*/ram*|*/zram*|*/dm-*) continue;; esac; `

func ioSchedulerCommands(scheduler string) []string {
	return []string{blockQueueLoop + fmt.Sprintf(`echo %s > $q 2>/dev/null && echo "${q%%/queue/scheduler} -> %s"; done; true`, scheduler, scheduler)}
}

func congestionCommands(algorithm string) []string {
	return []string{writeCmd(algorithm, tcpRoot+"/tcp_congestion_control")}
}

func brightnessCommands(method BrightnessMethod, value int) []string {
	if method.Sysfs != "" {
		return []string{writeCmd(value, method.Sysfs)}
	}
	return []string{fmt.Sprintf("settings put system screen_brightness %d", value)}
}

func refreshRateCommands(hz int) []string {
	if hz <= 0 {
		return []string{
			"settings delete system peak_refresh_rate",
			"settings delete system min_refresh_rate",
		}
	}
	return []string{
		fmt.Sprintf("settings put system peak_refresh_rate %d.0", hz),
		fmt.Sprintf("settings put system min_refresh_rate %d.0", hz),
	}
}

// ========================================
// Read scripts
// ========================================

const ramProbeScript = `echo "swappiness=$(cat ` + vmRoot + `/swappiness 2>/dev/null)"
echo "dirty_ratio=$(cat ` + vmRoot + `/dirty_ratio 2>/dev/null)"
echo "min_free_kbytes=$(cat ` + vmRoot + `/min_free_kbytes 2>/dev/null)"
echo "zram_disksize=$(cat ` + zramSysfs + `/disksize 2>/dev/null)"
echo "zram_algorithm=$(cat ` + zramSysfs + `/comp_algorithm 2>/dev/null)"
echo "swapfile=$(stat -c %s ` + swapFile + ` 2>/dev/null)"
echo "mem_total=$(grep MemTotal /proc/meminfo | tr -s ' ' | cut -d' ' -f2)"
echo "data_free=$(df -k /data 2>/dev/null | tail -1 | tr -s ' ' | cut -d' ' -f4)"`

const ioProbeScript = blockQueueLoop + `cat $q; break; done`

const congestionProbeScript = `echo "current=$(cat ` + tcpRoot + `/tcp_congestion_control 2>/dev/null)"
echo "available=$(cat ` + tcpRoot + `/tcp_available_congestion_control 2>/dev/null)"`

// parseKeyValues reads key=value lines into a map
func parseKeyValues(output string) map[string]string {
	m := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if ok {
			m[key] = strings.TrimSpace(value)
		}
	}
	return m
}

// parseRAMProbe returns the current tunables and device bounds
func parseRAMProbe(output string) (types.RAMConfig, types.RAMBounds) {
	kv := parseKeyValues(output)
	atoi := func(k string) int {
		v, _ := strconv.Atoi(kv[k])
		return v
	}
	disk, _ := strconv.ParseInt(kv["zram_disksize"], 10, 64)
	swapBytes, _ := strconv.ParseInt(kv["swapfile"], 10, 64)
	algos := parseBracketChoice(kv["zram_algorithm"])

	cfg := types.RAMConfig{
		Swappiness:    atoi("swappiness"),
		DirtyRatio:    atoi("dirty_ratio"),
		MinFreeKB:     atoi("min_free_kbytes"),
		ZramSizeMB:    int(disk / (1024 * 1024)),
		ZramAlgorithm: algos.Current,
		SwapSizeMB:    int(swapBytes / (1024 * 1024)),
	}

	memMB := atoi("mem_total") / 1024
	bounds := types.RAMBounds{
		MaxZramMB:      minInt(maxZramMB, memMB),
		MaxSwapMB:      maxSwapMB,
		ZramAlgorithms: algos.Available,
		MemTotalMB:     memMB,
	}
	if memMB == 0 {
		bounds.MaxZramMB = maxZramMB
	}
	// Leave headroom on /data for the swap file
	if free := atoi("data_free") / 1024; free > 0 && free/2 < bounds.MaxSwapMB {
		bounds.MaxSwapMB = free / 2
	}
	return cfg, bounds
}

// parseBracketChoice reads the "a [b] c" format sysfs uses for selectable
// options
func parseBracketChoice(s string) types.Choice {
	var c types.Choice
	for _, f := range strings.Fields(s) {
		if strings.HasPrefix(f, "[") && strings.HasSuffix(f, "]") {
			f = strings.Trim(f, "[]")
			c.Current = f
		}
		c.Available = append(c.Available, f)
	}
	// Some kernels print a single unbracketed algorithm
	if c.Current == "" && len(c.Available) == 1 {
		c.Current = c.Available[0]
	}
	return c
}

func parseCongestionProbe(output string) types.Choice {
	kv := parseKeyValues(output)
	c := types.Choice{Current: kv["current"], Available: strings.Fields(kv["available"])}
	if c.Current != "" && !containsString(c.Available, c.Current) {
		c.Available = append(c.Available, c.Current)
	}
	return c
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
