package tuner

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"KernelDeck/pkg/types"
)

// SnapFrequency returns the supported frequency closest to want. On an exact
// tie the lower frequency wins. supported must be ascending; an empty set
// returns want unchanged.
func SnapFrequency(want int, supported []int) int {
	if len(supported) == 0 {
		return want
	}
	best := supported[0]
	bestDiff := absInt(want - best)
	for _, f := range supported[1:] {
		// Strictly smaller keeps the lower value on ties
		if d := absInt(want - f); d < bestDiff {
			best, bestDiff = f, d
		}
	}
	return best
}

// NormalizeRange snaps min and max onto supported and coerces min <= max
func NormalizeRange(minKHz, maxKHz int, supported []int) (int, int, error) {
	if len(supported) == 0 {
		if minKHz <= 0 || maxKHz <= 0 {
			return 0, 0, fmt.Errorf("frequency %d-%d kHz: %w", minKHz, maxKHz, ErrInvalidRange)
		}
	} else {
		minKHz = SnapFrequency(minKHz, supported)
		maxKHz = SnapFrequency(maxKHz, supported)
	}
	if minKHz > maxKHz {
		minKHz = maxKHz
	}
	return minKHz, maxKHz, nil
}

// FrequencyAtPercent picks the supported frequency nearest to pct percent
// of the highest one.
func FrequencyAtPercent(supported []int, pct int) int {
	if len(supported) == 0 {
		return 0
	}
	if pct >= 100 || pct <= 0 {
		return supported[len(supported)-1]
	}
	return SnapFrequency(supported[len(supported)-1]*pct/100, supported)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

const cpufreqRoot = "/sys/devices/system/cpu/cpufreq"

// clusterProbeScript dumps every cpufreq policy and core hotplug state as
// key=value lines.
const clusterProbeScript = `for p in ` + cpufreqRoot + `/policy*; do
  [ -d "$p" ] || continue
  echo "policy=${p##*/}"
  echo "governor=$(cat $p/scaling_governor 2>/dev/null)"
  echo "min=$(cat $p/scaling_min_freq 2>/dev/null)"
  echo "max=$(cat $p/scaling_max_freq 2>/dev/null)"
  echo "cpuinfo_min=$(cat $p/cpuinfo_min_freq 2>/dev/null)"
  echo "cpuinfo_max=$(cat $p/cpuinfo_max_freq 2>/dev/null)"
  echo "cpus=$(cat $p/related_cpus 2>/dev/null)"
  echo "governors=$(cat $p/scaling_available_governors 2>/dev/null)"
  echo "freqs=$(cat $p/scaling_available_frequencies 2>/dev/null)"
  echo "stats=$(cut -d' ' -f1 $p/stats/time_in_state 2>/dev/null | tr '\n' ' ')"
done
for c in /sys/devices/system/cpu/cpu[0-9]*; do
  if [ -f $c/online ]; then echo "online.${c##*/}=$(cat $c/online)"; else echo "online.${c##*/}=1"; fi
done`

type rawPolicy struct {
	policy     string
	governor   string
	min, max   int
	infoMin    int
	infoMax    int
	cpus       []int
	governors  []string
	freqs      []int
	statsFreqs []int
}

// parseClusterProbe turns clusterProbeScript output into ordered clusters
func parseClusterProbe(output string) []types.ClusterState {
	var policies []*rawPolicy
	online := make(map[int]bool)
	var cur *rawPolicy

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		if strings.HasPrefix(key, "online.cpu") {
			idx, err := strconv.Atoi(strings.TrimPrefix(key, "online.cpu"))
			if err == nil {
				online[idx] = value != "0"
			}
			continue
		}

		if key == "policy" {
			cur = &rawPolicy{policy: value}
			policies = append(policies, cur)
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "governor":
			cur.governor = value
		case "min":
			cur.min, _ = strconv.Atoi(value)
		case "max":
			cur.max, _ = strconv.Atoi(value)
		case "cpuinfo_min":
			cur.infoMin, _ = strconv.Atoi(value)
		case "cpuinfo_max":
			cur.infoMax, _ = strconv.Atoi(value)
		case "cpus":
			cur.cpus = parseIntFields(value)
		case "governors":
			cur.governors = strings.Fields(value)
		case "freqs":
			cur.freqs = parseIntFields(value)
		case "stats":
			cur.statsFreqs = parseIntFields(value)
		}
	}

	sort.SliceStable(policies, func(i, j int) bool {
		return firstCPU(policies[i]) < firstCPU(policies[j])
	})

	names := clusterNames(len(policies))
	clusters := make([]types.ClusterState, 0, len(policies))
	for i, p := range policies {
		freqs := p.freqs
		if len(freqs) == 0 {
			freqs = p.statsFreqs
		}
		if len(freqs) == 0 {
			for _, f := range []int{p.infoMin, p.infoMax} {
				if f > 0 {
					freqs = append(freqs, f)
				}
			}
		}
		freqs = uniqueSorted(freqs)

		name := p.policy
		if names != nil {
			name = names[i]
		}

		cores := make([]types.CoreState, 0, len(p.cpus))
		for _, c := range p.cpus {
			on, known := online[c]
			cores = append(cores, types.CoreState{Index: c, Online: on || !known})
		}

		clusters = append(clusters, types.ClusterState{
			Key:                  name,
			Policy:               p.policy,
			Governor:             p.governor,
			MinFreqKHz:           p.min,
			MaxFreqKHz:           p.max,
			Cores:                cores,
			AvailableGovernors:   p.governors,
			AvailableFrequencies: freqs,
		})
	}
	return clusters
}

// clusterNames labels clusters by performance tier. nil means use the
// policy directory names.
func clusterNames(n int) []string {
	switch n {
	case 1:
		return []string{"cpu"}
	case 2:
		return []string{"little", "big"}
	case 3:
		return []string{"little", "big", "prime"}
	default:
		return nil
	}
}

func firstCPU(p *rawPolicy) int {
	if len(p.cpus) > 0 {
		return p.cpus[0]
	}
	n, err := strconv.Atoi(strings.TrimPrefix(p.policy, "policy"))
	if err != nil {
		return 1 << 30
	}
	return n
}

func parseIntFields(s string) []int {
	fields := strings.Fields(s)
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		if v, err := strconv.Atoi(f); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func uniqueSorted(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := append([]int(nil), in...)
	sort.Ints(out)
	j := 0
	for i := 1; i < len(out); i++ {
		if out[i] != out[j] {
			j++
			out[j] = out[i]
		}
	}
	return out[:j+1]
}
