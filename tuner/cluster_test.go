package tuner

import (
	"errors"
	"testing"
)

var littleFreqs = []int{300000, 576000, 768000, 1017600, 1248000, 1324800, 1497600, 1612800, 1708800, 1804800}

func TestSnapFrequency(t *testing.T) {
	tests := []struct {
		name      string
		want      int
		supported []int
		expected  int
	}{
		{"exact", 1248000, littleFreqs, 1248000},
		{"nearest above", 1300000, littleFreqs, 1324800},
		{"nearest below", 1260000, littleFreqs, 1248000},
		{"below range", 100, littleFreqs, 300000},
		{"above range", 9000000, littleFreqs, 1804800},
		{"tie picks lower", 1500, []int{1000, 2000}, 1000},
		{"empty set", 1234, nil, 1234},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SnapFrequency(tt.want, tt.supported); got != tt.expected {
				t.Errorf("SnapFrequency(%d) = %d, want %d", tt.want, got, tt.expected)
			}
		})
	}
}

// Every snapped value is a member of the set and no other member is closer
func TestSnapFrequencyMembershipAndMinimality(t *testing.T) {
	for want := 0; want <= 2000000; want += 7919 {
		got := SnapFrequency(want, littleFreqs)

		member := false
		for _, f := range littleFreqs {
			if f == got {
				member = true
			}
			if absInt(want-f) < absInt(want-got) {
				t.Fatalf("SnapFrequency(%d) = %d, but %d is closer", want, got, f)
			}
		}
		if !member {
			t.Fatalf("SnapFrequency(%d) = %d is not a supported frequency", want, got)
		}
	}
}

func TestNormalizeRange(t *testing.T) {
	min, max, err := NormalizeRange(1700000, 600000, littleFreqs)
	if err != nil {
		t.Fatalf("NormalizeRange: %v", err)
	}
	if max != 576000 || min != max {
		t.Errorf("inverted range = %d-%d, want min coerced to max 576000", min, max)
	}

	min, max, err = NormalizeRange(700000, 1500000, littleFreqs)
	if err != nil || min != 768000 || max != 1497600 {
		t.Errorf("range = %d-%d err=%v", min, max, err)
	}

	// No frequency table: raw values pass through when positive
	if min, max, err = NormalizeRange(500, 900, nil); err != nil || min != 500 || max != 900 {
		t.Errorf("raw range = %d-%d err=%v", min, max, err)
	}
	if _, _, err = NormalizeRange(0, 900, nil); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("err = %v, want ErrInvalidRange", err)
	}
}

func TestFrequencyAtPercent(t *testing.T) {
	if got := FrequencyAtPercent(littleFreqs, 100); got != 1804800 {
		t.Errorf("100%% = %d", got)
	}
	if got := FrequencyAtPercent(littleFreqs, 70); got != 1248000 {
		t.Errorf("70%% = %d, want 1248000", got)
	}
	if got := FrequencyAtPercent(nil, 50); got != 0 {
		t.Errorf("empty = %d", got)
	}
}

func TestParseClusterProbeOrdersAndNames(t *testing.T) {
	const out = `policy=policy4
governor=schedutil
min=710400
max=2419200
cpus=4 5 6
governors=schedutil performance powersave
freqs=710400 1555200 2419200
policy=policy0
governor=walt
min=300000
max=1804800
cpus=0 1 2 3
governors=walt schedutil
freqs=
stats=300000 1017600 1804800
online.cpu0=1
online.cpu5=0
`
	clusters := parseClusterProbe(out)
	if len(clusters) != 2 {
		t.Fatalf("clusters = %d, want 2", len(clusters))
	}
	little, big := clusters[0], clusters[1]
	if little.Key != "little" || little.Policy != "policy0" {
		t.Errorf("little = %+v", little)
	}
	if big.Key != "big" || big.Policy != "policy4" {
		t.Errorf("big = %+v", big)
	}
	// falls back to time_in_state frequencies
	if len(little.AvailableFrequencies) != 3 || little.AvailableFrequencies[2] != 1804800 {
		t.Errorf("little freqs = %v", little.AvailableFrequencies)
	}
	for _, c := range big.Cores {
		if want := c.Index != 5; c.Online != want {
			t.Errorf("cpu%d online = %v, want %v", c.Index, c.Online, want)
		}
	}
}
