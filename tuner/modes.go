package tuner

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"KernelDeck/pkg/cache"
	"KernelDeck/pkg/types"

	"gopkg.in/yaml.v3"
)

//go:embed modes.yaml
var defaultModesYAML []byte

// ModePreset is one named governor/clock bundle
type ModePreset struct {
	Label          string              `yaml:"label"`
	Governors      map[string][]string `yaml:"governors"`
	MaxFreqPercent map[string]int      `yaml:"max_freq_percent"`
	Thermal        string              `yaml:"thermal,omitempty"`
}

// ThermalCatalog lists the profiles a vendor thermal node accepts
type ThermalCatalog struct {
	Node     string                 `yaml:"node"`
	Profiles []types.ThermalProfile `yaml:"profiles"`
}

// Presets is the parsed modes file
type Presets struct {
	Modes   map[types.PerformanceMode]ModePreset `yaml:"modes"`
	Thermal []ThermalCatalog                     `yaml:"thermal"`
}

// DefaultPresets parses the built-in modes file
func DefaultPresets() (*Presets, error) {
	var p Presets
	if err := yaml.Unmarshal(defaultModesYAML, &p); err != nil {
		return nil, fmt.Errorf("failed to parse built-in modes: %w", err)
	}
	return &p, p.Validate()
}

// LoadPresets reads a user modes file on top of the built-in one. Modes and
// thermal catalogs in the file replace the built-in entries of the same
// name or node. An empty path returns the defaults.
func LoadPresets(path string) (*Presets, error) {
	base, err := DefaultPresets()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read modes file: %w", err)
	}
	var user Presets
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to parse modes file: %w", err)
	}

	for name, m := range user.Modes {
		base.Modes[name] = m
	}
	for _, uc := range user.Thermal {
		replaced := false
		for i := range base.Thermal {
			if base.Thermal[i].Node == uc.Node {
				base.Thermal[i] = uc
				replaced = true
			}
		}
		if !replaced {
			// User catalogs are tried first
			base.Thermal = append([]ThermalCatalog{uc}, base.Thermal...)
		}
	}
	return base, base.Validate()
}

// Validate checks the presets are usable
func (p *Presets) Validate() error {
	for _, name := range []types.PerformanceMode{types.ModeBattery, types.ModeBalance, types.ModePerformance} {
		if _, ok := p.Modes[name]; !ok {
			return fmt.Errorf("mode %q is required", name)
		}
	}
	for name, m := range p.Modes {
		if len(m.Governors) == 0 {
			return fmt.Errorf("mode %q: governors is required", name)
		}
		for cluster, list := range m.Governors {
			for _, g := range list {
				if !safeToken.MatchString(g) {
					return fmt.Errorf("mode %q: cluster %q: invalid governor %q", name, cluster, g)
				}
			}
		}
		for cluster, pct := range m.MaxFreqPercent {
			if pct < 1 || pct > 100 {
				return fmt.Errorf("mode %q: cluster %q: max_freq_percent %d out of range 1-100", name, cluster, pct)
			}
		}
		if m.Thermal != "" && p.thermalIndex(m.Thermal) == nil {
			return fmt.Errorf("mode %q: unknown thermal profile %q", name, m.Thermal)
		}
	}
	for _, c := range p.Thermal {
		if c.Node == "" {
			return fmt.Errorf("thermal catalog: node is required")
		}
		if len(c.Profiles) == 0 {
			return fmt.Errorf("thermal catalog %s: profiles is required", c.Node)
		}
	}
	return nil
}

// ModeNames lists the configured modes in sorted order
func (p *Presets) ModeNames() []types.PerformanceMode {
	names := make([]types.PerformanceMode, 0, len(p.Modes))
	for n := range p.Modes {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// thermalIndex finds a profile by name in any catalog
func (p *Presets) thermalIndex(name string) *types.ThermalProfile {
	for _, c := range p.Thermal {
		for i := range c.Profiles {
			if c.Profiles[i].Name == name {
				return &c.Profiles[i]
			}
		}
	}
	return nil
}

// governorFor picks the first candidate the cluster supports
func (m ModePreset) governorFor(c types.ClusterState) (string, bool) {
	candidates, ok := m.Governors[c.Key]
	if !ok {
		candidates = m.Governors["*"]
	}
	for _, g := range candidates {
		if containsString(c.AvailableGovernors, g) {
			return g, true
		}
	}
	return "", false
}

func (m ModePreset) maxPercentFor(c types.ClusterState) int {
	if pct, ok := m.MaxFreqPercent[c.Key]; ok {
		return pct
	}
	if pct, ok := m.MaxFreqPercent["*"]; ok {
		return pct
	}
	return 100
}

// modeCommands builds the writes for every cluster. Clusters that support
// none of the candidate governors keep their governor but still get the
// frequency cap.
func modeCommands(m ModePreset, clusters []types.ClusterState) []string {
	var cmds []string
	for _, c := range clusters {
		if g, ok := m.governorFor(c); ok && g != c.Governor {
			cmds = append(cmds, governorCommands(c, g)...)
		}
		if len(c.AvailableFrequencies) > 0 {
			maxKHz := FrequencyAtPercent(c.AvailableFrequencies, m.maxPercentFor(c))
			minKHz := c.MinFreqKHz
			if minKHz > maxKHz {
				minKHz = maxKHz
			}
			cmds = append(cmds, frequencyCommands(c, minKHz, maxKHz)...)
		}
	}
	return cmds
}

// SetMode applies a performance mode to every cluster as one composite
// apply and persists the selection.
func (s *Store) SetMode(ctx context.Context, mode types.PerformanceMode) *ApplyHandle {
	req, err := s.modeRequest(mode)
	if err != nil {
		return s.pipeline.Immediate(KeyMode, req.Label, err)
	}
	return s.pipeline.Apply(ctx, req)
}

// Modes lists the configured performance modes in name order.
func (s *Store) Modes() []types.PerformanceMode {
	return s.presets.ModeNames()
}

// modeRequest builds the composite apply for mode. Callers may append
// commands and keys before submitting it.
func (s *Store) modeRequest(mode types.PerformanceMode) (ApplyRequest, error) {
	req := ApplyRequest{Key: KeyMode, Label: fmt.Sprintf("Switch to %s mode", mode)}
	preset, ok := s.presets.Modes[mode]
	if !ok {
		return req, fmt.Errorf("mode %q: %w", mode, ErrInvalidRange)
	}

	clusters := s.Clusters()
	req.Commands = modeCommands(preset, clusters)
	for _, c := range clusters {
		req.ExtraKeys = append(req.ExtraKeys, ClusterKey(c.Key, "governor"), ClusterKey(c.Key, "freq"))
	}

	thermal := s.Thermal.Get()
	if preset.Thermal != "" && thermal.Available {
		if prof, ok := thermalByName(thermal.Profiles, preset.Thermal); ok && prof.Index != thermal.CurrentIndex {
			req.Commands = append(req.Commands, thermalCommands(s.thermalNode(), prof.Index)...)
			req.ExtraKeys = append(req.ExtraKeys, KeyThermal)
		}
	}

	req.OnSuccess = func(ctx context.Context) error {
		s.Mode.Set(mode)
		err := s.refreshClusters(ctx)
		if preset.Thermal != "" {
			if terr := s.refreshThermal(ctx); terr != nil && err == nil {
				err = terr
			}
		}
		s.persist(cache.KeyMode, mode)
		return err
	}
	return req, nil
}

func thermalByName(profiles []types.ThermalProfile, name string) (types.ThermalProfile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return types.ThermalProfile{}, false
}
