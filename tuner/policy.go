package tuner

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"KernelDeck/pkg/cache"
	"KernelDeck/pkg/types"

	"github.com/rs/zerolog"
)

// Toggle names one persisted device policy switch
type Toggle string

const (
	ToggleDoNotDisturb   Toggle = "do_not_disturb"
	ToggleHideHeadsUp    Toggle = "hide_heads_up"
	ToggleEsports        Toggle = "esports"
	ToggleTouchGuard     Toggle = "touch_guard"
	ToggleAutoReject     Toggle = "auto_reject_calls"
	ToggleLockBrightness Toggle = "lock_brightness"
	ToggleThreeFinger    Toggle = "three_finger_swipe"
	ToggleCallMode       Toggle = "call_mode"
)

// Toggles lists every switch in display order
var Toggles = []Toggle{
	ToggleDoNotDisturb, ToggleHideHeadsUp, ToggleEsports, ToggleTouchGuard,
	ToggleAutoReject, ToggleLockBrightness, ToggleThreeFinger, ToggleCallMode,
}

// RingerMode is the system ringer setting
type RingerMode string

const (
	RingerNormal  RingerMode = "normal"
	RingerVibrate RingerMode = "vibrate"
	RingerSilent  RingerMode = "silent"
)

var ringerValues = map[RingerMode]int{RingerSilent: 0, RingerVibrate: 1, RingerNormal: 2}

// Notifier receives the user-facing events the engine raises outside of
// apply results.
type Notifier interface {
	Toast(message string)
	Screenshot(path string)
	Esports(on bool)
	PermissionRequired(c Capability)
}

type nopNotifier struct{}

func (nopNotifier) Toast(string)                  {}
func (nopNotifier) Screenshot(string)             {}
func (nopNotifier) Esports(bool)                  {}
func (nopNotifier) PermissionRequired(Capability) {}

// PolicyState is what gets persisted under cache.KeyToggles
type PolicyState struct {
	Toggles map[Toggle]bool `json:"toggles"`
	Ringer  RingerMode      `json:"ringer,omitempty"`
	// DNDBeforeEsports is the DND state esports found when it turned on
	DNDBeforeEsports bool `json:"dnd_before_esports,omitempty"`
}

// PolicyConfig configures Policy
type PolicyConfig struct {
	ScreenshotDir string // default /sdcard/Pictures/Screenshots
	Now           func() time.Time
	Logger        zerolog.Logger
}

// Policy applies the device policy toggles
type Policy struct {
	store    *Store
	pipeline *Pipeline
	prefs    Preferences
	probes   *Probes
	notifier Notifier
	cfg      PolicyConfig
	logger   zerolog.Logger

	// State is observable for the UI
	State *Observable[PolicyState]

	mu sync.Mutex // serializes read-modify-write of State plus persist
}

// NewPolicy creates the toggle controller
func NewPolicy(store *Store, pipeline *Pipeline, prefs Preferences, probes *Probes, notifier Notifier, cfg PolicyConfig) *Policy {
	if cfg.ScreenshotDir == "" {
		cfg.ScreenshotDir = "/sdcard/Pictures/Screenshots"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if prefs == nil {
		prefs = nopPreferences{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	initial := PolicyState{Toggles: map[Toggle]bool{}, Ringer: RingerNormal}
	return &Policy{
		store:    store,
		pipeline: pipeline,
		prefs:    prefs,
		probes:   probes,
		notifier: notifier,
		cfg:      cfg,
		logger:   cfg.Logger,
		State:    NewObservableFunc(initial, equalValue[PolicyState]),
	}
}

// Load restores the persisted toggles. Nothing is written to the device.
func (p *Policy) Load() error {
	var st PolicyState
	found, err := p.prefs.Load(cache.KeyToggles, &st)
	if err != nil || !found {
		return err
	}
	if st.Toggles == nil {
		st.Toggles = map[Toggle]bool{}
	}
	if _, ok := ringerValues[st.Ringer]; !ok {
		st.Ringer = RingerNormal
	}
	p.State.Set(st)
	return nil
}

// Enabled reports one toggle
func (p *Policy) Enabled(t Toggle) bool {
	return p.State.Get().Toggles[t]
}

// ToggleKey is the lock key of a toggle that has no device resource
func ToggleKey(t Toggle) string {
	return "toggle-" + string(t)
}

// SetToggle applies one switch. The persisted state changes only after the
// apply succeeds.
func (p *Policy) SetToggle(ctx context.Context, t Toggle, on bool) *ApplyHandle {
	label := fmt.Sprintf("%s %s", toggleLabel(t), onOff(on))

	switch t {
	case ToggleDoNotDisturb:
		if !p.probes.DoNotDisturb(ctx) {
			p.notifier.PermissionRequired(CapDoNotDisturb)
			return p.pipeline.Immediate(KeyNotifications, label, fmt.Errorf("do not disturb access: %w", ErrCapabilityDenied))
		}
		return p.apply(ctx, t, on, ApplyRequest{Key: KeyNotifications, Label: label, Commands: dndCommands(on)})

	case ToggleHideHeadsUp:
		return p.apply(ctx, t, on, ApplyRequest{Key: KeyNotifications, Label: label, Commands: []string{
			fmt.Sprintf("settings put global heads_up_notifications_enabled %d", boolInt(!on)),
		}})

	case ToggleLockBrightness:
		// Locked means manual mode so the current level sticks
		return p.apply(ctx, t, on, ApplyRequest{Key: KeyBrightness, Label: label, Commands: []string{
			fmt.Sprintf("settings put system screen_brightness_mode %d", boolInt(!on)),
		}})

	case ToggleEsports:
		return p.setEsports(ctx, on, label)

	case ToggleTouchGuard, ToggleAutoReject, ToggleThreeFinger, ToggleCallMode:
		return p.apply(ctx, t, on, ApplyRequest{Key: ToggleKey(t), Label: label})
	}
	return p.pipeline.Immediate(ToggleKey(t), label, fmt.Errorf("unknown toggle %q: %w", t, ErrInvalidRange))
}

func (p *Policy) apply(ctx context.Context, t Toggle, on bool, req ApplyRequest) *ApplyHandle {
	next := req.OnSuccess
	req.OnSuccess = func(ctx context.Context) error {
		var err error
		if next != nil {
			err = next(ctx)
		}
		p.record(func(st *PolicyState) { st.Toggles[t] = on })
		return err
	}
	return p.pipeline.Apply(ctx, req)
}

// setEsports switches to performance mode and silences notifications in one
// apply. Turning it off returns to the balance mode and puts DND back the way
// esports found it. DND is skipped when the app cannot change it.
func (p *Policy) setEsports(ctx context.Context, on bool, label string) *ApplyHandle {
	mode := types.ModeBalance
	if on {
		mode = types.ModePerformance
	}
	req, err := p.store.modeRequest(mode)
	req.Label = label
	if err != nil {
		return p.pipeline.Immediate(KeyMode, label, err)
	}

	dnd := p.probes.DoNotDisturb(ctx)
	prior := p.State.Get().DNDBeforeEsports
	if on && dnd {
		prior = p.dndActive(ctx)
	}
	// Leaving esports keeps DND on when the user had it on before
	if dnd && (on || !prior) {
		req.Commands = append(req.Commands, dndCommands(on)...)
		req.ExtraKeys = append(req.ExtraKeys, KeyNotifications)
	}

	next := req.OnSuccess
	req.OnSuccess = func(ctx context.Context) error {
		err := next(ctx)
		p.record(func(st *PolicyState) {
			st.Toggles[ToggleEsports] = on
			if !dnd {
				return
			}
			if on {
				st.DNDBeforeEsports = prior
				st.Toggles[ToggleDoNotDisturb] = true
			} else {
				st.Toggles[ToggleDoNotDisturb] = prior
				st.DNDBeforeEsports = false
			}
		})
		p.notifier.Esports(on)
		if on {
			p.notifier.Toast("Esports mode on")
		}
		return err
	}
	return p.pipeline.Apply(ctx, req)
}

// SetRinger changes the ringer mode
func (p *Policy) SetRinger(ctx context.Context, mode RingerMode) *ApplyHandle {
	label := fmt.Sprintf("Ringer %s", mode)
	v, ok := ringerValues[mode]
	if !ok {
		return p.pipeline.Immediate(KeyRinger, label, fmt.Errorf("ringer mode %q: %w", mode, ErrInvalidRange))
	}
	return p.pipeline.Apply(ctx, ApplyRequest{
		Key:      KeyRinger,
		Label:    label,
		Commands: []string{fmt.Sprintf("settings put global mode_ringer %d", v)},
		OnSuccess: func(ctx context.Context) error {
			p.record(func(st *PolicyState) { st.Ringer = mode })
			return nil
		},
	})
}

// Screenshot captures the screen on the device and reports the saved path
func (p *Policy) Screenshot(ctx context.Context) *ApplyHandle {
	file := path.Join(p.cfg.ScreenshotDir,
		fmt.Sprintf("kerneldeck_%s.png", p.cfg.Now().Format("20060102_150405")))
	return p.pipeline.Apply(ctx, ApplyRequest{
		Key:   KeyScreenshot,
		Label: "Screenshot",
		Commands: []string{
			"mkdir -p " + shellQuote(p.cfg.ScreenshotDir),
			"screencap -p " + shellQuote(file),
		},
		SuccessMessage: "Saved " + file,
		OnSuccess: func(ctx context.Context) error {
			p.notifier.Screenshot(file)
			return nil
		},
	})
}

// record mutates the state and persists it
func (p *Policy) record(fn func(st *PolicyState)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.State.Get()
	next := PolicyState{
		Toggles:          make(map[Toggle]bool, len(cur.Toggles)+1),
		Ringer:           cur.Ringer,
		DNDBeforeEsports: cur.DNDBeforeEsports,
	}
	for k, v := range cur.Toggles {
		next.Toggles[k] = v
	}
	fn(&next)
	p.State.Set(next)

	if err := p.prefs.Save(cache.KeyToggles, next); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to persist toggles")
	}
}

// EnabledToggles lists the switches that are on, sorted
func (p *Policy) EnabledToggles() []Toggle {
	var out []Toggle
	for t, on := range p.State.Get().Toggles {
		if on {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// dndActive reads the zen mode. An unreadable value falls back to the
// recorded toggle.
func (p *Policy) dndActive(ctx context.Context) bool {
	out, err := p.store.exec.Execute(ctx, "settings get global zen_mode")
	v := strings.TrimSpace(out.Stdout)
	if err != nil || v == "" || v == "null" {
		return p.Enabled(ToggleDoNotDisturb)
	}
	return v != "0"
}

func dndCommands(on bool) []string {
	if on {
		return []string{"cmd notification set_dnd priority"}
	}
	return []string{"cmd notification set_dnd off"}
}

func toggleLabel(t Toggle) string {
	switch t {
	case ToggleDoNotDisturb:
		return "Do not disturb"
	case ToggleHideHeadsUp:
		return "Hide heads-up notifications"
	case ToggleEsports:
		return "Esports mode"
	case ToggleTouchGuard:
		return "Touch guard"
	case ToggleAutoReject:
		return "Auto-reject calls"
	case ToggleLockBrightness:
		return "Lock brightness"
	case ToggleThreeFinger:
		return "Three-finger swipe"
	case ToggleCallMode:
		return "Call mode"
	}
	return string(t)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
