package tuner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"KernelDeck/pkg/cache"

	"github.com/rs/zerolog"
)

// Options wires an Engine
type Options struct {
	// Shell configures the default executor. Ignored when Executor is set.
	Shell    ShellConfig
	Executor Executor

	Prefs   Preferences
	Presets *Presets // nil uses the built-in modes

	// Package is the companion app checked by the permission probes
	Package string

	ApplyTimeout time.Duration
	Hooks        ApplyHooks
	Notifier     Notifier
	Foreground   ForegroundSource // nil reads dumpsys through the executor

	Telemetry TelemetryConfig
	Profiles  ProfileConfig
	Policy    PolicyConfig

	Logger zerolog.Logger
}

// Engine owns every tuning component over one executor
type Engine struct {
	Exec     Executor
	Locks    *ResourceLocks
	Pipeline *Pipeline
	Probes   *Probes
	Store    *Store
	Poller   *Poller
	Profiles *ProfileEngine
	Policy   *Policy

	prefs  Preferences
	logger zerolog.Logger
}

// New builds an engine. Nothing touches the device until Start.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger

	exec := opts.Executor
	if exec == nil {
		opts.Shell.Logger = logger.With().Str("component", "executor").Logger()
		exec = NewShellExecutor(opts.Shell)
	}

	presets := opts.Presets
	if presets == nil {
		p, err := DefaultPresets()
		if err != nil {
			return nil, err
		}
		presets = p
	}

	prefs := opts.Prefs
	if prefs == nil {
		prefs = nopPreferences{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	locks := NewResourceLocks()
	pipeline := NewPipeline(exec, locks, PipelineConfig{
		Timeout: opts.ApplyTimeout,
		Hooks:   opts.Hooks,
		Logger:  logger.With().Str("component", "pipeline").Logger(),
	})
	probes := NewProbes(exec, ProbeConfig{
		Package: opts.Package,
		Logger:  logger.With().Str("component", "probes").Logger(),
	})
	store := NewStore(exec, pipeline, prefs, probes, StoreConfig{
		Presets: presets,
		Logger:  logger.With().Str("component", "store").Logger(),
	})

	tcfg := opts.Telemetry
	tcfg.Logger = logger.With().Str("component", "telemetry").Logger()
	poller := NewPoller(exec, tcfg)

	source := opts.Foreground
	if source == nil {
		source = ShellForeground{Exec: exec}
	}
	pcfg := opts.Profiles
	pcfg.Logger = logger.With().Str("component", "profiles").Logger()
	if pcfg.OnPermissionRequired == nil {
		pcfg.OnPermissionRequired = notifier.PermissionRequired
	}
	profiles := NewProfileEngine(store, pipeline, prefs, probes, source, pcfg)

	polcfg := opts.Policy
	polcfg.Logger = logger.With().Str("component", "policy").Logger()
	policy := NewPolicy(store, pipeline, prefs, probes, notifier, polcfg)

	return &Engine{
		Exec:     exec,
		Locks:    locks,
		Pipeline: pipeline,
		Probes:   probes,
		Store:    store,
		Poller:   poller,
		Profiles: profiles,
		Policy:   policy,
		prefs:    prefs,
		logger:   logger,
	}, nil
}

// Start checks for root, loads state from the device and preferences, and
// resumes per-app monitoring if it was on. Read failures are logged and do
// not stop the engine; only a missing root shell is returned.
func (e *Engine) Start(ctx context.Context) error {
	// Saved preferences load first so edits made while root is missing
	// extend the persisted collections instead of replacing them.
	var errs []error
	e.Store.loadMode()
	if err := e.Profiles.Load(); err != nil {
		errs = append(errs, err)
	}
	if err := e.Policy.Load(); err != nil {
		errs = append(errs, err)
	}

	if a, ok := e.Exec.(interface{ Available(context.Context) bool }); ok && !a.Available(ctx) {
		if err := errors.Join(errs...); err != nil {
			e.logger.Warn().Err(err).Msg("Some state could not be loaded")
		}
		e.logger.Warn().Msg("Root shell unavailable, tuning disabled")
		return fmt.Errorf("engine start: %w", ErrPrivilegeUnavailable)
	}

	h, err := e.Store.Load(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if h != nil {
		e.logger.Info().Str("apply_id", h.ID()).Msg("Restoring saved thermal profile")
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn().Err(err).Msg("Some state could not be loaded")
	}

	var active bool
	if ok, _ := e.prefs.Load(cache.KeyProfilesActive, &active); ok && active {
		if err := e.Profiles.Start(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Per-app profiles not resumed")
		}
	}

	e.logger.Info().
		Strs("clusters", e.Store.ClusterKeys.Get()).
		Str("mode", string(e.Store.Mode.Get())).
		Int("profiles", len(e.Profiles.List())).
		Msg("Tuning engine started")
	return nil
}

// Stop halts the background loops and waits for in-flight applies
func (e *Engine) Stop() {
	e.Poller.Stop()
	if e.Profiles.Running() {
		e.Profiles.Stop()
	}
	e.Pipeline.Wait()
	e.logger.Info().Msg("Tuning engine stopped")
}
