package tuner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"KernelDeck/pkg/types"

	"github.com/rs/zerolog"
)

// PollerState is the lifecycle of the telemetry poller
type PollerState int

const (
	PollerIdle PollerState = iota
	PollerRunning
	PollerStopped
)

func (s PollerState) String() string {
	switch s {
	case PollerIdle:
		return "idle"
	case PollerRunning:
		return "running"
	case PollerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrPollerRunning is returned by Start on a running poller
var ErrPollerRunning = errors.New("telemetry poller already running")

// TelemetryConfig configures the poller cadence and reads
type TelemetryConfig struct {
	Interval    time.Duration // target cycle period, default 250ms
	Floor       time.Duration // minimum sleep between cycles, default 50ms
	ReadTimeout time.Duration // per-read deadline, default 2s
	Package     string        // FPS target; empty follows the foreground app
	Now         func() time.Time
	Logger      zerolog.Logger
}

func (c *TelemetryConfig) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 250 * time.Millisecond
	}
	if c.Floor <= 0 {
		c.Floor = 50 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// nextDelay is the sleep after a cycle that took elapsed. Slow cycles are
// compensated but never below floor.
func nextDelay(target, floor, elapsed time.Duration) time.Duration {
	d := target - elapsed
	if d < floor {
		return floor
	}
	return d
}

// Poller samples live hardware counters on a fixed cadence. It only reads
// and never takes a resource lock.
type Poller struct {
	exec   Executor
	cfg    TelemetryConfig
	logger zerolog.Logger

	// Sample holds the most recent complete sample
	Sample *Observable[types.TelemetrySample]

	mu        sync.Mutex
	state     PollerState
	startedAt time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	pkg       string

	// Collector state, only touched from the loop goroutine
	last           types.TelemetrySample
	prevCPU        cpuTimes
	havePrevCPU    bool
	lastFrameCount int64
	lastFrameTime  time.Time
	lastFramePkg   string
	cycle          int64
}

// NewPoller creates an idle poller
func NewPoller(exec Executor, cfg TelemetryConfig) *Poller {
	cfg.withDefaults()
	return &Poller{
		exec:   exec,
		cfg:    cfg,
		logger: cfg.Logger,
		Sample: NewObservable(types.TelemetrySample{}),
		pkg:    cfg.Package,
	}
}

// Start begins a new session. A stopped poller may be started again.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == PollerRunning {
		return ErrPollerRunning
	}

	p.state = PollerRunning
	p.startedAt = p.cfg.Now()
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.havePrevCPU = false
	p.lastFrameTime = time.Time{}
	p.lastFrameCount = 0
	p.cycle = 0

	go p.loop(p.stopCh, p.doneCh)

	p.logger.Info().Dur("interval", p.cfg.Interval).Str("package", p.pkg).Msg("Telemetry poller started")
	return nil
}

// Stop ends the session at the next cycle boundary and waits for the loop
// to exit. It is safe to call in any state.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state != PollerRunning {
		if p.state == PollerIdle {
			p.state = PollerStopped
		}
		p.mu.Unlock()
		return
	}
	p.state = PollerStopped
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done
	p.logger.Info().Msg("Telemetry poller stopped")
}

// State returns the lifecycle state
func (p *Poller) State() PollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SessionDuration is the time since the current session started
func (p *Poller) SessionDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		return 0
	}
	return p.cfg.Now().Sub(p.startedAt)
}

// SetPackage changes the FPS target. Empty follows the foreground app.
func (p *Poller) SetPackage(pkg string) {
	p.mu.Lock()
	p.pkg = pkg
	p.mu.Unlock()
}

// Latest returns the most recent sample
func (p *Poller) Latest() types.TelemetrySample {
	return p.Sample.Get()
}

func (p *Poller) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		start := p.cfg.Now()
		p.collect()
		elapsed := p.cfg.Now().Sub(start)

		timer := time.NewTimer(nextDelay(p.cfg.Interval, p.cfg.Floor, elapsed))
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// collect runs every collector in parallel and publishes one sample. A
// failed read keeps the previous value of its fields.
func (p *Poller) collect() {
	// Reads are bounded by their own deadline, not by Stop
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReadTimeout)
	defer cancel()

	sample := p.last
	var wg sync.WaitGroup

	launch := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Warn().Str("collector", name).Msgf("Panic: %v", r)
				}
			}()
			fn()
		}()
	}

	// Each collector writes disjoint fields; wg.Wait orders them before publish
	var (
		cpuFreq        int
		cpuFreqOK      bool
		cpuNow         cpuTimes
		cpuNowOK       bool
		gpuFreq        int
		gpuFreqOK      bool
		gpuLoad        float64
		gpuLoadOK      bool
		fps            float64
		fpsOK          bool
		zoneTemp       float64
		zoneTempOK     bool
		batteryLevel   int
		batteryTemp    float64
		batteryLevelOK bool
	)

	launch("cpu", func() {
		out, err := p.exec.Execute(ctx, `head -1 /proc/stat; echo "freqs=$(cat /sys/devices/system/cpu/cpu*/cpufreq/scaling_cur_freq 2>/dev/null)"`)
		if err != nil {
			return
		}
		cpuNow, cpuNowOK = parseProcStat(out.Stdout)
		if f := maxFreqMHz(parseKeyValues(out.Stdout)["freqs"]); f > 0 {
			cpuFreq, cpuFreqOK = f, true
		}
	})

	launch("gpu", func() {
		out, err := p.exec.Execute(ctx, gpuProbeScript)
		if err != nil {
			return
		}
		gpuFreq, gpuFreqOK, gpuLoad, gpuLoadOK = parseGPU(out.Stdout)
	})

	launch("fps", func() {
		fps, fpsOK = p.collectFPS(ctx)
	})

	launch("temperature", func() {
		out, err := p.exec.Execute(ctx, thermalZonesScript)
		if err != nil {
			return
		}
		zoneTemp, zoneTempOK = parseThermalZones(out.Stdout)
	})

	launch("battery", func() {
		out, err := p.exec.Execute(ctx, "dumpsys battery")
		if err == nil {
			batteryLevel, batteryTemp, batteryLevelOK = parseBattery(out.Stdout)
		}
		if !batteryLevelOK {
			out, err = p.exec.Execute(ctx, "cat /sys/class/power_supply/battery/capacity")
			if err == nil {
				if v, err := strconv.Atoi(strings.TrimSpace(out.Stdout)); err == nil {
					batteryLevel, batteryLevelOK = v, true
				}
			}
		}
	})

	wg.Wait()

	if cpuFreqOK {
		sample.CPUFreqMHz = cpuFreq
	}
	if cpuNowOK {
		if p.havePrevCPU {
			if load, ok := cpuLoad(p.prevCPU, cpuNow); ok {
				sample.CPULoad = round1(load)
			}
		}
		p.prevCPU, p.havePrevCPU = cpuNow, true
	}
	if gpuFreqOK {
		sample.GPUFreqMHz = gpuFreq
	}
	if gpuLoadOK {
		sample.GPULoad = round1(gpuLoad)
	}
	if fpsOK {
		sample.FPS = round1(fps)
	}
	switch {
	case zoneTempOK:
		sample.TemperatureC = round1(zoneTemp)
	case batteryTemp > 0:
		// Battery temperature tracks the SoC within a few degrees
		sample.TemperatureC = round1(batteryTemp)
	}
	if batteryLevelOK {
		sample.BatteryPercent = batteryLevel
	}

	now := p.cfg.Now()
	p.cycle++
	sample.Cycle = p.cycle
	sample.Timestamp = now.UnixMilli()
	sample.SessionDuration = p.SessionDuration().Milliseconds()

	p.last = sample
	p.Sample.Set(sample)
}

// collectFPS derives frames per second from the gfxinfo frame counter delta
// between two cycles.
func (p *Poller) collectFPS(ctx context.Context) (float64, bool) {
	p.mu.Lock()
	target := p.pkg
	p.mu.Unlock()

	if target == "" {
		out, err := p.exec.Execute(ctx, foregroundCommand)
		if err != nil {
			return 0, false
		}
		target = parseForegroundPackage(out.Stdout)
	}
	if target == "" || !safeToken.MatchString(target) {
		return 0, false
	}

	out, err := p.exec.Execute(ctx, fmt.Sprintf("dumpsys gfxinfo %s", target))
	if err != nil {
		return 0, false
	}
	totalFrames, _ := parseGfxInfoFrameCounts(out.Stdout)
	now := p.cfg.Now()

	// A new target or the first reading only sets the baseline
	if target != p.lastFramePkg || p.lastFrameTime.IsZero() || p.lastFrameCount == 0 {
		p.lastFramePkg = target
		p.lastFrameCount = int64(totalFrames)
		p.lastFrameTime = now
		return 0, false
	}

	elapsed := now.Sub(p.lastFrameTime).Seconds()
	frameDiff := int64(totalFrames) - p.lastFrameCount
	p.lastFrameCount = int64(totalFrames)
	p.lastFrameTime = now

	if elapsed <= 0 || frameDiff < 0 {
		// gfxinfo was reset (app restart); skip this cycle
		return 0, false
	}
	fps := float64(frameDiff) / elapsed
	if fps > 144 {
		return 0, false
	}
	return fps, true
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
