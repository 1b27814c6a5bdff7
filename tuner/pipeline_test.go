package tuner

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestPipeline(exec Executor, hooks ApplyHooks) *Pipeline {
	return NewPipeline(exec, NewResourceLocks(), PipelineConfig{
		Timeout: 5 * time.Second,
		Hooks:   hooks,
		Logger:  zerolog.Nop(),
	})
}

func waitTimeout(t *testing.T, h *ApplyHandle) ApplyResult {
	t.Helper()
	select {
	case <-h.Done():
		return h.Wait()
	case <-time.After(5 * time.Second):
		t.Fatal("apply did not complete")
		return ApplyResult{}
	}
}

func TestApplySuccessStreamsAndCompletesOnce(t *testing.T) {
	exec := newFakeExecutor()
	exec.streamLines["echo 1 > /x"] = []string{"ok"}

	var completions atomic.Int32
	var mu sync.Mutex
	var order []string
	p := newTestPipeline(exec, ApplyHooks{
		OnLog: func(id, key, line string) {
			mu.Lock()
			order = append(order, "log:"+line)
			mu.Unlock()
		},
		OnComplete: func(r ApplyResult) {
			completions.Add(1)
			mu.Lock()
			order = append(order, "complete")
			mu.Unlock()
		},
	})

	refreshed := false
	h := p.Apply(context.Background(), ApplyRequest{
		Key:      KeyVM,
		Label:    "Set swappiness",
		Commands: []string{"echo 1 > /x"},
		OnSuccess: func(ctx context.Context) error {
			refreshed = true
			return nil
		},
	})
	r := waitTimeout(t, h)
	p.Wait()

	if !r.Success || r.Kind != KindNone {
		t.Fatalf("result = %+v, want success", r)
	}
	if !refreshed {
		t.Error("OnSuccess was not called")
	}
	if completions.Load() != 1 {
		t.Errorf("completions = %d, want 1", completions.Load())
	}
	want := []string{"log:$ echo 1 > /x", "log:ok", "complete"}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
	if p.Locks().IsHeld(KeyVM) {
		t.Error("lock still held after completion")
	}
	if r.ID == "" || r.ID != h.ID() {
		t.Errorf("result ID = %q, handle ID = %q", r.ID, h.ID())
	}
}

func TestApplyFailureLeavesStateAndCompletesOnce(t *testing.T) {
	exec := newFakeExecutor()
	exec.streamErr = &CommandError{Command: "x", ExitCode: 1, Stderr: "Permission denied"}

	var completions atomic.Int32
	p := newTestPipeline(exec, ApplyHooks{OnComplete: func(ApplyResult) { completions.Add(1) }})

	refreshed := false
	h := p.Apply(context.Background(), ApplyRequest{
		Key:       KeyZram,
		Commands:  []string{"x"},
		OnSuccess: func(context.Context) error { refreshed = true; return nil },
	})
	r := waitTimeout(t, h)
	p.Wait()

	if r.Success {
		t.Fatal("expected failure")
	}
	if r.Kind != KindCommandFailed {
		t.Errorf("Kind = %q, want %q", r.Kind, KindCommandFailed)
	}
	if refreshed {
		t.Error("OnSuccess must not run after a failed command")
	}
	if completions.Load() != 1 {
		t.Errorf("completions = %d, want 1", completions.Load())
	}
	if p.Locks().IsHeld(KeyZram) {
		t.Error("lock still held after failure")
	}
}

func TestApplyBusyCompletesWithoutExecuting(t *testing.T) {
	exec := newFakeExecutor()
	exec.gate = make(chan struct{})

	var completions atomic.Int32
	p := newTestPipeline(exec, ApplyHooks{OnComplete: func(ApplyResult) { completions.Add(1) }})

	first := p.Apply(context.Background(), ApplyRequest{Key: KeyThermal, Commands: []string{"a"}})
	// Wait until the first apply is inside the executor
	deadline := time.Now().Add(2 * time.Second)
	for exec.streamCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	second := p.Apply(context.Background(), ApplyRequest{Key: KeyThermal, Commands: []string{"b"}})
	select {
	case <-second.Done():
	default:
		t.Fatal("busy apply should complete synchronously")
	}
	r := second.Wait()
	if r.Success || !errors.Is(r.Err, ErrResourceBusy) || r.Kind != KindResourceBusy {
		t.Errorf("busy result = %+v", r)
	}
	if exec.streamCount() != 1 {
		t.Errorf("executor calls = %d, want 1", exec.streamCount())
	}

	close(exec.gate)
	waitTimeout(t, first)
	p.Wait()
	if completions.Load() != 2 {
		t.Errorf("completions = %d, want 2", completions.Load())
	}
}

func TestApplyDifferentKeysRunConcurrently(t *testing.T) {
	exec := newFakeExecutor()
	exec.gate = make(chan struct{})
	p := newTestPipeline(exec, ApplyHooks{})

	swap := p.Apply(context.Background(), ApplyRequest{Key: KeySwap, Commands: []string{"swap"}})
	zram := p.Apply(context.Background(), ApplyRequest{Key: KeyZram, Commands: []string{"zram"}})

	select {
	case <-zram.Done():
		t.Fatal("zram apply should be in flight, not rejected")
	default:
	}
	close(exec.gate)
	if r := waitTimeout(t, zram); !r.Success {
		t.Errorf("zram result = %+v, want success", r)
	}
	if r := waitTimeout(t, swap); !r.Success {
		t.Errorf("swap result = %+v, want success", r)
	}
}

func TestApplyNotCancelledByCaller(t *testing.T) {
	exec := newFakeExecutor()
	exec.gate = make(chan struct{})
	p := newTestPipeline(exec, ApplyHooks{})

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	h := p.Apply(ctx, ApplyRequest{
		Key:      KeyIOScheduler,
		Commands: []string{"a"},
		OnSuccess: func(c context.Context) error {
			ran = c.Err() == nil
			return nil
		},
	})
	cancel()
	close(exec.gate)

	r := waitTimeout(t, h)
	if !r.Success || !ran {
		t.Errorf("apply should survive caller cancellation, got %+v ran=%v", r, ran)
	}
}

func TestApplyRecoversPanic(t *testing.T) {
	exec := newFakeExecutor()
	p := newTestPipeline(exec, ApplyHooks{})

	h := p.Apply(context.Background(), ApplyRequest{
		Key:       KeyBrightness,
		OnSuccess: func(context.Context) error { panic("boom") },
	})
	r := waitTimeout(t, h)
	if r.Success || r.Kind != KindInternal {
		t.Errorf("result = %+v, want internal failure", r)
	}
	if p.Locks().IsHeld(KeyBrightness) {
		t.Error("lock leaked after panic")
	}
}

func TestApplyPrefOnlySkipsExecutor(t *testing.T) {
	exec := newFakeExecutor()
	exec.unavailable = true
	p := newTestPipeline(exec, ApplyHooks{})

	h := p.Apply(context.Background(), ApplyRequest{Key: "touch-guard"})
	if r := waitTimeout(t, h); !r.Success {
		t.Errorf("preference-only apply = %+v, want success", r)
	}
	if exec.streamCount() != 0 {
		t.Error("executor must not run for an empty command list")
	}
}

func TestLogsReplayFromStart(t *testing.T) {
	exec := newFakeExecutor()
	exec.streamLines["a"] = []string{"1", "2"}
	p := newTestPipeline(exec, ApplyHooks{})

	h := p.Apply(context.Background(), ApplyRequest{Key: KeyCongestion, Commands: []string{"a"}})
	waitTimeout(t, h)

	var got []string
	for line := range h.Logs() {
		got = append(got, line)
	}
	want := []string{"$ a", "1", "2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Logs() = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(h.Wait().Lines, want) {
		t.Errorf("result Lines = %v, want %v", h.Wait().Lines, want)
	}
}

func TestApplyFuncCallbackOrder(t *testing.T) {
	exec := newFakeExecutor()
	exec.streamLines["a"] = []string{"x", "y"}
	p := newTestPipeline(exec, ApplyHooks{})

	var mu sync.Mutex
	var events []string
	done := make(chan struct{})
	var calls atomic.Int32

	p.ApplyFunc(context.Background(), KeySwap, []string{"a"},
		func(line string) {
			mu.Lock()
			events = append(events, line)
			mu.Unlock()
		},
		func(success bool, message string) {
			mu.Lock()
			events = append(events, "done")
			mu.Unlock()
			if calls.Add(1) == 1 {
				close(done)
			}
		})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("onComplete not called")
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("onComplete calls = %d, want 1", calls.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"$ a", "x", "y", "done"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestImmediateReportsValidationError(t *testing.T) {
	var got ApplyResult
	p := newTestPipeline(newFakeExecutor(), ApplyHooks{OnComplete: func(r ApplyResult) { got = r }})

	h := p.Immediate("big-governor", "Set governor", ErrInvalidRange)
	r := h.Wait()
	if r.Success || r.Kind != KindInvalidRange {
		t.Errorf("Immediate result = %+v", r)
	}
	p.Wait()
	if got.ID != r.ID {
		t.Error("OnComplete hook not called for immediate completion")
	}
}

// Listeners keyed by apply ID must be able to register before the
// completion hook of a rejected or validated apply fires.
func TestRejectedApplyHookRunsAfterReturn(t *testing.T) {
	release := make(chan struct{})
	ids := make(chan string, 2)
	p := newTestPipeline(newFakeExecutor(), ApplyHooks{OnComplete: func(r ApplyResult) {
		<-release
		ids <- r.ID
	}})

	if !p.Locks().TryAcquire(KeyThermal) {
		t.Fatal("could not hold thermal lock")
	}
	// Both calls would deadlock here if the hook ran before returning
	busy := p.Apply(context.Background(), ApplyRequest{Key: KeyThermal, Commands: []string{"a"}})
	invalid := p.Immediate(KeyZram, "Set zram", ErrInvalidRange)

	if r := busy.Wait(); r.Kind != KindResourceBusy {
		t.Errorf("busy result = %+v", r)
	}
	if r := invalid.Wait(); r.Kind != KindInvalidRange {
		t.Errorf("immediate result = %+v", r)
	}

	close(release)
	p.Wait()
	p.Locks().Release(KeyThermal)
	got := map[string]bool{<-ids: true, <-ids: true}
	if !got[busy.ID()] || !got[invalid.ID()] {
		t.Errorf("hook ids = %v, want %s and %s", got, busy.ID(), invalid.ID())
	}
}
