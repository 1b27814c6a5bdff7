package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"KernelDeck/pkg/types"
	"KernelDeck/tuner"

	"golang.org/x/time/rate"
)

func recvEvent(t *testing.T, ch <-chan BusEvent) BusEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return BusEvent{}
	}
}

func TestEventBus_TopicFilter(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})
	all, cancelAll := bus.Subscribe(8)
	defer cancelAll()
	toasts, cancelToasts := bus.Subscribe(8, TopicToast)
	defer cancelToasts()

	bus.Esports(true)
	bus.Toast("Esports mode on")

	if ev := recvEvent(t, all); ev.Topic != TopicEsports || ev.Data != true {
		t.Errorf("first event = %+v", ev)
	}
	if ev := recvEvent(t, all); ev.Topic != TopicToast {
		t.Errorf("second event = %+v", ev)
	}

	ev := recvEvent(t, toasts)
	if ev.Topic != TopicToast || ev.Data != "Esports mode on" || ev.ID == "" {
		t.Errorf("toast = %+v", ev)
	}
	select {
	case extra := <-toasts:
		t.Errorf("filtered subscriber got %+v", extra)
	default:
	}
}

func TestEventBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})
	ch, cancel := bus.Subscribe(2, TopicTelemetry)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(TopicTelemetry, types.TelemetrySample{Cycle: int64(i + 1)})
	}

	if got := bus.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
	first := recvEvent(t, ch).Data.(types.TelemetrySample)
	if first.Cycle != 1 {
		t.Errorf("first buffered cycle = %d, want 1", first.Cycle)
	}
}

func TestEventBus_CancelClosesChannel(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	bus.Publish(TopicToast, "after cancel")
}

func TestEventBus_ToastRateLimit(t *testing.T) {
	bus := NewEventBus(EventBusConfig{ToastRate: rate.Every(time.Hour), ToastBurst: 2})
	ch, cancel := bus.Subscribe(8, TopicToast)
	defer cancel()

	bus.Toast("one")
	bus.Toast("two")
	bus.Toast("three")

	recvEvent(t, ch)
	recvEvent(t, ch)
	select {
	case ev := <-ch:
		t.Errorf("third toast should be limited, got %+v", ev)
	default:
	}
}

func TestEventBus_WailsForwarding(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})

	var mu sync.Mutex
	var names []string
	bus.emit = func(ctx context.Context, name string, data ...interface{}) {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
	}

	bus.Screenshot("/sdcard/a.png")
	mu.Lock()
	if len(names) != 0 {
		t.Errorf("emit without Wails context: %v", names)
	}
	mu.Unlock()

	bus.SetWailsContext(context.Background())
	bus.Screenshot("/sdcard/b.png")
	bus.PermissionRequired(tuner.CapUsageAccess)

	mu.Lock()
	defer mu.Unlock()
	if len(names) != 2 || names[0] != "screenshot-saved" || names[1] != "permission-required" {
		t.Errorf("emitted = %v", names)
	}
}

func TestEventBus_ApplyHooks(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})
	ch, cancel := bus.Subscribe(8, TopicApplyLog, TopicApplyResult)
	defer cancel()

	var recorded []tuner.ApplyResult
	hooks := bus.ApplyHooks(func(r tuner.ApplyResult) { recorded = append(recorded, r) })

	hooks.OnLog("id-1", tuner.KeyZram, "swapoff /dev/block/zram0")
	hooks.OnComplete(tuner.ApplyResult{ID: "id-1", Key: tuner.KeyZram, Success: true, StartedAt: time.Now()})

	logEv := recvEvent(t, ch)
	if l, ok := logEv.Data.(ApplyLogEvent); !ok || l.Line != "swapoff /dev/block/zram0" || l.Key != "zram" {
		t.Errorf("log event = %+v", logEv)
	}
	resEv := recvEvent(t, ch)
	if r, ok := resEv.Data.(types.ApplyRecord); !ok || !r.Success || r.ID != "id-1" {
		t.Errorf("result event = %+v", resEv)
	}
	if len(recorded) != 1 {
		t.Errorf("onComplete called %d times", len(recorded))
	}
}

func TestForwardObservable(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})
	ch, cancel := bus.Subscribe(8, TopicState)
	defer cancel()

	obs := tuner.NewObservable(types.ModeBalance)
	stop := make(chan struct{})
	defer close(stop)
	forwardObservable(bus, TopicState, "mode", obs, stop)

	first := recvEvent(t, ch).Data.(StateEvent)
	if first.Section != "mode" || first.Value != types.ModeBalance {
		t.Errorf("initial = %+v", first)
	}

	obs.Set(types.ModePerformance)
	next := recvEvent(t, ch).Data.(StateEvent)
	if next.Value != types.ModePerformance {
		t.Errorf("update = %+v", next)
	}
}
