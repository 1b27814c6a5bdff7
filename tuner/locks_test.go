package tuner

import (
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryAcquireTwiceFails(t *testing.T) {
	l := NewResourceLocks()
	if !l.TryAcquire(KeyZram) {
		t.Fatal("first TryAcquire should succeed")
	}
	if l.TryAcquire(KeyZram) {
		t.Error("second TryAcquire on a held key should fail")
	}
	l.Release(KeyZram)
	if !l.TryAcquire(KeyZram) {
		t.Error("TryAcquire after Release should succeed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewResourceLocks()
	if !l.TryAcquire(KeySwap) {
		t.Fatal("TryAcquire(swap) should succeed")
	}
	if !l.TryAcquire(KeyZram) {
		t.Error("zram must not be blocked by swap")
	}
	if got, want := l.Held(), []string{KeySwap, KeyZram}; !reflect.DeepEqual(got, want) {
		t.Errorf("Held() = %v, want %v", got, want)
	}
}

func TestReleaseUnheldIsNoop(t *testing.T) {
	l := NewResourceLocks()
	l.Release("never-taken")
	if len(l.Held()) != 0 {
		t.Errorf("Held() = %v, want empty", l.Held())
	}
}

func TestTryAcquireAllIsAllOrNothing(t *testing.T) {
	l := NewResourceLocks()
	l.TryAcquire(KeyThermal)

	if l.TryAcquireAll(KeyProfile, KeyThermal, KeyRefreshRate) {
		t.Fatal("TryAcquireAll should fail when one key is held")
	}
	if l.IsHeld(KeyProfile) || l.IsHeld(KeyRefreshRate) {
		t.Error("failed TryAcquireAll must not leave partial locks")
	}

	l.Release(KeyThermal)
	if !l.TryAcquireAll(KeyProfile, KeyThermal, KeyRefreshRate) {
		t.Fatal("TryAcquireAll should succeed when all keys are free")
	}
	l.Release(KeyProfile, KeyThermal, KeyRefreshRate)
	if len(l.Held()) != 0 {
		t.Errorf("Held() = %v, want empty", l.Held())
	}
}

func TestTryAcquireSingleWinnerUnderContention(t *testing.T) {
	l := NewResourceLocks()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire(ClusterKey("big", "governor")) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
}

func TestClusterAndCoreKeys(t *testing.T) {
	if got := ClusterKey("big", "freq"); got != "big-freq" {
		t.Errorf("ClusterKey() = %q", got)
	}
	if got := CoreKey(4); got != "cpu4-online" {
		t.Errorf("CoreKey() = %q", got)
	}
}
