package tuner

import (
	"fmt"
	"sort"
	"sync"
)

// Resource keys. Each names one privileged resource that at most one apply
// may write at a time.
const (
	KeyZram          = "zram"
	KeySwap          = "swap"
	KeyVM            = "vm"
	KeyThermal       = "thermal"
	KeyIOScheduler   = "io-scheduler"
	KeyCongestion    = "tcp-congestion"
	KeyBrightness    = "brightness"
	KeyProfile       = "profile"
	KeyMode          = "mode"
	KeyRefreshRate   = "refresh-rate"
	KeyNotifications = "notifications"
	KeyRinger        = "ringer"
	KeyScreenshot    = "screenshot"
)

// ClusterKey names a per-cluster resource, e.g. ClusterKey("big", "governor")
// is "big-governor".
func ClusterKey(cluster, aspect string) string {
	return fmt.Sprintf("%s-%s", cluster, aspect)
}

// CoreKey names the hotplug resource of one CPU
func CoreKey(index int) string {
	return fmt.Sprintf("cpu%d-online", index)
}

// ResourceLocks is a set of non-blocking, single-flight locks keyed by
// resource name. Keys are independent of each other.
type ResourceLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewResourceLocks creates an empty lock set
func NewResourceLocks() *ResourceLocks {
	return &ResourceLocks{held: make(map[string]struct{})}
}

// TryAcquire takes key if it is free. It never blocks.
func (l *ResourceLocks) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// TryAcquireAll takes every key or none of them
func (l *ResourceLocks) TryAcquireAll(keys ...string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if _, busy := l.held[k]; busy {
			return false
		}
	}
	for _, k := range keys {
		l.held[k] = struct{}{}
	}
	return true
}

// Release frees keys. Releasing a key that is not held is a no-op.
func (l *ResourceLocks) Release(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.held, k)
	}
}

// IsHeld reports whether key is currently taken
func (l *ResourceLocks) IsHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// Held lists the taken keys in sorted order
func (l *ResourceLocks) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.held))
	for k := range l.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
