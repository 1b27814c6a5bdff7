package main

import (
	"path/filepath"
	"sync"
	"time"

	"KernelDeck/pkg/cache"

	"github.com/fsnotify/fsnotify"
)

// PrefsWatcher 监听偏好文件被外部进程 (例如另一个 MCP 实例) 修改, 并重新加载
type PrefsWatcher struct {
	prefs    *cache.Service
	onChange func()

	// Debounce 等待事件平息的时间; SelfWindow 内的变化视为本进程写入
	Debounce   time.Duration
	SelfWindow time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPrefsWatcher 创建偏好文件监听器
func NewPrefsWatcher(prefs *cache.Service, onChange func()) *PrefsWatcher {
	return &PrefsWatcher{
		prefs:      prefs,
		onChange:   onChange,
		Debounce:   300 * time.Millisecond,
		SelfWindow: time.Second,
	}
}

// Start 开始监听. 监听的是目录, 因为保存是 temp + rename.
func (w *PrefsWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.prefs.ConfigDir()); err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.watch(watcher, w.stopCh, w.doneCh)

	LogInfo("prefs_watcher").Str("path", w.prefs.Path()).Msg("Started watching preferences")
	return nil
}

// Stop 停止监听
func (w *PrefsWatcher) Stop() {
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.watcher = nil
	done := w.doneCh
	w.mu.Unlock()

	<-done
	LogInfo("prefs_watcher").Msg("Stopped watching preferences")
}

func (w *PrefsWatcher) watch(watcher *fsnotify.Watcher, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	target := filepath.Base(w.prefs.Path())
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.Debounce, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			LogError("prefs_watcher").Err(err).Msg("Watcher error")
		}
	}
}

func (w *PrefsWatcher) reload() {
	if time.Since(w.prefs.LastWrite()) < w.SelfWindow {
		return
	}
	if err := w.prefs.Reload(); err != nil {
		LogWarn("prefs_watcher").Err(err).Msg("Ignoring unreadable preferences")
		return
	}
	LogInfo("prefs_watcher").Msg("Preferences changed externally, reloaded")
	if w.onChange != nil {
		w.onChange()
	}
}
