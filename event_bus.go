package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"KernelDeck/tuner"

	"github.com/google/uuid"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"
	"golang.org/x/time/rate"
)

// ========================================
// EventBus - 前端 / MCP 事件总线
// ========================================

// EventTopic 事件主题, 同时作为 Wails 事件名
type EventTopic string

const (
	TopicState        EventTopic = "tuning-state"
	TopicTelemetry    EventTopic = "telemetry-sample"
	TopicApplyLog     EventTopic = "apply-log"
	TopicApplyResult  EventTopic = "apply-result"
	TopicToast        EventTopic = "toast"
	TopicScreenshot   EventTopic = "screenshot-saved"
	TopicEsports      EventTopic = "esports-mode"
	TopicPermission   EventTopic = "permission-required"
	TopicPrefsChanged EventTopic = "prefs-changed"
)

// BusEvent 总线上的一条事件
type BusEvent struct {
	ID        string      `json:"id"`
	Topic     EventTopic  `json:"topic"`
	Timestamp int64       `json:"timestamp"` // unix ms
	Data      interface{} `json:"data"`
}

// ApplyLogEvent 是 apply 的一行输出
type ApplyLogEvent struct {
	ApplyID string `json:"applyId"`
	Key     string `json:"key"`
	Line    string `json:"line"`
}

// StateEvent 表示某一块可调状态发生了变化
type StateEvent struct {
	Section string      `json:"section"` // "cluster:<key>", "thermal", "ram", ...
	Value   interface{} `json:"value"`
}

type subscriber struct {
	ch     chan BusEvent
	topics map[EventTopic]bool // nil 表示全部主题
}

// EventBusConfig 配置 EventBus
type EventBusConfig struct {
	// ToastRate / ToastBurst 限制 toast 频率, 超出的直接丢弃
	ToastRate  rate.Limit
	ToastBurst int
}

// EventBus 把引擎事件扇出给订阅者, 慢订阅者直接丢事件
type EventBus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	next    int
	wails   context.Context
	dropped atomic.Int64

	toastLimiter *rate.Limiter

	// emit 转发给 Wails, 测试时替换
	emit func(ctx context.Context, name string, data ...interface{})
}

// NewEventBus 创建事件总线
func NewEventBus(cfg EventBusConfig) *EventBus {
	if cfg.ToastRate == 0 {
		cfg.ToastRate = rate.Every(time.Second)
	}
	if cfg.ToastBurst <= 0 {
		cfg.ToastBurst = 3
	}
	return &EventBus{
		subs:         make(map[int]*subscriber),
		toastLimiter: rate.NewLimiter(cfg.ToastRate, cfg.ToastBurst),
		emit:         wailsRuntime.EventsEmit,
	}
}

// SetWailsContext 设置 Wails 上下文; MCP 模式下保持 nil, 不调用 EventsEmit
func (b *EventBus) SetWailsContext(ctx context.Context) {
	b.mu.Lock()
	b.wails = ctx
	b.mu.Unlock()
}

// Subscribe 订阅指定主题 (为空则订阅全部). 调用 cancel 后通道关闭.
func (b *EventBus) Subscribe(buffer int, topics ...EventTopic) (<-chan BusEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan BusEvent, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[EventTopic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish 发布事件, 永不阻塞
func (b *EventBus) Publish(topic EventTopic, data interface{}) BusEvent {
	ev := BusEvent{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}

	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	wctx := b.wails
	b.mu.RUnlock()

	if wctx != nil {
		b.emit(wctx, string(topic), ev)
	}
	return ev
}

// Dropped 返回因订阅者过慢而丢弃的事件数
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// ========================================
// tuner.Notifier
// ========================================

// Toast 发送提示; 超过频率限制时丢弃
func (b *EventBus) Toast(message string) {
	if !b.toastLimiter.Allow() {
		LogDebug("event_bus").Str("message", message).Msg("Toast rate limited")
		return
	}
	b.Publish(TopicToast, message)
}

// Screenshot 截图完成
func (b *EventBus) Screenshot(path string) {
	b.Publish(TopicScreenshot, path)
}

// Esports 电竞模式切换
func (b *EventBus) Esports(on bool) {
	b.Publish(TopicEsports, on)
}

// PermissionRequired 请求用户到系统设置中授权
func (b *EventBus) PermissionRequired(c tuner.Capability) {
	LogWarn("event_bus").Str("capability", string(c)).Msg("Permission required")
	b.Publish(TopicPermission, string(c))
}

// ========================================
// Apply hooks
// ========================================

// ApplyHooks 返回管道钩子: 日志行和完成结果都发布到总线, 再交给 onComplete
func (b *EventBus) ApplyHooks(onComplete ...func(tuner.ApplyResult)) tuner.ApplyHooks {
	return tuner.ApplyHooks{
		OnLog: func(id, key, line string) {
			b.Publish(TopicApplyLog, ApplyLogEvent{ApplyID: id, Key: key, Line: line})
		},
		OnComplete: func(r tuner.ApplyResult) {
			b.Publish(TopicApplyResult, applyRecord(r))
			for _, fn := range onComplete {
				fn(r)
			}
		},
	}
}

// forwardObservable 把 Observable 的变化发布到总线, 直到 stop 关闭
func forwardObservable[T any](b *EventBus, topic EventTopic, section string, obs *tuner.Observable[T], stop <-chan struct{}) {
	ch, cancel := obs.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case v, ok := <-ch:
				if !ok {
					return
				}
				if section == "" {
					b.Publish(topic, v)
				} else {
					b.Publish(topic, StateEvent{Section: section, Value: v})
				}
			case <-stop:
				return
			}
		}
	}()
}
