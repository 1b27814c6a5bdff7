package tuner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ApplyRequest describes one privileged write
type ApplyRequest struct {
	Key       string   // primary resource key
	ExtraKeys []string // taken together with Key, all or none
	Label     string   // human readable, e.g. "Set big governor"
	Commands  []string

	// OnSuccess runs after every command succeeded and before the locks are
	// released. It refreshes the store and writes preferences through.
	OnSuccess func(ctx context.Context) error
	// SuccessMessage overrides the default completion message
	SuccessMessage string
}

// ApplyResult is the single completion of an apply
type ApplyResult struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Label     string        `json:"label"`
	Success   bool          `json:"success"`
	Message   string        `json:"message"`
	Kind      ErrorKind     `json:"kind,omitempty"`
	Err       error         `json:"-"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Lines     []string      `json:"lines,omitempty"`
}

// ApplyHooks observe every apply run by a Pipeline
type ApplyHooks struct {
	OnLog      func(id, key, line string)
	OnComplete func(ApplyResult)
}

// ApplyHandle tracks one in-flight apply
type ApplyHandle struct {
	id  string
	key string

	mu     sync.Mutex
	cond   *sync.Cond
	lines  []string
	done   bool
	result ApplyResult
	once   sync.Once
	doneCh chan struct{}
}

func newHandle(key string) *ApplyHandle {
	h := &ApplyHandle{
		id:     uuid.New().String(),
		key:    key,
		doneCh: make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// ID returns the apply identifier
func (h *ApplyHandle) ID() string { return h.id }

// Key returns the primary resource key
func (h *ApplyHandle) Key() string { return h.key }

// Done is closed when the apply completes
func (h *ApplyHandle) Done() <-chan struct{} { return h.doneCh }

// Wait blocks until completion and returns the result
func (h *ApplyHandle) Wait() ApplyResult {
	<-h.doneCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Lines returns a snapshot of the log lines seen so far
func (h *ApplyHandle) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

// Logs returns a channel that replays every line from the start in program
// order and is closed after the last line of a completed apply. The caller
// must drain it.
func (h *ApplyHandle) Logs() <-chan string {
	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		next := 0
		for {
			h.mu.Lock()
			for next >= len(h.lines) && !h.done {
				h.cond.Wait()
			}
			pending := h.lines[next:]
			next = len(h.lines)
			finished := h.done
			h.mu.Unlock()

			for _, line := range pending {
				ch <- line
			}
			// No lines are appended after completion
			if finished {
				return
			}
		}
	}()
	return ch
}

func (h *ApplyHandle) appendLine(line string) {
	h.mu.Lock()
	h.lines = append(h.lines, line)
	h.mu.Unlock()
	h.cond.Broadcast()
}

// complete finalizes the handle. Only the first call has any effect.
func (h *ApplyHandle) complete(r ApplyResult, hook func(ApplyResult)) {
	h.once.Do(func() {
		h.mu.Lock()
		r.Lines = append([]string(nil), h.lines...)
		h.result = r
		h.done = true
		h.mu.Unlock()
		h.cond.Broadcast()
		close(h.doneCh)
		if hook != nil {
			hook(r)
		}
	})
}

// Pipeline runs privileged writes under resource locks and reports progress.
// Once started an apply runs to completion even if the caller's context is
// cancelled.
type Pipeline struct {
	exec    Executor
	locks   *ResourceLocks
	logger  zerolog.Logger
	hooks   ApplyHooks
	timeout time.Duration
	wg      sync.WaitGroup
}

// PipelineConfig configures a Pipeline
type PipelineConfig struct {
	Timeout time.Duration // whole-apply deadline, default 60s
	Hooks   ApplyHooks
	Logger  zerolog.Logger
}

// NewPipeline creates a pipeline over exec and locks
func NewPipeline(exec Executor, locks *ResourceLocks, cfg PipelineConfig) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Pipeline{
		exec:    exec,
		locks:   locks,
		logger:  cfg.Logger,
		hooks:   cfg.Hooks,
		timeout: cfg.Timeout,
	}
}

// Locks exposes the lock set the pipeline acquires from
func (p *Pipeline) Locks() *ResourceLocks { return p.locks }

// Apply starts req and returns immediately. A busy resource completes the
// handle synchronously with ErrResourceBusy and runs nothing; its OnComplete
// hook still fires after Apply returns so listeners can match the ID first.
func (p *Pipeline) Apply(ctx context.Context, req ApplyRequest) *ApplyHandle {
	h := newHandle(req.Key)
	started := time.Now()
	keys := append([]string{req.Key}, req.ExtraKeys...)

	if !p.locks.TryAcquireAll(keys...) {
		p.logger.Debug().Str("key", req.Key).Str("label", req.Label).Msg("Apply rejected, resource busy")
		p.finishDeferred(h, req, started, fmt.Errorf("%s: %w", req.Key, ErrResourceBusy))
		return h
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.run(ctx, h, req)
		p.locks.Release(keys...)
		p.finish(h, req, started, err)
	}()
	return h
}

// run executes the request and its success hook, recovering from panics
func (p *Pipeline) run(ctx context.Context, h *ApplyHandle, req ApplyRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("key", req.Key).
				Interface("recovered", r).
				Str("stack", string(debug.Stack())).
				Msg("Panic in apply")
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if len(req.Commands) > 0 {
		err = p.exec.ExecuteStreaming(ctx, req.Commands, func(line string) {
			h.appendLine(line)
			if p.hooks.OnLog != nil {
				p.hooks.OnLog(h.id, req.Key, line)
			}
		})
		if err != nil {
			return err
		}
	}

	if req.OnSuccess != nil {
		if herr := req.OnSuccess(ctx); herr != nil {
			// The device was written; only the follow-up refresh failed
			p.logger.Warn().Err(herr).Str("key", req.Key).Msg("State refresh after apply failed")
		}
	}
	return nil
}

func (p *Pipeline) finish(h *ApplyHandle, req ApplyRequest, started time.Time, err error) {
	h.complete(p.result(h, req, started, err), p.hooks.OnComplete)
}

// finishDeferred completes h now and runs the OnComplete hook on another
// goroutine tracked by Wait.
func (p *Pipeline) finishDeferred(h *ApplyHandle, req ApplyRequest, started time.Time, err error) {
	r := p.result(h, req, started, err)
	h.complete(r, nil)
	if hook := p.hooks.OnComplete; hook != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			hook(r)
		}()
	}
}

func (p *Pipeline) result(h *ApplyHandle, req ApplyRequest, started time.Time, err error) ApplyResult {
	r := ApplyResult{
		ID:        h.id,
		Key:       req.Key,
		Label:     req.Label,
		Success:   err == nil,
		Kind:      Classify(err),
		Err:       err,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	r.Message = resultMessage(req, err)

	event := p.logger.Info()
	if err != nil {
		event = p.logger.Warn().Err(err)
	}
	event.Str("id", r.ID).
		Str("key", r.Key).
		Str("label", r.Label).
		Bool("success", r.Success).
		Str("kind", string(r.Kind)).
		Dur("duration", r.Duration).
		Msg("Apply completed")
	return r
}

// Immediate completes an apply without touching locks or the executor. It
// reports validation failures and preference-only changes through the same
// completion path as real applies. The handle is done on return and the
// OnComplete hook follows asynchronously.
func (p *Pipeline) Immediate(key, label string, err error) *ApplyHandle {
	h := newHandle(key)
	p.finishDeferred(h, ApplyRequest{Key: key, Label: label}, time.Now(), err)
	return h
}

// ApplyFunc is the callback form of Apply. onComplete is called exactly
// once, after the last onLog.
func (p *Pipeline) ApplyFunc(ctx context.Context, key string, commands []string, onLog func(string), onComplete func(success bool, message string)) {
	h := p.Apply(ctx, ApplyRequest{Key: key, Label: key, Commands: commands})
	go func() {
		for line := range h.Logs() {
			if onLog != nil {
				onLog(line)
			}
		}
		r := h.Wait()
		if onComplete != nil {
			onComplete(r.Success, r.Message)
		}
	}()
}

// Wait blocks until every started apply has completed
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func resultMessage(req ApplyRequest, err error) string {
	name := req.Label
	if name == "" {
		name = req.Key
	}
	if err == nil {
		if req.SuccessMessage != "" {
			return req.SuccessMessage
		}
		return name + " applied"
	}

	var cmdErr *CommandError
	switch {
	case errors.Is(err, ErrResourceBusy):
		return name + ": another change is still in progress"
	case errors.Is(err, ErrPrivilegeUnavailable):
		return name + ": root access is not available"
	case errors.Is(err, ErrCapabilityDenied):
		return name + ": permission required"
	case errors.As(err, &cmdErr):
		msg := strings.TrimSpace(cmdErr.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", cmdErr.ExitCode)
		}
		return fmt.Sprintf("%s failed: %s", name, truncate(msg, 200))
	default:
		return fmt.Sprintf("%s failed: %v", name, err)
	}
}
