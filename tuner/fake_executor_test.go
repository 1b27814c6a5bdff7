package tuner

import (
	"context"
	"strings"
	"sync"
)

// fakeExecutor answers Execute from canned output and records every
// streamed command sequence.
type fakeExecutor struct {
	mu sync.Mutex

	// responses maps a substring of the command to its stdout. The longest
	// matching key wins.
	responses map[string]string
	failures  map[string]error

	streamLines map[string][]string // command -> lines emitted while streaming
	streamErr   error
	gate        chan struct{} // when set, ExecuteStreaming blocks until it is closed
	unavailable bool

	// dynamic, when set, answers before the canned tables
	dynamic func(command string) (stdout string, handled bool, err error)

	executed []string
	streamed [][]string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		responses:   make(map[string]string),
		failures:    make(map[string]error),
		streamLines: make(map[string][]string),
	}
}

func (f *fakeExecutor) respond(match, stdout string) *fakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[match] = stdout
	return f
}

func (f *fakeExecutor) fail(match string, err error) *fakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[match] = err
	return f
}

func (f *fakeExecutor) Execute(ctx context.Context, command string) (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, command)
	if f.unavailable {
		return Output{}, ErrPrivilegeUnavailable
	}
	if f.dynamic != nil {
		if out, ok, err := f.dynamic(command); ok {
			return Output{Stdout: out}, err
		}
	}

	bestErr, bestErrLen := error(nil), -1
	for k, err := range f.failures {
		if strings.Contains(command, k) && len(k) > bestErrLen {
			bestErr, bestErrLen = err, len(k)
		}
	}
	if bestErr != nil {
		return Output{ExitCode: 1}, bestErr
	}

	best, bestLen := "", -1
	for k, v := range f.responses {
		if strings.Contains(command, k) && len(k) > bestLen {
			best, bestLen = v, len(k)
		}
	}
	if bestLen < 0 {
		return Output{ExitCode: 1}, &CommandError{Command: command, ExitCode: 1}
	}
	return Output{Stdout: best}, nil
}

func (f *fakeExecutor) ExecuteStreaming(ctx context.Context, commands []string, onLine func(string)) error {
	f.mu.Lock()
	f.streamed = append(f.streamed, append([]string(nil), commands...))
	gate := f.gate
	unavailable := f.unavailable
	streamErr := f.streamErr
	lines := make([][]string, len(commands))
	for i, c := range commands {
		lines[i] = f.streamLines[c]
	}
	f.mu.Unlock()

	if unavailable {
		return ErrPrivilegeUnavailable
	}
	if gate != nil {
		<-gate
	}
	for i, c := range commands {
		onLine("$ " + c)
		for _, l := range lines[i] {
			onLine(l)
		}
	}
	return streamErr
}

func (f *fakeExecutor) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streamed)
}

func (f *fakeExecutor) lastStream() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streamed) == 0 {
		return nil
	}
	return f.streamed[len(f.streamed)-1]
}

func (f *fakeExecutor) allStreamed() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.streamed...)
}
