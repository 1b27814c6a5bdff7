package tuner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Output is the captured result of a non-streaming command
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs privileged shell commands on the device. Implementations
// must be safe for concurrent use.
type Executor interface {
	// Execute runs one command and returns its captured output
	Execute(ctx context.Context, command string) (Output, error)
	// ExecuteStreaming runs commands in order, calling onLine for every
	// output line as it arrives. It stops at the first failing command.
	ExecuteStreaming(ctx context.Context, commands []string, onLine func(string)) error
}

// Transport selects how the root shell is reached
type Transport string

const (
	// TransportADB runs "adb -s <serial> shell su -c ..." from a workstation
	TransportADB Transport = "adb"
	// TransportLocal runs "su -c ..." on the device itself
	TransportLocal Transport = "local"
)

// ShellConfig configures a ShellExecutor
type ShellConfig struct {
	Transport Transport
	AdbPath   string
	Serial    string
	SuPath    string
	Timeout   time.Duration // per command; zero means no extra deadline

	// AssumeRoot skips the "id -u" probe, for processes already running as root
	AssumeRoot bool
	// UnprivilegedReads lets Execute fall back to a plain shell when su is
	// missing. Streaming writes always require root.
	UnprivilegedReads bool

	Logger zerolog.Logger
}

// ShellExecutor is the Executor backed by adb or a local su binary
type ShellExecutor struct {
	cfg ShellConfig

	mu        sync.Mutex
	probed    bool
	available bool
}

// NewShellExecutor creates an executor. Root availability is probed lazily.
func NewShellExecutor(cfg ShellConfig) *ShellExecutor {
	if cfg.Transport == "" {
		cfg.Transport = TransportADB
	}
	if cfg.AdbPath == "" {
		cfg.AdbPath = "adb"
	}
	if cfg.SuPath == "" {
		cfg.SuPath = "su"
	}
	e := &ShellExecutor{cfg: cfg}
	if cfg.AssumeRoot {
		e.probed = true
		e.available = true
	}
	return e
}

// Available reports whether a root shell can be obtained. The first call
// runs "id -u" under su; the answer is cached until ResetAvailability.
func (e *ShellExecutor) Available(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.probed {
		return e.available
	}

	out, err := e.run(ctx, e.wrap(e.privileged("id -u")), nil)
	if ctx.Err() != nil {
		// Cancelled before an answer; probe again next time
		return false
	}
	e.available = err == nil && strings.TrimSpace(out.Stdout) == "0"
	e.probed = true

	e.cfg.Logger.Info().
		Str("transport", string(e.cfg.Transport)).
		Str("serial", e.cfg.Serial).
		Bool("available", e.available).
		Msg("Root shell probed")
	return e.available
}

// ResetAvailability forgets the cached probe result
func (e *ShellExecutor) ResetAvailability() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.AssumeRoot {
		return
	}
	e.probed = false
	e.available = false
}

// Execute runs one command and captures its output
func (e *ShellExecutor) Execute(ctx context.Context, command string) (Output, error) {
	script := command
	if e.Available(ctx) {
		script = e.privileged(command)
	} else if !e.cfg.UnprivilegedReads {
		return Output{}, ErrPrivilegeUnavailable
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	return e.run(ctx, e.wrap(script), nil)
}

// ExecuteStreaming runs each command in sequence through su
func (e *ShellExecutor) ExecuteStreaming(ctx context.Context, commands []string, onLine func(string)) error {
	if !e.Available(ctx) {
		return ErrPrivilegeUnavailable
	}

	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		cctx := ctx
		cancel := func() {}
		if e.cfg.Timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		}
		_, err := e.run(cctx, e.wrap(e.privileged(command)), onLine)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// privileged wraps a script so it runs as root
func (e *ShellExecutor) privileged(script string) string {
	return e.cfg.SuPath + " -c " + shellQuote(script)
}

// wrap turns a device-side script into an argv for the chosen transport
func (e *ShellExecutor) wrap(script string) []string {
	if e.cfg.Transport == TransportLocal {
		return []string{"sh", "-c", script}
	}
	args := []string{e.cfg.AdbPath}
	if e.cfg.Serial != "" {
		args = append(args, "-s", e.cfg.Serial)
	}
	return append(args, "shell", script)
}

// run starts argv and either captures stdout or streams merged output lines
// to onLine.
func (e *ShellExecutor) run(ctx context.Context, argv []string, onLine func(string)) (Output, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = cleanEnv()
	// Grandchildren (su, the device shell) may keep the pipes open after a kill
	cmd.WaitDelay = time.Second

	stderr := &tailBuffer{limit: 4096}
	display := argv[len(argv)-1]

	if onLine == nil {
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = stderr
		err := cmd.Run()
		out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			out.ExitCode = exitCode(err)
			return out, e.commandError(ctx, display, out, err)
		}
		return out, nil
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = io.MultiWriter(pw, stderr)

	if err := cmd.Start(); err != nil {
		pw.Close()
		return Output{ExitCode: -1}, e.commandError(ctx, display, Output{}, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	if scanner.Err() != nil {
		// Keep the pipe flowing so Wait can return
		_, _ = io.Copy(io.Discard, pr)
	}

	err := <-waitErr
	out := Output{Stderr: stderr.String()}
	if err != nil {
		out.ExitCode = exitCode(err)
		return out, e.commandError(ctx, display, out, err)
	}
	return out, nil
}

func (e *ShellExecutor) commandError(ctx context.Context, command string, out Output, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cause := ctx.Err()
		return &CommandError{Command: command, ExitCode: out.ExitCode, Stderr: out.Stderr, Err: cause}
	}
	if ctx.Err() != nil {
		return &CommandError{Command: command, ExitCode: -1, Err: ctx.Err()}
	}
	// The binary itself could not start (no adb, no sh)
	return fmt.Errorf("%w: %v", ErrPrivilegeUnavailable, err)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// shellQuote single-quotes s for a POSIX shell
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var proxyVars = []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}

// cleanEnv drops proxy variables; adb talks to its local server and breaks
// when a proxy is configured.
func cleanEnv() []string {
	env := os.Environ()
	newEnv := make([]string, 0, len(env))
	for _, kv := range env {
		isProxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(kv, v+"=") {
				isProxy = true
				break
			}
		}
		if !isProxy {
			newEnv = append(newEnv, kv)
		}
	}
	return newEnv
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
