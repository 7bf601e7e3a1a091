package engine

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/patchspool/errors"
)

// maxOutput bounds the captured output kept per command; the tail is kept
const maxOutput = 64 * 1024

// Command is one shell-level command from a patch stage
type Command struct {
	Line    string
	Dir     string
	Timeout time.Duration
}

// CommandResult is what the engine needs to know about a finished command
type CommandResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// CommandRunner runs stage commands. A non-zero exit is reported through
// ExitCode; the error is reserved for commands that could not run to
// completion (not startable, timed out).
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// ExecRunner runs commands as child processes. Plain commands are split with
// shell quoting rules and executed directly; anything using shell syntax
// (pipes, redirection, expansion, chaining) goes through sh -c.
type ExecRunner struct {
	Shell string
}

// Run executes cmd, killing it when its timeout expires
func (r ExecRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	argv, err := r.argv(cmd.Line)
	if err != nil {
		return CommandResult{ExitCode: -1}, err
	}

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.WaitDelay = 2 * time.Second
	out := &tailBuffer{limit: maxOutput}
	c.Stdout = out
	c.Stderr = out

	start := time.Now()
	runErr := c.Run()
	res := CommandResult{Output: out.String(), Duration: time.Since(start)}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.TimedOut = true
		return res, errors.Wrapf(errors.ErrTimeout, "%s exceeded %s", Quote(argv...), cmd.Timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, errors.Wrapf(runErr, "failed to run %s", Quote(argv...))
	}
	return res, nil
}

func (r ExecRunner) argv(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errors.NewInvalidRequestError("empty command")
	}
	if needsShell(line) {
		shell := r.Shell
		if shell == "" {
			shell = "sh"
		}
		return []string{shell, "-c", line}, nil
	}
	args, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot parse command %q", line)
	}
	if len(args) == 0 {
		return nil, errors.NewInvalidRequestError("empty command")
	}
	return args, nil
}

// needsShell reports whether line uses syntax only a shell can interpret
func needsShell(line string) bool {
	if strings.ContainsAny(line, "|&;<>()$`*?[]{}~\n") {
		return true
	}
	// leading VAR=value assignment
	first := strings.Fields(line)[0]
	if i := strings.IndexByte(first, '='); i > 0 && !strings.ContainsAny(first[:i], `"'`) {
		return true
	}
	return false
}

// Quote renders argv the way a shell would need to see it
func Quote(args ...string) string {
	return shellquote.Join(args...)
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "...\n" + t.buf.String()
	}
	return t.buf.String()
}

// FakeRunner is a scripted CommandRunner. Commands without a script succeed
// with empty output. Every call is recorded.
type FakeRunner struct {
	mu      sync.Mutex
	scripts map[string]FakeResult
	calls   []Command
	// OnRun, when set, is called before the scripted result is returned
	OnRun func(cmd Command)
}

// FakeResult is the scripted outcome of a command line
type FakeResult struct {
	Result CommandResult
	Err    error
}

// NewFakeRunner returns an empty FakeRunner
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{scripts: make(map[string]FakeResult)}
}

// Script sets the outcome for a command line
func (f *FakeRunner) Script(line string, exitCode int, output string) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[line] = FakeResult{Result: CommandResult{ExitCode: exitCode, Output: output}}
	return f
}

// ScriptError makes a command line fail to run
func (f *FakeRunner) ScriptError(line string, err error) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[line] = FakeResult{Result: CommandResult{ExitCode: -1}, Err: err}
	return f
}

// Run records cmd and returns its scripted result
func (f *FakeRunner) Run(_ context.Context, cmd Command) (CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	res, ok := f.scripts[cmd.Line]
	hook := f.OnRun
	f.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	if !ok {
		return CommandResult{}, nil
	}
	return res.Result, res.Err
}

// Calls returns the command lines run so far, in order
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.calls))
	for i, c := range f.calls {
		lines[i] = c.Line
	}
	return lines
}
