package execx

import (
	"context"
	"io"
	"sync"
)

// FakeRunner records commands instead of executing them. Responses are
// consumed in order; once exhausted every call succeeds with an empty Result.
// Like exec.CommandContext, a command whose context is already done is never
// started: it is not recorded and returns the context error.
type FakeRunner struct {
	mu        sync.Mutex
	Calls     []Command
	Responses []FakeResponse
	// Hook, when set, runs for every call before the scripted response is
	// returned. Tests use it to create files a real tool would have written.
	Hook func(Command) error
}

// FakeResponse is one scripted outcome.
type FakeResponse struct {
	Result Result
	Err    error
}

func (f *FakeRunner) Run(ctx context.Context, c Command) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	f.mu.Lock()
	f.Calls = append(f.Calls, c)
	var resp FakeResponse
	if len(f.Responses) > 0 {
		resp = f.Responses[0]
		f.Responses = f.Responses[1:]
	}
	hook := f.Hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(c); err != nil {
			return Result{}, err
		}
	}
	if c.Stdout != nil && resp.Result.Stdout != "" {
		_, _ = io.WriteString(c.Stdout, resp.Result.Stdout)
	}
	if c.Stderr != nil && resp.Result.Stderr != "" {
		_, _ = io.WriteString(c.Stderr, resp.Result.Stderr)
	}
	return resp.Result, resp.Err
}

// Fail queues a non-zero exit for the next call.
func (f *FakeRunner) Fail(name string, code int, stderr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append(f.Responses, FakeResponse{
		Result: Result{ExitCode: code, Stderr: stderr},
		Err:    &ExitError{Name: name, Code: code, Stderr: stderr},
	})
}

// Succeed queues a successful call with the given stdout.
func (f *FakeRunner) Succeed(stdout string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = append(f.Responses, FakeResponse{Result: Result{Stdout: stdout}})
}

// CallsTo returns the recorded calls whose Name matches.
func (f *FakeRunner) CallsTo(name string) []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Command
	for _, c := range f.Calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
