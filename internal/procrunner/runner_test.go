package procrunner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jelly-j/jellyj/internal/config"
)

type fakeRunner struct {
	calls   []runnerCall
	results []runnerResult
}

type runnerCall struct {
	name string
	args []string
}

type runnerResult struct {
	out []byte
	err error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, runnerCall{name: name, args: append([]string(nil), args...)})
	if len(f.results) == 0 {
		return []byte("ok"), nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.out, r.err
}

func TestExecutorRunsLocalCommand(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = nil
	r := &fakeRunner{}
	ex := NewExecutorWithRunner(cfg, r)

	result, err := ex.Run(context.Background(), time.Second, BuildTmuxCommand("list-panes", "-a"))
	if err != nil {
		t.Fatalf("run local command: %v", err)
	}
	if strings.TrimSpace(result.Output) != "ok" {
		t.Fatalf("unexpected output: %q", result.Output)
	}
	if len(r.calls) != 1 || r.calls[0].name != "tmux" {
		t.Fatalf("unexpected call: %#v", r.calls)
	}
}

func TestExecutorRetriesReadOnlyCommand(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("temporary")},
		{err: errors.New("temporary")},
		{out: []byte("ok"), err: nil},
	}}
	ex := NewExecutorWithRunner(cfg, r)

	_, err := ex.Run(context.Background(), time.Second, BuildTmuxCommand("list-panes", "-a"))
	if err != nil {
		t.Fatalf("expected retry success: %v", err)
	}
	if len(r.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(r.calls))
	}
}

func TestExecutorDoesNotRetryWriteCommand(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{time.Millisecond, time.Millisecond}
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("write failed")},
		{out: []byte("unexpected"), err: nil},
	}}
	ex := NewExecutorWithRunner(cfg, r)

	_, err := ex.Run(context.Background(), time.Second, BuildTmuxCommand("send-keys", "hello"))
	if err == nil {
		t.Fatalf("expected write command error")
	}
	if len(r.calls) != 1 {
		t.Fatalf("write command should not retry, got %d calls", len(r.calls))
	}
}

func TestExecutorWrapsTimeoutKind(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = nil
	r := &fakeRunner{results: []runnerResult{{err: context.DeadlineExceeded}}}
	ex := NewExecutorWithRunner(cfg, r)

	_, err := ex.Run(context.Background(), time.Millisecond, BuildZellijCommand("", "pipe", "ping"))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
