package swarm_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/clawswarm/orchestrator/internal/config"
	"github.com/clawswarm/orchestrator/internal/swarm"
	"github.com/clawswarm/orchestrator/internal/worker"
)

type stubExecutor struct {
	lastCommand string
	output      string
	err         error
}

func (s *stubExecutor) Exec(ctx context.Context, command, workDir string) (string, error) {
	s.lastCommand = command
	return s.output, s.err
}

func TestRun_InputCommandWithParamSubstitution(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	inv := &echoInvoker{fn: func(req worker.Request) (string, error) { return "ok:" + req.Prompt, nil }}
	exec := &stubExecutor{output: "item-one\nitem-two\n"}

	e := swarm.New(cfg, inv, swarm.WithExecutor(exec), swarm.WithClock(func() time.Time { return time.Unix(0, 0) }))

	spec := baseSwarmSpec()
	spec.Input = &config.SwarmInputSpec{Command: "list-issues --repo={{repo}} --limit={{limit}}", Type: "lines"}

	_, err := e.Run(context.Background(), "job8", spec, "check acme/widgets with limit 5 please", nil, swarm.RequestContext{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(exec.lastCommand, "acme/widgets") || !strings.Contains(exec.lastCommand, "5") {
		t.Fatalf("expected substituted command, got %q", exec.lastCommand)
	}
}

func TestRun_BacktickInlineCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	inv := &echoInvoker{fn: func(req worker.Request) (string, error) { return "ok", nil }}
	exec := &stubExecutor{output: "a\nb\n"}

	e := swarm.New(cfg, inv, swarm.WithExecutor(exec), swarm.WithClock(func() time.Time { return time.Unix(0, 0) }))

	_, err := e.Run(context.Background(), "job9", baseSwarmSpec(), "please run `ls /tmp` and process", nil, swarm.RequestContext{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.lastCommand != "ls /tmp" {
		t.Fatalf("expected backtick command extracted, got %q", exec.lastCommand)
	}
}

func TestRun_TooManyItems(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	inv := &echoInvoker{fn: func(req worker.Request) (string, error) { return "ok", nil }}

	var items []string
	for i := 0; i < 10001; i++ {
		items = append(items, "x")
	}
	exec := &stubExecutor{output: strings.Join(items, "\n")}

	e := swarm.New(cfg, inv, swarm.WithExecutor(exec), swarm.WithClock(func() time.Time { return time.Unix(0, 0) }))
	spec := baseSwarmSpec()
	spec.Input = &config.SwarmInputSpec{Command: "dump-everything", Type: "lines"}

	_, err := e.Run(context.Background(), "job10", spec, "go", nil, swarm.RequestContext{})
	if _, ok := err.(*swarm.TooManyItemsError); !ok {
		t.Fatalf("expected *swarm.TooManyItemsError, got %T: %v", err, err)
	}
}
