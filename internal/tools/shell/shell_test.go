package shell

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agentd/internal/agent"
)

func TestInverseCommand(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"mkdir build", "rmdir build"},
		{"touch marker.txt", "rm marker.txt"},
		{"cp a.txt b.txt", "rm b.txt"},
		{"mv old.txt new.txt", "mv new.txt old.txt"},

		// Flags disqualify a command.
		{"mkdir -p a/b/c", ""},
		{"cp -r src dst", ""},
		{"rm -rf build", ""},

		// Wrong arity or no known inverse.
		{"mkdir a b", ""},
		{"cp a", ""},
		{"echo hello", ""},
		{"git push", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := inverseCommand(tt.command); got != tt.want {
			t.Errorf("inverseCommand(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}

func TestExecReversalFor(t *testing.T) {
	tool := NewExecTool("exec", NewManager(t.TempDir()))

	plan := tool.ReversalFor(json.RawMessage(`{"command":"mkdir build","cwd":"sub"}`))
	if plan == nil || plan.Tool != "exec" {
		t.Fatalf("plan = %+v", plan)
	}
	var args map[string]string
	if err := json.Unmarshal(plan.Input, &args); err != nil {
		t.Fatal(err)
	}
	if args["command"] != "rmdir build" || args["cwd"] != "sub" {
		t.Errorf("plan input = %v", args)
	}

	if tool.ReversalFor(json.RawMessage(`{"command":"rm -rf build"}`)) != nil {
		t.Error("destructive command must have no plan")
	}
	if tool.ReversalFor(json.RawMessage(`{"command":"mkdir build","background":true}`)) != nil {
		t.Error("background commands must have no plan")
	}
}

func TestExecRunSync(t *testing.T) {
	tool := NewExecTool("exec", NewManager(t.TempDir()))

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"echo hello; echo oops >&2"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Content)
	}

	var result ExecResult
	if err := json.Unmarshal([]byte(res.Content), &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("stderr = %q", result.Stderr)
	}
	if result.ExitCode != 0 || !result.Finished {
		t.Errorf("exit = %d finished = %v", result.ExitCode, result.Finished)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	tool := NewExecTool("exec", NewManager(t.TempDir()))

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"exit 3"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var result ExecResult
	if err := json.Unmarshal([]byte(res.Content), &result); err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestBackgroundProcessLifecycle(t *testing.T) {
	manager := NewManager(t.TempDir())
	exec := NewExecTool("exec", manager)
	proc := NewProcessTool(manager)

	res, err := exec.Execute(context.Background(), json.RawMessage(`{"command":"echo bg-out","background":true}`))
	if err != nil || res.IsError {
		t.Fatalf("background start failed: %v %s", err, res.Content)
	}
	var started struct {
		Status    string `json:"status"`
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal([]byte(res.Content), &started); err != nil {
		t.Fatal(err)
	}
	if started.Status != "running" || started.ProcessID == "" {
		t.Fatalf("start response = %+v", started)
	}

	// Poll blocks until the short-lived command exits.
	pollParams := `{"action":"poll","process_id":"` + started.ProcessID + `","wait_seconds":10}`
	res, err = proc.Execute(context.Background(), json.RawMessage(pollParams))
	if err != nil || res.IsError {
		t.Fatalf("poll failed: %v %s", err, res.Content)
	}
	var polled struct {
		Status   string `json:"status"`
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
	}
	if err := json.Unmarshal([]byte(res.Content), &polled); err != nil {
		t.Fatal(err)
	}
	if polled.Status != "exited" || polled.ExitCode != 0 {
		t.Fatalf("poll = %+v", polled)
	}
	if strings.TrimSpace(polled.Stdout) != "bg-out" {
		t.Errorf("stdout = %q", polled.Stdout)
	}

	// Remove only works once the process has exited.
	res, err = proc.Execute(context.Background(), json.RawMessage(
		`{"action":"remove","process_id":"`+started.ProcessID+`"}`))
	if err != nil || res.IsError {
		t.Fatalf("remove failed: %v %s", err, res.Content)
	}
	res, _ = proc.Execute(context.Background(), json.RawMessage(
		`{"action":"status","process_id":"`+started.ProcessID+`"}`))
	if !res.IsError {
		t.Error("status after remove should fail")
	}
}

func TestProcessInfoConcurrentWithExit(t *testing.T) {
	manager := NewManager(t.TempDir())
	exec := NewExecTool("exec", manager)

	res, err := exec.Execute(context.Background(), json.RawMessage(`{"command":"sleep 0.05","background":true}`))
	if err != nil || res.IsError {
		t.Fatalf("background start failed: %v %s", err, res.Content)
	}
	var started struct {
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal([]byte(res.Content), &started); err != nil {
		t.Fatal(err)
	}
	p, ok := manager.get(started.ProcessID)
	if !ok {
		t.Fatal("process not tracked")
	}

	// Hammer info while the waiter records the exit state.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = p.info()
			}
		}
	}()

	if status := p.poll(context.Background(), 10*time.Second); status != "exited" {
		t.Fatalf("poll = %q, want exited", status)
	}
	close(stop)
	wg.Wait()

	if code, werr := p.exitState(); code != 0 || werr != nil {
		t.Errorf("exit state = %d %v", code, werr)
	}
}

func TestProcessPollTimesOutOnLongRun(t *testing.T) {
	manager := NewManager(t.TempDir())
	exec := NewExecTool("exec", manager)
	proc := NewProcessTool(manager)

	res, err := exec.Execute(context.Background(), json.RawMessage(`{"command":"sleep 30","background":true}`))
	if err != nil || res.IsError {
		t.Fatalf("background start failed: %v %s", err, res.Content)
	}
	var started struct {
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal([]byte(res.Content), &started); err != nil {
		t.Fatal(err)
	}

	p, ok := manager.get(started.ProcessID)
	if !ok {
		t.Fatal("process not tracked")
	}
	defer func() {
		_, _ = proc.Execute(context.Background(), json.RawMessage(
			`{"action":"kill","process_id":"`+started.ProcessID+`"}`))
	}()

	start := time.Now()
	if status := p.poll(context.Background(), 50*time.Millisecond); status != "running" {
		t.Errorf("poll status = %q, want running", status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("poll blocked too long: %s", elapsed)
	}
}

func TestProcessUnknownAction(t *testing.T) {
	proc := NewProcessTool(NewManager(t.TempDir()))

	res, err := proc.Execute(context.Background(), json.RawMessage(`{"action":"explode"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("unknown action should produce an error result")
	}
}

func TestExecOutputIsBounded(t *testing.T) {
	manager := NewManager(t.TempDir())
	manager.maxOutput = 100
	tool := NewExecTool("exec", manager)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"yes x | head -c 10000"}`))
	if err != nil || res.IsError {
		t.Fatalf("Execute: %v %s", err, res.Content)
	}
	var result ExecResult
	if err := json.Unmarshal([]byte(res.Content), &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Stdout) > 100 {
		t.Errorf("stdout length = %d, want <= 100", len(result.Stdout))
	}
}

func TestExecToolIsCategorized(t *testing.T) {
	var tool agent.Tool = NewExecTool("exec", NewManager(t.TempDir()))
	if _, ok := tool.(agent.CategorizedTool); !ok {
		t.Error("exec tool must declare its category")
	}
	if _, ok := tool.(agent.ReversibleTool); !ok {
		t.Error("exec tool must expose reversal plans")
	}
}
