package orchestrator

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestExecInvokerPassesRequestOnStdinAndParsesResult(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	script := `
read -r line
case "$line" in
	*planner-ticket*) ;;
	*) echo "missing ticket id in stdin: $line" >&2; exit 1 ;;
esac
echo '{"output":"done","produced_artifacts":["plan.md"],"consumed_event_ids":[1,2]}'
`
	invoker := ExecInvoker{Commands: map[string][]string{"planner": {"sh", "-c", script}}}

	result, err := invoker.Invoke(context.Background(), AgentRequest{
		Agent:    "planner",
		TicketID: "planner-ticket",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Output != "done" {
		t.Fatalf("expected output %q, got %q", "done", result.Output)
	}
	if len(result.ProducedArtifacts) != 1 || result.ProducedArtifacts[0] != "plan.md" {
		t.Fatalf("expected produced_artifacts [plan.md], got %v", result.ProducedArtifacts)
	}
	if len(result.ConsumedEventIDs) != 2 || result.ConsumedEventIDs[0] != 1 || result.ConsumedEventIDs[1] != 2 {
		t.Fatalf("expected consumed_event_ids [1 2], got %v", result.ConsumedEventIDs)
	}
}

func TestExecInvokerFailsOnNonJSONStdout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	invoker := ExecInvoker{Commands: map[string][]string{"planner": {"sh", "-c", "cat >/dev/null; echo not-json"}}}

	_, err := invoker.Invoke(context.Background(), AgentRequest{Agent: "planner", TicketID: "t1"})
	if err == nil {
		t.Fatal("expected an error for a non-JSON stdout result")
	}
	if !strings.Contains(err.Error(), "valid JSON") {
		t.Fatalf("expected error to mention JSON parsing, got %v", err)
	}
}

func TestExecInvokerRejectsUnconfiguredAgent(t *testing.T) {
	invoker := ExecInvoker{Commands: map[string][]string{}}

	_, err := invoker.Invoke(context.Background(), AgentRequest{Agent: "ghost"})
	if err == nil {
		t.Fatal("expected an error for an agent with no configured command")
	}
}
