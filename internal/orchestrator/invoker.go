package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/marcus-qen/kmd/internal/kmerr"
)

// AgentRequest is everything an AgentInvoker needs to run one agent
// activation. The agent implementation itself (model, prompts) stays
// external to this process by design; this is just the host-process
// invocation contract.
type AgentRequest struct {
	Agent        string         `json:"agent"`
	TicketID     string         `json:"ticket_id"`
	EventType    string         `json:"event_type"`
	Payload      map[string]any `json:"payload"`
	ChangedPaths []string       `json:"changed_paths"`
	Timeout      time.Duration  `json:"-"`
}

// AgentResult is what an agent invocation produced.
type AgentResult struct {
	Partial           bool
	ProducedArtifacts []string
	Output            string
	ConsumedEventIDs  []int64
}

// AgentInvoker runs one agent activation and returns its result.
type AgentInvoker interface {
	Invoke(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// ExecInvoker is the default AgentInvoker: it shells out to a configured
// command per agent name, on the premise that
// the orchestrator's job is process invocation, not agent logic.
type ExecInvoker struct {
	// Commands maps an agent name to the argv used to invoke it. req is
	// marshaled as JSON on stdin; stdout is parsed as JSON into the
	// result (see agentResponse).
	Commands map[string][]string
	Env      []string
}

// agentResponse is the JSON object an agent process writes to stdout. It
// mirrors AgentResult so TransitionTicket receives the artifacts and
// consumed event ids the agent actually produced, not an empty result.
type agentResponse struct {
	Partial           bool     `json:"partial"`
	Output            string   `json:"output"`
	ProducedArtifacts []string `json:"produced_artifacts"`
	ConsumedEventIDs  []int64  `json:"consumed_event_ids"`
}

func (e ExecInvoker) Invoke(ctx context.Context, req AgentRequest) (AgentResult, error) {
	argv, ok := e.Commands[req.Agent]
	if !ok || len(argv) == 0 {
		return AgentResult{}, kmerr.New(kmerr.KindPolicy, "orchestrator: no command configured for agent "+req.Agent)
	}

	stdin, err := json.Marshal(req)
	if err != nil {
		return AgentResult{}, kmerr.Wrap(kmerr.KindIO, "orchestrator: marshal agent request", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = e.Env
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return AgentResult{}, kmerr.Wrap(kmerr.KindExternal, "orchestrator: agent "+req.Agent+" invocation failed: "+stderr.String(), err)
	}

	var resp agentResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return AgentResult{}, kmerr.Wrap(kmerr.KindExternal, "orchestrator: agent "+req.Agent+" did not emit a valid JSON result on stdout", err)
	}

	return AgentResult{
		Partial:           resp.Partial,
		Output:            resp.Output,
		ProducedArtifacts: resp.ProducedArtifacts,
		ConsumedEventIDs:  resp.ConsumedEventIDs,
	}, nil
}
