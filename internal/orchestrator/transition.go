package orchestrator

import "github.com/marcus-qen/kmd/internal/registry"

// transitionTable maps each ticket state to the agent roles allowed to
// produce a transition out of it, via a data-driven table:
// "each state has one or more allowed agent roles; only triggers from those
// agents can advance the state."
var transitionTable = map[string][]string{
	registry.TicketCreated:     {"planner"},
	registry.TicketPlanned:     {"architect"},
	registry.TicketDesigned:    {"coder"},
	registry.TicketImplemented: {"reviewer"},
	registry.TicketReviewed:    {"tester"},
	registry.TicketTested:      {"integrator"},
	registry.TicketIntegrated:  {"integrator"},
}

// nextState maps each state to the state a successful transition from it
// produces.
var nextState = map[string]string{
	registry.TicketCreated:     registry.TicketPlanned,
	registry.TicketPlanned:     registry.TicketDesigned,
	registry.TicketDesigned:    registry.TicketImplemented,
	registry.TicketImplemented: registry.TicketReviewed,
	registry.TicketReviewed:    registry.TicketTested,
	registry.TicketTested:      registry.TicketIntegrated,
	registry.TicketIntegrated:  registry.TicketCompleted,
}

func isTerminal(state string) bool {
	switch state {
	case registry.TicketCompleted, registry.TicketCancelled:
		return true
	case registry.TicketFailed:
		return true // terminal unless an explicit reopen event is appended
	default:
		return false
	}
}

func roleAllowed(state, role string) bool {
	roles, ok := transitionTable[state]
	if !ok {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
