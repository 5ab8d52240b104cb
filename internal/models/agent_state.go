package models

// NextAction is the diagnostic agent's declared intent after a step.
type NextAction string

const (
	NextActionContinue        NextAction = "continue"
	NextActionAwaitApproval   NextAction = "await_user_approval"
	NextActionHandoffSolution NextAction = "handoff_to_solution_agent"
)

// AgentState is the structured output of one diagnostic agent step
// (the ReAct loop: thought, optional action, declared next action).
// One arrives per diagnostic event; it is folded into the conversation
// snapshot rather than stored verbatim.
type AgentState struct {
	Thought     string     `json:"thought"`
	Action      string     `json:"action,omitempty"`
	ActionInput string     `json:"action_input,omitempty"`
	NextAction  NextAction `json:"next_action"`
	RootCause   string     `json:"root_cause,omitempty"`
}
