// Package status projects a session's conversation state onto the small
// display enum the operator sees next to each issue.
package status

import (
	"healthwatch/internal/models"
	"healthwatch/internal/protocol"
)

// Status is the display label for one tracked issue.
type Status string

const (
	NotStarted           Status = "NotStarted"
	HandingOff           Status = "HandingOff" // transient: handoff approved, solution pending
	Resuming             Status = "Resuming"   // transient: resume sent, loop not yet running
	Handoff              Status = "Handoff"
	AwaitUserApproval    Status = "AwaitUserApproval"
	AwaitHandoffApproval Status = "AwaitHandoffApproval"
	InProgress           Status = "InProgress"
)

// Input carries everything status derivation looks at.
type Input struct {
	HasSession       bool
	HasConversation  bool
	DecisionInFlight bool
	PendingKind      protocol.PendingKind // zero when no pending decision
	SolThreadID      string
	HasSolution      bool
	NextAction       models.NextAction // zero when no agent state yet
}

// Derive maps the input to a status. The conditions are not mutually
// exclusive; the first matching rule wins, in this order:
//
//  1. no session and no conversation -> NotStarted
//  2. decision in flight on a handoff approval -> HandingOff
//  3. decision in flight on a resume prompt -> Resuming
//  4. solution thread or solution state present -> Handoff
//  5. agent awaiting user approval -> AwaitUserApproval
//  6. agent proposing handoff -> AwaitHandoffApproval
//  7. otherwise -> InProgress
func Derive(in Input) Status {
	switch {
	case !in.HasSession && !in.HasConversation:
		return NotStarted
	case in.DecisionInFlight && in.PendingKind == protocol.PendingHandoffApproval:
		return HandingOff
	case in.DecisionInFlight && in.PendingKind == protocol.PendingResumeAvailable:
		return Resuming
	case in.SolThreadID != "" || in.HasSolution:
		return Handoff
	case in.NextAction == models.NextActionAwaitApproval:
		return AwaitUserApproval
	case in.NextAction == models.NextActionHandoffSolution:
		return AwaitHandoffApproval
	default:
		return InProgress
	}
}
