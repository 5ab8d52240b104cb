// Package session hosts the server-side coordinator that drives the
// diagnostic step loop for one issue, and the registry that owns one
// coordinator per issue identity.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"healthwatch/internal/agent"
	"healthwatch/internal/models"
	"healthwatch/internal/protocol"
)

// State is the coordinator lifecycle state.
type State string

const (
	StateIdle             State = "idle"
	StateRunning          State = "running"
	StateAwaitingDecision State = "awaiting_decision"
	StateHandoffPending   State = "handoff_pending"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// Sink receives the server frames for the currently attached channel.
// Send must not block indefinitely; a failed send only means this client
// stopped listening, never that the run should stop.
type Sink interface {
	Send(frame any) error
	Close() error
}

// ReportStore persists the audit record of a completed run.
type ReportStore interface {
	CreateReport(ctx context.Context, report *models.Report) error
}

// Options bound the step loop.
type Options struct {
	// MaxSteps is how many diagnostic steps may run before the coordinator
	// stalls and asks the operator whether to keep going.
	MaxSteps int
	// StepTimeout bounds a single agent step. Zero means no timeout.
	StepTimeout time.Duration
}

type decision struct {
	kind protocol.Decision
	hint string
}

// Coordinator runs the diagnostic workflow for exactly one issue. One
// step loop exists per diagnostic thread; reconnecting attaches a new
// sink and replays history instead of spawning a second loop.
type Coordinator struct {
	issue   models.Issue
	diag    agent.Diagnostic
	sol     agent.Solution
	reports ReportStore
	opts    Options

	cancel context.CancelFunc

	mu               sync.Mutex
	state            State
	diagThreadID     string
	solThreadID      string
	solOutput        string
	lastErr          string
	pending          *protocol.AwaitingApproval
	decisionInFlight bool

	sinkMu sync.Mutex
	sink   Sink

	decisions chan decision
}

func newCoordinator(issue models.Issue, diag agent.Diagnostic, sol agent.Solution, reports ReportStore, opts Options) *Coordinator {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	return &Coordinator{
		issue:     issue,
		diag:      diag,
		sol:       sol,
		reports:   reports,
		opts:      opts,
		state:     StateIdle,
		decisions: make(chan decision, 1),
	}
}

// Issue returns the issue this coordinator serves.
func (c *Coordinator) Issue() models.Issue { return c.issue }

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DiagThreadID returns the diagnostic thread id, empty before the first run.
func (c *Coordinator) DiagThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diagThreadID
}

// Attach makes sink the live channel for this session, closing any
// previous one first (at most one live channel per issue identity).
// For a fresh coordinator it starts the step loop; for an existing
// thread it replays history and restores any outstanding decision,
// without invoking the agent again.
func (c *Coordinator) Attach(ctx context.Context, sink Sink) {
	c.sinkMu.Lock()
	if c.sink != nil {
		_ = c.sink.Close()
	}
	c.sink = sink
	c.sinkMu.Unlock()

	c.mu.Lock()
	if c.state == StateIdle {
		// Claim the loop before releasing the lock so a concurrent attach
		// cannot spawn a second one.
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.cancel = cancel
		c.state = StateRunning
		c.mu.Unlock()

		threadID, err := c.diag.NewThread(loopCtx)
		if err != nil {
			c.fail(fmt.Sprintf("start diagnostic thread: %v", err))
			return
		}
		c.mu.Lock()
		c.diagThreadID = threadID
		c.mu.Unlock()

		go c.runLoop(loopCtx, c.initialPrompt())
		return
	}
	state := c.state
	pending := c.pending
	lastErr := c.lastErr
	c.mu.Unlock()

	// Reconnect: replay, then restore whatever the channel would have
	// seen had it stayed attached.
	c.emitHistory(ctx)
	switch state {
	case StateCompleted:
		c.emit(c.completeFrame())
	case StateFailed:
		c.emit(&protocol.Error{Type: protocol.TypeError, Message: lastErr})
	case StateAwaitingDecision:
		if pending != nil {
			c.emit(pending)
		}
	}
}

// Intervene answers an outstanding approval or handoff-approval request.
// It reports whether the decision was accepted; a control frame with no
// matching pending decision, or arriving while one is already being
// processed, is discarded without side effects.
func (c *Coordinator) Intervene(d protocol.Decision, hint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.decisionInFlight {
		return false
	}
	if c.pending.Event == protocol.PendingResumeAvailable {
		return false
	}
	c.decisionInFlight = true
	c.decisions <- decision{kind: d, hint: hint}
	return true
}

// Resume answers a resume_available prompt. "yes" re-enters the step
// loop with a fresh step allowance; "no" leaves the session stalled.
func (c *Coordinator) Resume(choice protocol.ResumeChoice) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.decisionInFlight {
		return false
	}
	if c.pending.Event != protocol.PendingResumeAvailable {
		return false
	}
	if choice == protocol.ResumeNo {
		return true
	}
	c.decisionInFlight = true
	c.decisions <- decision{kind: protocol.DecisionApprove}
	return true
}

// Close stops event delivery and cancels the step loop. In-flight agent
// steps finish on their own; the thread stays queryable on reconnect if
// the coordinator is reopened before pruning.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.sinkMu.Lock()
	if c.sink != nil {
		_ = c.sink.Close()
		c.sink = nil
	}
	c.sinkMu.Unlock()
}

func (c *Coordinator) initialPrompt() string {
	return fmt.Sprintf("Investigate why %s '%s' in namespace '%s' is unhealthy: %s",
		c.issue.ResourceType, c.issue.ResourceName, c.issue.Namespace, c.issue.Message)
}

func (c *Coordinator) runLoop(ctx context.Context, input string) {
	steps := 0
	for {
		if ctx.Err() != nil {
			return
		}

		state, err := c.step(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(fmt.Sprintf("diagnostic step: %v", err))
			return
		}

		c.emit(&protocol.Diagnostic{
			Type:         protocol.TypeDiagnostic,
			State:        state,
			DiagThreadID: c.DiagThreadID(),
		})
		steps++

		switch state.NextAction {
		case models.NextActionAwaitApproval:
			d, ok := c.awaitDecision(ctx, &protocol.AwaitingApproval{
				Type:     protocol.TypeAwaitingApproval,
				Question: state.Thought,
				Event:    protocol.PendingAwaitingApproval,
			})
			if !ok {
				return
			}
			switch d.kind {
			case protocol.DecisionApprove:
				input = fmt.Sprintf("Action %s APPROVED. Proceed.", state.Action)
			case protocol.DecisionDeny:
				input = "Action DENIED. Reason/Hint: " + d.hint
			case protocol.DecisionHandoff:
				c.handoff(ctx, rootCauseOr(state, "Manual Handoff: "+state.Thought))
				return
			}

		case models.NextActionHandoffSolution:
			d, ok := c.awaitDecision(ctx, &protocol.AwaitingApproval{
				Type:     protocol.TypeAwaitingApproval,
				Question: state.Thought,
				Event:    protocol.PendingHandoffApproval,
			})
			if !ok {
				return
			}
			switch d.kind {
			case protocol.DecisionHandoff, protocol.DecisionApprove:
				c.handoff(ctx, rootCauseOr(state, state.Thought))
				return
			case protocol.DecisionDeny:
				input = "Action DENIED. Reason/Hint: " + d.hint
			}

		default: // continue
			if steps >= c.opts.MaxSteps {
				_, ok := c.awaitDecision(ctx, &protocol.AwaitingApproval{
					Type:     protocol.TypeAwaitingApproval,
					Question: fmt.Sprintf("Step limit reached after %d steps. Keep investigating?", steps),
					Event:    protocol.PendingResumeAvailable,
				})
				if !ok {
					return
				}
				steps = 0
			}
			input = ""
		}
	}
}

func (c *Coordinator) step(ctx context.Context, input string) (models.AgentState, error) {
	if c.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.StepTimeout)
		defer cancel()
	}
	return c.diag.Step(ctx, c.DiagThreadID(), input)
}

// awaitDecision parks the loop until the operator responds. The returned
// bool is false when the loop context was cancelled while waiting.
func (c *Coordinator) awaitDecision(ctx context.Context, prompt *protocol.AwaitingApproval) (decision, bool) {
	c.mu.Lock()
	c.state = StateAwaitingDecision
	c.pending = prompt
	c.mu.Unlock()

	c.emit(prompt)

	select {
	case d := <-c.decisions:
		c.mu.Lock()
		c.state = StateRunning
		c.pending = nil
		c.decisionInFlight = false
		c.mu.Unlock()
		return d, true
	case <-ctx.Done():
		return decision{}, false
	}
}

func (c *Coordinator) handoff(ctx context.Context, rootCause string) {
	c.mu.Lock()
	c.state = StateHandoffPending
	c.mu.Unlock()

	solThreadID, output, err := c.sol.Solve(ctx, rootCause)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(fmt.Sprintf("solution agent: %v", err))
		return
	}

	c.mu.Lock()
	c.solThreadID = solThreadID
	c.solOutput = output
	c.state = StateCompleted
	c.mu.Unlock()

	c.emit(&protocol.Handoff{
		Type:        protocol.TypeHandoff,
		SolThreadID: solThreadID,
		State:       solutionPayload(output),
	})
	c.emit(c.completeFrame())

	c.writeReport(ctx, rootCause)
}

func (c *Coordinator) fail(message string) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = message
	c.pending = nil
	c.decisionInFlight = false
	c.mu.Unlock()

	c.emit(&protocol.Error{Type: protocol.TypeError, Message: message})
}

func (c *Coordinator) completeFrame() *protocol.Complete {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &protocol.Complete{
		Type:         protocol.TypeComplete,
		DiagThreadID: c.diagThreadID,
		SolThreadID:  c.solThreadID,
	}
}

func (c *Coordinator) emitHistory(ctx context.Context) {
	diagID := c.DiagThreadID()
	if diagID == "" {
		return
	}
	diagHist, err := c.diag.History(ctx, diagID)
	if err != nil {
		slog.Warn("fetch diagnostic history", "thread", diagID, "error", err)
	}

	c.mu.Lock()
	solID := c.solThreadID
	c.mu.Unlock()

	var solHist []protocol.HistoryMessage
	if solID != "" {
		solHist, err = c.sol.History(ctx, solID)
		if err != nil {
			slog.Warn("fetch solution history", "thread", solID, "error", err)
		}
	}

	c.emit(&protocol.History{
		Type:         protocol.TypeHistory,
		DiagHistory:  diagHist,
		SolHistory:   solHist,
		DiagThreadID: diagID,
		SolThreadID:  solID,
	})
}

// emit delivers a frame to the attached sink. Delivery failures and a
// detached sink are not fatal: the run continues and a reconnect replays
// history.
func (c *Coordinator) emit(frame any) {
	c.sinkMu.Lock()
	sink := c.sink
	c.sinkMu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.Send(frame); err != nil {
		slog.Debug("drop frame, sink gone", "issue", c.issue.Key(), "error", err)
	}
}

func (c *Coordinator) writeReport(ctx context.Context, rootCause string) {
	if c.reports == nil {
		return
	}

	diagHist, _ := c.diag.History(ctx, c.DiagThreadID())
	c.mu.Lock()
	solID := c.solThreadID
	solOutput := c.solOutput
	c.mu.Unlock()
	var solHist []protocol.HistoryMessage
	if solID != "" {
		solHist, _ = c.sol.History(ctx, solID)
	}

	transcript, err := json.Marshal(map[string][]protocol.HistoryMessage{
		"diag_history": diagHist,
		"sol_history":  solHist,
	})
	if err != nil {
		slog.Warn("encode transcript", "issue", c.issue.Key(), "error", err)
		return
	}

	report := &models.Report{
		IssueKey:     c.issue.Key(),
		IssueType:    c.issue.IssueType,
		DiagThreadID: c.DiagThreadID(),
		SolThreadID:  solID,
		RootCause:    rootCause,
		Solution:     solOutput,
		Transcript:   string(transcript),
	}
	if err := c.reports.CreateReport(ctx, report); err != nil {
		slog.Warn("persist report", "issue", c.issue.Key(), "error", err)
	}
}

// solutionPayload wraps the solution output for the handoff frame: valid
// JSON passes through, anything else is carried as a JSON string.
func solutionPayload(output string) json.RawMessage {
	if json.Valid([]byte(output)) {
		return json.RawMessage(output)
	}
	quoted, err := json.Marshal(output)
	if err != nil {
		return nil
	}
	return quoted
}

func rootCauseOr(state models.AgentState, fallback string) string {
	if state.RootCause != "" {
		return state.RootCause
	}
	return fallback
}
