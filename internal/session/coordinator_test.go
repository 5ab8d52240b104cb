package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthwatch/internal/models"
	"healthwatch/internal/protocol"
)

// scriptedDiag plays back a fixed sequence of agent states and records
// every input the coordinator feeds it.
type scriptedDiag struct {
	// gate, when set, is received from at the start of every Step so a
	// test can hold the loop between steps.
	gate chan struct{}

	mu       sync.Mutex
	script   []models.AgentState
	cursor   int
	inputs   []string
	messages []protocol.HistoryMessage
	stepErr  error
}

func (d *scriptedDiag) NewThread(ctx context.Context) (string, error) {
	return "diag-1", nil
}

func (d *scriptedDiag) Step(ctx context.Context, threadID, input string) (models.AgentState, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stepErr != nil {
		return models.AgentState{}, d.stepErr
	}
	d.inputs = append(d.inputs, input)
	if input != "" {
		d.messages = append(d.messages, protocol.HistoryMessage{Role: "user", Text: input})
	}
	idx := d.cursor
	if idx >= len(d.script) {
		idx = len(d.script) - 1
	} else {
		d.cursor++
	}
	state := d.script[idx]
	text, _ := json.Marshal(state)
	d.messages = append(d.messages, protocol.HistoryMessage{Role: "assistant", Text: string(text)})
	return state, nil
}

func (d *scriptedDiag) History(ctx context.Context, threadID string) ([]protocol.HistoryMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.HistoryMessage(nil), d.messages...), nil
}

func (d *scriptedDiag) recordedInputs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.inputs...)
}

type scriptedSolution struct {
	mu     sync.Mutex
	calls  []string
	output string
	err    error
}

func (s *scriptedSolution) Solve(ctx context.Context, rootCause string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", "", s.err
	}
	s.calls = append(s.calls, rootCause)
	out := s.output
	if out == "" {
		out = `{"summary":"fix applied"}`
	}
	return "sol-1", out, nil
}

func (s *scriptedSolution) History(ctx context.Context, threadID string) ([]protocol.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []protocol.HistoryMessage{{Role: "assistant", Text: s.output}}, nil
}

// captureSink buffers emitted frames for assertions.
type captureSink struct {
	mu     sync.Mutex
	frames chan any
	closed bool
}

func newCaptureSink() *captureSink {
	return &captureSink{frames: make(chan any, 64)}
}

func (s *captureSink) Send(frame any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink closed")
	}
	s.frames <- frame
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func nextFrame(t *testing.T, sink *captureSink) any {
	t.Helper()
	select {
	case f := <-sink.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

type memReports struct {
	mu      sync.Mutex
	reports []*models.Report
}

func (m *memReports) CreateReport(ctx context.Context, r *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *memReports) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

func testIssue() models.Issue {
	return models.Issue{
		IssueType:    "crashloop",
		Severity:     models.SeverityCritical,
		ResourceType: models.ResourceTypePod,
		Namespace:    "payments",
		ResourceName: "payment-service-x2lqz",
		Container:    "payment-service",
		Message:      "Back-off restarting failed container",
	}
}

func waitForState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("coordinator never reached state %s (currently %s)", want, c.State())
}

func TestCoordinator_FullRun_ApproveThenHandoff(t *testing.T) {
	diag := &scriptedDiag{script: []models.AgentState{
		{Thought: "inspect pod events", Action: "kubectl describe pod", NextAction: models.NextActionAwaitApproval},
		{Thought: "last state shows OOMKilled", NextAction: models.NextActionContinue},
		{Thought: "root cause confirmed", RootCause: "JVM heap exceeds container limit", NextAction: models.NextActionHandoffSolution},
	}}
	sol := &scriptedSolution{output: `{"summary":"raise memory limit"}`}
	reports := &memReports{}

	c := newCoordinator(testIssue(), diag, sol, reports, Options{})
	sink := newCaptureSink()
	c.Attach(context.Background(), sink)
	defer c.Close()

	// Step 1 streams, then pauses for approval.
	f := nextFrame(t, sink).(*protocol.Diagnostic)
	assert.Equal(t, "inspect pod events", f.State.Thought)
	assert.Equal(t, "diag-1", f.DiagThreadID)

	prompt := nextFrame(t, sink).(*protocol.AwaitingApproval)
	assert.Equal(t, protocol.PendingAwaitingApproval, prompt.Event)
	assert.Equal(t, StateAwaitingDecision, c.State())

	require.True(t, c.Intervene(protocol.DecisionApprove, ""))

	// Steps 2 and 3 stream, then the handoff-approval pause.
	_ = nextFrame(t, sink).(*protocol.Diagnostic)
	_ = nextFrame(t, sink).(*protocol.Diagnostic)
	prompt = nextFrame(t, sink).(*protocol.AwaitingApproval)
	assert.Equal(t, protocol.PendingHandoffApproval, prompt.Event)

	require.True(t, c.Intervene(protocol.DecisionHandoff, ""))

	handoff := nextFrame(t, sink).(*protocol.Handoff)
	assert.Equal(t, "sol-1", handoff.SolThreadID)
	assert.JSONEq(t, `{"summary":"raise memory limit"}`, string(handoff.State))

	complete := nextFrame(t, sink).(*protocol.Complete)
	assert.Equal(t, "diag-1", complete.DiagThreadID)
	assert.Equal(t, "sol-1", complete.SolThreadID)

	waitForState(t, c, StateCompleted)

	// The approval was relayed to the agent verbatim.
	inputs := diag.recordedInputs()
	require.Len(t, inputs, 3)
	assert.Contains(t, inputs[0], "Investigate why Pod 'payment-service-x2lqz'")
	assert.Equal(t, "Action kubectl describe pod APPROVED. Proceed.", inputs[1])

	// The solution agent received the confirmed root cause, and the run
	// was persisted.
	assert.Equal(t, []string{"JVM heap exceeds container limit"}, sol.calls)
	assert.Eventually(t, func() bool { return reports.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinator_DenyFeedsHintBack(t *testing.T) {
	diag := &scriptedDiag{script: []models.AgentState{
		{Thought: "restart the pod", Action: "kubectl delete pod", NextAction: models.NextActionAwaitApproval},
		{Thought: "checking logs instead", NextAction: models.NextActionContinue},
	}}
	c := newCoordinator(testIssue(), diag, &scriptedSolution{}, nil, Options{})
	sink := newCaptureSink()
	c.Attach(context.Background(), sink)
	defer c.Close()

	_ = nextFrame(t, sink).(*protocol.Diagnostic)
	_ = nextFrame(t, sink).(*protocol.AwaitingApproval)

	require.True(t, c.Intervene(protocol.DecisionDeny, "check the logs first"))
	_ = nextFrame(t, sink).(*protocol.Diagnostic)

	inputs := diag.recordedInputs()
	require.GreaterOrEqual(t, len(inputs), 2)
	assert.Equal(t, "Action DENIED. Reason/Hint: check the logs first", inputs[1])
}

func TestCoordinator_ManualHandoffFromApproval(t *testing.T) {
	diag := &scriptedDiag{script: []models.AgentState{
		{Thought: "suspicious memory growth", Action: "kubectl top pod", NextAction: models.NextActionAwaitApproval},
	}}
	sol := &scriptedSolution{}
	c := newCoordinator(testIssue(), diag, sol, nil, Options{})
	sink := newCaptureSink()
	c.Attach(context.Background(), sink)
	defer c.Close()

	_ = nextFrame(t, sink).(*protocol.Diagnostic)
	_ = nextFrame(t, sink).(*protocol.AwaitingApproval)

	// Operator forces handoff before the agent confirmed a root cause.
	require.True(t, c.Intervene(protocol.DecisionHandoff, ""))
	_ = nextFrame(t, sink).(*protocol.Handoff)
	_ = nextFrame(t, sink).(*protocol.Complete)

	require.Len(t, sol.calls, 1)
	assert.Equal(t, "Manual Handoff: suspicious memory growth", sol.calls[0])
}

func TestCoordinator_DecisionConflictsDiscarded(t *testing.T) {
	gate := make(chan struct{}, 1)
	gate <- struct{}{} // let the first step through, hold the second
	defer close(gate)

	diag := &scriptedDiag{gate: gate, script: []models.AgentState{
		{Thought: "q", Action: "a", NextAction: models.NextActionAwaitApproval},
		{Thought: "done", RootCause: "rc", NextAction: models.NextActionHandoffSolution},
	}}
	c := newCoordinator(testIssue(), diag, &scriptedSolution{}, nil, Options{})
	sink := newCaptureSink()

	// No pending decision yet: discarded.
	assert.False(t, c.Intervene(protocol.DecisionApprove, ""))

	c.Attach(context.Background(), sink)
	defer c.Close()

	_ = nextFrame(t, sink).(*protocol.Diagnostic)
	_ = nextFrame(t, sink).(*protocol.AwaitingApproval)

	// Resume is not valid against an approval pause.
	assert.False(t, c.Resume(protocol.ResumeYes))

	// First decision accepted; until the loop produces a new prompt,
	// further decisions have nothing to answer.
	assert.True(t, c.Intervene(protocol.DecisionApprove, ""))
	assert.False(t, c.Intervene(protocol.DecisionDeny, "too late"))
}

func TestCoordinator_StepLimitStallAndResume(t *testing.T) {
	diag := &scriptedDiag{script: []models.AgentState{
		{Thought: "still looking", NextAction: models.NextActionContinue},
	}}
	c := newCoordinator(testIssue(), diag, &scriptedSolution{}, nil, Options{MaxSteps: 2})
	sink := newCaptureSink()
	c.Attach(context.Background(), sink)
	defer c.Close()

	_ = nextFrame(t, sink).(*protocol.Diagnostic)
	_ = nextFrame(t, sink).(*protocol.Diagnostic)

	prompt := nextFrame(t, sink).(*protocol.AwaitingApproval)
	assert.Equal(t, protocol.PendingResumeAvailable, prompt.Event)
	assert.Contains(t, prompt.Question, "Step limit reached")

	// Approve/deny frames do not answer a resume prompt.
	assert.False(t, c.Intervene(protocol.DecisionApprove, ""))

	// "no" leaves the session stalled with the prompt still pending.
	assert.True(t, c.Resume(protocol.ResumeNo))
	assert.Equal(t, StateAwaitingDecision, c.State())

	// "yes" grants a fresh step allowance.
	assert.True(t, c.Resume(protocol.ResumeYes))
	_ = nextFrame(t, sink).(*protocol.Diagnostic)
	_ = nextFrame(t, sink).(*protocol.Diagnostic)
	prompt = nextFrame(t, sink).(*protocol.AwaitingApproval)
	assert.Equal(t, protocol.PendingResumeAvailable, prompt.Event)
}

func TestCoordinator_StepErrorFailsSession(t *testing.T) {
	diag := &scriptedDiag{stepErr: errors.New("backend unavailable")}
	c := newCoordinator(testIssue(), diag, &scriptedSolution{}, nil, Options{})
	sink := newCaptureSink()
	c.Attach(context.Background(), sink)
	defer c.Close()

	errFrame := nextFrame(t, sink).(*protocol.Error)
	assert.Contains(t, errFrame.Message, "backend unavailable")
	waitForState(t, c, StateFailed)
}

func TestCoordinator_ReattachDuringPauseReplaysAndRestoresPrompt(t *testing.T) {
	diag := &scriptedDiag{script: []models.AgentState{
		{Thought: "q", Action: "a", NextAction: models.NextActionAwaitApproval},
	}}
	c := newCoordinator(testIssue(), diag, &scriptedSolution{}, nil, Options{})
	first := newCaptureSink()
	c.Attach(context.Background(), first)
	defer c.Close()

	_ = nextFrame(t, first).(*protocol.Diagnostic)
	_ = nextFrame(t, first).(*protocol.AwaitingApproval)

	// Reconnect: the old channel closes, the new one gets history plus the
	// original outstanding prompt. The agent is not stepped again.
	second := newCaptureSink()
	c.Attach(context.Background(), second)
	assert.True(t, first.isClosed())

	hist := nextFrame(t, second).(*protocol.History)
	assert.Equal(t, "diag-1", hist.DiagThreadID)
	require.NotEmpty(t, hist.DiagHistory)

	prompt := nextFrame(t, second).(*protocol.AwaitingApproval)
	assert.Equal(t, protocol.PendingAwaitingApproval, prompt.Event)
	assert.Len(t, diag.recordedInputs(), 1)

	// The restored prompt is still answerable.
	assert.True(t, c.Intervene(protocol.DecisionApprove, ""))
}

func TestCoordinator_ReattachAfterCompletionReplaysAndCompletes(t *testing.T) {
	diag := &scriptedDiag{script: []models.AgentState{
		{Thought: "found it", RootCause: "rc", NextAction: models.NextActionHandoffSolution},
	}}
	c := newCoordinator(testIssue(), diag, &scriptedSolution{}, nil, Options{})
	first := newCaptureSink()
	c.Attach(context.Background(), first)
	defer c.Close()

	_ = nextFrame(t, first).(*protocol.Diagnostic)
	_ = nextFrame(t, first).(*protocol.AwaitingApproval)
	require.True(t, c.Intervene(protocol.DecisionApprove, ""))
	_ = nextFrame(t, first).(*protocol.Handoff)
	_ = nextFrame(t, first).(*protocol.Complete)
	waitForState(t, c, StateCompleted)

	second := newCaptureSink()
	c.Attach(context.Background(), second)

	hist := nextFrame(t, second).(*protocol.History)
	assert.NotEmpty(t, hist.SolHistory)
	complete := nextFrame(t, second).(*protocol.Complete)
	assert.Equal(t, "sol-1", complete.SolThreadID)
}

func TestCoordinator_DetachedRunKeepsGoing(t *testing.T) {
	diag := &scriptedDiag{script: []models.AgentState{
		{Thought: "step", Action: "act", NextAction: models.NextActionAwaitApproval},
		{Thought: "found it", RootCause: "rc", NextAction: models.NextActionHandoffSolution},
	}}
	sol := &scriptedSolution{}
	c := newCoordinator(testIssue(), diag, sol, nil, Options{})
	sink := newCaptureSink()
	c.Attach(context.Background(), sink)
	defer c.Close()

	_ = nextFrame(t, sink).(*protocol.Diagnostic)
	_ = nextFrame(t, sink).(*protocol.AwaitingApproval)

	// Client vanishes; the pending decision is still answerable and the
	// run completes with nobody listening.
	_ = sink.Close()
	require.True(t, c.Intervene(protocol.DecisionApprove, ""))

	waitForState(t, c, StateAwaitingDecision)
	require.True(t, c.Intervene(protocol.DecisionHandoff, ""))
	waitForState(t, c, StateCompleted)
	assert.Len(t, sol.calls, 1)
}

func TestSolutionPayload(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(solutionPayload(`{"a":1}`)))
	assert.Equal(t, `"plain text"`, string(solutionPayload("plain text")))
}

func TestCoordinator_InitialPromptNamesTheIssue(t *testing.T) {
	c := newCoordinator(testIssue(), &scriptedDiag{}, &scriptedSolution{}, nil, Options{})
	prompt := c.initialPrompt()
	assert.Equal(t, fmt.Sprintf("Investigate why Pod 'payment-service-x2lqz' in namespace 'payments' is unhealthy: %s",
		testIssue().Message), prompt)
}
