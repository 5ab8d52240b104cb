package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthwatch/internal/conversation"
	"healthwatch/internal/models"
	"healthwatch/internal/protocol"
	"healthwatch/internal/status"
)

// fakeConn is a scripted session channel. The test pushes server frames
// into incoming; writes from the manager are captured for assertions.
type fakeConn struct {
	incoming chan []byte

	mu     sync.Mutex
	writes []any
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16)}
}

func (c *fakeConn) push(t *testing.T, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.incoming <- data
}

func (c *fakeConn) pushRaw(data string) {
	c.incoming <- []byte(data)
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.incoming
	if !ok {
		return nil, errors.New("channel closed")
	}
	return data, nil
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed channel")
	}
	c.writes = append(c.writes, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) written() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.writes...)
}

// fakeDialer hands out pre-built connections in order.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, issue models.Issue) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := d.conns[d.dials]
	d.dials++
	return conn, nil
}

// updates collects onUpdate callbacks so tests can wait for dispatch.
type updates struct {
	mu    sync.Mutex
	snaps []*conversation.Snapshot
}

func (u *updates) fn(key string, snap *conversation.Snapshot) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.snaps = append(u.snaps, snap)
}

func (u *updates) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.snaps)
}

func (u *updates) last() *conversation.Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.snaps) == 0 {
		return nil
	}
	return u.snaps[len(u.snaps)-1]
}

func (u *updates) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if u.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d updates (have %d)", n, u.count())
}

func testIssue() models.Issue {
	return models.Issue{
		IssueType:    "crashloop",
		Severity:     models.SeverityCritical,
		ResourceType: models.ResourceTypePod,
		Namespace:    "payments",
		ResourceName: "payment-service-x2lqz",
		Container:    "payment-service",
	}
}

func TestManager_ConnectSendsStart(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	m := NewManager(testIssue(), dialer, nil)

	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	writes := conn.written()
	require.Len(t, writes, 1)
	start, ok := writes[0].(*protocol.Start)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeStart, start.Type)
	assert.Equal(t, "payment-service-x2lqz", start.Issue.ResourceName)
	assert.True(t, m.Connected())

	snap := m.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.Loading)
}

func TestManager_DispatchInArrivalOrder(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	u := &updates{}
	m := NewManager(testIssue(), dialer, u.fn)

	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	conn.push(t, &protocol.Diagnostic{Type: protocol.TypeDiagnostic,
		State: models.AgentState{Thought: "t1", NextAction: models.NextActionContinue}, DiagThreadID: "d1"})
	conn.push(t, &protocol.Diagnostic{Type: protocol.TypeDiagnostic,
		State: models.AgentState{Thought: "t2", NextAction: models.NextActionAwaitApproval}})
	conn.push(t, &protocol.AwaitingApproval{Type: protocol.TypeAwaitingApproval,
		Question: "t2", Event: protocol.PendingAwaitingApproval})

	u.waitFor(t, 3)
	snap := u.last()
	assert.Equal(t, []string{"t1", "t2"}, snap.Thoughts)
	require.NotNil(t, snap.Pending)
	assert.Equal(t, protocol.PendingAwaitingApproval, snap.Pending.Kind)
	assert.Equal(t, status.AwaitUserApproval, m.Status())
}

func TestManager_MalformedFramesDropped(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	u := &updates{}
	m := NewManager(testIssue(), dialer, u.fn)

	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	conn.pushRaw(`{garbage`)
	conn.pushRaw(`{"type":"telemetry"}`)
	conn.push(t, &protocol.Diagnostic{Type: protocol.TypeDiagnostic,
		State: models.AgentState{Thought: "survived"}})

	u.waitFor(t, 1)
	assert.Equal(t, 1, u.count())
	assert.Equal(t, []string{"survived"}, u.last().Thoughts)
}

func TestManager_ConnectTwiceLeavesOneChannel(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	u := &updates{}
	m := NewManager(testIssue(), dialer, u.fn)

	require.NoError(t, m.Connect(context.Background()))
	first.push(t, &protocol.Diagnostic{Type: protocol.TypeDiagnostic,
		State: models.AgentState{Thought: "before reconnect"}})
	u.waitFor(t, 1)

	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	// The first channel was torn down, the second took over, and the
	// snapshot survived the reconnect in the loading state.
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
	snap := m.Snapshot()
	assert.Equal(t, []string{"before reconnect"}, snap.Thoughts)
	assert.True(t, snap.Loading)

	// History replay on the new channel converges to the same view.
	second.push(t, &protocol.History{Type: protocol.TypeHistory,
		DiagHistory: []protocol.HistoryMessage{
			{Role: "assistant", Text: `{"thought":"before reconnect"}`},
		}})
	u.waitFor(t, 2)
	assert.Equal(t, []string{"before reconnect"}, u.last().Thoughts)
	assert.False(t, u.last().Loading)
}

func TestManager_InterveneOnClosedChannel(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	m := NewManager(testIssue(), dialer, nil)

	require.NoError(t, m.Connect(context.Background()))
	m.Close()

	err := m.Intervene(protocol.DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNotConnected)
	err = m.Resume(protocol.ResumeYes)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_InterveneMarksDecisionInFlight(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	u := &updates{}
	m := NewManager(testIssue(), dialer, u.fn)

	require.NoError(t, m.Connect(context.Background()))
	defer m.Close()

	conn.push(t, &protocol.AwaitingApproval{Type: protocol.TypeAwaitingApproval,
		Question: "hand off?", Event: protocol.PendingHandoffApproval})
	u.waitFor(t, 1)

	require.NoError(t, m.Intervene(protocol.DecisionHandoff, ""))
	assert.True(t, m.Snapshot().DecisionInFlight)
	assert.Equal(t, status.HandingOff, m.Status())

	writes := conn.written()
	require.Len(t, writes, 2)
	iv, ok := writes[1].(*protocol.Intervene)
	require.True(t, ok)
	assert.Equal(t, protocol.DecisionHandoff, iv.Decision)
}

func TestManager_StatusBeforeConnect(t *testing.T) {
	m := NewManager(testIssue(), &fakeDialer{}, nil)
	assert.Equal(t, status.NotStarted, m.Status())
	assert.Nil(t, m.Snapshot())
}

func TestManager_DialErrorSurfaces(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	m := NewManager(testIssue(), dialer, nil)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial session")
	assert.False(t, m.Connected())
}

func TestManager_ReadErrorEndsDispatchKeepsSnapshot(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	u := &updates{}
	m := NewManager(testIssue(), dialer, u.fn)

	require.NoError(t, m.Connect(context.Background()))
	conn.push(t, &protocol.Diagnostic{Type: protocol.TypeDiagnostic,
		State: models.AgentState{Thought: "t1"}})
	u.waitFor(t, 1)

	// Server side drops the channel.
	_ = conn.Close()
	assert.Eventually(t, func() bool { return !m.Connected() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"t1"}, m.Snapshot().Thoughts)
}
