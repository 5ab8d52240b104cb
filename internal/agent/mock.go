package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"healthwatch/internal/models"
	"healthwatch/internal/protocol"
)

// Mock profiles select which failure scenario the scripted agent plays out.
const (
	ProfileCrashLoop        = "crashloop"
	ProfileImagePullBackOff = "imagepullbackoff"
)

// MockDiagnostic is a deterministic diagnostic agent that replays a
// scripted ReAct investigation for a failure profile. It needs no network
// or API key and backs the default `agent.mode: mock` configuration.
type MockDiagnostic struct {
	profile string

	log *threadLog

	mu      sync.Mutex
	cursors map[string]int
}

// NewMockDiagnostic returns a scripted diagnostic agent for the profile.
// Unknown profiles fall back to the crashloop script.
func NewMockDiagnostic(profile string) *MockDiagnostic {
	p := strings.ToLower(profile)
	if p != ProfileImagePullBackOff {
		p = ProfileCrashLoop
	}
	return &MockDiagnostic{
		profile: p,
		log:     newThreadLog(),
		cursors: make(map[string]int),
	}
}

func (m *MockDiagnostic) NewThread(ctx context.Context) (string, error) {
	id := newThreadID()
	m.mu.Lock()
	m.cursors[id] = 0
	m.mu.Unlock()
	return id, nil
}

func (m *MockDiagnostic) Step(ctx context.Context, threadID, input string) (models.AgentState, error) {
	m.mu.Lock()
	cursor, ok := m.cursors[threadID]
	m.mu.Unlock()
	if !ok {
		return models.AgentState{}, fmt.Errorf("unknown thread: %s", threadID)
	}

	if input != "" {
		m.log.append(threadID, "user", input)
	}

	var state models.AgentState
	if strings.HasPrefix(input, "Action DENIED") {
		// A denial does not advance the script; the agent acknowledges the
		// hint and asks to proceed with the same check.
		state = models.AgentState{
			Thought:    "Taking the operator hint into account: " + strings.TrimPrefix(input, "Action DENIED. Reason/Hint: "),
			NextAction: models.NextActionContinue,
		}
	} else {
		script := crashLoopScript
		if m.profile == ProfileImagePullBackOff {
			script = imagePullScript
		}
		if cursor >= len(script) {
			cursor = len(script) - 1
		}
		state = script[cursor]
		m.mu.Lock()
		m.cursors[threadID] = cursor + 1
		m.mu.Unlock()
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return models.AgentState{}, fmt.Errorf("encode state: %w", err)
	}
	m.log.append(threadID, "assistant", string(encoded))
	return state, nil
}

func (m *MockDiagnostic) History(ctx context.Context, threadID string) ([]protocol.HistoryMessage, error) {
	return m.log.history(threadID), nil
}

// Scripts mirror the canned kubernetes diagnostics the mock skills return:
// one gated inspection, one follow-up check, then a root cause and handoff.
var crashLoopScript = []models.AgentState{
	{
		Thought:     "The pod is restarting repeatedly with BackOff events. I want to pull its diagnostics: restart count, last exit reason, and current and previous logs.",
		Action:      "get_pod_diagnostics",
		ActionInput: `{"name": "<pod>", "namespace": "<namespace>"}`,
		NextAction:  models.NextActionAwaitApproval,
	},
	{
		Thought:    "Previous logs show java.lang.OutOfMemoryError: Java heap space, and events show Back-off restarting failed container. Checking the workload spec for memory limits and JVM settings.",
		Action:     "get_workload_yaml",
		NextAction: models.NextActionContinue,
	},
	{
		Thought:    "The container limit is 256Mi while JAVA_OPTS sets -Xmx128m; the heap exhausts under load and the kubelet restarts the container. Investigation complete.",
		RootCause:  "Container memory limit (256Mi) is too low for the JVM workload; repeated OutOfMemoryError crashes cause the CrashLoopBackOff.",
		NextAction: models.NextActionHandoffSolution,
	},
}

var imagePullScript = []models.AgentState{
	{
		Thought:     "The pod never started and events show ErrImagePull followed by ImagePullBackOff. I want to list the image pull events to see the failing image reference.",
		Action:      "get_image_pull_events",
		ActionInput: `{"name": "<pod>", "namespace": "<namespace>"}`,
		NextAction:  models.NextActionAwaitApproval,
	},
	{
		Thought:    "The image lives in a private registry and the pull is unauthorized. Checking the service account for referenced imagePullSecrets.",
		Action:     "get_service_account_details",
		NextAction: models.NextActionContinue,
	},
	{
		Thought:    "The service account references no imagePullSecrets and the registry requires authentication. Investigation complete.",
		RootCause:  "The pod's service account has no imagePullSecret for the private registry, so every image pull is rejected and the pod stays in ImagePullBackOff.",
		NextAction: models.NextActionHandoffSolution,
	},
}

// MockSolution is the deterministic counterpart for the solution phase.
type MockSolution struct {
	profile string
	log     *threadLog
}

// NewMockSolution returns a scripted solution agent for the profile.
func NewMockSolution(profile string) *MockSolution {
	p := strings.ToLower(profile)
	if p != ProfileImagePullBackOff {
		p = ProfileCrashLoop
	}
	return &MockSolution{profile: p, log: newThreadLog()}
}

func (m *MockSolution) Solve(ctx context.Context, rootCause string) (string, string, error) {
	id := newThreadID()
	m.log.append(id, "user", "Fix this: "+rootCause)

	var out map[string]any
	if m.profile == ProfileImagePullBackOff {
		out = map[string]any{
			"summary": "Grant the pod's service account pull access to the private registry.",
			"recommended_fix": map[string]any{
				"steps": []string{
					"kubectl create secret docker-registry regcred --docker-server=<registry> --docker-username=<user> --docker-password=<token>",
					"kubectl patch serviceaccount default -p '{\"imagePullSecrets\": [{\"name\": \"regcred\"}]}'",
					"kubectl rollout restart deployment/<name>",
				},
				"notes": "Verify the image tag exists in the registry before restarting.",
			},
			"escalation": "Image pulls for the workload fail against the private registry; registry credentials were missing from the namespace service account.",
		}
	} else {
		out = map[string]any{
			"summary": "Raise the container memory limit and JVM heap ceiling.",
			"recommended_fix": map[string]any{
				"steps": []string{
					"kubectl set resources deployment/<name> --limits=memory=512Mi --requests=memory=256Mi",
					"kubectl set env deployment/<name> JAVA_OPTS=-Xmx384m",
					"kubectl rollout status deployment/<name>",
				},
				"notes": "Watch heap usage after rollout; consider a vertical pod autoscaler if it keeps growing.",
			},
			"escalation": "The workload crash-loops on OutOfMemoryError; its memory limit was sized below the JVM heap requirement.",
		}
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return "", "", fmt.Errorf("encode solution: %w", err)
	}
	m.log.append(id, "assistant", string(encoded))
	return id, string(encoded), nil
}

func (m *MockSolution) History(ctx context.Context, threadID string) ([]protocol.HistoryMessage, error) {
	return m.log.history(threadID), nil
}
