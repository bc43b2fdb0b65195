package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiff-cloud/skiff/pkg/types"
)

// scriptedCapability lets each test script planning and per-task behavior
type scriptedCapability struct {
	plan        []PlannedTask
	planErr     error
	execErrs    map[string][]error // per task ID, consumed in order
	verdicts    map[string][]VerifyResult
	fixCalls    int
	summary     string
	summaryErr  error
	execCount   map[string]int
	verifyCount map[string]int
}

func newScriptedCapability(plan []PlannedTask) *scriptedCapability {
	return &scriptedCapability{
		plan:        plan,
		execErrs:    map[string][]error{},
		verdicts:    map[string][]VerifyResult{},
		execCount:   map[string]int{},
		verifyCount: map[string]int{},
		summary:     "did the work",
	}
}

func (s *scriptedCapability) Plan(ctx context.Context, req PlanRequest) ([]PlannedTask, error) {
	return s.plan, s.planErr
}

func (s *scriptedCapability) Execute(ctx context.Context, req TaskRequest, run ToolFunc) (*ExecuteResult, error) {
	id := req.Task.ID
	s.execCount[id]++
	if errs := s.execErrs[id]; len(errs) > 0 {
		err := errs[0]
		s.execErrs[id] = errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &ExecuteResult{Summary: "completed " + id}, nil
}

func (s *scriptedCapability) Verify(ctx context.Context, req TaskRequest, result *ExecuteResult) (*VerifyResult, error) {
	id := req.Task.ID
	s.verifyCount[id]++
	if verdicts := s.verdicts[id]; len(verdicts) > 0 {
		v := verdicts[0]
		s.verdicts[id] = verdicts[1:]
		return &v, nil
	}
	return &VerifyResult{Correct: true}, nil
}

func (s *scriptedCapability) Fix(ctx context.Context, req TaskRequest, run ToolFunc) (*ExecuteResult, error) {
	s.fixCalls++
	return &ExecuteResult{Summary: "fixed " + req.Task.ID}, nil
}

func (s *scriptedCapability) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	return s.summary, s.summaryErr
}

type eventLog struct {
	taskEvents []types.TaskEvent
	toolEvents []types.ToolEvent
}

func (e *eventLog) Send(event string, data any) error {
	switch event {
	case types.EventTask:
		e.taskEvents = append(e.taskEvents, data.(types.TaskEvent))
	case types.EventTool:
		e.toolEvents = append(e.toolEvents, data.(types.ToolEvent))
	}
	return nil
}

func (e *eventLog) phases(taskId string) []string {
	var out []string
	for _, ev := range e.taskEvents {
		if ev.TaskId == taskId {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func noTools(ctx context.Context, call types.ToolCall) (string, error) {
	return "", nil
}

func testAgentConfig() types.AgentConfig {
	cfg := types.AgentConfig{}
	cfg.ApplyDefaults()
	return cfg
}

func TestRunExecutesInDependencyOrder(t *testing.T) {
	capability := newScriptedCapability([]PlannedTask{
		{Id: "t3", Description: "wire it together", DependsOn: []string{"t1", "t2"}},
		{Id: "t1", Description: "create component"},
		{Id: "t2", Description: "add styles"},
	})
	events := &eventLog{}

	result, err := NewOrchestrator(capability, testAgentConfig()).Run(context.Background(), RunRequest{Instruction: "add a navbar"}, noTools, events)
	require.NoError(t, err)
	assert.False(t, result.Failed)
	require.Len(t, result.Tasks, 3)

	for _, task := range result.Tasks {
		assert.Equal(t, types.AgentTaskStatusCompleted, task.Status)
	}

	// t3 must start only after both dependencies completed
	var order []string
	for _, ev := range events.taskEvents {
		if ev.Phase == TaskPhaseStarted {
			order = append(order, ev.TaskId)
		}
	}
	assert.Equal(t, "t3", order[len(order)-1])
}

func TestRunRetriesFailedTaskBeforeDependents(t *testing.T) {
	capability := newScriptedCapability([]PlannedTask{
		{Id: "t1", Description: "scaffold"},
		{Id: "t2", Description: "implement", DependsOn: []string{"t1"}},
		{Id: "t3", Description: "polish", DependsOn: []string{"t2"}},
	})
	// t2 fails once, then succeeds
	capability.execErrs["t2"] = []error{errors.New("transient failure")}
	events := &eventLog{}

	result, err := NewOrchestrator(capability, testAgentConfig()).Run(context.Background(), RunRequest{Instruction: "x"}, noTools, events)
	require.NoError(t, err)
	assert.False(t, result.Failed)

	assert.Equal(t, 2, capability.execCount["t2"])
	assert.Equal(t, 1, capability.execCount["t3"])
	assert.Contains(t, events.phases("t2"), TaskPhaseRetrying)

	// t3 never started before t2's retry completed
	started3 := false
	for _, ev := range events.taskEvents {
		if ev.TaskId == "t3" && ev.Phase == TaskPhaseStarted {
			started3 = true
		}
		if ev.TaskId == "t2" && ev.Phase == TaskPhaseCompleted {
			assert.False(t, started3, "t3 started before t2 completed")
		}
	}
}

func TestRunFailsTaskAfterAttemptCeiling(t *testing.T) {
	capability := newScriptedCapability([]PlannedTask{{Id: "t1", Description: "doomed"}})
	capability.execErrs["t1"] = []error{
		errors.New("fail 1"), errors.New("fail 2"), errors.New("fail 3"), errors.New("fail 4"),
	}
	events := &eventLog{}

	cfg := testAgentConfig()
	result, err := NewOrchestrator(capability, cfg).Run(context.Background(), RunRequest{Instruction: "x"}, noTools, events)
	require.NoError(t, err)
	assert.True(t, result.Failed)

	assert.Equal(t, cfg.MaxAttempts, capability.execCount["t1"])
	assert.Equal(t, types.AgentTaskStatusFailed, result.Tasks[0].Status)
	assert.Equal(t, TaskPhaseFailed, events.phases("t1")[len(events.phases("t1"))-1])
}

func TestRunFailsDependentsOfFailedTask(t *testing.T) {
	capability := newScriptedCapability([]PlannedTask{
		{Id: "t1", Description: "will fail"},
		{Id: "t2", Description: "stranded", DependsOn: []string{"t1"}},
	})
	capability.execErrs["t1"] = []error{
		errors.New("e"), errors.New("e"), errors.New("e"),
	}

	result, err := NewOrchestrator(capability, testAgentConfig()).Run(context.Background(), RunRequest{Instruction: "x"}, noTools, &eventLog{})
	require.NoError(t, err)
	assert.True(t, result.Failed)

	assert.Equal(t, types.AgentTaskStatusFailed, result.Tasks[0].Status)
	assert.Equal(t, types.AgentTaskStatusFailed, result.Tasks[1].Status)
	// the stranded task never executed
	assert.Equal(t, 0, capability.execCount["t2"])
}

func TestRunDetectsDependencyCycle(t *testing.T) {
	capability := newScriptedCapability([]PlannedTask{
		{Id: "t1", Description: "a", DependsOn: []string{"t2"}},
		{Id: "t2", Description: "b", DependsOn: []string{"t1"}},
	})

	result, err := NewOrchestrator(capability, testAgentConfig()).Run(context.Background(), RunRequest{Instruction: "x"}, noTools, &eventLog{})
	require.NoError(t, err)
	assert.True(t, result.Failed)
	assert.Equal(t, 0, capability.execCount["t1"])
	assert.Equal(t, 0, capability.execCount["t2"])
}

func TestRunFallsBackToSingleTaskWhenPlanningFails(t *testing.T) {
	capability := newScriptedCapability(nil)
	capability.planErr = errors.New("model unavailable")

	result, err := NewOrchestrator(capability, testAgentConfig()).Run(context.Background(), RunRequest{Instruction: "make the button blue"}, noTools, &eventLog{})
	require.NoError(t, err)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, "make the button blue", result.Tasks[0].Description)
	assert.Equal(t, types.AgentTaskStatusCompleted, result.Tasks[0].Status)
}

func TestRunCapsPlanAtMaxTasks(t *testing.T) {
	var plan []PlannedTask
	for i := 0; i < 20; i++ {
		plan = append(plan, PlannedTask{Id: string(rune('a' + i)), Description: "task"})
	}
	capability := newScriptedCapability(plan)

	cfg := testAgentConfig()
	result, err := NewOrchestrator(capability, cfg).Run(context.Background(), RunRequest{Instruction: "x"}, noTools, &eventLog{})
	require.NoError(t, err)
	assert.Len(t, result.Tasks, cfg.MaxTasks)
}

func TestRunVerificationTriggersFix(t *testing.T) {
	capability := newScriptedCapability([]PlannedTask{{Id: "t1", Description: "tricky"}})
	capability.verdicts["t1"] = []VerifyResult{
		{Correct: false, Feedback: "button color is wrong"},
		{Correct: true},
	}
	events := &eventLog{}

	cfg := testAgentConfig()
	cfg.VerifyEnabled = true
	cfg.FixEnabled = true

	result, err := NewOrchestrator(capability, cfg).Run(context.Background(), RunRequest{Instruction: "x"}, noTools, events)
	require.NoError(t, err)
	assert.False(t, result.Failed)
	assert.Equal(t, 1, capability.fixCalls)
	assert.Contains(t, events.phases("t1"), TaskPhaseFixing)
}

func TestRunVerificationErrorAssumesCorrect(t *testing.T) {
	capability := &verifyErrorCapability{scriptedCapability: newScriptedCapability([]PlannedTask{{Id: "t1", Description: "t"}})}

	cfg := testAgentConfig()
	cfg.VerifyEnabled = true

	result, err := NewOrchestrator(capability, cfg).Run(context.Background(), RunRequest{Instruction: "x"}, noTools, &eventLog{})
	require.NoError(t, err)
	assert.False(t, result.Failed)
	assert.Equal(t, types.AgentTaskStatusCompleted, result.Tasks[0].Status)
}

type verifyErrorCapability struct {
	*scriptedCapability
}

func (v *verifyErrorCapability) Verify(ctx context.Context, req TaskRequest, result *ExecuteResult) (*VerifyResult, error) {
	return nil, errors.New("verifier timeout")
}

func TestRunCancellation(t *testing.T) {
	capability := newScriptedCapability([]PlannedTask{{Id: "t1", Description: "t"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewOrchestrator(capability, testAgentConfig()).Run(ctx, RunRequest{Instruction: "x"}, noTools, &eventLog{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSummaryFallsBackToResults(t *testing.T) {
	capability := newScriptedCapability([]PlannedTask{{Id: "t1", Description: "t"}})
	capability.summaryErr = errors.New("model unavailable")

	result, err := NewOrchestrator(capability, testAgentConfig()).Run(context.Background(), RunRequest{Instruction: "x"}, noTools, &eventLog{})
	require.NoError(t, err)
	assert.Equal(t, "completed t1", result.Summary)
}
