package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/skiff-cloud/skiff/pkg/common"
	"github.com/skiff-cloud/skiff/pkg/types"
)

// Task event phases
const (
	TaskPhaseStarted   = "started"
	TaskPhaseVerifying = "verifying"
	TaskPhaseFixing    = "fixing"
	TaskPhaseRetrying  = "retrying"
	TaskPhaseCompleted = "completed"
	TaskPhaseFailed    = "failed"
)

// RunRequest is one user instruction to execute against a project
type RunRequest struct {
	SessionId   string
	Instruction string
	ProjectTree string
	History     string
}

// RunResult is the outcome of a whole task graph run
type RunResult struct {
	Tasks   []*types.AgentTask
	Summary string

	// Failed is set when at least one task ended failed
	Failed bool
}

// Orchestrator turns one instruction into a dependency-ordered task graph and
// drives every task to a terminal status. The graph lives only for the run;
// nothing but the summary survives it.
type Orchestrator struct {
	capability Capability
	cfg        types.AgentConfig
}

func NewOrchestrator(capability Capability, cfg types.AgentConfig) *Orchestrator {
	cfg.ApplyDefaults()
	return &Orchestrator{capability: capability, cfg: cfg}
}

// Run plans and executes the instruction. Every task reaches completed or
// failed before Run returns; an error return means the run itself was cut
// short (cancellation), not that tasks failed.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest, run ToolFunc, sink types.EventSink) (*RunResult, error) {
	tasks := o.plan(ctx, req)

	// Wrap the tool runner so every call surfaces as an event
	observedRun := func(ctx context.Context, call types.ToolCall) (string, error) {
		if err := sink.Send(types.EventTool, types.ToolEvent{Name: call.Name, Input: call.Input}); err != nil {
			log.Warn().Err(err).Str("tool", call.Name).Msg("failed to emit tool event")
		}
		return run(ctx, call)
	}

	iterations := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		task := o.nextEligible(tasks)
		if task == nil {
			if pending := pendingCount(tasks); pending > 0 {
				// Remaining tasks depend on failed work or form a cycle;
				// they can never become eligible.
				o.failStranded(tasks, sink)
			}
			break
		}

		if iterations >= o.cfg.MaxIterations {
			log.Warn().Int("iterations", iterations).Msg("task graph iteration budget exhausted")
			o.failRemaining(tasks, "iteration budget exhausted", sink)
			break
		}
		iterations++

		o.runTask(ctx, req, task, observedRun, sink)
	}

	result := &RunResult{Tasks: tasks}
	var completed []string
	for _, task := range tasks {
		if task.Status == types.AgentTaskStatusFailed {
			result.Failed = true
		}
		if task.Status == types.AgentTaskStatusCompleted && task.Result != "" {
			completed = append(completed, task.Result)
		}
	}

	result.Summary = o.summarize(ctx, req, completed)
	return result, nil
}

// plan asks the capability for a task decomposition, falling back to a single
// task wrapping the instruction when planning fails or returns nothing.
func (o *Orchestrator) plan(ctx context.Context, req RunRequest) []*types.AgentTask {
	planned, err := o.capability.Plan(ctx, PlanRequest{
		Instruction: req.Instruction,
		ProjectTree: req.ProjectTree,
		History:     req.History,
	})
	if err != nil || len(planned) == 0 {
		if err != nil {
			log.Warn().Err(err).Msg("planning failed, falling back to single task")
		}
		return []*types.AgentTask{{
			ID:          common.GenerateTaskID(),
			Description: req.Instruction,
			Status:      types.AgentTaskStatusPending,
			MaxAttempts: o.cfg.MaxAttempts,
		}}
	}

	if len(planned) > o.cfg.MaxTasks {
		planned = planned[:o.cfg.MaxTasks]
	}

	known := map[string]bool{}
	for _, p := range planned {
		known[p.Id] = true
	}

	var tasks []*types.AgentTask
	for _, p := range planned {
		task := &types.AgentTask{
			ID:          p.Id,
			Description: p.Description,
			Status:      types.AgentTaskStatusPending,
			MaxAttempts: o.cfg.MaxAttempts,
		}
		if task.ID == "" {
			task.ID = common.GenerateTaskID()
		}
		// Drop references to task IDs the plan never defined
		for _, dep := range p.DependsOn {
			if known[dep] {
				task.DependsOn = append(task.DependsOn, dep)
			} else {
				log.Warn().Str("task_id", p.Id).Str("dep", dep).Msg("dropping unknown dependency")
			}
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// runTask drives one task through execute, verify and fix to a terminal or
// retryable state.
func (o *Orchestrator) runTask(ctx context.Context, req RunRequest, task *types.AgentTask, run ToolFunc, sink types.EventSink) {
	task.Attempts++
	task.Status = types.AgentTaskStatusInProgress
	emitTask(sink, task, TaskPhaseStarted, "")

	taskReq := TaskRequest{
		SessionId:   req.SessionId,
		Task:        task,
		Instruction: req.Instruction,
		ProjectTree: req.ProjectTree,
		History:     req.History,
	}

	result, err := o.capability.Execute(ctx, taskReq, run)
	if err == nil {
		task.ToolCalls = append(task.ToolCalls, result.ToolCalls...)
		result, err = o.verifyAndFix(ctx, taskReq, result, run, sink)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Cancellation, not a task failure; the run loop surfaces it
			return
		}
		if task.Attempts < task.MaxAttempts {
			task.Status = types.AgentTaskStatusPending
			task.Error = err.Error()
			emitTask(sink, task, TaskPhaseRetrying, err.Error())
			log.Warn().
				Err(err).
				Str("task_id", task.ID).
				Int("attempt", task.Attempts).
				Msg("task attempt failed, will retry")
			return
		}

		task.Status = types.AgentTaskStatusFailed
		task.Error = err.Error()
		emitTask(sink, task, TaskPhaseFailed, err.Error())
		log.Error().Err(err).Str("task_id", task.ID).Msg("task failed permanently")
		return
	}

	task.Status = types.AgentTaskStatusCompleted
	task.Result = result.Summary
	emitTask(sink, task, TaskPhaseCompleted, result.Summary)
}

// verifyAndFix runs the optional verification pass and bounded fix passes.
// A verifier that errors is treated as approval: verification is a quality
// gate, not a correctness dependency, and must never wedge the graph.
func (o *Orchestrator) verifyAndFix(ctx context.Context, req TaskRequest, result *ExecuteResult, run ToolFunc, sink types.EventSink) (*ExecuteResult, error) {
	if !o.cfg.VerifyEnabled {
		return result, nil
	}

	req.Task.Status = types.AgentTaskStatusVerifying
	emitTask(sink, req.Task, TaskPhaseVerifying, "")

	verdict, err := o.capability.Verify(ctx, req, result)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("task_id", req.Task.ID).Msg("verification errored, assuming correct")
		return result, nil
	}
	if verdict.Correct {
		return result, nil
	}

	if !o.cfg.FixEnabled {
		return nil, fmt.Errorf("verification rejected task: %s", verdict.Feedback)
	}

	for fix := 1; fix <= o.cfg.MaxFixAttempts; fix++ {
		req.Task.Status = types.AgentTaskStatusFixing
		emitTask(sink, req.Task, TaskPhaseFixing, verdict.Feedback)

		fixReq := req
		fixReq.Feedback = verdict.Feedback
		fixed, err := o.capability.Fix(ctx, fixReq, run)
		if err != nil {
			return nil, fmt.Errorf("fix attempt %d: %w", fix, err)
		}
		req.Task.ToolCalls = append(req.Task.ToolCalls, fixed.ToolCalls...)
		result = fixed

		verdict, err = o.capability.Verify(ctx, req, result)
		if err != nil {
			log.Warn().Err(err).Str("task_id", req.Task.ID).Msg("re-verification errored, assuming correct")
			return result, nil
		}
		if verdict.Correct {
			return result, nil
		}
	}

	return nil, fmt.Errorf("verification still rejected after %d fix attempts: %s", o.cfg.MaxFixAttempts, verdict.Feedback)
}

// nextEligible returns the first pending task whose dependencies are all
// completed, in plan order.
func (o *Orchestrator) nextEligible(tasks []*types.AgentTask) *types.AgentTask {
	byId := map[string]*types.AgentTask{}
	for _, task := range tasks {
		byId[task.ID] = task
	}

	for _, task := range tasks {
		if task.Status != types.AgentTaskStatusPending {
			continue
		}
		eligible := true
		for _, dep := range task.DependsOn {
			if byId[dep] == nil || byId[dep].Status != types.AgentTaskStatusCompleted {
				eligible = false
				break
			}
		}
		if eligible {
			return task
		}
	}
	return nil
}

// failStranded fails every still-pending task; they depend on failed work or
// on each other.
func (o *Orchestrator) failStranded(tasks []*types.AgentTask, sink types.EventSink) {
	o.failRemaining(tasks, "dependencies can never be satisfied", sink)
}

func (o *Orchestrator) failRemaining(tasks []*types.AgentTask, reason string, sink types.EventSink) {
	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		task.Status = types.AgentTaskStatusFailed
		task.Error = reason
		emitTask(sink, task, TaskPhaseFailed, reason)
	}
}

func (o *Orchestrator) summarize(ctx context.Context, req RunRequest, results []string) string {
	if len(results) == 0 {
		return ""
	}

	summary, err := o.capability.Summarize(ctx, SummarizeRequest{
		Instruction: req.Instruction,
		Results:     results,
		History:     req.History,
	})
	if err != nil || summary == "" {
		// Degrade to a mechanical summary rather than losing the turn
		return strings.Join(results, " ")
	}
	return summary
}

func pendingCount(tasks []*types.AgentTask) int {
	n := 0
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func emitTask(sink types.EventSink, task *types.AgentTask, phase, detail string) {
	if err := sink.Send(types.EventTask, types.TaskEvent{
		TaskId:      task.ID,
		Description: task.Description,
		Phase:       phase,
		Detail:      detail,
	}); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to emit task event")
	}
}
