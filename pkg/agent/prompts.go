package agent

import (
	"fmt"
	"strings"
)

// systemPrompt is sent with every capability request. The directory-scope
// line is advisory context for the model; the enforcing check lives in
// ToolRunner.resolvePath.
const systemPrompt = `You are a senior frontend engineer working inside a sandboxed Vite + React + TypeScript project.

Rules:
- All project files live under the project working directory. Write only inside it; example directories, when present, are read-only reference material.
- Prefer small, targeted edits over whole-file rewrites.
- After changing code, confirm it still builds when the task calls for it.
- Keep the dev server untouched; it reloads changes automatically.`

const planPrompt = `Decompose the user's instruction into at most %d concrete engineering tasks for this project.

Return a JSON array of tasks. Each task has "id", "description", and optionally "depends_on" (IDs of tasks that must complete first). Prefer independent tasks; add a dependency only when one task's output is required by another. If the instruction is a single small change, return a single task.`

func buildPlanPrompt(maxTasks int, req PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, planPrompt, maxTasks)
	b.WriteString("\n\nInstruction:\n")
	b.WriteString(req.Instruction)
	if req.ProjectTree != "" {
		b.WriteString("\n\nProject structure:\n")
		b.WriteString(req.ProjectTree)
	}
	if req.History != "" {
		b.WriteString("\n\nPrevious work on this project:\n")
		b.WriteString(req.History)
	}
	return b.String()
}

func buildTaskPrompt(req TaskRequest) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(req.Task.Description)
	if req.Feedback != "" {
		b.WriteString("\n\nYour previous attempt was reviewed and rejected:\n")
		b.WriteString(req.Feedback)
		b.WriteString("\nAddress the feedback.")
	}
	if req.ProjectTree != "" {
		b.WriteString("\n\nProject structure:\n")
		b.WriteString(req.ProjectTree)
	}
	if req.History != "" {
		b.WriteString("\n\nPrevious work on this project:\n")
		b.WriteString(req.History)
	}
	return b.String()
}

func buildVerifyPrompt(req TaskRequest, result *ExecuteResult) string {
	var b strings.Builder
	b.WriteString("Review whether this task was actually completed.\n\nTask: ")
	b.WriteString(req.Task.Description)
	b.WriteString("\n\nWhat the implementer reported:\n")
	b.WriteString(result.Summary)
	if len(result.FilesChanged) > 0 {
		b.WriteString("\n\nFiles changed:\n")
		b.WriteString(strings.Join(result.FilesChanged, "\n"))
	}
	b.WriteString("\n\nReturn JSON: {\"correct\": bool, \"feedback\": string, \"confidence\": number}.")
	return b.String()
}

func buildSummarizePrompt(req SummarizeRequest) string {
	var b strings.Builder
	b.WriteString("Summarize the work just completed in two or three sentences, for the next session's context.\n\nInstruction:\n")
	b.WriteString(req.Instruction)
	b.WriteString("\n\nTask results:\n")
	for _, result := range req.Results {
		b.WriteString("- ")
		b.WriteString(result)
		b.WriteString("\n")
	}
	if req.History != "" {
		b.WriteString("\nEarlier summary:\n")
		b.WriteString(req.History)
	}
	return b.String()
}
