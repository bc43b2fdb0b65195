package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skiff-cloud/skiff/pkg/types"
)

// RemoteCapability implements Capability against an HTTP model service. One
// request either finishes with content or asks for tool calls; the tool loop
// runs client-side and posts results back under the same exchange ID.
type RemoteCapability struct {
	endpoint   string
	token      string
	httpClient *http.Client
	cfg        types.AgentConfig
	sessions   SessionCache
}

func NewRemoteCapability(cfg types.AgentConfig, sessions SessionCache) *RemoteCapability {
	cfg.ApplyDefaults()
	return &RemoteCapability{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		cfg:      cfg,
		sessions: sessions,
	}
}

type messageRequest struct {
	SessionId   string            `json:"session_id"`
	ExchangeId  string            `json:"exchange_id,omitempty"`
	System      string            `json:"system,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Tools       []string          `json:"tools,omitempty"`
	ToolResults []toolResult      `json:"tool_results,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type toolResult struct {
	Name   string `json:"name"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

type messageResponse struct {
	ExchangeId string           `json:"exchange_id"`
	Content    string           `json:"content"`
	ToolCalls  []types.ToolCall `json:"tool_calls,omitempty"`
	Done       bool             `json:"done"`
}

var allTools = []string{
	ToolReadFile,
	ToolWriteFile,
	ToolListFiles,
	ToolGetFolderStructure,
	ToolRunShellCommand,
	ToolGetRecentLogs,
	ToolRunBuild,
}

func (r *RemoteCapability) Plan(ctx context.Context, req PlanRequest) ([]PlannedTask, error) {
	resp, err := r.send(ctx, messageRequest{
		System: systemPrompt,
		Prompt: buildPlanPrompt(r.cfg.MaxTasks, req),
	})
	if err != nil {
		return nil, err
	}

	var tasks []PlannedTask
	if err := json.Unmarshal([]byte(extractJson(resp.Content)), &tasks); err != nil {
		return nil, fmt.Errorf("unparseable plan: %w", err)
	}
	if len(tasks) > r.cfg.MaxTasks {
		tasks = tasks[:r.cfg.MaxTasks]
	}
	return tasks, nil
}

func (r *RemoteCapability) Execute(ctx context.Context, req TaskRequest, run ToolFunc) (*ExecuteResult, error) {
	return r.executeLoop(ctx, req, buildTaskPrompt(req), run)
}

func (r *RemoteCapability) Fix(ctx context.Context, req TaskRequest, run ToolFunc) (*ExecuteResult, error) {
	return r.executeLoop(ctx, req, buildTaskPrompt(req), run)
}

func (r *RemoteCapability) Verify(ctx context.Context, req TaskRequest, result *ExecuteResult) (*VerifyResult, error) {
	resp, err := r.send(ctx, messageRequest{
		SessionId: req.SessionId,
		System:    systemPrompt,
		Prompt:    buildVerifyPrompt(req, result),
	})
	if err != nil {
		return nil, err
	}

	verdict := &VerifyResult{}
	if err := json.Unmarshal([]byte(extractJson(resp.Content)), verdict); err != nil {
		return nil, fmt.Errorf("unparseable verification: %w", err)
	}
	return verdict, nil
}

func (r *RemoteCapability) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	resp, err := r.send(ctx, messageRequest{
		Prompt: buildSummarizePrompt(req),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// executeLoop drives one tool-use conversation until the service reports
// done or the tool budget runs out.
func (r *RemoteCapability) executeLoop(ctx context.Context, req TaskRequest, prompt string, run ToolFunc) (*ExecuteResult, error) {
	resp, err := r.send(ctx, messageRequest{
		SessionId: req.SessionId,
		System:    systemPrompt,
		Prompt:    prompt,
		Tools:     allTools,
	})
	if err != nil {
		return nil, err
	}

	result := &ExecuteResult{}
	toolBudget := r.cfg.MaxToolCalls

	for len(resp.ToolCalls) > 0 {
		if toolBudget <= 0 {
			return nil, fmt.Errorf("tool call budget exhausted for task %s", req.Task.ID)
		}

		var results []toolResult
		for _, call := range resp.ToolCalls {
			if toolBudget <= 0 {
				break
			}
			toolBudget--

			output, err := run(ctx, call)
			tr := toolResult{Name: call.Name, Output: output}
			if err != nil {
				tr.Error = err.Error()
				log.Debug().Err(err).Str("tool", call.Name).Msg("tool call failed")
			}
			results = append(results, tr)

			call.Output = output
			result.ToolCalls = append(result.ToolCalls, call)
		}

		resp, err = r.send(ctx, messageRequest{
			SessionId:   req.SessionId,
			ExchangeId:  resp.ExchangeId,
			ToolResults: results,
		})
		if err != nil {
			return nil, err
		}
	}

	result.Summary = strings.TrimSpace(resp.Content)
	return result, nil
}

func (r *RemoteCapability) send(ctx context.Context, msg messageRequest) (*messageResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("capability request: %w", err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read capability response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capability returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(payload)))
	}

	resp := &messageResponse{}
	if err := json.Unmarshal(payload, resp); err != nil {
		return nil, fmt.Errorf("decode capability response: %w", err)
	}
	return resp, nil
}

// extractJson strips a markdown code fence if the model wrapped its JSON in
// one.
func extractJson(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.LastIndex(content, "```"); idx >= 0 {
			content = content[:idx]
		}
	}
	return strings.TrimSpace(content)
}
