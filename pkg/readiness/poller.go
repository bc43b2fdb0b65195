package readiness

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skiff-cloud/skiff/pkg/cluster"
	"github.com/skiff-cloud/skiff/pkg/types"
)

// InstanceSource is the slice of the workload controller the poller needs
type InstanceSource interface {
	InstanceStatus(ctx context.Context, projectId string) (*cluster.InstanceStatus, error)
	RecentLogs(ctx context.Context, projectId string, windowSeconds int64) string
	PreviewURL(projectId string) string
}

// stageMessages is the operator-facing text attached to each stage event
var stageMessages = map[Stage]string{
	StageScheduling:     "Waiting for sandbox to be scheduled",
	StagePullingImage:   "Pulling sandbox image",
	StageStarting:       "Starting sandbox",
	StageCloningRepo:    "Cloning project template",
	StageInstallingDeps: "Installing dependencies",
	StageReady:          "Dev server is ready",
}

// Poller watches a starting sandbox and emits one stage event per forward
// transition until the dev server is ready or the timeout elapses.
type Poller struct {
	source InstanceSource
	cfg    types.ReadinessConfig
}

func NewPoller(source InstanceSource, cfg types.ReadinessConfig) *Poller {
	cfg.ApplyDefaults()
	return &Poller{source: source, cfg: cfg}
}

// WaitUntilReady polls the sandbox until the ready stage is observed.
// Stage events are deduplicated two ways: a log window byte-identical to
// the previous one is skipped entirely, and a classified stage is only
// emitted when it advances past the current one. onReady fires exactly
// once, before the final ready event, so callers can persist state that
// must be visible when the event lands.
func (p *Poller) WaitUntilReady(ctx context.Context, projectId string, sink types.EventSink, onReady func(ctx context.Context) error) error {
	deadline := time.Now().Add(p.cfg.Timeout)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var current Stage
	var lastLogs string

	emit := func(next Stage) {
		current = next
		event := types.StageEvent{
			Stage:     string(next),
			Message:   stageMessages[next],
			ProjectId: projectId,
		}
		// The ready event tells clients where to point their preview frame
		if next == StageReady {
			event.PreviewUrl = p.source.PreviewURL(projectId)
		}
		if err := sink.Send(types.EventStage, event); err != nil {
			log.Warn().Err(err).Str("project_id", projectId).Msg("failed to emit stage event")
		}
	}

	for {
		status, err := p.source.InstanceStatus(ctx, projectId)
		if err != nil {
			return fmt.Errorf("poll instance status: %w", err)
		}

		switch {
		case status == nil:
			if current == "" {
				emit(StageScheduling)
			}
		case status.ContainerState == "ContainerCreating":
			if Advances(current, StagePullingImage) {
				emit(StagePullingImage)
			}
		default:
			logs := p.source.RecentLogs(ctx, projectId, int64(p.cfg.Timeout/time.Second))
			if logs != "" && logs != lastLogs {
				lastLogs = logs
				if stage, ok := ClassifyLogs(logs); ok && Advances(current, stage) {
					if stage == StageReady {
						if onReady != nil {
							if err := onReady(ctx); err != nil {
								return fmt.Errorf("on ready: %w", err)
							}
						}
						emit(StageReady)
						log.Info().Str("project_id", projectId).Msg("sandbox ready")
						return nil
					}
					emit(stage)
				}
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("sandbox for %s not ready after %s (last stage: %s)", projectId, p.cfg.Timeout, current)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
